package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDAO is the root of every error the store reports.
var ErrDAO = errors.New("dao error")

var (
	// ErrDeviceNotFound means a referenced physical or logical uid does not exist.
	ErrDeviceNotFound = fmt.Errorf("%w: device not found", ErrDAO)

	// ErrUniqueViolation means a write collided with an existing row.
	ErrUniqueViolation = fmt.Errorf("%w: unique constraint violation", ErrDAO)

	// ErrAlreadyMapped means the physical device already has an active mapping.
	// The caller must end it first.
	ErrAlreadyMapped = fmt.Errorf("%w: physical device already has an active mapping", ErrUniqueViolation)

	// ErrLogicalAlreadyMapped means the logical device already has an active mapping.
	ErrLogicalAlreadyMapped = fmt.Errorf("%w: logical device already has an active mapping", ErrUniqueViolation)

	// ErrInvalidMapping means start and end times are out of order.
	ErrInvalidMapping = fmt.Errorf("%w: mapping end time must be after its start time", ErrDAO)

	// ErrConnection means the database could not be reached. It is retried
	// inside the store and surfaces only once retries are exhausted.
	ErrConnection = fmt.Errorf("%w: database unavailable", ErrDAO)

	// ErrInvalidRef means a mapping query named neither or both device kinds.
	ErrInvalidRef = fmt.Errorf("%w: exactly one of physical or logical uid is required", ErrDAO)
)

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnection)
}

// translate maps driver errors onto the store taxonomy, keeping the original
// error in the chain.
func translate(err error) error {
	if err == nil || errors.Is(err, ErrDAO) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			switch pgErr.ConstraintName {
			case idxActivePhysical:
				return fmt.Errorf("%w: %w", ErrAlreadyMapped, err)
			case idxActiveLogical:
				return fmt.Errorf("%w: %w", ErrLogicalAlreadyMapped, err)
			}
			return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
		case pgErr.Code == "23503":
			return fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
		case pgErr.Code == "23514" && pgErr.ConstraintName == chkMapInterval:
			return fmt.Errorf("%w: %w", ErrInvalidMapping, err)
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			pgErr.Code == "53300", // too many connections
			pgErr.Code == "57P01", // admin shutdown
			pgErr.Code == "57P02", // crash shutdown
			pgErr.Code == "57P03": // cannot connect now
			return fmt.Errorf("%w: %w", ErrConnection, err)
		}
		return fmt.Errorf("%w: %w", ErrDAO, err)
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connectErr),
		errors.As(err, &netErr),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, io.ErrUnexpectedEOF),
		pgconn.SafeToRetry(err):
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	return fmt.Errorf("%w: %w", ErrDAO, err)
}
