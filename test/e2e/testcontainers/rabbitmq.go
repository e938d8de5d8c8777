// Package testcontainers starts the PostgreSQL and RabbitMQ containers the
// e2e suites run against.
package testcontainers

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const amqpPort nat.Port = "5672/tcp"

// RabbitMQConfig holds configuration for RabbitMQ test container.
type RabbitMQConfig struct {
	// User is the RabbitMQ username (default: guest)
	User string
	// Password is the RabbitMQ password (default: guest)
	Password string
	// ContainerName is the name of the container (optional)
	ContainerName string
}

// StartRabbitMQ starts a RabbitMQ container for testing and returns the container and AMQP URL.
func StartRabbitMQ(ctx context.Context, config *RabbitMQConfig) (testcontainers.Container, string, error) {
	cfg := RabbitMQConfig{User: "guest", Password: "guest"}
	if config != nil {
		cfg.ContainerName = config.ContainerName
		if config.User != "" {
			cfg.User = config.User
		}
		if config.Password != "" {
			cfg.Password = config.Password
		}
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3-management-alpine",
			ExposedPorts: []string{string(amqpPort)},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort(amqpPort),
				wait.ForLog("Server startup complete"),
			).WithDeadline(2 * time.Minute),
			Env: map[string]string{
				"RABBITMQ_DEFAULT_USER": cfg.User,
				"RABBITMQ_DEFAULT_PASS": cfg.Password,
			},
			Name: cfg.ContainerName,
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to start RabbitMQ container: %w", err)
	}

	host, port, err := endpoint(ctx, container, amqpPort)
	if err != nil {
		return nil, "", err
	}
	return container, fmt.Sprintf("amqp://%s:%s@%s:%d/", cfg.User, cfg.Password, host, port), nil
}

// endpoint resolves the host address of a container port, terminating the
// container when it cannot.
func endpoint(ctx context.Context, container testcontainers.Container, port nat.Port) (string, int, error) {
	host, err := container.Host(ctx)
	if err != nil {
		return "", 0, terminate(ctx, container, fmt.Errorf("failed to get container host: %w", err))
	}
	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		return "", 0, terminate(ctx, container, fmt.Errorf("failed to get container port: %w", err))
	}
	return host, mapped.Int(), nil
}

func terminate(ctx context.Context, container testcontainers.Container, err error) error {
	if termErr := container.Terminate(ctx); termErr != nil {
		return fmt.Errorf("%w (cleanup error: %w)", err, termErr)
	}
	return err
}
