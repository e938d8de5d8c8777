// Package envelope defines the normalized JSON messages exchanged between
// pipeline stages: physical timeseries (published by ingestion adapters) and
// logical timeseries (published by the logical mapper).
package envelope

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// JSON keys shared by every stage of the pipeline.
const (
	KeyCorrelationID = "broker_correlation_id"
	KeyRawMessage    = "raw_msg"
	KeyPhysicalUID   = "p_uid"
	KeyLogicalUID    = "l_uid"
	KeyTimestamp     = "timestamp"
	KeyTimeseries    = "timeseries"
)

// Fanout exchanges carrying each envelope kind.
const (
	PhysicalExchange = "physical_timeseries"
	LogicalExchange  = "logical_timeseries"
)

const schemaBase = "https://procodus.dev/telemetry-broker/"

//go:embed schema/*.json
var schemaFS embed.FS

var (
	schemaOnce     sync.Once
	physicalSchema *jsonschema.Schema
	logicalSchema  *jsonschema.Schema
	errSchema      error
)

// DecodeError reports a payload that cannot be turned into an envelope.
// Messages failing with a DecodeError must never be retried.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode error: %s: %v", e.Reason, e.Err)
	}
	return "decode error: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewDecodeError wraps err as a DecodeError.
func NewDecodeError(reason string, err error) error {
	return &DecodeError{Reason: reason, Err: err}
}

// IsDecodeError reports whether err is, or wraps, a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Point is a single named reading.
type Point struct {
	Name      string     `json:"name"`
	Value     float64    `json:"value"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Physical is the physical-timeseries envelope.
type Physical struct {
	CorrelationID string    `json:"broker_correlation_id"`
	PhysicalUID   int64     `json:"p_uid"`
	Timestamp     time.Time `json:"timestamp"`
	Timeseries    []Point   `json:"timeseries"`
}

// Logical is the logical-timeseries envelope: a physical envelope stamped
// with the logical device it is currently mapped to.
type Logical struct {
	Physical
	LogicalUID int64 `json:"l_uid"`
}

// ToLogical stamps p with the logical device uid.
func (p *Physical) ToLogical(logicalUID int64) *Logical {
	return &Logical{Physical: *p, LogicalUID: logicalUID}
}

// Encode marshals the envelope. A nil timeseries is written as an empty array.
func (p *Physical) Encode() ([]byte, error) {
	out := *p
	if out.Timeseries == nil {
		out.Timeseries = []Point{}
	}
	return json.Marshal(out)
}

// Encode marshals the envelope.
func (l *Logical) Encode() ([]byte, error) {
	out := *l
	if out.Timeseries == nil {
		out.Timeseries = []Point{}
	}
	return json.Marshal(out)
}

// DecodePhysical validates data against the physical-timeseries schema and
// unmarshals it.
func DecodePhysical(data []byte) (*Physical, error) {
	if err := validate(data, false); err != nil {
		return nil, err
	}
	var p Physical
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, NewDecodeError("invalid physical timeseries", err)
	}
	return &p, nil
}

// DecodeLogical validates data against the logical-timeseries schema and
// unmarshals it.
func DecodeLogical(data []byte) (*Logical, error) {
	if err := validate(data, true); err != nil {
		return nil, err
	}
	var l Logical
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, NewDecodeError("invalid logical timeseries", err)
	}
	return &l, nil
}

func validate(data []byte, logical bool) error {
	schemaOnce.Do(compileSchemas)
	if errSchema != nil {
		return fmt.Errorf("envelope schemas unavailable: %w", errSchema)
	}

	doc, err := decodeDocument(data)
	if err != nil {
		return NewDecodeError("payload is not JSON", err)
	}

	schema := physicalSchema
	if logical {
		schema = logicalSchema
	}
	if err := schema.Validate(doc); err != nil {
		return NewDecodeError("envelope failed schema validation", err)
	}
	return nil
}

// decodeDocument decodes data into the generic form the validator expects,
// keeping numbers as json.Number.
func decodeDocument(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON document")
	}
	return doc, nil
}

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	compiler.AssertFormat = true

	for _, name := range []string{"physical_timeseries.json", "logical_timeseries.json"} {
		raw, err := schemaFS.ReadFile("schema/" + name)
		if err != nil {
			errSchema = err
			return
		}
		if err := compiler.AddResource(schemaBase+name, bytes.NewReader(raw)); err != nil {
			errSchema = err
			return
		}
	}

	physicalSchema, errSchema = compiler.Compile(schemaBase + "physical_timeseries.json")
	if errSchema != nil {
		return
	}
	logicalSchema, errSchema = compiler.Compile(schemaBase + "logical_timeseries.json")
}
