package poller

import (
	"encoding/binary"
	"errors"
	"fmt"

	mb "github.com/goburrow/modbus"

	"modbus-bridge/internal/device"
)

// FaultKind classifies a failed register read.
type FaultKind int

const (
	// FaultProtocol is an explicit Modbus exception response from the device.
	FaultProtocol FaultKind = iota + 1
	// FaultTransport is a timeout, reset or malformed frame mid-read.
	FaultTransport
)

func (k FaultKind) String() string {
	switch k {
	case FaultProtocol:
		return "protocol"
	case FaultTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// FaultError wraps a read failure with its classification. Code carries the
// Modbus exception code for protocol faults, zero otherwise.
type FaultError struct {
	Kind  FaultKind
	Code  byte
	cause error
}

func (e *FaultError) Error() string {
	if e.Kind == FaultProtocol {
		return fmt.Sprintf("protocol fault (exception code %d): %v", e.Code, e.cause)
	}
	return fmt.Sprintf("transport fault: %v", e.cause)
}

func (e *FaultError) Unwrap() error { return e.cause }

// Result is the outcome of one read spec: decoded register values on
// success, a FaultError otherwise. Results are per-address and never
// aggregated; partial success within a device is normal.
type Result struct {
	Address uint16
	Values  []uint16
	Err     error
}

// Ok reports whether the read succeeded.
func (r Result) Ok() bool { return r.Err == nil }

// ReadAll executes every spec against the session in order, one result per
// spec. A failing read never prevents the remaining reads: isolation is
// per-address, not per-device. Individual reads are not retried within a
// sweep.
func ReadAll(s Session, specs []device.ReadSpec) []Result {
	results := make([]Result, 0, len(specs))
	for _, spec := range specs {
		data, err := s.ReadHoldingRegisters(spec.Address, spec.Count)
		if err != nil {
			results = append(results, Result{Address: spec.Address, Err: classify(err)})
			continue
		}
		values, err := decodeRegisters(data, spec.Count)
		if err != nil {
			results = append(results, Result{Address: spec.Address, Err: &FaultError{Kind: FaultTransport, cause: err}})
			continue
		}
		results = append(results, Result{Address: spec.Address, Values: values})
	}
	return results
}

// classify maps a goburrow client error onto the fault taxonomy. An explicit
// Modbus exception response surfaces as *mb.ModbusError; everything else is
// a transport-level failure.
func classify(err error) error {
	var me *mb.ModbusError
	if errors.As(err, &me) {
		return &FaultError{Kind: FaultProtocol, Code: me.ExceptionCode, cause: err}
	}
	return &FaultError{Kind: FaultTransport, cause: err}
}

// decodeRegisters unpacks a big-endian register payload into count values.
func decodeRegisters(data []byte, count uint16) ([]uint16, error) {
	if len(data) < int(count)*2 {
		return nil, fmt.Errorf("short register payload: got %d bytes, want %d", len(data), int(count)*2)
	}
	values := make([]uint16, count)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[i*2 : i*2+2])
	}
	return values, nil
}
