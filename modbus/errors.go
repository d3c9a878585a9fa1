package modbus

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	gomodbus "github.com/goburrow/modbus"
)

// ErrorKind is the closed set of transport failure classes.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindIllegalFunction
	KindIllegalDataAddress
	KindIllegalDataValue
	KindDeviceFailure
	KindDeviceBusy
	KindTimeout
	KindBadChecksum
	KindBadResponseLength
)

func (k ErrorKind) String() string {
	switch k {
	case KindIllegalFunction:
		return "IllegalFunction"
	case KindIllegalDataAddress:
		return "IllegalDataAddress"
	case KindIllegalDataValue:
		return "IllegalDataValue"
	case KindDeviceFailure:
		return "DeviceFailure"
	case KindDeviceBusy:
		return "DeviceBusy"
	case KindTimeout:
		return "Timeout"
	case KindBadChecksum:
		return "BadChecksum"
	case KindBadResponseLength:
		return "BadResponseLength"
	default:
		return "Unknown"
	}
}

// TransportError is a classified failure of a single register read.
type TransportError struct {
	Kind    ErrorKind
	Address uint16 // Physical address of the failed read
	Err     error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("read holding register %d: %s", e.Address, e.Kind)
	}
	return fmt.Sprintf("read holding register %d: %s: %v", e.Address, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err, or KindUnknown when err is not
// a TransportError.
func KindOf(err error) ErrorKind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// Classify maps a raw transport error onto the closed taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}

	var mbErr *gomodbus.ModbusError
	if errors.As(err, &mbErr) {
		switch mbErr.ExceptionCode {
		case gomodbus.ExceptionCodeIllegalFunction:
			return KindIllegalFunction
		case gomodbus.ExceptionCodeIllegalDataAddress:
			return KindIllegalDataAddress
		case gomodbus.ExceptionCodeIllegalDataValue:
			return KindIllegalDataValue
		case gomodbus.ExceptionCodeServerDeviceFailure,
			gomodbus.ExceptionCodeMemoryParityError,
			gomodbus.ExceptionCodeGatewayPathUnavailable:
			return KindDeviceFailure
		case gomodbus.ExceptionCodeAcknowledge, gomodbus.ExceptionCodeServerDeviceBusy:
			return KindDeviceBusy
		case gomodbus.ExceptionCodeGatewayTargetDeviceFailedToRespond:
			return KindTimeout
		}
		return KindUnknown
	}

	if errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	// The serial and framing layers only report these as plain strings
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "crc"), strings.Contains(msg, "checksum"):
		return KindBadChecksum
	case strings.Contains(msg, "length"), strings.Contains(msg, "size"):
		return KindBadResponseLength
	}
	return KindUnknown
}

// wrap returns err as a *TransportError for the given physical address.
func wrap(address uint16, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Kind: Classify(err), Address: address, Err: err}
}
