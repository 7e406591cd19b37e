package frame

import (
	"errors"
	"fmt"
)

// Opcode tags the role of a frame on the wire.
type Opcode byte

const (
	OpLogin   Opcode = 0x5F
	OpPoll    Opcode = 0x50
	OpEvent   Opcode = 0xE0
	OpCommand Opcode = 0x40
	OpAck     Opcode = 0x42
	OpNack    Opcode = 0x72
)

func (o Opcode) String() string {
	switch o {
	case OpLogin:
		return "LOGIN"
	case OpPoll:
		return "POLL"
	case OpEvent:
		return "EVENT"
	case OpCommand:
		return "COMMAND"
	case OpAck:
		return "ACK"
	case OpNack:
		return "NACK"
	default:
		return fmt.Sprintf("OP(0x%02X)", byte(o))
	}
}

func knownOpcode(b byte) bool {
	switch Opcode(b) {
	case OpLogin, OpPoll, OpEvent, OpCommand, OpAck, OpNack:
		return true
	}
	return false
}

// Frame is one decoded protocol message. Seq correlates a response with
// the request that caused it; unsolicited events carry the panel's own
// rolling sequence.
type Frame struct {
	Opcode  Opcode
	Seq     byte
	Payload []byte
}

var (
	ErrMalformed     = errors.New("malformed frame")
	ErrUnknownOpcode = errors.New("unknown opcode")
)

// DecodeError reports why a buffer could not be decoded. Raw keeps the
// offending bytes for diagnostic logging; they must never reach state.
type DecodeError struct {
	Reason string
	Raw    []byte
	kind   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %s (% x)", e.kind, e.Reason, e.Raw)
}

func (e *DecodeError) Unwrap() error {
	return e.kind
}

func malformed(reason string, raw []byte) *DecodeError {
	return &DecodeError{Reason: reason, Raw: raw, kind: ErrMalformed}
}

func unknownOp(reason string, raw []byte) *DecodeError {
	return &DecodeError{Reason: reason, Raw: raw, kind: ErrUnknownOpcode}
}
