package frame

import (
	"fmt"
)

// Codec translates between Frames and the panel's wire format. It is a
// pure transform with no session state, so one instance can serve every
// connection. Implementations are per panel family; EvoCodec covers the
// EVO-style serial protocol.
type Codec interface {
	Encode(f Frame) []byte
	Decode(buf []byte) (Frame, error)
	EncodePassword(password string) ([]byte, error)
}

// EvoCodec implements the EVO-family wire format:
//
//	length | opcode | seq | payload... | checksum
//
// length counts every byte including itself and the checksum. The
// checksum is the running sum of all preceding bytes, mod 256.
type EvoCodec struct{}

const (
	headerLen = 3
	// MaxPayload is bounded by the single-byte length prefix.
	MaxPayload = 255 - headerLen - 1
)

func (EvoCodec) Encode(f Frame) []byte {
	if len(f.Payload) > MaxPayload {
		// Callers build payloads from bounded panel data; oversize here
		// is a programming error, not a wire condition.
		panic(fmt.Sprintf("frame payload too large: %d", len(f.Payload)))
	}
	length := headerLen + len(f.Payload) + 1
	buf := make([]byte, length)
	buf[0] = byte(length)
	buf[1] = byte(f.Opcode)
	buf[2] = f.Seq
	copy(buf[headerLen:], f.Payload)
	buf[length-1] = Checksum(buf[:length-1])
	return buf
}

func (EvoCodec) Decode(buf []byte) (Frame, error) {
	if len(buf) < headerLen+1 {
		return Frame{}, malformed("frame too short", buf)
	}
	if int(buf[0]) != len(buf) {
		return Frame{}, malformed(fmt.Sprintf("length byte %d does not match %d bytes", buf[0], len(buf)), buf)
	}
	if sum := Checksum(buf[:len(buf)-1]); sum != buf[len(buf)-1] {
		return Frame{}, malformed(fmt.Sprintf("checksum 0x%02X, expected 0x%02X", buf[len(buf)-1], sum), buf)
	}

	f := Frame{
		Opcode:  Opcode(buf[1]),
		Seq:     buf[2],
		Payload: append([]byte(nil), buf[headerLen:len(buf)-1]...),
	}
	if !knownOpcode(buf[1]) {
		// The frame is structurally valid, so hand it back alongside the
		// error for diagnostic logging.
		return f, unknownOp(fmt.Sprintf("opcode 0x%02X", buf[1]), buf)
	}
	return f, nil
}

// EncodePassword packs a 4-digit PC password as two BCD bytes, with the
// digit 0 encoded as 0xA per the panel's download protocol.
func (EvoCodec) EncodePassword(password string) ([]byte, error) {
	if len(password) != 4 {
		return nil, fmt.Errorf("password must be 4 digits, got %d", len(password))
	}
	nibbles := make([]byte, 4)
	for i, r := range password {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("password must be numeric")
		}
		d := byte(r - '0')
		if d == 0 {
			d = 0x0A
		}
		nibbles[i] = d
	}
	return []byte{
		nibbles[0]<<4 | nibbles[1],
		nibbles[2]<<4 | nibbles[3],
	}, nil
}

// Checksum is the running sum of data, mod 256.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// Scanner reassembles frames from a byte stream. Frames may arrive split
// across reads or coalesced into one; the length prefix delimits them.
type Scanner struct {
	buf []byte
}

// Push appends stream data and returns every complete raw frame now
// available, in arrival order. A zero length prefix can never occur in a
// valid stream, so it flushes the buffer to resynchronize.
func (s *Scanner) Push(data []byte) [][]byte {
	s.buf = append(s.buf, data...)

	var frames [][]byte
	for len(s.buf) > 0 {
		need := int(s.buf[0])
		if need < headerLen+1 {
			// Garbage length. Drop buffered bytes and wait for the link
			// to recover framing at the next quiet period.
			s.buf = nil
			break
		}
		if len(s.buf) < need {
			break
		}
		frames = append(frames, append([]byte(nil), s.buf[:need]...))
		s.buf = s.buf[need:]
	}
	return frames
}
