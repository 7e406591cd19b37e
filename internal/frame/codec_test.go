package frame

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	codec := EvoCodec{}
	frames := []Frame{
		{Opcode: OpLogin, Seq: 1, Payload: []byte{0x01, 0x00, 0x12, 0x34}},
		{Opcode: OpPoll, Seq: 200, Payload: []byte{0x00}},
		{Opcode: OpEvent, Seq: 7, Payload: []byte{0x01, 0x05, 0x00, 0x01}},
		{Opcode: OpCommand, Seq: 255, Payload: []byte{0x01, 0x02, 0x01, 0x00}},
		{Opcode: OpAck, Seq: 0, Payload: nil},
		{Opcode: OpNack, Seq: 13, Payload: []byte{0x12}},
	}

	for _, want := range frames {
		buf := codec.Encode(want)
		got, err := codec.Decode(buf)
		if err != nil {
			t.Fatalf("Decode(%s seq=%d) error = %v", want.Opcode, want.Seq, err)
		}
		if got.Opcode != want.Opcode || got.Seq != want.Seq || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("round trip = %+v, want %+v", got, want)
		}
	}
}

func TestDecode_CorruptedChecksum(t *testing.T) {
	codec := EvoCodec{}
	buf := codec.Encode(Frame{Opcode: OpEvent, Seq: 3, Payload: []byte{0x01, 0x05, 0x00, 0x01}})
	buf[len(buf)-1] ^= 0xFF

	_, err := codec.Decode(buf)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("Decode error = %v, want ErrMalformed", err)
	}

	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("Decode error is %T, want *DecodeError", err)
	}
	if !bytes.Equal(decErr.Raw, buf) {
		t.Errorf("DecodeError.Raw does not carry the offending bytes")
	}
}

func TestDecode_LengthMismatch(t *testing.T) {
	codec := EvoCodec{}
	buf := codec.Encode(Frame{Opcode: OpAck, Seq: 1})
	buf[0]++ // claims one more byte than present

	if _, err := codec.Decode(buf); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Decode error = %v, want ErrMalformed", err)
	}
}

func TestDecode_TooShort(t *testing.T) {
	codec := EvoCodec{}
	for _, buf := range [][]byte{nil, {0x04}, {0x04, 0x42}, {0x04, 0x42, 0x01}} {
		if _, err := codec.Decode(buf); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(% x) error = %v, want ErrMalformed", buf, err)
		}
	}
}

func TestDecode_UnknownOpcode(t *testing.T) {
	codec := EvoCodec{}
	buf := []byte{0x06, 0x99, 0x02, 0xAA, 0xBB, 0x00}
	buf[5] = Checksum(buf[:5])

	f, err := codec.Decode(buf)
	if !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("Decode error = %v, want ErrUnknownOpcode", err)
	}
	// The structurally valid frame is still returned for diagnostics.
	if !bytes.Equal(f.Payload, []byte{0xAA, 0xBB}) {
		t.Errorf("frame payload = % x, want aa bb", f.Payload)
	}
}

func TestEncodePassword(t *testing.T) {
	codec := EvoCodec{}
	tests := []struct {
		password string
		want     []byte
	}{
		{"1234", []byte{0x12, 0x34}},
		{"9999", []byte{0x99, 0x99}},
		// The digit 0 is encoded as 0xA.
		{"1030", []byte{0x1A, 0x3A}},
		{"0000", []byte{0xAA, 0xAA}},
	}
	for _, tt := range tests {
		got, err := codec.EncodePassword(tt.password)
		if err != nil {
			t.Fatalf("EncodePassword(%q) error = %v", tt.password, err)
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("EncodePassword(%q) = % x, want % x", tt.password, got, tt.want)
		}
	}
}

func TestEncodePassword_Invalid(t *testing.T) {
	codec := EvoCodec{}
	for _, password := range []string{"", "123", "12345", "12a4"} {
		if _, err := codec.EncodePassword(password); err == nil {
			t.Errorf("EncodePassword(%q) expected error, got nil", password)
		}
	}
}

func TestScanner_SplitAndCoalesced(t *testing.T) {
	codec := EvoCodec{}
	f1 := codec.Encode(Frame{Opcode: OpAck, Seq: 1})
	f2 := codec.Encode(Frame{Opcode: OpEvent, Seq: 2, Payload: []byte{0x01, 0x05, 0x00, 0x01}})

	var s Scanner

	// Both frames in one read.
	got := s.Push(append(append([]byte(nil), f1...), f2...))
	if len(got) != 2 {
		t.Fatalf("coalesced push returned %d frames, want 2", len(got))
	}
	if !bytes.Equal(got[0], f1) || !bytes.Equal(got[1], f2) {
		t.Errorf("coalesced frames do not match input")
	}

	// One frame split across three reads.
	if got := s.Push(f2[:1]); got != nil {
		t.Fatalf("partial push returned %d frames, want 0", len(got))
	}
	if got := s.Push(f2[1:3]); got != nil {
		t.Fatalf("partial push returned %d frames, want 0", len(got))
	}
	got = s.Push(f2[3:])
	if len(got) != 1 || !bytes.Equal(got[0], f2) {
		t.Fatalf("split frame not reassembled: %v", got)
	}
}

func TestScanner_GarbageLengthResets(t *testing.T) {
	var s Scanner
	if got := s.Push([]byte{0x00, 0x01, 0x02}); got != nil {
		t.Fatalf("garbage push returned frames: %v", got)
	}

	codec := EvoCodec{}
	f := codec.Encode(Frame{Opcode: OpAck, Seq: 9})
	got := s.Push(f)
	if len(got) != 1 || !bytes.Equal(got[0], f) {
		t.Fatalf("scanner did not recover after garbage: %v", got)
	}
}
