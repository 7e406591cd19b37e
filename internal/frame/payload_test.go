package frame

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/daemonp/paradox2mqtt/internal/types"
)

func TestEventRoundTrip(t *testing.T) {
	events := []Event{
		{ID: types.EntityID{Kind: types.KindZone, Number: 5}, Value: types.ZoneFlags{Open: true}},
		{ID: types.EntityID{Kind: types.KindZone, Number: 300}, Value: types.ZoneFlags{Tamper: true, Bypassed: true}},
		{ID: types.EntityID{Kind: types.KindPartition, Number: 1}, Value: types.StateArmedAway},
		{ID: types.EntityID{Kind: types.KindOutput, Number: 2}, Value: types.OutputValue(true)},
		{ID: types.EntityID{Kind: types.KindTrouble, Number: 4}, Value: types.TroubleValue(true)},
	}

	for _, want := range events {
		payload, err := EncodeEvent(want)
		if err != nil {
			t.Fatalf("EncodeEvent(%v) error = %v", want.ID, err)
		}
		got, err := DecodeEvent(payload)
		if err != nil {
			t.Fatalf("DecodeEvent(%v) error = %v", want.ID, err)
		}
		if got.ID != want.ID || !got.Value.Equal(want.Value) {
			t.Errorf("event round trip = %+v, want %+v", got, want)
		}
	}
}

func TestDecodeEvent_Malformed(t *testing.T) {
	bad := [][]byte{
		nil,
		{0x01, 0x05, 0x00},             // short
		{0x01, 0x05, 0x00, 0x01, 0x00}, // long
		{0x09, 0x05, 0x00, 0x01},       // unknown entity kind
		{0x01, 0x00, 0x00, 0x01},       // entity number 0
		{0x02, 0x01, 0x00, 0x0F},       // arm state out of range
	}
	for _, payload := range bad {
		if _, err := DecodeEvent(payload); !errors.Is(err, ErrMalformed) {
			t.Errorf("DecodeEvent(% x) error = %v, want ErrMalformed", payload, err)
		}
	}
}

func TestFullStatusRoundTrip(t *testing.T) {
	want := FullStatus{
		Zones: []types.ZoneFlags{
			{Open: true},
			{},
			{Tamper: true, LowBattery: true},
		},
		Partitions: []types.ArmState{types.StateDisarmed, types.StateArmedStay},
		Outputs:    []types.OutputValue{true, false, true},
	}
	want.Troubles[0] = true
	want.Troubles[7] = true

	got, err := DecodeFullStatus(EncodeFullStatus(want))
	if err != nil {
		t.Fatalf("DecodeFullStatus error = %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("full status round trip = %+v, want %+v", got, want)
	}
}

func TestDecodeFullStatus_Truncated(t *testing.T) {
	full := EncodeFullStatus(FullStatus{
		Zones:      []types.ZoneFlags{{Open: true}, {}},
		Partitions: []types.ArmState{types.StateDisarmed},
		Outputs:    []types.OutputValue{false},
	})
	for cut := 0; cut < len(full); cut++ {
		if _, err := DecodeFullStatus(full[:cut]); !errors.Is(err, ErrMalformed) {
			t.Errorf("DecodeFullStatus with %d bytes: error = %v, want ErrMalformed", cut, err)
		}
	}
}

func TestIdentificationRoundTrip(t *testing.T) {
	want := types.Device{
		Model:           "EVO192",
		SerialNumber:    "0102030405060708",
		FirmwareVersion: "7.30",
		Zones:           192,
		Partitions:      8,
		Outputs:         16,
	}
	payload, err := EncodeIdentification(want)
	if err != nil {
		t.Fatalf("EncodeIdentification error = %v", err)
	}
	got, err := DecodeIdentification(payload)
	if err != nil {
		t.Fatalf("DecodeIdentification error = %v", err)
	}
	if got != want {
		t.Errorf("identification round trip = %+v, want %+v", got, want)
	}
}

func TestDecodeLabels(t *testing.T) {
	payload := EncodeLabels([]string{"Front Door", "Garage", ""})
	labels, err := DecodeLabels(payload)
	if err != nil {
		t.Fatalf("DecodeLabels error = %v", err)
	}
	if len(labels) != 3 {
		t.Fatalf("DecodeLabels returned %d labels, want 3", len(labels))
	}
	if got := strings.TrimRight(labels[0], "\x00"); got != "Front Door" {
		t.Errorf("label 0 = %q, want %q", got, "Front Door")
	}

	if _, err := DecodeLabels(payload[:labelLen+3]); !errors.Is(err, ErrMalformed) {
		t.Errorf("partial label block: error = %v, want ErrMalformed", err)
	}
}

func TestEncodeCommand(t *testing.T) {
	payload, err := EncodeCommand(types.ActionArmAway, types.EntityID{Kind: types.KindPartition, Number: 1})
	if err != nil {
		t.Fatalf("EncodeCommand error = %v", err)
	}
	want := []byte{cmdArmAway, wirePartition, 0x01, 0x00}
	if !bytes.Equal(payload, want) {
		t.Errorf("EncodeCommand = % x, want % x", payload, want)
	}
}

func TestNackReason(t *testing.T) {
	tests := []struct {
		payload []byte
		want    string
	}{
		{[]byte{0x01}, "user code is invalid"},
		{[]byte{0x12}, "invalid PC password"},
		{[]byte{0x7F}, "error code 0x7F"},
		{nil, "no reason given"},
	}
	for _, tt := range tests {
		if got := NackReason(tt.payload); got != tt.want {
			t.Errorf("NackReason(% x) = %q, want %q", tt.payload, got, tt.want)
		}
	}
}
