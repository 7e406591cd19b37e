package frame

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/daemonp/paradox2mqtt/internal/types"
)

// Wire entity kinds. These are protocol bytes, distinct from the model's
// EntityKind values.
const (
	wireZone      byte = 0x01
	wirePartition byte = 0x02
	wireOutput    byte = 0x03
	wireTrouble   byte = 0x04
)

func wireKind(k types.EntityKind) (byte, error) {
	switch k {
	case types.KindZone:
		return wireZone, nil
	case types.KindPartition:
		return wirePartition, nil
	case types.KindOutput:
		return wireOutput, nil
	case types.KindTrouble:
		return wireTrouble, nil
	default:
		return 0, fmt.Errorf("no wire encoding for entity kind %d", int(k))
	}
}

func modelKind(b byte) (types.EntityKind, error) {
	switch b {
	case wireZone:
		return types.KindZone, nil
	case wirePartition:
		return types.KindPartition, nil
	case wireOutput:
		return types.KindOutput, nil
	case wireTrouble:
		return types.KindTrouble, nil
	default:
		return 0, fmt.Errorf("unknown wire entity kind 0x%02X", b)
	}
}

// PollBlock selects what a POLL frame asks the panel for. Block 0 is the
// keep-alive; the rest drive inventory and resync.
type PollBlock byte

const (
	PollKeepalive       PollBlock = 0x00
	PollStatus          PollBlock = 0x01
	PollIdentify        PollBlock = 0x02
	PollZoneLabels      PollBlock = 0x03
	PollPartitionLabels PollBlock = 0x04
	PollOutputLabels    PollBlock = 0x05
)

// EncodePoll builds a POLL payload for one block.
func EncodePoll(block PollBlock) []byte {
	return []byte{byte(block)}
}

// EncodeLogin builds a LOGIN payload from the site id and the
// BCD-encoded password.
func EncodeLogin(siteID int, password []byte) []byte {
	p := make([]byte, 2, 2+len(password))
	binary.LittleEndian.PutUint16(p, uint16(siteID))
	return append(p, password...)
}

// Zone status bits.
const (
	zoneOpen     = 1 << 0
	zoneTamper   = 1 << 1
	zoneBypassed = 1 << 2
	zoneLowBatt  = 1 << 3
	zoneAlarmMem = 1 << 4
)

func decodeZoneFlags(b byte) types.ZoneFlags {
	return types.ZoneFlags{
		Open:        b&zoneOpen != 0,
		Tamper:      b&zoneTamper != 0,
		Bypassed:    b&zoneBypassed != 0,
		LowBattery:  b&zoneLowBatt != 0,
		AlarmMemory: b&zoneAlarmMem != 0,
	}
}

func encodeZoneFlags(z types.ZoneFlags) byte {
	var b byte
	if z.Open {
		b |= zoneOpen
	}
	if z.Tamper {
		b |= zoneTamper
	}
	if z.Bypassed {
		b |= zoneBypassed
	}
	if z.LowBattery {
		b |= zoneLowBatt
	}
	if z.AlarmMemory {
		b |= zoneAlarmMem
	}
	return b
}

func decodeValue(kind types.EntityKind, b byte) (types.Value, error) {
	switch kind {
	case types.KindZone:
		return decodeZoneFlags(b), nil
	case types.KindPartition:
		st := types.ArmState(b & 0x0F)
		if st > types.StateInAlarm {
			return nil, fmt.Errorf("arm state %d out of range", st)
		}
		return st, nil
	case types.KindOutput:
		return types.OutputValue(b&0x01 != 0), nil
	case types.KindTrouble:
		return types.TroubleValue(b&0x01 != 0), nil
	default:
		return nil, fmt.Errorf("no value decoding for entity kind %d", int(kind))
	}
}

func encodeValue(v types.Value) (byte, error) {
	switch val := v.(type) {
	case types.ZoneFlags:
		return encodeZoneFlags(val), nil
	case types.ArmState:
		return byte(val), nil
	case types.OutputValue:
		if val {
			return 1, nil
		}
		return 0, nil
	case types.TroubleValue:
		if val {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("no wire encoding for value %T", v)
	}
}

// Event is one decoded unsolicited state change.
type Event struct {
	ID    types.EntityID
	Value types.Value
}

// DecodeEvent parses an EVENT payload: kind, entity number (LE16) and a
// value byte. Decoding is all-or-nothing; a bad field rejects the event.
func DecodeEvent(payload []byte) (Event, error) {
	if len(payload) != 4 {
		return Event{}, malformed(fmt.Sprintf("event payload is %d bytes, want 4", len(payload)), payload)
	}
	kind, err := modelKind(payload[0])
	if err != nil {
		return Event{}, malformed(err.Error(), payload)
	}
	number := int(binary.LittleEndian.Uint16(payload[1:3]))
	if number == 0 {
		return Event{}, malformed("entity number 0", payload)
	}
	value, err := decodeValue(kind, payload[3])
	if err != nil {
		return Event{}, malformed(err.Error(), payload)
	}
	return Event{
		ID:    types.EntityID{Kind: kind, Number: number},
		Value: value,
	}, nil
}

// EncodeEvent is the inverse of DecodeEvent, used by tests and the fake
// panel.
func EncodeEvent(e Event) ([]byte, error) {
	kind, err := wireKind(e.ID.Kind)
	if err != nil {
		return nil, err
	}
	value, err := encodeValue(e.Value)
	if err != nil {
		return nil, err
	}
	p := make([]byte, 4)
	p[0] = kind
	binary.LittleEndian.PutUint16(p[1:3], uint16(e.ID.Number))
	p[3] = value
	return p, nil
}

// FullStatus is the panel's complete state block, returned for
// PollStatus and used to (re)build the model snapshot.
type FullStatus struct {
	Zones      []types.ZoneFlags
	Partitions []types.ArmState
	Outputs    []types.OutputValue
	Troubles   [8]types.TroubleValue
}

// DecodeFullStatus parses a status block:
//
//	zoneCount(LE16) zoneByte×N partCount(1) partByte×M
//	outCount(1) outByte×K troubleBits(1)
func DecodeFullStatus(payload []byte) (FullStatus, error) {
	var fs FullStatus
	if len(payload) < 2 {
		return fs, malformed("status block too short", payload)
	}
	zones := int(binary.LittleEndian.Uint16(payload[:2]))
	rest := payload[2:]
	if len(rest) < zones+1 {
		return fs, malformed("status block truncated in zones", payload)
	}
	for _, b := range rest[:zones] {
		fs.Zones = append(fs.Zones, decodeZoneFlags(b))
	}
	rest = rest[zones:]

	parts := int(rest[0])
	rest = rest[1:]
	if len(rest) < parts+1 {
		return fs, malformed("status block truncated in partitions", payload)
	}
	for _, b := range rest[:parts] {
		st := types.ArmState(b & 0x0F)
		if st > types.StateInAlarm {
			return fs, malformed(fmt.Sprintf("arm state %d out of range", st), payload)
		}
		fs.Partitions = append(fs.Partitions, st)
	}
	rest = rest[parts:]

	outs := int(rest[0])
	rest = rest[1:]
	if len(rest) != outs+1 {
		return fs, malformed("status block truncated in outputs", payload)
	}
	for _, b := range rest[:outs] {
		fs.Outputs = append(fs.Outputs, types.OutputValue(b&0x01 != 0))
	}

	troubleBits := rest[outs]
	for i := 0; i < 8; i++ {
		fs.Troubles[i] = types.TroubleValue(troubleBits&(1<<i) != 0)
	}
	return fs, nil
}

// EncodeFullStatus is the inverse of DecodeFullStatus.
func EncodeFullStatus(fs FullStatus) []byte {
	p := make([]byte, 2, 4+len(fs.Zones)+len(fs.Partitions)+len(fs.Outputs))
	binary.LittleEndian.PutUint16(p, uint16(len(fs.Zones)))
	for _, z := range fs.Zones {
		p = append(p, encodeZoneFlags(z))
	}
	p = append(p, byte(len(fs.Partitions)))
	for _, st := range fs.Partitions {
		p = append(p, byte(st))
	}
	p = append(p, byte(len(fs.Outputs)))
	for _, o := range fs.Outputs {
		if o {
			p = append(p, 1)
		} else {
			p = append(p, 0)
		}
	}
	var troubleBits byte
	for i, t := range fs.Troubles {
		if t {
			troubleBits |= 1 << i
		}
	}
	return append(p, troubleBits)
}

const (
	identModelLen    = 16
	identSerialLen   = 8
	identFirmwareLen = 8
	identLen         = identModelLen + identSerialLen + identFirmwareLen + 4
)

// DecodeIdentification parses the identify block: fixed-width model,
// serial and firmware fields followed by entity counts.
func DecodeIdentification(payload []byte) (types.Device, error) {
	if len(payload) != identLen {
		return types.Device{}, malformed(fmt.Sprintf("identify block is %d bytes, want %d", len(payload), identLen), payload)
	}
	serial := payload[identModelLen : identModelLen+identSerialLen]
	fwStart := identModelLen + identSerialLen
	return types.Device{
		Model:           trimPadding(payload[:identModelLen]),
		SerialNumber:    fmt.Sprintf("%x", serial),
		FirmwareVersion: trimPadding(payload[fwStart : fwStart+identFirmwareLen]),
		Zones:           int(binary.LittleEndian.Uint16(payload[identLen-4 : identLen-2])),
		Partitions:      int(payload[identLen-2]),
		Outputs:         int(payload[identLen-1]),
	}, nil
}

// EncodeIdentification is the inverse of DecodeIdentification. The
// serial must be 8 raw bytes hex-printed, as DecodeIdentification emits.
func EncodeIdentification(d types.Device) ([]byte, error) {
	p := make([]byte, identLen)
	copy(p[:identModelLen], d.Model)
	serial, err := hex.DecodeString(d.SerialNumber)
	if err != nil || len(serial) != identSerialLen {
		return nil, fmt.Errorf("serial number %q is not %d hex bytes", d.SerialNumber, identSerialLen)
	}
	copy(p[identModelLen:], serial)
	copy(p[identModelLen+identSerialLen:], d.FirmwareVersion)
	binary.LittleEndian.PutUint16(p[identLen-4:], uint16(d.Zones))
	p[identLen-2] = byte(d.Partitions)
	p[identLen-1] = byte(d.Outputs)
	return p, nil
}

const labelLen = 16

// DecodeLabels splits a label block into fixed-width 16-byte fields,
// index 0 holding entity number 1. Padding is stripped by the caller via
// util.Normalize so the codec stays transform-only.
func DecodeLabels(payload []byte) ([]string, error) {
	if len(payload)%labelLen != 0 {
		return nil, malformed(fmt.Sprintf("label block of %d bytes is not a multiple of %d", len(payload), labelLen), payload)
	}
	labels := make([]string, 0, len(payload)/labelLen)
	for i := 0; i < len(payload); i += labelLen {
		labels = append(labels, string(payload[i:i+labelLen]))
	}
	return labels, nil
}

// EncodeLabels is the inverse of DecodeLabels, NUL-padding each label.
func EncodeLabels(labels []string) []byte {
	p := make([]byte, len(labels)*labelLen)
	for i, l := range labels {
		copy(p[i*labelLen:(i+1)*labelLen], l)
	}
	return p
}

// Command actions on the wire.
const (
	cmdArmAway   byte = 0x01
	cmdArmStay   byte = 0x02
	cmdDisarm    byte = 0x03
	cmdBypass    byte = 0x04
	cmdUnbypass  byte = 0x05
	cmdOutputOn  byte = 0x06
	cmdOutputOff byte = 0x07
)

func wireAction(a types.Action) (byte, error) {
	switch a {
	case types.ActionArmAway:
		return cmdArmAway, nil
	case types.ActionArmStay:
		return cmdArmStay, nil
	case types.ActionDisarm:
		return cmdDisarm, nil
	case types.ActionBypass:
		return cmdBypass, nil
	case types.ActionUnbypass:
		return cmdUnbypass, nil
	case types.ActionOutputOn:
		return cmdOutputOn, nil
	case types.ActionOutputOff:
		return cmdOutputOff, nil
	default:
		return 0, fmt.Errorf("no wire encoding for action %d", int(a))
	}
}

// EncodeCommand builds a COMMAND payload: action, entity kind and
// number (LE16).
func EncodeCommand(action types.Action, target types.EntityID) ([]byte, error) {
	act, err := wireAction(action)
	if err != nil {
		return nil, err
	}
	kind, err := wireKind(target.Kind)
	if err != nil {
		return nil, err
	}
	p := make([]byte, 4)
	p[0] = act
	p[1] = kind
	binary.LittleEndian.PutUint16(p[2:], uint16(target.Number))
	return p, nil
}

// NackReason translates a NACK reason byte into the panel's meaning.
// Codes follow the download-protocol error table.
func NackReason(payload []byte) string {
	if len(payload) == 0 {
		return "no reason given"
	}
	switch payload[0] {
	case 0x00:
		return "requested command did not work"
	case 0x01:
		return "user code is invalid"
	case 0x02:
		return "partition in code lockout"
	case 0x05:
		return "panel will disconnect"
	case 0x10:
		return "panel not connected"
	case 0x11:
		return "panel already connected"
	case 0x12:
		return "invalid PC password"
	case 0x14:
		return "invalid module address"
	case 0x17:
		return "record number out of range"
	case 0x1C:
		return "invalid label number"
	default:
		return fmt.Sprintf("error code 0x%02X", payload[0])
	}
}

func trimPadding(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == 0 || b[end-1] == ' ') {
		end--
	}
	return string(b[:end])
}
