package types

import (
	"fmt"
	"strings"
)

// EntityKind identifies the class of a panel entity.
type EntityKind int

const (
	KindPartition EntityKind = iota + 1
	KindZone
	KindOutput
	KindTrouble
)

func (k EntityKind) String() string {
	switch k {
	case KindPartition:
		return "partition"
	case KindZone:
		return "zone"
	case KindOutput:
		return "output"
	case KindTrouble:
		return "trouble"
	default:
		return fmt.Sprintf("unknown-kind-%d", int(k))
	}
}

// ParseEntityKind maps a topic segment to an EntityKind.
func ParseEntityKind(s string) (EntityKind, bool) {
	switch strings.ToLower(s) {
	case "partition":
		return KindPartition, true
	case "zone":
		return KindZone, true
	case "output":
		return KindOutput, true
	case "trouble":
		return KindTrouble, true
	default:
		return 0, false
	}
}

// EntityID addresses one entity on the panel.
type EntityID struct {
	Kind   EntityKind
	Number int
}

func (id EntityID) String() string {
	return fmt.Sprintf("%s/%d", id.Kind, id.Number)
}

// Less orders ids by kind then number. Diff output and command queues
// rely on this ordering being total and stable.
func (id EntityID) Less(other EntityID) bool {
	if id.Kind != other.Kind {
		return id.Kind < other.Kind
	}
	return id.Number < other.Number
}

// Value is the state of one entity at a point in time. Concrete types are
// ZoneFlags, ArmState, OutputValue and TroubleValue.
type Value interface {
	Equal(Value) bool
	String() string
}

// ZoneFlags is the decoded zone status bitfield.
type ZoneFlags struct {
	Open        bool
	Tamper      bool
	Bypassed    bool
	LowBattery  bool
	AlarmMemory bool
}

func (z ZoneFlags) Equal(v Value) bool {
	other, ok := v.(ZoneFlags)
	return ok && z == other
}

func (z ZoneFlags) String() string {
	if z.Open {
		return "open"
	}
	return "closed"
}

// ArmState is the arming status of a partition.
type ArmState int

const (
	StateDisarmed ArmState = iota
	StateArming
	StateArmedAway
	StateArmedStay
	StateInAlarm
)

func (a ArmState) Equal(v Value) bool {
	other, ok := v.(ArmState)
	return ok && a == other
}

func (a ArmState) String() string {
	switch a {
	case StateDisarmed:
		return "disarmed"
	case StateArming:
		return "arming"
	case StateArmedAway:
		return "armed_away"
	case StateArmedStay:
		return "armed_stay"
	case StateInAlarm:
		return "in_alarm"
	default:
		return fmt.Sprintf("unknown-arm-state-%d", int(a))
	}
}

// OutputValue is the on/off state of a programmable output.
type OutputValue bool

func (o OutputValue) Equal(v Value) bool {
	other, ok := v.(OutputValue)
	return ok && o == other
}

func (o OutputValue) String() string {
	if o {
		return "on"
	}
	return "off"
}

// TroubleValue is the active/inactive state of a system trouble.
type TroubleValue bool

func (t TroubleValue) Equal(v Value) bool {
	other, ok := v.(TroubleValue)
	return ok && t == other
}

func (t TroubleValue) String() string {
	if t {
		return "active"
	}
	return "inactive"
}

// TroubleNames maps trouble entity numbers to their panel meaning.
var TroubleNames = map[int]string{
	1: "AC Loss",
	2: "Battery Low",
	3: "Bell Disconnected",
	4: "Communication Failure",
	5: "Module Tamper",
	6: "Zone Fault",
	7: "Clock Loss",
	8: "Fire Loop Trouble",
}

// Action is an abstract command intent against one entity.
type Action int

const (
	ActionArmAway Action = iota + 1
	ActionArmStay
	ActionDisarm
	ActionBypass
	ActionUnbypass
	ActionOutputOn
	ActionOutputOff
)

func (a Action) String() string {
	switch a {
	case ActionArmAway:
		return "arm_away"
	case ActionArmStay:
		return "arm_stay"
	case ActionDisarm:
		return "disarm"
	case ActionBypass:
		return "bypass"
	case ActionUnbypass:
		return "unbypass"
	case ActionOutputOn:
		return "on"
	case ActionOutputOff:
		return "off"
	default:
		return fmt.Sprintf("unknown-action-%d", int(a))
	}
}

// ParseAction maps a command payload string to an Action. The set of
// verbs accepted per entity kind is enforced here, not at dispatch time.
func ParseAction(kind EntityKind, s string) (Action, error) {
	verb := strings.ToLower(strings.TrimSpace(s))
	switch kind {
	case KindPartition:
		switch verb {
		case "arm", "arm_away":
			return ActionArmAway, nil
		case "arm_stay":
			return ActionArmStay, nil
		case "disarm":
			return ActionDisarm, nil
		}
	case KindZone:
		switch verb {
		case "bypass":
			return ActionBypass, nil
		case "unbypass":
			return ActionUnbypass, nil
		}
	case KindOutput:
		switch verb {
		case "on", "1", "true":
			return ActionOutputOn, nil
		case "off", "0", "false":
			return ActionOutputOff, nil
		}
	}
	return 0, fmt.Errorf("unsupported %s command: %q", kind, s)
}

// Device is the panel identification block.
type Device struct {
	Model           string
	SerialNumber    string
	FirmwareVersion string
	Zones           int
	Partitions      int
	Outputs         int
}
