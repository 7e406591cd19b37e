package mqtt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/daemonp/paradox2mqtt/internal/types"
)

// Topics builds the bridge's topic names:
//
//	<prefix>/status                         bridge availability (retained)
//	<prefix>/config                         panel identification (retained)
//	<prefix>/<kind>/<number>/state          entity state (retained)
//	<prefix>/<kind>/<number>/set            inbound commands
//	<prefix>/<kind>/<number>/result         command outcomes
type Topics struct {
	prefix string
}

func NewTopics(prefix string) *Topics {
	return &Topics{prefix: prefix}
}

func (t *Topics) Status() string {
	return fmt.Sprintf("%s/status", t.prefix)
}

func (t *Topics) Config() string {
	return fmt.Sprintf("%s/config", t.prefix)
}

func (t *Topics) State(id types.EntityID) string {
	return fmt.Sprintf("%s/%s/%d/state", t.prefix, id.Kind, id.Number)
}

func (t *Topics) Result(id types.EntityID) string {
	return fmt.Sprintf("%s/%s/%d/result", t.prefix, id.Kind, id.Number)
}

func (t *Topics) SetWildcard() string {
	return fmt.Sprintf("%s/+/+/set", t.prefix)
}

// ParseSet extracts the target entity from a command topic. The
// subscription wildcard guarantees the shape but not the values.
func (t *Topics) ParseSet(topic string) (types.EntityID, error) {
	rest, found := strings.CutPrefix(topic, t.prefix+"/")
	if !found {
		return types.EntityID{}, fmt.Errorf("topic %q is outside prefix %q", topic, t.prefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" {
		return types.EntityID{}, fmt.Errorf("topic %q is not a set topic", topic)
	}
	kind, ok := types.ParseEntityKind(parts[0])
	if !ok {
		return types.EntityID{}, fmt.Errorf("unknown entity type %q", parts[0])
	}
	number, err := strconv.Atoi(parts[1])
	if err != nil || number < 1 {
		return types.EntityID{}, fmt.Errorf("bad entity number %q", parts[1])
	}
	return types.EntityID{Kind: kind, Number: number}, nil
}
