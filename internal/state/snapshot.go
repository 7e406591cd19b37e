package state

import (
	"sort"
	"time"

	"github.com/daemonp/paradox2mqtt/internal/types"
)

// EntityState is the last known value of one panel entity.
type EntityState struct {
	ID      types.EntityID
	Value   types.Value
	Changed time.Time
}

// Snapshot is an immutable, versioned picture of every tracked entity.
// A Snapshot is never mutated after publication; the model replaces the
// whole value on each applied patch, so readers never see a partial
// update.
type Snapshot struct {
	version  uint64
	entities map[types.EntityID]EntityState
}

func newSnapshot(version uint64, entities map[types.EntityID]EntityState) *Snapshot {
	return &Snapshot{version: version, entities: entities}
}

func (s *Snapshot) Version() uint64 {
	if s == nil {
		return 0
	}
	return s.version
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entities)
}

func (s *Snapshot) Get(id types.EntityID) (EntityState, bool) {
	if s == nil {
		return EntityState{}, false
	}
	es, ok := s.entities[id]
	return es, ok
}

// Entities returns every entity state in id order.
func (s *Snapshot) Entities() []EntityState {
	if s == nil {
		return nil
	}
	out := make([]EntityState, 0, len(s.entities))
	for _, es := range s.entities {
		out = append(out, es)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.Less(out[j].ID)
	})
	return out
}

// clone copies the entity map for building the next version.
func (s *Snapshot) clone() map[types.EntityID]EntityState {
	entities := make(map[types.EntityID]EntityState, s.Len())
	if s != nil {
		for id, es := range s.entities {
			entities[id] = es
		}
	}
	return entities
}

// ChangeEvent is one detected difference between two successive
// snapshots. Old is nil for an entity seen for the first time.
type ChangeEvent struct {
	ID      types.EntityID
	Old     types.Value
	New     types.Value
	Version uint64
}
