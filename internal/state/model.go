package state

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/daemonp/paradox2mqtt/internal/frame"
	"github.com/daemonp/paradox2mqtt/internal/log"
	"github.com/daemonp/paradox2mqtt/internal/types"
	"github.com/daemonp/paradox2mqtt/internal/util"
)

// Model owns the authoritative Snapshot. Apply and Resync must only be
// called from the panel event-processing goroutine; Current may be
// called from anywhere, reads are lock-free against the last complete
// version.
type Model struct {
	log     *log.Logger
	current atomic.Pointer[Snapshot]
	changes chan ChangeEvent
	now     func() time.Time

	// namesMu guards names: SetNames runs on every reconnect while Name
	// is read from the publish path.
	namesMu sync.RWMutex
	names   map[types.EntityID]string
}

func NewModel(logger *log.Logger) *Model {
	m := &Model{
		log:     logger.Component("state"),
		changes: make(chan ChangeEvent, 256),
		names:   make(map[types.EntityID]string),
		now:     time.Now,
	}
	m.current.Store(newSnapshot(0, nil))
	return m
}

// Changes is the queue of detected differences, consumed by the MQTT
// bridge. The channel is bounded; a stalled consumer backpressures the
// panel event loop rather than dropping changes.
func (m *Model) Changes() <-chan ChangeEvent {
	return m.changes
}

// Current returns the latest complete Snapshot.
func (m *Model) Current() *Snapshot {
	return m.current.Load()
}

// SetNames installs entity display names, normally panel labels loaded
// at login. Configured names win over panel labels.
func (m *Model) SetNames(names map[types.EntityID]string) {
	next := make(map[types.EntityID]string, len(names))
	for id, name := range names {
		if n := util.Normalize(name); n != "" {
			next[id] = n
		}
	}
	m.namesMu.Lock()
	m.names = next
	m.namesMu.Unlock()
}

// Name returns the display name for an entity, falling back to a
// generated one.
func (m *Model) Name(id types.EntityID) string {
	m.namesMu.RLock()
	name, ok := m.names[id]
	m.namesMu.RUnlock()
	if ok {
		return name
	}
	if id.Kind == types.KindTrouble {
		if name, ok := types.TroubleNames[id.Number]; ok {
			return name
		}
	}
	return fmt.Sprintf("%s %d", id.Kind, id.Number)
}

// Apply patches the snapshot with one decoded event. The patch is
// atomic: the new version becomes visible only after the full update,
// and an unchanged value produces neither a version bump nor a change.
func (m *Model) Apply(ev frame.Event) {
	prev := m.current.Load()
	if old, ok := prev.Get(ev.ID); ok && old.Value.Equal(ev.Value) {
		m.log.Trace("event for %s carries no change", ev.ID)
		return
	}

	entities := prev.clone()
	oldValue := types.Value(nil)
	if old, ok := entities[ev.ID]; ok {
		oldValue = old.Value
	}
	entities[ev.ID] = EntityState{ID: ev.ID, Value: ev.Value, Changed: m.now()}

	next := newSnapshot(prev.Version()+1, entities)
	m.current.Store(next)

	m.log.Debug("snapshot v%d: %s %v -> %v", next.Version(), ev.ID, oldValue, ev.Value)
	m.changes <- ChangeEvent{ID: ev.ID, Old: oldValue, New: ev.Value, Version: next.Version()}
}

// Resync rebuilds the snapshot from a full status block. Changes are
// emitted for every entity that differs from the previous snapshot, in
// id order. With force set, a change is emitted for every entity even
// if its value is unchanged, used after a reconnect so downstream
// observers are re-established.
func (m *Model) Resync(fs frame.FullStatus, force bool) {
	prev := m.current.Load()
	now := m.now()

	entities := make(map[types.EntityID]EntityState, len(fs.Zones)+len(fs.Partitions)+len(fs.Outputs)+len(fs.Troubles))
	add := func(id types.EntityID, v types.Value) {
		changed := now
		if old, ok := prev.Get(id); ok && old.Value.Equal(v) {
			changed = old.Changed
		}
		entities[id] = EntityState{ID: id, Value: v, Changed: changed}
	}
	for i, z := range fs.Zones {
		add(types.EntityID{Kind: types.KindZone, Number: i + 1}, z)
	}
	for i, p := range fs.Partitions {
		add(types.EntityID{Kind: types.KindPartition, Number: i + 1}, p)
	}
	for i, o := range fs.Outputs {
		add(types.EntityID{Kind: types.KindOutput, Number: i + 1}, o)
	}
	for i, t := range fs.Troubles {
		add(types.EntityID{Kind: types.KindTrouble, Number: i + 1}, t)
	}

	next := newSnapshot(prev.Version()+1, entities)
	m.current.Store(next)
	m.log.Info("resynced snapshot v%d with %d entities", next.Version(), next.Len())

	ids := make([]types.EntityID, 0, len(entities))
	for id := range entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	for _, id := range ids {
		newValue := entities[id].Value
		oldValue := types.Value(nil)
		if old, ok := prev.Get(id); ok {
			oldValue = old.Value
		}
		if !force && oldValue != nil && oldValue.Equal(newValue) {
			continue
		}
		m.changes <- ChangeEvent{ID: id, Old: oldValue, New: newValue, Version: next.Version()}
	}
}
