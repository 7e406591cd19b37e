package supervisor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/daemonp/paradox2mqtt/internal/config"
	"github.com/daemonp/paradox2mqtt/internal/dispatch"
	"github.com/daemonp/paradox2mqtt/internal/frame"
	"github.com/daemonp/paradox2mqtt/internal/link"
	"github.com/daemonp/paradox2mqtt/internal/log"
	"github.com/daemonp/paradox2mqtt/internal/mqtt"
	"github.com/daemonp/paradox2mqtt/internal/state"
	"github.com/daemonp/paradox2mqtt/internal/types"
	"github.com/daemonp/paradox2mqtt/internal/util"
)

// Supervisor owns the panel and broker lifecycles: it connects, logs
// in, resyncs, pumps events, and on any failure backs off and starts
// over. Nothing past startup validation is fatal; the loop retries
// until cancelled.
type Supervisor struct {
	cfg        *config.Config
	log        *log.Logger
	codec      frame.Codec
	model      *state.Model
	dispatcher *dispatch.Dispatcher
	bridge     *mqtt.MQTT
	dial       link.Dialer

	// mu guards the pause gate. The tunnel holds the pause while a
	// client is connected; no panel session may run at the same time.
	mu      sync.Mutex
	active  *link.Link
	paused  bool
	resumed chan struct{}
}

func New(cfg *config.Config, codec frame.Codec, model *state.Model, dispatcher *dispatch.Dispatcher, bridge *mqtt.MQTT, logger *log.Logger) *Supervisor {
	var dial link.Dialer
	if cfg.Panel.SerialPort != "" {
		dial = link.SerialDialer(cfg.Panel.SerialPort, cfg.Panel.BaudRate)
	} else {
		dial = link.TCPDialer(cfg.Panel.Host, cfg.Panel.Port)
	}
	return &Supervisor{
		cfg:        cfg,
		log:        logger.Component("supervisor"),
		codec:      codec,
		model:      model,
		dispatcher: dispatcher,
		bridge:     bridge,
		dial:       dial,
	}
}

// Run blocks until ctx is cancelled. The broker connection is
// established first (paho handles its reconnects afterwards); the panel
// session loop runs alongside the bridge pump.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.connectBroker(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.bridge.Run(gctx)
	})
	g.Go(func() error {
		return s.panelLoop(gctx)
	})
	return g.Wait()
}

// connectBroker retries the initial broker connection with backoff; an
// unreachable broker at boot is an outage, not a misconfiguration.
func (s *Supervisor) connectBroker(ctx context.Context) error {
	backoff := s.cfg.Panel.BackoffInitial()
	for {
		err := s.bridge.Connect()
		if err == nil {
			return nil
		}
		s.log.Error("Broker connection failed: %v, retrying in %s", err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, s.cfg.Panel.BackoffCeiling())
	}
}

// panelLoop runs panel sessions forever, with exponential backoff
// between attempts. A session that reached the authenticated state
// resets the backoff.
func (s *Supervisor) panelLoop(ctx context.Context) error {
	backoff := s.cfg.Panel.BackoffInitial()
	for {
		if err := s.awaitResume(ctx); err != nil {
			return err
		}
		established, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			backoff = s.cfg.Panel.BackoffInitial()
		}
		s.log.Error("Panel session ended: %v, reconnecting in %s", err, backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, s.cfg.Panel.BackoffCeiling())
	}
}

// session runs one panel connection to completion: connect, login,
// inventory, full resync, then event pumping until something fails.
// It reports whether authentication succeeded so the caller can reset
// its backoff.
func (s *Supervisor) session(ctx context.Context) (bool, error) {
	l := link.NewLink(s.cfg.Panel, s.codec, s.dial, s.log)
	s.mu.Lock()
	s.active = l
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
		l.Close()
	}()
	defer s.dispatcher.SetSender(nil)

	s.log.Info("Connecting to panel...")
	if err := l.Connect(ctx); err != nil {
		return false, err
	}
	if err := l.Login(ctx); err != nil {
		return false, err
	}

	if err := s.loadInventory(ctx, l); err != nil {
		return true, err
	}
	if err := s.resync(ctx, l); err != nil {
		return true, err
	}

	s.dispatcher.SetSender(l)
	s.log.Info("Panel session established")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.Run(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case ev := <-l.Events():
				s.model.Apply(ev)
			}
		}
	})
	return true, g.Wait()
}

// loadInventory fetches identification and labels. Label failures are
// logged and tolerated; generated names cover the gaps.
func (s *Supervisor) loadInventory(ctx context.Context, l *link.Link) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Command.Timeout())
	defer cancel()

	device, err := l.Identify(reqCtx)
	if err != nil {
		return err
	}
	s.log.Info("Panel: %s serial %s firmware %s (%d zones, %d partitions, %d outputs)",
		device.Model, device.SerialNumber, device.FirmwareVersion,
		device.Zones, device.Partitions, device.Outputs)
	s.bridge.PublishDeviceInfo(device)

	names := make(map[types.EntityID]string)
	blocks := []struct {
		block frame.PollBlock
		kind  types.EntityKind
	}{
		{frame.PollZoneLabels, types.KindZone},
		{frame.PollPartitionLabels, types.KindPartition},
		{frame.PollOutputLabels, types.KindOutput},
	}
	for _, b := range blocks {
		labelCtx, cancel := context.WithTimeout(ctx, s.cfg.Command.Timeout())
		labels, err := l.Labels(labelCtx, b.block)
		cancel()
		if err != nil {
			s.log.Warn("Could not load %s labels: %v", b.kind, err)
			continue
		}
		for i, label := range labels {
			if name := util.Normalize(label); name != "" {
				names[types.EntityID{Kind: b.kind, Number: i + 1}] = name
			}
		}
	}

	// Configured zone names win over panel labels.
	for _, z := range s.cfg.Zones {
		if z.Name != "" {
			names[types.EntityID{Kind: types.KindZone, Number: z.Number}] = z.Name
		}
	}

	s.model.SetNames(names)
	return nil
}

// resync rebuilds the snapshot from a full status query. Events may
// have been missed while disconnected, so every entity is re-emitted
// and the bridge's suppression book is cleared first.
func (s *Supervisor) resync(ctx context.Context, l *link.Link) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Command.Timeout())
	defer cancel()

	fs, err := l.Status(reqCtx)
	if err != nil {
		return err
	}
	s.bridge.ClearSuppression()
	s.model.Resync(fs, true)
	return nil
}

// PauseLink suspends panel sessions: the active link is torn down and
// the session loop blocks until ResumeLink. The panel protocol cannot
// serve two masters, so the tunnel takes over the panel exclusively.
func (s *Supervisor) PauseLink() {
	s.mu.Lock()
	if !s.paused {
		s.paused = true
		s.resumed = make(chan struct{})
	}
	l := s.active
	s.mu.Unlock()

	s.log.Info("Panel link paused")
	if l != nil {
		l.Close()
	}
}

// ResumeLink lifts the pause. The session loop reconnects and performs
// a forced resync, recovering anything that changed meanwhile.
func (s *Supervisor) ResumeLink() {
	s.mu.Lock()
	if s.paused {
		s.paused = false
		close(s.resumed)
		s.log.Info("Panel link resumed")
	}
	s.mu.Unlock()
}

func (s *Supervisor) awaitResume(ctx context.Context) error {
	for {
		s.mu.Lock()
		paused, resumed := s.paused, s.resumed
		s.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-resumed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	return next
}
