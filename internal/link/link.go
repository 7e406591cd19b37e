package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/daemonp/paradox2mqtt/internal/config"
	"github.com/daemonp/paradox2mqtt/internal/frame"
	"github.com/daemonp/paradox2mqtt/internal/log"
	"github.com/daemonp/paradox2mqtt/internal/types"
)

// SessionState tracks the panel session lifecycle.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateDegraded
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("unknown-session-state-%d", int32(s))
	}
}

var (
	ErrNotConnected     = errors.New("not connected to panel")
	ErrDuplicateRequest = errors.New("request already in flight for sequence")
	ErrAuthTimeout      = errors.New("panel login timed out")
	ErrAuthRejected     = errors.New("panel rejected login")
	ErrDegraded         = errors.New("panel link degraded, no frames received")
	ErrClosed           = errors.New("panel link closed")
)

const readSlice = 1 * time.Second

// Link owns one panel session: the transport, the login handshake, the
// keep-alive poll and the multiplexing of inbound frames between
// pending requests and unsolicited events. A Link is single-use; the
// supervisor builds a fresh one per connection attempt.
type Link struct {
	log   *log.Logger
	codec frame.Codec
	dial  Dialer
	cfg   config.PanelConfig

	mu        sync.Mutex // guards transport, seq and pending
	transport Transport
	seq       byte
	pending   map[byte]chan frame.Frame

	// writeMu serializes transport writes separately, so a stalled
	// write cannot block response dispatch or Close.
	writeMu sync.Mutex

	state     atomic.Int32
	lastRx    atomic.Int64
	events    chan frame.Event
	readErr   chan error
	done      chan struct{}
	closeOnce sync.Once
}

func NewLink(cfg config.PanelConfig, codec frame.Codec, dial Dialer, logger *log.Logger) *Link {
	return &Link{
		log:     logger.Component("link"),
		codec:   codec,
		dial:    dial,
		cfg:     cfg,
		pending: make(map[byte]chan frame.Frame),
		events:  make(chan frame.Event, 100),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (l *Link) State() SessionState {
	return SessionState(l.state.Load())
}

func (l *Link) setState(s SessionState) {
	old := SessionState(l.state.Swap(int32(s)))
	if old != s {
		l.log.Debug("session state %s -> %s", old, s)
	}
}

// Events is the queue of unsolicited panel events feeding the state
// model.
func (l *Link) Events() <-chan frame.Event {
	return l.events
}

// Connect dials the transport and starts the read loop. The session is
// not usable until Login succeeds.
func (l *Link) Connect(ctx context.Context) error {
	l.setState(StateConnecting)
	t, err := l.dial(ctx)
	if err != nil {
		l.setState(StateDisconnected)
		return err
	}

	l.mu.Lock()
	l.transport = t
	l.mu.Unlock()

	l.lastRx.Store(time.Now().UnixNano())
	go l.readLoop()
	return nil
}

// Login performs the authentication handshake: a LOGIN frame carrying
// the site id and BCD password, answered by ACK or NACK within the
// configured timeout.
func (l *Link) Login(ctx context.Context) error {
	password, err := l.codec.EncodePassword(l.cfg.PCPassword)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	l.setState(StateAuthenticating)
	authCtx, cancel := context.WithTimeout(ctx, l.cfg.AuthTimeout())
	defer cancel()

	resp, err := l.Request(authCtx, frame.OpLogin, frame.EncodeLogin(l.cfg.SiteID, password))
	if err != nil {
		l.setState(StateDisconnected)
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrAuthTimeout
		}
		return fmt.Errorf("login failed: %w", err)
	}

	switch resp.Opcode {
	case frame.OpAck:
		l.setState(StateAuthenticated)
		l.log.Info("logged in to panel (site %d)", l.cfg.SiteID)
		return nil
	case frame.OpNack:
		l.setState(StateDisconnected)
		return fmt.Errorf("%w: %s", ErrAuthRejected, frame.NackReason(resp.Payload))
	default:
		l.setState(StateDisconnected)
		return fmt.Errorf("login failed: unexpected %s response", resp.Opcode)
	}
}

// Request sends one frame and waits for the correlated response. Each
// request takes the next sequence number; at most one request may be in
// flight per sequence.
func (l *Link) Request(ctx context.Context, op frame.Opcode, payload []byte) (frame.Frame, error) {
	l.mu.Lock()
	if l.transport == nil {
		l.mu.Unlock()
		return frame.Frame{}, ErrNotConnected
	}

	l.seq++
	seq := l.seq
	if _, inFlight := l.pending[seq]; inFlight {
		l.mu.Unlock()
		return frame.Frame{}, fmt.Errorf("%w: %d", ErrDuplicateRequest, seq)
	}
	ch := make(chan frame.Frame, 1)
	l.pending[seq] = ch
	transport := l.transport
	l.mu.Unlock()

	buf := l.codec.Encode(frame.Frame{Opcode: op, Seq: seq, Payload: payload})
	l.log.Trace("-> %s seq=%d (%d bytes)", op, seq, len(buf))
	l.writeMu.Lock()
	_, err := transport.Write(buf)
	l.writeMu.Unlock()

	if err != nil {
		l.dropPending(seq)
		return frame.Frame{}, fmt.Errorf("failed to send %s: %w", op, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		l.dropPending(seq)
		return frame.Frame{}, ctx.Err()
	case <-l.done:
		l.dropPending(seq)
		return frame.Frame{}, ErrClosed
	}
}

func (l *Link) dropPending(seq byte) {
	l.mu.Lock()
	delete(l.pending, seq)
	l.mu.Unlock()
}

// Run drives the keep-alive poll until the session fails. It returns
// ErrDegraded when the panel has been silent for the configured number
// of poll intervals, the read loop's error on a transport failure, or
// ctx.Err on shutdown.
func (l *Link) Run(ctx context.Context) error {
	interval := l.cfg.PollInterval()
	silence := time.Duration(l.cfg.PollMisses) * interval

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-l.readErr:
			return err
		case <-l.done:
			return ErrClosed
		case <-ticker.C:
			if quiet := time.Since(time.Unix(0, l.lastRx.Load())); quiet > silence {
				l.setState(StateDegraded)
				return fmt.Errorf("%w for %s", ErrDegraded, quiet.Round(time.Second))
			}
			l.poll(ctx, interval)
		}
	}
}

func (l *Link) poll(ctx context.Context, timeout time.Duration) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := l.Request(pollCtx, frame.OpPoll, frame.EncodePoll(frame.PollKeepalive)); err != nil {
		// A missed poll ack is not fatal by itself; sustained silence is
		// caught by the degraded check.
		l.log.Warn("keepalive poll failed: %v", err)
	}
}

// Identify fetches the panel identification block.
func (l *Link) Identify(ctx context.Context) (types.Device, error) {
	resp, err := l.Request(ctx, frame.OpPoll, frame.EncodePoll(frame.PollIdentify))
	if err != nil {
		return types.Device{}, fmt.Errorf("failed to get panel identification: %w", err)
	}
	if resp.Opcode != frame.OpAck {
		return types.Device{}, fmt.Errorf("identify rejected: %s", frame.NackReason(resp.Payload))
	}
	return frame.DecodeIdentification(resp.Payload)
}

// Status fetches the full state block used for resync.
func (l *Link) Status(ctx context.Context) (frame.FullStatus, error) {
	resp, err := l.Request(ctx, frame.OpPoll, frame.EncodePoll(frame.PollStatus))
	if err != nil {
		return frame.FullStatus{}, fmt.Errorf("failed to get panel status: %w", err)
	}
	if resp.Opcode != frame.OpAck {
		return frame.FullStatus{}, fmt.Errorf("status request rejected: %s", frame.NackReason(resp.Payload))
	}
	return frame.DecodeFullStatus(resp.Payload)
}

// Labels fetches one block of 16-byte entity labels.
func (l *Link) Labels(ctx context.Context, block frame.PollBlock) ([]string, error) {
	resp, err := l.Request(ctx, frame.OpPoll, frame.EncodePoll(block))
	if err != nil {
		return nil, fmt.Errorf("failed to get labels: %w", err)
	}
	if resp.Opcode != frame.OpAck {
		return nil, fmt.Errorf("label request rejected: %s", frame.NackReason(resp.Payload))
	}
	return frame.DecodeLabels(resp.Payload)
}

// Command sends one control action and returns the panel's ACK or NACK
// frame. Interpretation of a NACK is the dispatcher's business.
func (l *Link) Command(ctx context.Context, action types.Action, target types.EntityID) (frame.Frame, error) {
	payload, err := frame.EncodeCommand(action, target)
	if err != nil {
		return frame.Frame{}, err
	}
	return l.Request(ctx, frame.OpCommand, payload)
}

// Close tears the session down. Safe to call more than once.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		if l.transport != nil {
			l.transport.Close()
		}
		l.mu.Unlock()
		l.setState(StateDisconnected)
		l.log.Debug("link closed")
	})
}

func (l *Link) readLoop() {
	var scanner frame.Scanner
	buf := make([]byte, 1024)

	for {
		select {
		case <-l.done:
			return
		default:
		}

		l.transport.SetReadDeadline(time.Now().Add(readSlice))
		n, err := l.transport.Read(buf)
		if n > 0 {
			for _, raw := range scanner.Push(buf[:n]) {
				l.dispatch(raw)
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-l.done:
			default:
				l.log.Error("read error: %v", err)
				l.readErr <- fmt.Errorf("transport failed: %w", err)
			}
			return
		}
	}
}

// dispatch routes one raw frame: responses complete the pending request
// with the matching sequence, events go to the model queue, anything
// malformed is logged and dropped without touching state.
func (l *Link) dispatch(raw []byte) {
	f, err := l.codec.Decode(raw)
	if err != nil {
		if errors.Is(err, frame.ErrUnknownOpcode) {
			l.log.Warn("dropping frame with unknown opcode: %v", err)
		} else {
			l.log.Warn("dropping malformed frame: %v", err)
		}
		return
	}

	l.lastRx.Store(time.Now().UnixNano())
	l.log.Trace("<- %s seq=%d (%d byte payload)", f.Opcode, f.Seq, len(f.Payload))

	switch f.Opcode {
	case frame.OpAck, frame.OpNack:
		l.mu.Lock()
		ch, ok := l.pending[f.Seq]
		if ok {
			delete(l.pending, f.Seq)
		}
		l.mu.Unlock()
		if !ok {
			// Response for a request that already timed out. The request
			// stays terminal; the frame is only worth a debug line.
			l.log.Debug("discarding late %s for seq %d", f.Opcode, f.Seq)
			return
		}
		ch <- f
	case frame.OpEvent:
		ev, err := frame.DecodeEvent(f.Payload)
		if err != nil {
			l.log.Warn("dropping bad event frame: %v", err)
			return
		}
		select {
		case l.events <- ev:
		case <-l.done:
		}
	default:
		l.log.Warn("unexpected %s frame from panel", f.Opcode)
	}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
