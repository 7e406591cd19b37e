package link

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/daemonp/paradox2mqtt/internal/config"
	"github.com/daemonp/paradox2mqtt/internal/frame"
	"github.com/daemonp/paradox2mqtt/internal/log"
	"github.com/daemonp/paradox2mqtt/internal/types"
)

type timeoutError struct{}

func (timeoutError) Error() string { return "i/o timeout" }
func (timeoutError) Timeout() bool { return true }

// fakeTransport is a scripted panel. Frames written by the link are
// decoded and handed to onFrame; bytes queued with inject come back out
// of Read.
type fakeTransport struct {
	codec   frame.EvoCodec
	rx      chan []byte
	onFrame func(f frame.Frame)

	// writeGate, when set, stalls every Write until it is closed.
	writeGate chan struct{}

	mu       sync.Mutex
	deadline time.Time
	closed   chan struct{}
	once     sync.Once
}

func newFakeTransport(onFrame func(f frame.Frame)) *fakeTransport {
	return &fakeTransport{
		rx:      make(chan []byte, 16),
		onFrame: onFrame,
		closed:  make(chan struct{}),
	}
}

func (t *fakeTransport) inject(raw []byte) {
	select {
	case t.rx <- raw:
	case <-t.closed:
	}
}

func (t *fakeTransport) injectFrame(f frame.Frame) {
	t.inject(t.codec.Encode(f))
}

func (t *fakeTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	deadline := t.deadline
	t.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case b := <-t.rx:
		return copy(p, b), nil
	case <-t.closed:
		return 0, errors.New("use of closed connection")
	case <-timeout:
		return 0, timeoutError{}
	}
}

func (t *fakeTransport) Write(p []byte) (int, error) {
	if t.writeGate != nil {
		select {
		case <-t.writeGate:
		case <-t.closed:
			return 0, errors.New("use of closed connection")
		}
	}
	select {
	case <-t.closed:
		return 0, errors.New("use of closed connection")
	default:
	}
	f, err := t.codec.Decode(append([]byte(nil), p...))
	if err != nil {
		return 0, err
	}
	if t.onFrame != nil {
		go t.onFrame(f)
	}
	return len(p), nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) SetReadDeadline(deadline time.Time) error {
	t.mu.Lock()
	t.deadline = deadline
	t.mu.Unlock()
	return nil
}

func testConfig() config.PanelConfig {
	return config.PanelConfig{
		Host:       "panel",
		Port:       10000,
		SiteID:     1,
		PCPassword: "1234",
		PollSecs:   1,
		PollMisses: 2,
		AuthSecs:   1,
	}
}

func connectedLink(t *testing.T, onFrame func(f frame.Frame)) (*Link, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport(onFrame)
	dial := func(ctx context.Context) (Transport, error) { return ft, nil }
	l := NewLink(testConfig(), frame.EvoCodec{}, dial, log.NewLogger("error"))
	if err := l.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error = %v", err)
	}
	t.Cleanup(l.Close)
	return l, ft
}

// ackAll answers every request with an empty ACK.
func ackAll(ft **fakeTransport) func(f frame.Frame) {
	return func(f frame.Frame) {
		(*ft).injectFrame(frame.Frame{Opcode: frame.OpAck, Seq: f.Seq})
	}
}

func TestLogin_Success(t *testing.T) {
	var ft *fakeTransport
	l, transport := connectedLink(t, ackAll(&ft))
	ft = transport

	if err := l.Login(context.Background()); err != nil {
		t.Fatalf("Login error = %v", err)
	}
	if got := l.State(); got != StateAuthenticated {
		t.Errorf("session state = %s, want authenticated", got)
	}
}

func TestLogin_Rejected(t *testing.T) {
	var ft *fakeTransport
	l, transport := connectedLink(t, func(f frame.Frame) {
		ft.injectFrame(frame.Frame{Opcode: frame.OpNack, Seq: f.Seq, Payload: []byte{0x12}})
	})
	ft = transport

	err := l.Login(context.Background())
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Login error = %v, want ErrAuthRejected", err)
	}
}

func TestLogin_Timeout(t *testing.T) {
	l, _ := connectedLink(t, nil) // panel never answers

	start := time.Now()
	err := l.Login(context.Background())
	if !errors.Is(err, ErrAuthTimeout) {
		t.Fatalf("Login error = %v, want ErrAuthTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("login gave up after %s, want about 1s", elapsed)
	}
}

func TestRequest_CorrelatesBySequence(t *testing.T) {
	var ft *fakeTransport
	l, transport := connectedLink(t, func(f frame.Frame) {
		// Answer with the request's sequence and a payload identifying it.
		ft.injectFrame(frame.Frame{Opcode: frame.OpAck, Seq: f.Seq, Payload: []byte{f.Seq}})
	})
	ft = transport

	for i := 0; i < 3; i++ {
		resp, err := l.Request(context.Background(), frame.OpPoll, frame.EncodePoll(frame.PollKeepalive))
		if err != nil {
			t.Fatalf("Request %d error = %v", i, err)
		}
		if resp.Payload[0] != resp.Seq {
			t.Errorf("response payload %d does not match seq %d", resp.Payload[0], resp.Seq)
		}
	}
}

func TestRequest_MalformedResponseIgnored(t *testing.T) {
	var ft *fakeTransport
	l, transport := connectedLink(t, func(f frame.Frame) {
		// Corrupted frame first, then the real answer.
		bad := ft.codec.Encode(frame.Frame{Opcode: frame.OpAck, Seq: f.Seq})
		bad[len(bad)-1] ^= 0xFF
		ft.inject(bad)
		ft.injectFrame(frame.Frame{Opcode: frame.OpAck, Seq: f.Seq})
	})
	ft = transport

	resp, err := l.Request(context.Background(), frame.OpPoll, frame.EncodePoll(frame.PollKeepalive))
	if err != nil {
		t.Fatalf("Request error = %v", err)
	}
	if resp.Opcode != frame.OpAck {
		t.Errorf("response = %s, want ACK", resp.Opcode)
	}
}

func TestRequest_TimeoutThenLateResponseDiscarded(t *testing.T) {
	var ft *fakeTransport
	seqCh := make(chan byte, 1)
	l, transport := connectedLink(t, func(f frame.Frame) {
		seqCh <- f.Seq // remember, answer later
	})
	ft = transport

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := l.Request(ctx, frame.OpCommand, []byte{0x01, 0x02, 0x01, 0x00})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Request error = %v, want deadline exceeded", err)
	}

	// The late ACK must be dropped, not delivered to anyone.
	ft.injectFrame(frame.Frame{Opcode: frame.OpAck, Seq: <-seqCh})
	time.Sleep(50 * time.Millisecond)

	select {
	case ev := <-l.Events():
		t.Errorf("late ACK surfaced as event: %+v", ev)
	default:
	}
}

func TestEvents_UnsolicitedFramesRouted(t *testing.T) {
	l, ft := connectedLink(t, nil)

	payload, err := frame.EncodeEvent(frame.Event{
		ID:    types.EntityID{Kind: types.KindZone, Number: 5},
		Value: types.ZoneFlags{Open: true},
	})
	if err != nil {
		t.Fatalf("EncodeEvent error = %v", err)
	}
	ft.injectFrame(frame.Frame{Opcode: frame.OpEvent, Seq: 99, Payload: payload})

	select {
	case ev := <-l.Events():
		want := types.EntityID{Kind: types.KindZone, Number: 5}
		if ev.ID != want {
			t.Errorf("event for %s, want %s", ev.ID, want)
		}
		if ev.Value.String() != "open" {
			t.Errorf("event value = %s, want open", ev.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestRun_DegradedAfterSilence(t *testing.T) {
	l, _ := connectedLink(t, nil) // no poll acks, no events

	err := l.Run(context.Background())
	if !errors.Is(err, ErrDegraded) {
		t.Fatalf("Run error = %v, want ErrDegraded", err)
	}
	if got := l.State(); got != StateDegraded {
		t.Errorf("session state = %s, want degraded", got)
	}
}

func TestRun_StaysUpWhileFramesArrive(t *testing.T) {
	var ft *fakeTransport
	l, transport := connectedLink(t, ackAll(&ft))
	ft = transport

	ctx, cancel := context.WithTimeout(context.Background(), 3500*time.Millisecond)
	defer cancel()

	err := l.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run error = %v, want deadline exceeded from test context", err)
	}
	if got := l.State(); got == StateDegraded {
		t.Error("link degraded despite poll acks")
	}
}

func TestCommand_NackReturnedNotError(t *testing.T) {
	var ft *fakeTransport
	l, transport := connectedLink(t, func(f frame.Frame) {
		ft.injectFrame(frame.Frame{Opcode: frame.OpNack, Seq: f.Seq, Payload: []byte{0x01}})
	})
	ft = transport

	resp, err := l.Command(context.Background(), types.ActionDisarm, types.EntityID{Kind: types.KindPartition, Number: 1})
	if err != nil {
		t.Fatalf("Command error = %v", err)
	}
	if resp.Opcode != frame.OpNack {
		t.Errorf("response = %s, want NACK", resp.Opcode)
	}
	if got := frame.NackReason(resp.Payload); got != "user code is invalid" {
		t.Errorf("nack reason = %q", got)
	}
}

func TestRequest_StalledWriteDoesNotBlockDispatch(t *testing.T) {
	l, ft := connectedLink(t, nil)
	ft.writeGate = make(chan struct{})

	requestDone := make(chan struct{})
	go func() {
		defer close(requestDone)
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		l.Request(ctx, frame.OpPoll, frame.EncodePoll(frame.PollKeepalive))
	}()

	// While the write is stalled, response routing (which locks the
	// pending table) and event delivery must both keep working.
	ft.injectFrame(frame.Frame{Opcode: frame.OpAck, Seq: 99})
	payload, err := frame.EncodeEvent(frame.Event{
		ID:    types.EntityID{Kind: types.KindZone, Number: 3},
		Value: types.ZoneFlags{Open: true},
	})
	if err != nil {
		t.Fatalf("EncodeEvent error = %v", err)
	}
	ft.injectFrame(frame.Frame{Opcode: frame.OpEvent, Seq: 1, Payload: payload})

	select {
	case <-l.Events():
	case <-time.After(time.Second):
		t.Fatal("event blocked behind a stalled write")
	}

	close(ft.writeGate)
	<-requestDone
}

func TestRequest_DuplicateSequenceRejected(t *testing.T) {
	l, _ := connectedLink(t, nil)

	// Occupy the sequence number the next request will take.
	l.mu.Lock()
	l.pending[l.seq+1] = make(chan frame.Frame, 1)
	l.mu.Unlock()

	_, err := l.Request(context.Background(), frame.OpPoll, frame.EncodePoll(frame.PollKeepalive))
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("Request error = %v, want ErrDuplicateRequest", err)
	}
}

func TestRequest_AfterClose(t *testing.T) {
	l, _ := connectedLink(t, nil)
	l.Close()

	_, err := l.Request(context.Background(), frame.OpPoll, frame.EncodePoll(frame.PollKeepalive))
	if err == nil {
		t.Fatal("Request after Close expected error, got nil")
	}
}
