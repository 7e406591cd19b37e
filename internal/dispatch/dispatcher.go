package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daemonp/paradox2mqtt/internal/config"
	"github.com/daemonp/paradox2mqtt/internal/frame"
	"github.com/daemonp/paradox2mqtt/internal/log"
	"github.com/daemonp/paradox2mqtt/internal/types"
)

// Status is the lifecycle state of a command.
type Status int

const (
	StatusPending Status = iota
	StatusAcked
	StatusRejected
	StatusTimedOut
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAcked:
		return "acked"
	case StatusRejected:
		return "rejected"
	case StatusTimedOut:
		return "timed_out"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown-status-%d", int(s))
	}
}

// Request is an external command intent against one entity.
type Request struct {
	Target types.EntityID
	Action types.Action
}

// Result reports the terminal state of one submitted command. Every
// submission produces exactly one Result.
type Result struct {
	CorrelationID string
	Target        types.EntityID
	Action        types.Action
	Status        Status
	Reason        string
	Attempts      int
}

// Sender delivers a command frame to the panel and returns its ACK or
// NACK. The panel link implements it; tests use a scripted fake.
type Sender interface {
	Command(ctx context.Context, action types.Action, target types.EntityID) (frame.Frame, error)
}

var ErrShutdown = errors.New("dispatcher is shut down")

const retryBackoffBase = 500 * time.Millisecond

type command struct {
	id     string
	req    Request
	issued time.Time
}

// Dispatcher turns abstract command intents into panel frames and
// tracks them to a terminal state. Commands for the same entity run
// strictly one at a time in submission order; commands for different
// entities run concurrently.
type Dispatcher struct {
	log     *log.Logger
	cfg     config.CommandConfig
	results chan Result

	mu     sync.Mutex
	sender Sender
	queues map[types.EntityID][]command
	busy   map[types.EntityID]bool
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

func NewDispatcher(cfg config.CommandConfig, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		log:     logger.Component("dispatch"),
		cfg:     cfg,
		results: make(chan Result, 64),
		queues:  make(map[types.EntityID][]command),
		busy:    make(map[types.EntityID]bool),
		done:    make(chan struct{}),
	}
}

// Results is the completion queue; one Result per submitted command.
func (d *Dispatcher) Results() <-chan Result {
	return d.results
}

// SetSender installs the current panel link, or nil while disconnected.
// Commands submitted with no sender fail immediately rather than queue
// against an outage of unknown length.
func (d *Dispatcher) SetSender(s Sender) {
	d.mu.Lock()
	d.sender = s
	d.mu.Unlock()
}

// Submit enqueues a command and returns its correlation id without
// blocking. Completion is reported on Results.
func (d *Dispatcher) Submit(req Request) (string, error) {
	id := uuid.NewString()
	cmd := command{id: id, req: req, issued: time.Now()}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", ErrShutdown
	}
	d.queues[req.Target] = append(d.queues[req.Target], cmd)
	start := !d.busy[req.Target]
	if start {
		d.busy[req.Target] = true
		d.wg.Add(1)
	}
	d.mu.Unlock()

	d.log.Debug("queued %s %s (%s)", req.Action, req.Target, id)
	if start {
		go d.drain(req.Target)
	}
	return id, nil
}

// drain works one entity's queue to empty, serializing its commands.
// On shutdown the remaining entries still get their terminal result.
func (d *Dispatcher) drain(target types.EntityID) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queue := d.queues[target]
		if len(queue) == 0 || d.closed {
			d.busy[target] = false
			delete(d.queues, target)
			d.mu.Unlock()
			for _, cmd := range queue {
				d.deliver(Result{
					CorrelationID: cmd.id,
					Target:        cmd.req.Target,
					Action:        cmd.req.Action,
					Status:        StatusFailed,
					Reason:        "dispatcher shut down",
				})
			}
			return
		}
		cmd := queue[0]
		d.queues[target] = queue[1:]
		sender := d.sender
		d.mu.Unlock()

		res := d.execute(cmd, sender)
		d.log.Info("command %s %s -> %s (%s)", cmd.req.Action, cmd.req.Target, res.Status, cmd.id)
		if !d.deliver(res) {
			return
		}
	}
}

// deliver hands a result to the consumer, preferring the buffer so
// shutdown does not lose results that still fit.
func (d *Dispatcher) deliver(res Result) bool {
	select {
	case d.results <- res:
		return true
	default:
	}
	select {
	case d.results <- res:
		return true
	case <-d.done:
		d.log.Warn("dropping result for %s, dispatcher shut down with a full queue", res.CorrelationID)
		return false
	}
}

// execute runs one command to its terminal state: Acked on panel ACK,
// Rejected on NACK (authoritative, never retried), TimedOut after the
// retry budget is spent, Failed on transport errors or with no link.
func (d *Dispatcher) execute(cmd command, sender Sender) Result {
	res := Result{
		CorrelationID: cmd.id,
		Target:        cmd.req.Target,
		Action:        cmd.req.Action,
	}

	if sender == nil {
		res.Status = StatusFailed
		res.Reason = "panel disconnected"
		return res
	}

	for attempt := 0; attempt <= d.cfg.RetryCount(); attempt++ {
		res.Attempts = attempt + 1
		if attempt > 0 {
			backoff := retryBackoffBase << (attempt - 1)
			d.log.Debug("retrying %s %s in %s (attempt %d)", cmd.req.Action, cmd.req.Target, backoff, attempt+1)
			select {
			case <-time.After(backoff):
			case <-d.done:
				res.Status = StatusFailed
				res.Reason = "dispatcher shut down"
				return res
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout())
		resp, err := sender.Command(ctx, cmd.req.Action, cmd.req.Target)
		cancel()

		switch {
		case err == nil && resp.Opcode == frame.OpAck:
			res.Status = StatusAcked
			return res
		case err == nil && resp.Opcode == frame.OpNack:
			res.Status = StatusRejected
			res.Reason = frame.NackReason(resp.Payload)
			return res
		case err == nil:
			res.Status = StatusFailed
			res.Reason = fmt.Sprintf("unexpected %s response", resp.Opcode)
			return res
		case errors.Is(err, context.DeadlineExceeded):
			// No ACK within the timeout; retry with backoff.
			continue
		default:
			res.Status = StatusFailed
			res.Reason = err.Error()
			return res
		}
	}

	res.Status = StatusTimedOut
	res.Reason = fmt.Sprintf("no response after %d attempts", res.Attempts)
	return res
}

// Close stops accepting commands and waits for in-flight ones.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()
}
