// Package cmdq serializes outbound vehicle commands. Each vehicle gets a
// FIFO queue drained by a single worker, so commands issued in quick
// succession apply in issuance order and never race. Transient failures are
// retried with backoff; definitive rejections fail immediately.
package cmdq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/homefleet/teslasync/internal/log"
	"github.com/homefleet/teslasync/internal/metrics"
	"github.com/homefleet/teslasync/pkg/protocol"
)

// queueDepth is the number of commands that can wait per vehicle before
// Dispatch starts failing fast.
const queueDepth = 16

// Executor sends a single command attempt to the server.
type Executor interface {
	Execute(ctx context.Context, id int64, operation string, payload interface{}) error
}

// Waker brings vehicles online before commands that need them awake, and
// expedites a state refresh after a successful command.
type Waker interface {
	EnsureAwake(ctx context.Context, id int64) error
	ExpediteRefresh(id int64)
}

// Command is one outbound operation. RequiresWake marks operations that a
// sleeping vehicle cannot execute.
type Command struct {
	VehicleID    int64
	Operation    string
	Payload      interface{}
	RequiresWake bool
}

type pendingCommand struct {
	ctx    context.Context
	cmd    Command
	result chan error
}

// Config carries the retry knobs. The zero value is usable.
type Config struct {
	// MaxRetries bounds retry attempts after the first try.
	MaxRetries uint64
	// RetryInitial and RetryCeiling bound the backoff between attempts.
	RetryInitial time.Duration
	RetryCeiling time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryInitial == 0 {
		c.RetryInitial = time.Second
	}
	if c.RetryCeiling == 0 {
		c.RetryCeiling = 30 * time.Second
	}
	return c
}

// Dispatcher routes commands to per-vehicle worker queues. A Dispatcher is
// running from construction until Stop.
type Dispatcher struct {
	cfg      Config
	executor Executor
	waker    Waker

	queueLock sync.Mutex
	queues    map[int64]chan *pendingCommand

	doneLock  sync.Mutex
	terminate chan struct{}
	workers   sync.WaitGroup
}

func New(cfg Config, executor Executor, waker Waker) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg.withDefaults(),
		executor:  executor,
		waker:     waker,
		queues:    make(map[int64]chan *pendingCommand),
		terminate: make(chan struct{}),
	}
}

// Dispatch queues cmd behind any earlier commands for the same vehicle and
// blocks until it resolves. Every command resolves: success, a typed
// failure, or ctx cancellation. Commands never outlive the wake-timeout
// ceiling plus their own attempts.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) error {
	pending := &pendingCommand{ctx: ctx, cmd: cmd, result: make(chan error, 1)}
	if err := d.enqueue(cmd.VehicleID, pending); err != nil {
		return err
	}
	select {
	case err := <-pending.result:
		return err
	case <-ctx.Done():
		// The worker still owns the command and will drop the result
		// into the buffered channel; the caller just stops waiting.
		return ctx.Err()
	}
}

// enqueue places pending on the vehicle's queue while holding doneLock, the
// lock Stop closes terminate under. Either the send lands before the close
// and the worker (or its shutdown drain) resolves the command, or the close
// lands first and the command fails here. A command can never slip between
// the liveness check and the send.
func (d *Dispatcher) enqueue(id int64, pending *pendingCommand) error {
	d.doneLock.Lock()
	defer d.doneLock.Unlock()
	if d.terminate == nil {
		return protocol.ErrNotStarted
	}
	queue := d.queueLocked(id, d.terminate)
	select {
	case queue <- pending:
		metrics.CommandQueueDepth.Inc()
		return nil
	default:
		return fmt.Errorf("command queue for vehicle %d is full", id)
	}
}

func (d *Dispatcher) queueLocked(id int64, terminate chan struct{}) chan *pendingCommand {
	d.queueLock.Lock()
	defer d.queueLock.Unlock()
	queue, ok := d.queues[id]
	if !ok {
		queue = make(chan *pendingCommand, queueDepth)
		d.queues[id] = queue
		d.workers.Add(1)
		go d.work(id, queue, terminate)
	}
	return queue
}

func (d *Dispatcher) work(id int64, queue chan *pendingCommand, terminate chan struct{}) {
	defer d.workers.Done()
	for {
		select {
		case <-terminate:
			// Fail whatever is still queued so no caller hangs.
			for {
				select {
				case pending := <-queue:
					metrics.CommandQueueDepth.Dec()
					pending.result <- protocol.ErrNotStarted
				default:
					return
				}
			}
		case pending := <-queue:
			metrics.CommandQueueDepth.Dec()
			err := d.process(pending)
			outcome := metrics.OutcomeOK
			if err != nil {
				outcome = commandOutcome(err)
			}
			metrics.CommandTotal.WithLabelValues(pending.cmd.Operation, outcome).Inc()
			pending.result <- err
		}
	}
}

func commandOutcome(err error) string {
	var rejected *protocol.CommandRejectedError
	switch {
	case errors.As(err, &rejected):
		return metrics.OutcomeRejected
	case errors.Is(err, protocol.ErrVehicleUnavailable):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeError
	}
}

func (d *Dispatcher) process(pending *pendingCommand) error {
	ctx := pending.ctx
	cmd := pending.cmd
	if err := ctx.Err(); err != nil {
		return err
	}
	if cmd.RequiresWake {
		if err := d.waker.EnsureAwake(ctx, cmd.VehicleID); err != nil {
			log.Warning("Command %s for vehicle %d failed to wake vehicle: %s", cmd.Operation, cmd.VehicleID, err)
			return err
		}
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = d.cfg.RetryInitial
	retry.MaxInterval = d.cfg.RetryCeiling
	retry.MaxElapsedTime = 0

	attempt := func() error {
		err := d.executor.Execute(ctx, cmd.VehicleID, cmd.Operation, cmd.Payload)
		if err == nil {
			return nil
		}
		if protocol.ShouldRetry(err) {
			log.Debug("Command %s for vehicle %d hit transient error: %s", cmd.Operation, cmd.VehicleID, err)
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(retry, d.cfg.MaxRetries), ctx))
	if err != nil {
		return err
	}
	// Dependent reads should observe the command's effect promptly rather
	// than waiting out the natural poll interval.
	d.waker.ExpediteRefresh(cmd.VehicleID)
	return nil
}

// Stop terminates the workers. In-flight commands finish; queued commands
// fail with protocol.ErrNotStarted, as do later Dispatch calls.
func (d *Dispatcher) Stop() {
	d.doneLock.Lock()
	if d.terminate != nil {
		close(d.terminate)
		d.terminate = nil
	}
	d.doneLock.Unlock()
	d.workers.Wait()
}
