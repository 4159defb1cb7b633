// Package sender executes outbound Telegram calls on a bounded worker pool with retries.
package sender

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m3rciful/gitpush/core/logger"
	"github.com/m3rciful/gitpush/core/netutil"

	tele "gopkg.in/telebot.v4"
)

const component = "tg.sender"

var (
	// ErrQueueClosed is returned when enqueue is attempted after dispatcher stop.
	ErrQueueClosed = errors.New("telegram sender: queue closed")
	// ErrQueueFull indicates the queue is saturated and the job was not accepted.
	ErrQueueFull = errors.New("telegram sender: queue full")
)

// Options controls the behaviour of the outbound dispatcher.
type Options struct {
	QueueSize    int
	Workers      int
	MaxRetries   int
	RetryBackoff time.Duration
	// MaxDuration bounds the time spent retrying a single job.
	MaxDuration time.Duration
}

func (o *Options) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = 30 * time.Second
	}
}

type job struct {
	ctx      context.Context
	action   string
	endpoint string
	run      func() error
}

// Dispatcher executes outbound Telegram calls asynchronously with retries.
type Dispatcher struct {
	opts Options

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	wg     sync.WaitGroup

	sent atomic.Uint64
	errs atomic.Uint64
}

// NewDispatcher starts a dispatcher; zero options select defaults.
func NewDispatcher(opts Options) *Dispatcher {
	opts.defaults()
	d := &Dispatcher{opts: opts, jobs: make(chan job, opts.QueueSize)}
	d.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go d.worker()
	}
	return d
}

// Enqueue schedules run for asynchronous execution. run must be safe to repeat.
func (d *Dispatcher) Enqueue(ctx context.Context, action, endpoint string, run func() error) error {
	if run == nil {
		return errors.New("telegram sender: nil run function")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrQueueClosed
	}
	select {
	case d.jobs <- job{ctx: context.WithoutCancel(ctx), action: action, endpoint: endpoint, run: run}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stats returns the number of delivered and failed jobs.
func (d *Dispatcher) Stats() (sent, failed uint64) {
	return d.sent.Load(), d.errs.Load()
}

// Close stops accepting jobs and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		if err := d.handle(j); err != nil {
			d.errs.Add(1)
		} else {
			d.sent.Add(1)
		}
	}
}

func (d *Dispatcher) handle(j job) error {
	ctx, cancel := context.WithTimeout(j.ctx, d.opts.MaxDuration)
	defer cancel()

	start := time.Now()
	attempts := d.opts.MaxRetries + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = j.run(); err == nil {
			if attempt > 1 {
				logger.Info(j.ctx, component, "send.retry.success", jobAttrs(j, slog.Int("attempt", attempt))...)
			}
			logger.Debug(j.ctx, component, "send.success", jobAttrs(j, slog.Duration("duration", time.Since(start)))...)
			return nil
		}
		delay, retry := retryDelay(err, d.opts.RetryBackoff, attempt)
		if !retry || attempt == attempts {
			break
		}
		logger.Debug(j.ctx, component, "send.retry.backoff",
			jobAttrs(j, slog.Int("attempt", attempt), slog.Duration("backoff", delay))...)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			err = errors.Join(err, ctx.Err())
			attempt = attempts
		case <-timer.C:
		}
	}

	logger.Error(j.ctx, component, "send.fail", jobAttrs(j,
		slog.String("status", "fail"),
		slog.String("err", RedactToken(err.Error())),
		slog.String("err_code", ClassifyError(err)),
		slog.Int("attempts", attempts),
		slog.Duration("duration", time.Since(start)),
	)...)
	return err
}

// retryDelay honours Telegram flood control and otherwise backs off linearly on
// transient network errors.
func retryDelay(err error, backoff time.Duration, attempt int) (time.Duration, bool) {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return time.Duration(flood.RetryAfter) * time.Second, true
	}
	if netutil.ShouldRetry(err) {
		return backoff * time.Duration(attempt), true
	}
	return 0, false
}

func jobAttrs(j job, extra ...slog.Attr) []slog.Attr {
	attrs := []slog.Attr{slog.String("mode", j.action)}
	if j.endpoint != "" {
		attrs = append(attrs, slog.String("http_path", j.endpoint))
	}
	return append(attrs, extra...)
}
