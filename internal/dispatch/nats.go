package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/natsbeat/internal/model"
)

const (
	DefaultStream  = "TASKS"
	DefaultSubject = "task.submit"
	DefaultBuffer  = 256
	DefaultRetries = 3

	// ExpiresHeader carries the absolute expiry of a task in RFC 3339 form.
	ExpiresHeader = "Natsbeat-Expires"
	// EntryHeader carries the name of the schedule entry that produced the task.
	EntryHeader = "Natsbeat-Entry"

	streamMaxAge     = 24 * time.Hour // Keep messages for 24 hours
	streamMaxMsgs    = -1             // Unlimited messages
	duplicatesWindow = 2 * time.Minute
	publishTimeout   = 10 * time.Second
	operationTimeout = 30 * time.Second
)

// Recorder stores a row of dispatch history.
type Recorder interface {
	RecordDispatch(ctx context.Context, record model.DispatchRecord) error
}

// Metrics receives publish failures. Tasks refused by Dispatch are counted
// by the caller.
type Metrics interface {
	RecordPublishError(entry string)
}

type nopMetrics struct{}

func (nopMetrics) RecordPublishError(string) {}

// Config configures a NATSDispatcher.
type Config struct {
	Stream  string
	Subject string
	// Buffer is the number of tasks that may wait for publishing.
	Buffer int
	// Retries is the number of publish attempts per task.
	Retries int
	Backoff ExponentialBackoff

	Recorder Recorder
	Metrics  Metrics
}

// NATSDispatcher publishes due tasks to a JetStream subject. Dispatch only
// queues the task; a single goroutine publishes in order.
type NATSDispatcher struct {
	js       nats.JetStreamContext
	logger   *zap.Logger
	subject  string
	retries  int
	backoff  ExponentialBackoff
	recorder Recorder
	metrics  Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan model.Task
	wg     sync.WaitGroup
}

// NewNATSDispatcher ensures the stream exists and starts the publisher.
func NewNATSDispatcher(js nats.JetStreamContext, cfg Config, logger *zap.Logger) (*NATSDispatcher, error) {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.Backoff == (ExponentialBackoff{}) {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}

	d := newDispatcher(js, cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := d.setupStream(ctx, cfg.Stream); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}

	d.wg.Add(1)
	go d.run()

	return d, nil
}

func newDispatcher(js nats.JetStreamContext, cfg Config, logger *zap.Logger) *NATSDispatcher {
	return &NATSDispatcher{
		js:       js,
		logger:   logger.Named("dispatcher"),
		subject:  cfg.Subject,
		retries:  cfg.Retries,
		backoff:  cfg.Backoff,
		recorder: cfg.Recorder,
		metrics:  cfg.Metrics,
		queue:    make(chan model.Task, cfg.Buffer),
	}
}

func (d *NATSDispatcher) setupStream(ctx context.Context, name string) error {
	_, err := d.js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   []string{d.subject},
		Storage:    nats.FileStorage,
		MaxAge:     streamMaxAge,
		MaxMsgs:    streamMaxMsgs,
		Duplicates: duplicatesWindow,
	}, nats.Context(ctx))

	if err != nil {
		// If stream already exists, that's okay
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			d.logger.Info("Stream already exists", zap.String("stream", name))
			return nil
		}
		return err
	}

	d.logger.Info("Stream ready", zap.String("stream", name), zap.String("subject", d.subject))
	return nil
}

// Dispatch queues task for publishing. It never blocks: a full queue drops the
// task, records the drop in history and returns ErrQueueFull.
func (d *NATSDispatcher) Dispatch(ctx context.Context, task model.Task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- task:
		return nil
	default:
		err := fmt.Errorf("%w: dropped %s (%s)", ErrQueueFull, task.Entry, task.ID)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.record(task, err)
		}()
		return err
	}
}

func (d *NATSDispatcher) run() {
	defer d.wg.Done()

	for task := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := retry(ctx, d.retries, d.backoff, func(ctx context.Context) error {
			return d.publish(ctx, task)
		})
		if err != nil {
			d.metrics.RecordPublishError(task.Entry)
			d.logger.Error("Failed to publish task",
				zap.String("entry", task.Entry),
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
		cancel()
		d.record(task, err)
	}
}

func (d *NATSDispatcher) publish(ctx context.Context, task model.Task) error {
	msg, err := newMessage(d.subject, task)
	if err != nil {
		return err
	}

	if _, err := d.js.PublishMsg(msg, nats.Context(ctx), nats.MsgId(task.ID)); err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}

	d.logger.Debug("Published task",
		zap.String("entry", task.Entry),
		zap.String("task", task.Name),
		zap.String("task_id", task.ID))
	return nil
}

func (d *NATSDispatcher) record(task model.Task, publishErr error) {
	if d.recorder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	rec := model.DispatchRecord{
		ID:           task.ID,
		Entry:        task.Entry,
		Task:         task.Name,
		DispatchedAt: task.ScheduledAt,
	}
	if publishErr != nil {
		rec.Error = publishErr.Error()
	}
	if err := d.recorder.RecordDispatch(ctx, rec); err != nil {
		d.logger.Warn("Failed to record dispatch", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// Close stops accepting tasks and waits until queued ones are published.
func (d *NATSDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

// newMessage encodes task as a JSON message with dispatch headers.
func newMessage(subject string, task model.Task) (*nats.Msg, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(EntryHeader, task.Entry)
	if expiresAt := task.ExpiresAt(); !expiresAt.IsZero() {
		msg.Header.Set(ExpiresHeader, expiresAt.UTC().Format(time.RFC3339))
	}
	return msg, nil
}
