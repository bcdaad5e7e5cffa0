// Package control accepts schedule management commands over NATS and applies
// them to the schedule store.
package control

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
	StreamName     = "SCHEDULES"
	AddSubject     = "schedule.add"
	RemoveSubject  = "schedule.remove"
	AddConsumer    = "schedule-add-consumer"
	RemoveConsumer = "schedule-remove-consumer"

	commandTimeout = 10 * time.Second
)

// Store is where accepted commands are written.
type Store interface {
	Upsert(ctx context.Context, def model.PeriodicTask) error
	Delete(ctx context.Context, name string) error
}

// Subscriber applies schedule.add and schedule.remove commands to a Store.
type Subscriber struct {
	js       nats.JetStreamContext
	store    Store
	logger   *zap.Logger
	onChange func()

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewSubscriber creates a command subscriber. onChange, if set, runs after
// every command that modified the store.
func NewSubscriber(js nats.JetStreamContext, store Store, onChange func(), logger *zap.Logger) *Subscriber {
	return &Subscriber{
		js:       js,
		store:    store,
		logger:   logger.Named("control"),
		onChange: onChange,
	}
}

// Start ensures the command stream exists and subscribes with durable
// consumers.
func (s *Subscriber) Start(ctx context.Context) error {
	_, err := s.js.StreamInfo(StreamName)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info: %w", err)
		}

		_, err = s.js.AddStream(&nats.StreamConfig{
			Name:     StreamName,
			Subjects: []string{"schedule.*"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
			MaxMsgs:  -1,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		s.logger.Info("Created schedule stream", zap.String("name", StreamName))
	} else {
		s.logger.Info("Using existing schedule stream", zap.String("name", StreamName))
	}

	return s.subscribeToCommands(ctx)
}

// subscribeToCommands subscribes to schedule management commands
func (s *Subscriber) subscribeToCommands(ctx context.Context) error {
	addSub, err := s.js.Subscribe(AddSubject, func(msg *nats.Msg) {
		var def model.PeriodicTask
		if err := json.Unmarshal(msg.Data, &def); err != nil {
			s.logger.Error("Failed to unmarshal schedule", zap.Error(err))
			return
		}

		if err := s.apply(ctx, func(ctx context.Context) error { return s.store.Upsert(ctx, def) }); err != nil {
			s.logger.Error("Failed to add schedule", zap.String("name", def.Name), zap.Error(err))
			return
		}
		s.logger.Info("Added schedule", zap.String("name", def.Name), zap.String("task", def.Task))
	}, nats.Durable(AddConsumer))
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", AddSubject, err)
	}

	removeSub, err := s.js.Subscribe(RemoveSubject, func(msg *nats.Msg) {
		var name string
		if err := json.Unmarshal(msg.Data, &name); err != nil {
			s.logger.Error("Failed to unmarshal schedule name", zap.Error(err))
			return
		}

		if err := s.apply(ctx, func(ctx context.Context) error { return s.store.Delete(ctx, name) }); err != nil {
			s.logger.Error("Failed to remove schedule", zap.String("name", name), zap.Error(err))
			return
		}
		s.logger.Info("Removed schedule", zap.String("name", name))
	}, nats.Durable(RemoveConsumer))
	if err != nil {
		_ = addSub.Unsubscribe()
		return fmt.Errorf("failed to subscribe to %s: %w", RemoveSubject, err)
	}

	s.mu.Lock()
	s.subs = append(s.subs, addSub, removeSub)
	s.mu.Unlock()
	return nil
}

func (s *Subscriber) apply(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		return err
	}
	if s.onChange != nil {
		s.onChange()
	}
	return nil
}

// Stop drains the command subscriptions.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			s.logger.Warn("Failed to drain subscription", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	s.subs = nil
}

// PublishAdd sends a schedule.add command.
func PublishAdd(js nats.JetStreamContext, def model.PeriodicTask) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}
	if _, err := js.Publish(AddSubject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", AddSubject, err)
	}
	return nil
}

// PublishRemove sends a schedule.remove command.
func PublishRemove(js nats.JetStreamContext, name string) error {
	data, err := json.Marshal(name)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule name: %w", err)
	}
	if _, err := js.Publish(RemoveSubject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", RemoveSubject, err)
	}
	return nil
}
