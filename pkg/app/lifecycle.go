package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// stage is one named step of startup with its matching shutdown.
type stage struct {
	name  string
	start func(context.Context) error
	stop  func(context.Context) error
}

// lifecycle starts stages in registration order and stops them in reverse.
// Stages registered with a nil start are stop-only: resources acquired
// while building the App that must be released on Close.
type lifecycle struct {
	mu      sync.Mutex
	logger  *slog.Logger
	stages  []stage
	started int
	closed  bool
}

func newLifecycle(logger *slog.Logger) *lifecycle {
	return &lifecycle{logger: logger}
}

// add registers a stage. Either callback may be nil.
func (l *lifecycle) add(name string, start, stop func(context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stages = append(l.stages, stage{name: name, start: start, stop: stop})
}

// onStop registers a stop-only stage.
func (l *lifecycle) onStop(name string, stop func(context.Context) error) {
	l.add(name, nil, stop)
}

// start runs every pending start callback. When one fails, the stages
// already started are stopped again and the error is returned.
func (l *lifecycle) start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.New("app: already closed")
	}
	for l.started < len(l.stages) {
		s := l.stages[l.started]
		if s.start != nil {
			if err := s.start(ctx); err != nil {
				l.rollbackLocked(ctx)
				return fmt.Errorf("starting %s: %w", s.name, err)
			}
		}
		l.started++
	}
	return nil
}

func (l *lifecycle) rollbackLocked(ctx context.Context) {
	for i := l.started - 1; i >= 0; i-- {
		s := l.stages[i]
		if s.start == nil || s.stop == nil {
			continue
		}
		if err := s.stop(ctx); err != nil {
			l.logger.Warn("rollback: stop failed", "stage", s.name, "error", err)
		}
	}
	l.started = 0
}

// stop runs every stop callback in reverse registration order, including
// the stop-only ones. It is idempotent.
func (l *lifecycle) stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	for i := len(l.stages) - 1; i >= 0; i-- {
		s := l.stages[i]
		if s.stop == nil {
			continue
		}
		if s.start != nil && i >= l.started {
			continue
		}
		if err := s.stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
