package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Component represents a unit of work managed by the supervisor.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type componentFunc struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

// NewComponent creates a Component from callbacks. Either may be nil.
func NewComponent(name string, start, stop func(ctx context.Context) error) Component {
	return &componentFunc{name: name, start: start, stop: stop}
}

func (c *componentFunc) Name() string { return c.name }

func (c *componentFunc) Start(ctx context.Context) error {
	if c.start == nil {
		return nil
	}
	return c.start(ctx)
}

func (c *componentFunc) Stop(ctx context.Context) error {
	if c.stop == nil {
		return nil
	}
	return c.stop(ctx)
}

// Supervisor coordinates the lifecycle of registered components.
type Supervisor struct {
	logger *slog.Logger

	mu         sync.Mutex
	components []Component
	started    []Component
}

// New creates an empty supervisor.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{logger: logger.With("component", "supervisor")}
}

// Register adds a component. Registration is only allowed before Start.
func (s *Supervisor) Register(c Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started != nil {
		panic("supervisor: cannot register component after start")
	}
	s.components = append(s.components, c)
}

// Start starts components in registration order. If one fails, those already
// started are stopped in reverse order and the error is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started != nil {
		s.mu.Unlock()
		return nil
	}
	s.started = make([]Component, 0, len(s.components))
	comps := append([]Component(nil), s.components...)
	s.mu.Unlock()

	for _, c := range comps {
		if err := c.Start(ctx); err != nil {
			s.logger.Error("component failed to start", "name", c.Name(), "error", err)
			_ = s.Stop(ctx)
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		s.logger.Debug("component started", "name", c.Name())
		s.mu.Lock()
		s.started = append(s.started, c)
		s.mu.Unlock()
	}
	return nil
}

// Stop stops started components in reverse order and joins their errors. It
// is safe to call even if Start was never invoked.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	comps := s.started
	s.started = nil
	s.mu.Unlock()

	var errs []error
	for i := len(comps) - 1; i >= 0; i-- {
		if err := comps[i].Stop(ctx); err != nil {
			s.logger.Warn("component failed to stop", "name", comps[i].Name(), "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", comps[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}
