// Package portwatch polls a running container for listening TCP ports and
// reports a debounced, stable set of confirmed ports.
package portwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober lists the TCP ports currently listening inside a container. The
// result is raw and unfiltered.
type Prober interface {
	ListeningPorts(ctx context.Context, containerID string) ([]int, error)
}

// ProberFunc adapts a function into a Prober.
type ProberFunc func(ctx context.Context, containerID string) ([]int, error)

func (f ProberFunc) ListeningPorts(ctx context.Context, containerID string) ([]int, error) {
	return f(ctx, containerID)
}

// Config tunes polling and hysteresis.
type Config struct {
	Interval        time.Duration
	StableThreshold int
	AbsentThreshold int
	// MinPort and MaxPort bound the reported range; ports above MaxPort are
	// treated as ephemeral.
	MinPort  int
	MaxPort  int
	Excluded []int
	// ProbeTimeout bounds a single probe. Zero means Interval.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the stock polling parameters.
func DefaultConfig() Config {
	return Config{
		Interval:        1500 * time.Millisecond,
		StableThreshold: 2,
		AbsentThreshold: 2,
		MinPort:         1024,
		MaxPort:         32767,
		Excluded:        []int{22},
	}
}

// Watcher runs at most one watch session at a time.
type Watcher struct {
	prober Prober
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a watcher. Zero-valued config fields take their defaults.
func New(prober Prober, cfg Config, logger *slog.Logger) *Watcher {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StableThreshold <= 0 {
		cfg.StableThreshold = def.StableThreshold
	}
	if cfg.AbsentThreshold <= 0 {
		cfg.AbsentThreshold = def.AbsentThreshold
	}
	if cfg.MaxPort <= 0 {
		cfg.MaxPort = def.MaxPort
	}
	if cfg.Excluded == nil {
		cfg.Excluded = def.Excluded
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = cfg.Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{prober: prober, cfg: cfg, logger: logger.With("component", "port-watcher")}
}

// Start begins polling containerID, cancelling any previous session. onChange
// receives the sorted confirmed set whenever it changes. seed ports are
// confirmed after a single sighting.
func (w *Watcher) Start(containerID string, onChange func([]int), seed []int) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	tr := newTracker(w.cfg.StableThreshold, w.cfg.AbsentThreshold, seed)
	w.logger.Info("watching container ports", "container", shortID(containerID), "seed", seed)

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		for {
			w.poll(ctx, containerID, tr, onChange)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop cancels the active session, if any. It does not wait for an in-flight
// probe; results from a cancelled session are never delivered.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

// Wait blocks until the most recent session's goroutine has exited.
func (w *Watcher) Wait() {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (w *Watcher) poll(ctx context.Context, containerID string, tr *tracker, onChange func([]int)) {
	raw := w.probe(ctx, containerID)
	if ctx.Err() != nil {
		return
	}
	confirmed, changed := tr.observe(raw)
	if !changed || ctx.Err() != nil {
		return
	}
	w.logger.Debug("confirmed ports changed", "container", shortID(containerID), "ports", confirmed)
	if onChange != nil {
		onChange(confirmed)
	}
}

func (w *Watcher) probe(ctx context.Context, containerID string) []int {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	defer cancel()
	raw, err := w.prober.ListeningPorts(probeCtx, containerID)
	if err != nil {
		// Treated as "nothing listening" for this cycle.
		w.logger.Debug("port probe failed", "container", shortID(containerID), "error", err)
		return nil
	}
	return Filter(raw, w.cfg)
}

// Filter drops excluded ports, ports outside [MinPort, MaxPort], and duplicates,
// preserving first-seen order.
func Filter(raw []int, cfg Config) []int {
	excluded := make(map[int]struct{}, len(cfg.Excluded))
	for _, p := range cfg.Excluded {
		excluded[p] = struct{}{}
	}
	seen := make(map[int]struct{}, len(raw))
	out := make([]int, 0, len(raw))
	for _, p := range raw {
		if p < 1 || p > 65535 || p < cfg.MinPort || (cfg.MaxPort > 0 && p > cfg.MaxPort) {
			continue
		}
		if _, skip := excluded[p]; skip {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
