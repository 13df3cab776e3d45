// Package detector notices when the hosted bookmark document changes.
//
// The detector never fetches content. It asks the repository whether the
// current version tag differs from the last observed one and hands the decision
// of what to do about it to a callback (normally the orchestrator).
//
// Delivery is once per detected change: after the callback accepts a change
// (returns nil) the detector stays quiet until the repository's observed
// version moves or the remote stops reporting a change. A callback that
// returns an error, for example because a sync is already running, is
// retried on the next tick.
package detector

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Checker is the repository surface polled by the detector.
type Checker interface {
	HasRemoteChanges(ctx context.Context) (bool, error)
	KnownVersion() string
}

// Callback is invoked when a remote change is detected.
type Callback func(ctx context.Context) error

// ChangeDetector is the lifecycle shared by all detector implementations.
type ChangeDetector interface {
	// Start begins detection. Calling Start on a running detector is a no-op.
	Start()

	// Stop ends detection and cancels the pending timer. Calling Stop on a
	// stopped detector is a no-op.
	Stop()

	// IsRunning reports whether the detector is started.
	IsRunning() bool
}

// Config holds configuration for the poller.
type Config struct {
	// Interval between checks.
	Interval time.Duration

	// Suppress, when it returns true, skips a check entirely. Used while a
	// conflict is unresolved or a resolution dialog is open.
	Suppress func() bool

	// Logger for detector activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 10 * time.Second,
		Logger:   log.New(os.Stderr, "[detector] ", log.LstdFlags),
	}
}

// Poller checks the repository on a fixed interval.
type Poller struct {
	checker  Checker
	onChange Callback
	config   *Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// checkMu serializes checks so a manual Poll cannot overlap a tick.
	checkMu      sync.Mutex
	delivered    bool
	deliveredFor string
}

// New creates a stopped poller.
func New(checker Checker, onChange Callback, config *Config) (*Poller, error) {
	if checker == nil {
		return nil, fmt.Errorf("checker cannot be nil")
	}
	if onChange == nil {
		return nil, fmt.Errorf("callback cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", config.Interval)
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[detector] ", log.LstdFlags)
	}

	return &Poller{
		checker:  checker,
		onChange: onChange,
		config:   config,
	}, nil
}

// Start implements ChangeDetector.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go p.loop(ctx)

	p.config.Logger.Printf("Polling every %s", p.config.Interval)
}

// Stop implements ChangeDetector. It waits for the polling goroutine to exit;
// a check already in flight runs to completion.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.config.Logger.Println("Stopped")
}

// IsRunning implements ChangeDetector.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				p.config.Logger.Printf("Check failed: %v", err)
			}
		}
	}
}

// Poll runs a single check and reports whether a change was delivered to the
// callback. A suppressed check returns false without contacting the repository.
func (p *Poller) Poll(ctx context.Context) (bool, error) {
	if p.config.Suppress != nil && p.config.Suppress() {
		return false, nil
	}

	p.checkMu.Lock()
	defer p.checkMu.Unlock()

	changed, err := p.checker.HasRemoteChanges(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check remote: %w", err)
	}
	if !changed {
		p.delivered = false
		return false, nil
	}

	known := p.checker.KnownVersion()
	if p.delivered && p.deliveredFor == known {
		return false, nil
	}

	// Suppression may have flipped while the check was in flight.
	if p.config.Suppress != nil && p.config.Suppress() {
		return false, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if err := p.onChange(ctx); err != nil {
		return false, fmt.Errorf("change callback failed: %w", err)
	}

	p.delivered = true
	p.deliveredFor = known
	return true, nil
}

var _ ChangeDetector = (*Poller)(nil)

// Manual is a ChangeDetector driven by explicit Trigger calls. It honours the
// same suppression rule as the poller and is meant for tests and for hosts that
// push change notifications.
type Manual struct {
	onChange Callback
	suppress func() bool

	mu       sync.Mutex
	running  bool
	triggers int
}

// NewManual creates a stopped manual detector.
func NewManual(onChange Callback, suppress func() bool) *Manual {
	return &Manual{onChange: onChange, suppress: suppress}
}

// Start implements ChangeDetector.
func (m *Manual) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
}

// Stop implements ChangeDetector.
func (m *Manual) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
}

// IsRunning implements ChangeDetector.
func (m *Manual) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Trigger simulates a detected change. It returns false if the detector is
// stopped or suppressed and the callback was not invoked.
func (m *Manual) Trigger(ctx context.Context) (bool, error) {
	if !m.IsRunning() {
		return false, nil
	}
	if m.suppress != nil && m.suppress() {
		return false, nil
	}

	m.mu.Lock()
	m.triggers++
	m.mu.Unlock()

	if m.onChange == nil {
		return true, nil
	}
	if err := m.onChange(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Triggers returns how many changes were delivered.
func (m *Manual) Triggers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggers
}

var _ ChangeDetector = (*Manual)(nil)
