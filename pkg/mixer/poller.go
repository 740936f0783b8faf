package mixer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Poller keeps the registry in step with the audio system: it refreshes on an
// interval and restores solo state that the refresh shows to be off
type Poller struct {
	logger   *zap.SugaredLogger
	registry *Registry
	solo     *SoloCoordinator

	lock     sync.Mutex
	interval time.Duration
	running  bool

	// interval the running loop ticks at
	active atomic.Int64

	stopChannel  chan bool
	resetChannel chan time.Duration
}

// NewPoller creates a poller. It doesn't poll until Start
func NewPoller(logger *zap.SugaredLogger, registry *Registry, solo *SoloCoordinator, interval time.Duration) (*Poller, error) {
	if registry == nil || solo == nil {
		return nil, fmt.Errorf("%w: poller requires a registry and a solo coordinator", ErrPrecondition)
	}

	if interval <= 0 {
		interval = defaultPollInterval
	}

	logger = logger.Named("poller")

	p := &Poller{
		logger:       logger,
		registry:     registry,
		solo:         solo,
		interval:     interval,
		stopChannel:  make(chan bool),
		resetChannel: make(chan time.Duration, 1),
	}

	logger.Debugw("Created poller instance", "interval", interval)

	return p, nil
}

// Poll refreshes the registry once and reconciles solo state
func (p *Poller) Poll(ctx context.Context) *Snapshot {
	p.registry.Refresh(ctx)

	if err := p.solo.Reconcile(ctx); err != nil {
		p.logger.Warnw("Failed to reconcile solo state", "error", err)
	}

	return p.registry.Snapshot()
}

// Start polls in the background until Stop is called
func (p *Poller) Start() {
	p.lock.Lock()
	if p.running {
		p.lock.Unlock()
		return
	}
	p.running = true
	interval := p.interval
	p.lock.Unlock()

	p.active.Store(int64(interval))

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopChannel:
				p.logger.Debug("Poll loop stopped")
				return

			case next := <-p.resetChannel:
				interval = next
				ticker.Reset(interval)
				p.active.Store(int64(interval))
				p.logger.Debugw("Changed poll interval", "interval", interval)

			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval*2)
				p.Poll(ctx)
				cancel()
			}
		}
	}()

	p.logger.Debugw("Poll loop started", "interval", interval)
}

// SetInterval changes how often the poller refreshes
func (p *Poller) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if interval == p.interval {
		return
	}
	p.interval = interval

	if !p.running {
		return
	}

	// latest interval wins
	select {
	case <-p.resetChannel:
	default:
	}
	p.resetChannel <- interval
}

// activeInterval is the interval the poll loop currently ticks at, zero before Start
func (p *Poller) activeInterval() time.Duration {
	return time.Duration(p.active.Load())
}

// Stop ends the poll loop
func (p *Poller) Stop() {
	p.lock.Lock()
	defer p.lock.Unlock()

	if !p.running {
		return
	}

	p.running = false
	p.stopChannel <- true
}
