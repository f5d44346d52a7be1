package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/msgvault/msgvault/internal/remote"
	"github.com/msgvault/msgvault/internal/status"
	"go.uber.org/zap"
)

// Prober drives the connectivity state machine by polling the server's
// health endpoint. Reconnecting publishes net.status_changed, which in
// turn kicks the offline queue drain.
type Prober struct {
	client  *remote.Client
	machine *status.Machine
	logger  *zap.Logger

	interval time.Duration
	cancel   context.CancelFunc
}

// NewProber creates a connectivity prober.
func NewProber(client *remote.Client, machine *status.Machine, logger *zap.Logger) *Prober {
	return &Prober{
		client:   client,
		machine:  machine,
		logger:   logger,
		interval: 15 * time.Second,
	}
}

// Start probes immediately and then once per interval.
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go func() {
		p.probe(ctx)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.probe(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the probe loop.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Prober) probe(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := p.client.Ping(pingCtx)
	switch {
	case err == nil:
		if !p.machine.Online() {
			_ = p.machine.Transition(status.Connecting)
			if terr := p.machine.Transition(status.Online); terr == nil {
				p.logger.Info("server reachable, now online")
			}
		}
	case errors.Is(err, remote.ErrAuth):
		// Reachable but rejecting us: degraded, not offline.
		if p.machine.Current() != status.Degraded {
			if p.machine.Current() == status.Offline {
				_ = p.machine.Transition(status.Connecting)
			}
			_ = p.machine.Transition(status.Degraded)
			p.logger.Warn("server rejected credentials", zap.Error(err))
		}
	default:
		if p.machine.Current() != status.Offline {
			_ = p.machine.Transition(status.Offline)
			p.logger.Warn("server unreachable, now offline", zap.Error(err))
		}
	}
}
