package shadowsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultProbeTimeout = 2 * time.Second

// Connectivity is the online/offline signal the service short-circuits on.
// Each Changes call returns a fresh channel delivering the state after each
// transition.
type Connectivity interface {
	Online() bool
	Changes() <-chan bool
}

// ManualConnectivity is a Connectivity flipped explicitly by its owner.
type ManualConnectivity struct {
	mu       sync.RWMutex
	online   bool
	watchers []chan bool
}

func NewManualConnectivity(online bool) *ManualConnectivity {
	return &ManualConnectivity{online: online}
}

func (c *ManualConnectivity) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *ManualConnectivity) Changes() <-chan bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	watcher := make(chan bool, 1)
	c.watchers = append(c.watchers, watcher)
	return watcher
}

// Set updates the state. Only transitions are announced, and a reader that is
// behind sees the latest state rather than every flip.
func (c *ManualConnectivity) Set(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online == online {
		return
	}
	c.online = online
	for _, watcher := range c.watchers {
		select {
		case <-watcher:
		default:
		}
		watcher <- online
	}
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ProbeConnectivity derives the online state from periodic pings of the remote store.
type ProbeConnectivity struct {
	*ManualConnectivity
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

func NewProbeConnectivity(pinger Pinger, interval time.Duration, logger *zap.Logger) *ProbeConnectivity {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProbeConnectivity{
		ManualConnectivity: NewManualConnectivity(true),
		pinger:             pinger,
		interval:           interval,
		timeout:            defaultProbeTimeout,
		logger:             logger,
	}
}

// Probe pings once and records the outcome.
func (c *ProbeConnectivity) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err := c.pinger.PingContext(probeCtx)
	online := err == nil
	if online != c.Online() {
		if err != nil {
			c.logger.Warn("remote store unreachable", zap.Error(err))
		} else {
			c.logger.Info("remote store reachable again")
		}
	}
	c.Set(online)
	return online
}

// Run probes on every interval tick until ctx is done.
func (c *ProbeConnectivity) Run(ctx context.Context) {
	if c.interval <= 0 {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Probe(ctx)
		}
	}
}
