package shadowsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPinger struct {
	mu  sync.Mutex
	err error
}

func (p *stubPinger) PingContext(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *stubPinger) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func TestManualConnectivityAnnouncesTransitionsToEveryWatcher(t *testing.T) {
	connectivity := NewManualConnectivity(true)
	first := connectivity.Changes()
	second := connectivity.Changes()

	connectivity.Set(true)
	assert.Empty(t, first)

	connectivity.Set(false)
	connectivity.Set(true)
	connectivity.Set(false)

	assert.False(t, <-first)
	assert.False(t, <-second)
	assert.False(t, connectivity.Online())
}

func TestProbeConnectivityFollowsPings(t *testing.T) {
	pinger := &stubPinger{}
	connectivity := NewProbeConnectivity(pinger, time.Millisecond, nil)
	changes := connectivity.Changes()

	assert.True(t, connectivity.Probe(context.Background()))
	assert.Empty(t, changes)

	pinger.fail(errors.New("connection refused"))
	assert.False(t, connectivity.Probe(context.Background()))
	assert.False(t, <-changes)

	pinger.fail(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go connectivity.Run(ctx)
	require.Eventually(t, connectivity.Online, time.Second, 5*time.Millisecond)
}
