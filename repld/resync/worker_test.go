package resync

import (
	"context"
	"testing"
	"time"

	"github.com/mirrorlabs/blockrepl/repld/backend"
	"github.com/mirrorlabs/blockrepl/repld/metadata"
	"github.com/mirrorlabs/blockrepl/repld/pagepool"
	"github.com/mirrorlabs/blockrepl/repld/receiver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *receiver.Resource) {
	t.Helper()
	store, err := metadata.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	r := receiver.NewResource(&receiver.ResourceConfig{
		Name:     "r0",
		NodeID:   0,
		Pool:     pagepool.NewPool(64, 4096),
		Metadata: store,
	})
	_, err = r.AddDevice(0, backend.NewMemBackend(1<<20))
	require.NoError(t, err)

	svc, err := NewService(context.Background(), &Config{Resource: r})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Stop() })
	return svc, r
}

func TestRateLimiterBlocksBurst(t *testing.T) {
	svc, _ := newTestService(t)

	// Drain the per-peer budget; the bucket must eventually refuse.
	key := "1"
	granted := 0
	for i := 0; i < 1_000_000; i++ {
		if svc.rate.Add(key, 1) == 0 {
			break
		}
		granted++
	}
	assert.Greater(t, granted, 0)
	assert.Less(t, granted, 1_000_000, "rate limiter never pushed back")
}

func TestBusyHeuristicCounter(t *testing.T) {
	svc, _ := newTestService(t)
	for i := 0; i < busyThreshold+100; i++ {
		svc.NoteApplicationIO()
	}
	assert.Greater(t, svc.appIO.Rate(), int64(busyThreshold))
	// The window forgets old traffic.
	time.Sleep(1100 * time.Millisecond)
	assert.LessOrEqual(t, svc.appIO.Rate(), int64(busyThreshold))
}

func TestOutOfSyncReportsDeduplicated(t *testing.T) {
	svc, _ := newTestService(t)

	require.NoError(t, svc.oosSeen.Add("0/100+4096", struct{}{}, 0))
	// The same range within the window is suppressed.
	assert.Error(t, svc.oosSeen.Add("0/100+4096", struct{}{}, 0))
	// A different range passes.
	assert.NoError(t, svc.oosSeen.Add("0/200+4096", struct{}{}, 0))
}

func TestSyncParamEventRetunesRate(t *testing.T) {
	svc, r := newTestService(t)
	svc.Start()

	r.StateFeed().Send(&receiver.SyncParamEvent{
		Resource: "r0",
		Peer:     1,
		CMinRate: 4 << 20,
	})

	deadline := time.Now().Add(2 * time.Second)
	for svc.MinRate() != 4<<20 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, uint64(4<<20), svc.MinRate())
}
