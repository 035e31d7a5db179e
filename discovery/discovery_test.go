package discovery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func pid(i int) peer.ID {
	return peer.ID(fmt.Sprintf("relay-%d", i))
}

func TestDiscoveryDeduplicates(t *testing.T) {
	d, err := New(nil, WithClock(clock.NewMock()))
	require.NoError(t, err)
	defer d.Close()

	require.True(t, d.Observe(peer.AddrInfo{ID: pid(1)}))
	require.False(t, d.Observe(peer.AddrInfo{ID: pid(1)}))
	require.True(t, d.Observe(peer.AddrInfo{ID: pid(2)}))

	require.Equal(t, 2, d.Len())
	require.ElementsMatch(t, []peer.ID{pid(1), pid(2)}, d.Relays())
}

func TestDiscoveryCapEvictsLeastRecentlySeen(t *testing.T) {
	d, err := New(nil, WithClock(clock.NewMock()), WithMaxRelays(2))
	require.NoError(t, err)
	defer d.Close()

	d.Observe(peer.AddrInfo{ID: pid(1)})
	d.Observe(peer.AddrInfo{ID: pid(2)})

	// seeing 1 again makes 2 the eviction candidate
	d.Observe(peer.AddrInfo{ID: pid(1)})
	d.Observe(peer.AddrInfo{ID: pid(3)})

	require.Equal(t, 2, d.Len())
	require.ElementsMatch(t, []peer.ID{pid(1), pid(3)}, d.Relays())
}

func TestDiscoveryLastSeenRefresh(t *testing.T) {
	clk := clock.NewMock()
	d, err := New(nil, WithClock(clk))
	require.NoError(t, err)
	defer d.Close()

	d.Observe(peer.AddrInfo{ID: pid(1)})
	first, ok := d.Info(pid(1))
	require.True(t, ok)

	clk.Add(time.Minute)
	d.Observe(peer.AddrInfo{ID: pid(1)})

	second, ok := d.Info(pid(1))
	require.True(t, ok)
	require.Equal(t, first.DiscoveredAt, second.DiscoveredAt)
	require.True(t, second.LastSeen.After(first.LastSeen))
}

func TestDiscoveryStaleEviction(t *testing.T) {
	clk := clock.NewMock()
	d, err := New(nil, WithClock(clk), WithMaxAge(10*time.Minute))
	require.NoError(t, err)
	defer d.Close()

	d.Observe(peer.AddrInfo{ID: pid(1)})
	clk.Add(5 * time.Minute)
	d.Observe(peer.AddrInfo{ID: pid(2)})

	clk.Add(6 * time.Minute)
	// pid(1) is 11 minutes old, pid(2) only 6
	require.Equal(t, []peer.ID{pid(2)}, d.Relays())
	require.Equal(t, 1, d.Len())
}

func TestDiscoveryRefreshQueriesSource(t *testing.T) {
	src := StaticSource(
		peer.AddrInfo{ID: pid(1)},
		peer.AddrInfo{ID: pid(2)},
		peer.AddrInfo{ID: pid(1)}, // duplicate collapses
	)

	d, err := New(src, WithClock(clock.NewMock()))
	require.NoError(t, err)
	defer d.Close()

	d.refresh(context.Background())
	require.Equal(t, 2, d.Len())

	p, ok := d.Relay()
	require.True(t, ok)
	require.Contains(t, []peer.ID{pid(1), pid(2)}, p)
}

func TestDiscoveryReserverHook(t *testing.T) {
	var mx sync.Mutex
	reserved := make(map[peer.ID]int)
	var wg sync.WaitGroup

	rsv := reserverFunc(func(ctx context.Context, relay peer.AddrInfo) error {
		mx.Lock()
		reserved[relay.ID]++
		mx.Unlock()
		wg.Done()
		return nil
	})

	d, err := New(StaticSource(peer.AddrInfo{ID: pid(1)}), WithReserver(rsv))
	require.NoError(t, err)
	defer d.Close()

	wg.Add(1)
	d.refresh(context.Background())
	wg.Wait()

	// a second round rediscovers the same relay; no new reservation
	d.refresh(context.Background())

	mx.Lock()
	defer mx.Unlock()
	require.Equal(t, map[peer.ID]int{pid(1): 1}, reserved)
}

type reserverFunc func(ctx context.Context, relay peer.AddrInfo) error

func (f reserverFunc) Reserve(ctx context.Context, relay peer.AddrInfo) error {
	return f(ctx, relay)
}

func TestDiscoverySourceFailureIsNonFatal(t *testing.T) {
	calls := 0
	src := SourceFunc(func(ctx context.Context) ([]peer.AddrInfo, error) {
		calls++
		return nil, fmt.Errorf("query failed")
	})

	d, err := New(src)
	require.NoError(t, err)
	defer d.Close()

	d.refresh(context.Background())
	require.Equal(t, 1, calls)
	require.Equal(t, 0, d.Len())
}
