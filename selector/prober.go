package selector

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/libp2p/go-libp2p-relay/proto"
)

// Prober checks whether a relay is alive and how fast it answers.
type Prober interface {
	Probe(ctx context.Context, p peer.ID) (time.Duration, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, p peer.ID) (time.Duration, error)

func (f ProberFunc) Probe(ctx context.Context, p peer.ID) (time.Duration, error) {
	return f(ctx, p)
}

type streamProber struct {
	host    host.Host
	timeout time.Duration
}

// NewStreamProber probes a relay by opening a stream on the hop
// protocol and closing it immediately; the stream setup time is the
// measured latency.
func NewStreamProber(h host.Host, timeout time.Duration) Prober {
	return &streamProber{host: h, timeout: timeout}
}

func (sp *streamProber) Probe(ctx context.Context, p peer.ID) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, sp.timeout)
	defer cancel()

	start := time.Now()
	s, err := sp.host.NewStream(ctx, p, proto.ProtoIDHop)
	if err != nil {
		return 0, err
	}
	latency := time.Since(start)

	s.Reset()
	return latency, nil
}
