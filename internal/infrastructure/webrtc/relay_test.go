package webrtc

import (
	"context"
	"sync"
	"testing"

	"livecast/internal/core/domain"
	"livecast/internal/core/services"
	"livecast/internal/infrastructure/monitoring"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type statsStub struct {
	mu      sync.Mutex
	removed []domain.ConnectionID
}

func (s *statsStub) Observe(connID domain.ConnectionID, streamID domain.StreamID, bytesTotal uint64) {
}
func (s *statsStub) ObserveFormat(streamID domain.StreamID, width, height int, frameRate float64) {
}
func (s *statsStub) Remove(connID domain.ConnectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, connID)
}
func (s *statsStub) Snapshot(streamID domain.StreamID) *domain.StreamStats { return nil }
func (s *statsStub) Run(ctx context.Context)                               {}

var collectorOnce sync.Once
var sharedCollector *monitoring.PrometheusCollector

// promauto registers into the default registry, so tests share one
// collector instance.
func testCollector() *monitoring.PrometheusCollector {
	collectorOnce.Do(func() {
		sharedCollector = monitoring.NewPrometheusCollector()
	})
	return sharedCollector
}

func newRelay(t *testing.T) (*Relay, *statsStub) {
	t.Helper()
	stats := &statsStub{}
	quality := services.NewQualityService(domain.DefaultQualityLayers(), 0.15, 3)
	relay := NewRelay(RelayConfig{}, quality, stats, testCollector(), zaptest.NewLogger(t).Sugar())
	return relay, stats
}

func subscriberLayer(relay *Relay, streamID domain.StreamID, connID domain.ConnectionID) (string, error) {
	sub, err := relay.Subscription(streamID, connID)
	if err != nil {
		return "", err
	}
	return sub.Layer, nil
}

func TestRelay_SinglePublisher(t *testing.T) {
	relay, _ := newRelay(t)
	ctx := context.Background()

	offer, err := relay.Attach(ctx, "s1", "pub1")
	require.NoError(t, err)
	assert.NotEmpty(t, offer.SDP)

	_, err = relay.Attach(ctx, "s1", "pub2")
	assert.ErrorIs(t, err, domain.ErrPublisherConflict)
}

func TestRelay_SubscribeLifecycle(t *testing.T) {
	relay, stats := newRelay(t)
	ctx := context.Background()

	_, err := relay.Attach(ctx, "s1", "pub1")
	require.NoError(t, err)

	offer, err := relay.Subscribe(ctx, "s1", "v1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, offer.SDP)

	// cold start lands on the lowest layer, auto-adaptation on
	sub, err := relay.Subscription("s1", "v1")
	require.NoError(t, err)
	assert.Equal(t, "low", sub.Layer)
	assert.True(t, sub.Auto)
	assert.NotEmpty(t, sub.Track)
	assert.False(t, sub.CreatedAt.IsZero())

	require.NoError(t, relay.Unsubscribe(ctx, "s1", "v1", domain.CloseViewerLeft))
	_, err = relay.Subscription("s1", "v1")
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)

	stats.mu.Lock()
	assert.Contains(t, stats.removed, domain.ConnectionID("v1"))
	stats.mu.Unlock()
}

func TestRelay_SubscribeUnknownStream(t *testing.T) {
	relay, _ := newRelay(t)
	_, err := relay.Subscribe(context.Background(), "missing", "v1", "")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}

func TestRelay_ResubscribeReplacesNotDuplicates(t *testing.T) {
	relay, _ := newRelay(t)
	ctx := context.Background()

	_, err := relay.Attach(ctx, "s1", "pub1")
	require.NoError(t, err)

	_, err = relay.Subscribe(ctx, "s1", "v1", "")
	require.NoError(t, err)
	_, err = relay.Subscribe(ctx, "s1", "v1", "high")
	require.NoError(t, err)

	stream, err := relay.stream("s1")
	require.NoError(t, err)
	stream.mu.RLock()
	count := len(stream.subscribers)
	stream.mu.RUnlock()
	assert.Equal(t, 1, count)

	layer, err := subscriberLayer(relay, "s1", "v1")
	require.NoError(t, err)
	assert.Equal(t, "high", layer)
}

func TestRelay_QualityHintAndPinning(t *testing.T) {
	relay, _ := newRelay(t)
	ctx := context.Background()

	_, err := relay.Attach(ctx, "s1", "pub1")
	require.NoError(t, err)
	_, err = relay.Subscribe(ctx, "s1", "v1", "medium")
	require.NoError(t, err)

	layer, err := subscriberLayer(relay, "s1", "v1")
	require.NoError(t, err)
	assert.Equal(t, "medium", layer)

	assert.Error(t, relay.SetQuality(ctx, "s1", "v1", "ultra"))
	require.NoError(t, relay.SetQuality(ctx, "s1", "v1", "high"))

	layer, err = subscriberLayer(relay, "s1", "v1")
	require.NoError(t, err)
	assert.Equal(t, "high", layer)
}

func TestRelay_DetachLeavesNoZombies(t *testing.T) {
	relay, stats := newRelay(t)
	ctx := context.Background()

	_, err := relay.Attach(ctx, "s1", "pub1")
	require.NoError(t, err)
	_, err = relay.Subscribe(ctx, "s1", "v1", "")
	require.NoError(t, err)
	_, err = relay.Subscribe(ctx, "s1", "v2", "")
	require.NoError(t, err)

	require.NoError(t, relay.Detach(ctx, "s1"))

	// the stream is gone, not lingering in an empty state
	_, err = relay.Subscribe(ctx, "s1", "v3", "")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)

	stats.mu.Lock()
	assert.Len(t, stats.removed, 2)
	stats.mu.Unlock()

	// detach twice is harmless
	require.NoError(t, relay.Detach(ctx, "s1"))
}

func TestRelay_SinkRequiresStream(t *testing.T) {
	relay, _ := newRelay(t)
	err := relay.AddSink("missing", nil)
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
	relay.RemoveSink("missing")
}

func TestRelay_AdaptationTransitions(t *testing.T) {
	relay, _ := newRelay(t)
	ctx := context.Background()

	_, err := relay.Attach(ctx, "s1", "pub1")
	require.NoError(t, err)
	_, err = relay.Subscribe(ctx, "s1", "v1", "")
	require.NoError(t, err)

	stream, err := relay.stream("s1")
	require.NoError(t, err)
	stream.mu.RLock()
	sub := stream.subscribers["v1"]
	stream.mu.RUnlock()
	require.NotNil(t, sub)

	// plenty of bandwidth: upgrade only after the headroom streak
	sub.mu.Lock()
	sub.bandwidthKbps = 5000
	sub.packetLoss = 0
	sub.mu.Unlock()

	for i := 0; i < 2; i++ {
		relay.adaptSubscriber(stream, sub)
		layer, _ := subscriberLayer(relay, "s1", "v1")
		assert.Equal(t, "low", layer, "upgrade must wait out the streak")
	}
	relay.adaptSubscriber(stream, sub)
	layer, _ := subscriberLayer(relay, "s1", "v1")
	assert.Equal(t, "medium", layer)

	// a single bad interval downgrades immediately
	sub.mu.Lock()
	sub.bandwidthKbps = 300
	sub.mu.Unlock()
	relay.adaptSubscriber(stream, sub)
	layer, _ = subscriberLayer(relay, "s1", "v1")
	assert.Equal(t, "low", layer)

	// pinned viewers are left alone
	require.NoError(t, relay.SetQuality(ctx, "s1", "v1", "high"))
	relay.adaptSubscriber(stream, sub)
	layer, _ = subscriberLayer(relay, "s1", "v1")
	assert.Equal(t, "high", layer)
}

func TestRelay_FaultedViewerReportedWithReason(t *testing.T) {
	relay, stats := newRelay(t)
	ctx := context.Background()

	type drop struct {
		connID domain.ConnectionID
		role   domain.ConnectionRole
		reason domain.CloseReason
	}
	var mu sync.Mutex
	var drops []drop
	relay.SetDisconnectHandler(func(streamID domain.StreamID, connID domain.ConnectionID, role domain.ConnectionRole, reason domain.CloseReason) {
		mu.Lock()
		defer mu.Unlock()
		drops = append(drops, drop{connID, role, reason})
	})

	_, err := relay.Attach(ctx, "s1", "pub1")
	require.NoError(t, err)
	_, err = relay.Subscribe(ctx, "s1", "v1", "")
	require.NoError(t, err)
	_, err = relay.Subscribe(ctx, "s1", "v2", "")
	require.NoError(t, err)

	stream, err := relay.stream("s1")
	require.NoError(t, err)
	stream.mu.RLock()
	sub := stream.subscribers["v1"]
	stream.mu.RUnlock()
	require.NotNil(t, sub)

	relay.faultSubscriber(stream, sub)

	mu.Lock()
	require.Len(t, drops, 1)
	assert.Equal(t, domain.ConnectionID("v1"), drops[0].connID)
	assert.Equal(t, domain.RoleViewer, drops[0].role)
	assert.Equal(t, domain.CloseRelayFault, drops[0].reason)
	mu.Unlock()

	// the broken viewer is gone, the healthy one keeps its subscription
	_, err = relay.Subscription("s1", "v1")
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)
	_, err = relay.Subscription("s1", "v2")
	assert.NoError(t, err)

	stats.mu.Lock()
	assert.Contains(t, stats.removed, domain.ConnectionID("v1"))
	stats.mu.Unlock()
}
