package webrtc

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/internal/core/services"
	"livecast/internal/infrastructure/monitoring"
	"livecast/pkg/optimize"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type RelayConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	AdaptInterval time.Duration
	StatsInterval time.Duration
}

// DisconnectHandler is invoked when the relay drops a peer. The hub owns
// the policy (grace window for publishers, immediate removal for viewers);
// the relay only reports, tagging each drop with why it happened so the
// signaling layer can tell the affected client.
type DisconnectHandler func(streamID domain.StreamID, connID domain.ConnectionID, role domain.ConnectionRole, reason domain.CloseReason)

// Relay is the media plane: one publisher in, many subscribers out, RTP
// forwarded without re-encoding. Every subscriber owns its outbound
// tracks, so one slow or broken viewer can never stall another.
type Relay struct {
	config  RelayConfig
	quality *services.QualityService
	stats   ports.StatsService
	metrics *monitoring.PrometheusCollector
	pool    *optimize.BytePool

	mu      sync.RWMutex
	streams map[domain.StreamID]*relayStream

	onDisconnect DisconnectHandler
	logger       *zap.SugaredLogger
}

type relayStream struct {
	streamID  domain.StreamID
	publisher domain.ConnectionID
	pc        *webrtc.PeerConnection

	// one shared audio track, one video track per subscriber
	audioTrack *webrtc.TrackLocalStaticRTP

	mu          sync.RWMutex
	layers      map[string]bool // video layers seen from this publisher
	subscribers map[domain.ConnectionID]*subscriber
	closed      bool
	attachedAt  time.Time

	// top-layer frames and ingress bytes since the last sampling pass
	frameCount atomic.Uint64
	bytesIn    atomic.Uint64

	sinkMu sync.Mutex
	sink   ports.MediaSink
}

type subscriber struct {
	connID     domain.ConnectionID
	streamID   domain.StreamID
	pc         *webrtc.PeerConnection
	videoTrack *webrtc.TrackLocalStaticRTP
	videoRTP   *webrtc.RTPSender
	createdAt  time.Time

	mu            sync.Mutex
	layer         string
	auto          bool
	bandwidthKbps int
	packetLoss    float64
	streak        int

	bytesWritten atomic.Uint64
	faulted      atomic.Bool
}

func NewRelay(config RelayConfig, quality *services.QualityService, stats ports.StatsService, metrics *monitoring.PrometheusCollector, logger *zap.SugaredLogger) *Relay {
	if config.AdaptInterval <= 0 {
		config.AdaptInterval = 5 * time.Second
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = config.AdaptInterval
	}
	return &Relay{
		config:  config,
		quality: quality,
		stats:   stats,
		metrics: metrics,
		pool:    optimize.NewBytePool(1500), // MTU size
		streams: make(map[domain.StreamID]*relayStream),
		logger:  logger,
	}
}

// SetDisconnectHandler wires the hub's disconnect policy in. Must be
// called before any peer attaches.
func (r *Relay) SetDisconnectHandler(h DisconnectHandler) {
	r.onDisconnect = h
}

// Attach creates the publisher peer connection for a stream and returns
// the offer. A live publisher blocks a second attach; a stale one (its
// transport already failed) is replaced and existing subscribers keep
// their tracks.
func (r *Relay) Attach(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID) (webrtc.SessionDescription, error) {
	r.mu.Lock()
	stream, exists := r.streams[streamID]
	if exists && stream.pc != nil && !isStalePC(stream.pc) {
		r.mu.Unlock()
		return webrtc.SessionDescription{}, domain.ErrPublisherConflict
	}
	if !exists {
		audioTrack, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", fmt.Sprintf("livecast-%s", streamID),
		)
		if err != nil {
			r.mu.Unlock()
			return webrtc.SessionDescription{}, err
		}
		stream = &relayStream{
			streamID:    streamID,
			audioTrack:  audioTrack,
			layers:      make(map[string]bool),
			subscribers: make(map[domain.ConnectionID]*subscriber),
		}
		r.streams[streamID] = stream
	}
	r.mu.Unlock()

	pc, err := r.newPeerConnection()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return webrtc.SessionDescription{}, err
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return webrtc.SessionDescription{}, err
	}

	stream.mu.Lock()
	old := stream.pc
	stream.pc = pc
	stream.publisher = connID
	stream.attachedAt = time.Now()
	stream.mu.Unlock()
	if old != nil {
		old.Close()
	}

	pc.OnTrack(r.handlePublisherTrack(stream))
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		r.logger.Infow("publisher connection state changed",
			"stream_id", streamID, "connection_id", connID, "state", state,
		)
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
			if r.onDisconnect != nil {
				r.onDisconnect(streamID, connID, domain.RolePublisher, domain.CloseTransportLost)
			}
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return webrtc.SessionDescription{}, err
	}

	r.logger.Infow("publisher attached", "stream_id", streamID, "connection_id", connID)
	return offer, nil
}

func (r *Relay) CompleteAttach(ctx context.Context, streamID domain.StreamID, answer webrtc.SessionDescription) error {
	stream, err := r.stream(streamID)
	if err != nil {
		return err
	}
	stream.mu.RLock()
	pc := stream.pc
	attachedAt := stream.attachedAt
	stream.mu.RUnlock()
	if pc == nil {
		return domain.ErrNegotiationFailed
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return err
	}
	r.metrics.ObserveNegotiation(time.Since(attachedAt).Seconds())
	return nil
}

// Subscribe creates a viewer peer connection carrying the stream's audio
// plus one video track. A second subscribe for the same connection
// replaces the first instead of stacking a duplicate.
func (r *Relay) Subscribe(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, qualityHint string) (webrtc.SessionDescription, error) {
	stream, err := r.stream(streamID)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	pc, err := r.newPeerConnection()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create peer connection: %w", err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", fmt.Sprintf("livecast-%s", streamID),
	)
	if err != nil {
		pc.Close()
		return webrtc.SessionDescription{}, err
	}

	videoSender, err := pc.AddTrack(videoTrack)
	if err != nil {
		pc.Close()
		return webrtc.SessionDescription{}, err
	}
	if _, err := pc.AddTrack(stream.audioTrack); err != nil {
		pc.Close()
		return webrtc.SessionDescription{}, err
	}

	layer := r.quality.Lowest() // cold start: join at the bottom, adapt up
	auto := true
	if qualityHint != "" && r.quality.Valid(qualityHint) {
		layer = qualityHint
		auto = false
	}

	sub := &subscriber{
		connID:     connID,
		streamID:   streamID,
		pc:         pc,
		videoTrack: videoTrack,
		videoRTP:   videoSender,
		layer:      layer,
		auto:       auto,
		createdAt:  time.Now(),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
			if r.onDisconnect != nil {
				r.onDisconnect(streamID, connID, domain.RoleViewer, domain.CloseTransportLost)
			}
		}
	})

	go r.readSubscriberRTCP(sub)

	stream.mu.Lock()
	if stream.closed {
		stream.mu.Unlock()
		pc.Close()
		return webrtc.SessionDescription{}, domain.ErrStreamNotFound
	}
	prev := stream.subscribers[connID]
	stream.subscribers[connID] = sub
	stream.mu.Unlock()
	if prev != nil {
		prev.pc.Close()
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		r.removeSubscriber(stream, connID)
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		r.removeSubscriber(stream, connID)
		return webrtc.SessionDescription{}, err
	}

	r.logger.Infow("subscriber added",
		"stream_id", streamID, "connection_id", connID, "layer", layer, "auto", auto,
	)
	return offer, nil
}

func (r *Relay) CompleteSubscribe(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, answer webrtc.SessionDescription) error {
	stream, err := r.stream(streamID)
	if err != nil {
		return err
	}
	stream.mu.RLock()
	sub, ok := stream.subscribers[connID]
	stream.mu.RUnlock()
	if !ok {
		return domain.ErrConnectionClosed
	}
	if err := sub.pc.SetRemoteDescription(answer); err != nil {
		return err
	}
	r.metrics.ObserveNegotiation(time.Since(sub.createdAt).Seconds())
	return nil
}

func (r *Relay) Unsubscribe(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, reason domain.CloseReason) error {
	stream, err := r.stream(streamID)
	if err != nil {
		return err
	}
	if sub := r.removeSubscriber(stream, connID); sub != nil {
		r.logger.Infow("subscriber removed",
			"stream_id", streamID, "connection_id", connID, "reason", reason,
		)
	}
	return nil
}

// SetQuality pins a viewer to a layer, or hands control back to
// adaptation with the special layer "auto".
func (r *Relay) SetQuality(ctx context.Context, streamID domain.StreamID, connID domain.ConnectionID, layer string) error {
	stream, err := r.stream(streamID)
	if err != nil {
		return err
	}
	stream.mu.RLock()
	sub, ok := stream.subscribers[connID]
	stream.mu.RUnlock()
	if !ok {
		return domain.ErrConnectionClosed
	}

	if layer == "auto" {
		sub.mu.Lock()
		sub.auto = true
		sub.streak = 0
		sub.mu.Unlock()
		return nil
	}
	if !r.quality.Valid(layer) {
		return fmt.Errorf("unknown quality layer %q", layer)
	}

	sub.mu.Lock()
	sub.layer = layer
	sub.auto = false
	sub.streak = 0
	sub.mu.Unlock()

	r.logger.Infow("quality pinned", "stream_id", streamID, "connection_id", connID, "layer", layer)
	return nil
}

// Detach tears the stream down: publisher and every subscriber peer
// connection close, and the stream is forgotten so later subscribes fail
// with not-found instead of leaving zombie subscriptions behind.
func (r *Relay) Detach(ctx context.Context, streamID domain.StreamID) error {
	r.mu.Lock()
	stream, ok := r.streams[streamID]
	delete(r.streams, streamID)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	stream.mu.Lock()
	stream.closed = true
	pc := stream.pc
	stream.pc = nil
	subs := stream.subscribers
	stream.subscribers = make(map[domain.ConnectionID]*subscriber)
	stream.mu.Unlock()

	if pc != nil {
		pc.Close()
	}
	for connID, sub := range subs {
		sub.pc.Close()
		r.stats.Remove(connID)
	}

	stream.sinkMu.Lock()
	if stream.sink != nil {
		stream.sink.Close()
		stream.sink = nil
	}
	stream.sinkMu.Unlock()

	r.logger.Infow("stream detached", "stream_id", streamID, "subscribers_closed", len(subs))
	return nil
}

// AddSink taps publisher media for the recording pipeline. One sink per
// stream.
func (r *Relay) AddSink(streamID domain.StreamID, sink ports.MediaSink) error {
	stream, err := r.stream(streamID)
	if err != nil {
		return err
	}
	stream.sinkMu.Lock()
	defer stream.sinkMu.Unlock()
	stream.sink = sink
	return nil
}

func (r *Relay) RemoveSink(streamID domain.StreamID) {
	stream, err := r.stream(streamID)
	if err != nil {
		return
	}
	stream.sinkMu.Lock()
	defer stream.sinkMu.Unlock()
	stream.sink = nil
}

// Run drives quality adaptation and throughput sampling until ctx is
// cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.AdaptInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.adaptAll()
		}
	}
}

func (r *Relay) stream(streamID domain.StreamID) (*relayStream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stream, ok := r.streams[streamID]
	if !ok {
		return nil, domain.ErrStreamNotFound
	}
	return stream, nil
}

func (r *Relay) newPeerConnection() (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	if r.config.PortRange.Min > 0 && r.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(r.config.PortRange.Min, r.config.PortRange.Max); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   r.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
}

// handlePublisherTrack starts a forwarding loop per incoming track. Video
// layers are identified by simulcast RID, falling back to a suffix on the
// track ID for publishers that send separate tracks per layer.
func (r *Relay) handlePublisherTrack(stream *relayStream) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		r.logger.Infow("publisher track started",
			"stream_id", stream.streamID,
			"track_id", track.ID(),
			"rid", track.RID(),
			"codec", track.Codec().MimeType,
		)

		go r.readPublisherRTCP(stream, receiver)

		if track.Kind() == webrtc.RTPCodecTypeAudio {
			go r.forwardAudio(stream, track)
			return
		}

		layer := r.layerFor(track)
		stream.mu.Lock()
		stream.layers[layer] = true
		stream.mu.Unlock()

		go r.forwardVideoLayer(stream, layer, track)
	}
}

func (r *Relay) layerFor(track *webrtc.TrackRemote) string {
	if rid := track.RID(); rid != "" && r.quality.Valid(rid) {
		return rid
	}
	if i := strings.LastIndex(track.ID(), "-"); i >= 0 {
		if suffix := track.ID()[i+1:]; r.quality.Valid(suffix) {
			return suffix
		}
	}
	return r.quality.Lowest()
}

// forwardAudio copies publisher audio into the shared local track bound
// to every subscriber peer connection.
func (r *Relay) forwardAudio(stream *relayStream, track *webrtc.TrackRemote) {
	buf := r.pool.Get()
	defer r.pool.Put(buf)
	pkt := &rtp.Packet{}

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if err != io.EOF {
				r.logger.Warnw("audio read ended", "stream_id", stream.streamID, "error", err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		if err := stream.audioTrack.WriteRTP(pkt); err != nil && err != io.ErrClosedPipe {
			r.logger.Warnw("audio forward failed", "stream_id", stream.streamID, "error", err)
		}
		r.metrics.RelayBytes(n)
		r.tapSink(stream, buf[:n])
	}
}

// forwardVideoLayer feeds one simulcast layer to every subscriber
// currently on that layer. A write failure affects only the failing
// subscriber: it is marked faulted, closed, and everyone else keeps
// receiving.
func (r *Relay) forwardVideoLayer(stream *relayStream, layer string, track *webrtc.TrackRemote) {
	buf := r.pool.Get()
	defer r.pool.Put(buf)
	pkt := &rtp.Packet{}
	top := r.topLayer()

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if err != io.EOF {
				r.logger.Warnw("video read ended",
					"stream_id", stream.streamID, "layer", layer, "error", err,
				)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		r.metrics.RelayBytes(n)
		if layer == top {
			r.tapSink(stream, buf[:n])
			stream.bytesIn.Add(uint64(n))
			if pkt.Marker {
				stream.frameCount.Add(1)
			}
		}

		stream.mu.RLock()
		subs := make([]*subscriber, 0, len(stream.subscribers))
		for _, sub := range stream.subscribers {
			subs = append(subs, sub)
		}
		stream.mu.RUnlock()

		for _, sub := range subs {
			sub.mu.Lock()
			wanted := sub.layer == layer
			sub.mu.Unlock()
			if !wanted || sub.faulted.Load() {
				continue
			}

			if err := sub.videoTrack.WriteRTP(pkt); err != nil {
				if err == io.ErrClosedPipe {
					// not yet negotiated or already closing; skip quietly
					continue
				}
				if sub.faulted.CompareAndSwap(false, true) {
					r.metrics.RelayFault()
					r.logger.Warnw("subscriber write fault, isolating viewer",
						"stream_id", stream.streamID,
						"connection_id", sub.connID,
						"error", err,
					)
					go r.faultSubscriber(stream, sub)
				}
				continue
			}
			sub.bytesWritten.Add(uint64(n))
		}
	}
}

func (r *Relay) faultSubscriber(stream *relayStream, sub *subscriber) {
	r.removeSubscriber(stream, sub.connID)
	if r.onDisconnect != nil {
		r.onDisconnect(stream.streamID, sub.connID, domain.RoleViewer, domain.CloseRelayFault)
	}
}

func (r *Relay) removeSubscriber(stream *relayStream, connID domain.ConnectionID) *subscriber {
	stream.mu.Lock()
	sub, ok := stream.subscribers[connID]
	delete(stream.subscribers, connID)
	stream.mu.Unlock()
	if !ok {
		return nil
	}
	sub.pc.Close()
	r.stats.Remove(connID)
	return sub
}

// tapSink hands a copy of the packet to the recording sink. Sink errors
// disable the tap until a new sink is attached; they never interrupt
// forwarding.
func (r *Relay) tapSink(stream *relayStream, data []byte) {
	stream.sinkMu.Lock()
	sink := stream.sink
	stream.sinkMu.Unlock()
	if sink == nil {
		return
	}

	if err := sink.WriteChunk(data); err != nil {
		r.logger.Warnw("recording sink write failed, detaching sink",
			"stream_id", stream.streamID, "error", err,
		)
		stream.sinkMu.Lock()
		if stream.sink == sink {
			stream.sink = nil
		}
		stream.sinkMu.Unlock()
	}
}

// readPublisherRTCP drains RTCP from the publisher receiver so interceptors
// run; sender reports feed the per-stream bitrate gauge.
func (r *Relay) readPublisherRTCP(stream *relayStream, receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if sr, ok := packet.(*rtcp.SenderReport); ok {
				r.logger.Debugw("publisher sender report",
					"stream_id", stream.streamID,
					"packets", sr.PacketCount,
					"octets", sr.OctetCount,
				)
			}
		}
	}
}

// readSubscriberRTCP extracts loss and bandwidth estimates from the
// viewer's receiver reports and REMB feedback for the adaptation loop.
func (r *Relay) readSubscriberRTCP(sub *subscriber) {
	for {
		packets, _, err := sub.videoRTP.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.ReceiverReport:
				for _, report := range p.Reports {
					sub.mu.Lock()
					sub.packetLoss = float64(report.FractionLost) / 255.0
					sub.mu.Unlock()
				}
			case *rtcp.ReceiverEstimatedMaximumBitrate:
				sub.mu.Lock()
				sub.bandwidthKbps = int(p.Bitrate / 1000)
				sub.mu.Unlock()
			case *rtcp.PictureLossIndication:
				// keyframe requests are handled end to end by the
				// publisher's own RTCP loop
			}
		}
	}
}

func (r *Relay) topLayer() string {
	layers := r.quality.Layers()
	if len(layers) == 0 {
		return ""
	}
	return layers[len(layers)-1].Name
}

// adaptAll runs one adaptation and sampling pass over every subscriber.
// Downgrades act on a single bad interval; upgrades wait for several
// consecutive intervals with headroom.
func (r *Relay) adaptAll() {
	r.mu.RLock()
	streams := make([]*relayStream, 0, len(r.streams))
	for _, stream := range r.streams {
		streams = append(streams, stream)
	}
	r.mu.RUnlock()

	for _, stream := range streams {
		stream.mu.RLock()
		subs := make([]*subscriber, 0, len(stream.subscribers))
		for _, sub := range stream.subscribers {
			subs = append(subs, sub)
		}
		stream.mu.RUnlock()

		for _, sub := range subs {
			r.stats.Observe(sub.connID, sub.streamID, sub.bytesWritten.Load())
			r.adaptSubscriber(stream, sub)
		}

		kbps := int(float64(stream.bytesIn.Swap(0)) * 8 / 1024 / r.config.AdaptInterval.Seconds())
		r.metrics.SetStreamBitrate(stream.streamID, kbps)
		r.reportFormat(stream)
	}
}

// reportFormat pushes the source resolution and measured frame rate of
// the stream's best active layer to the stats monitor.
func (r *Relay) reportFormat(stream *relayStream) {
	stream.mu.RLock()
	active := make(map[string]bool, len(stream.layers))
	for name := range stream.layers {
		active[name] = true
	}
	stream.mu.RUnlock()
	if len(active) == 0 {
		return
	}

	layers := r.quality.Layers()
	for i := len(layers) - 1; i >= 0; i-- {
		if !active[layers[i].Name] {
			continue
		}
		frames := stream.frameCount.Swap(0)
		fps := float64(frames) / r.config.AdaptInterval.Seconds()
		r.stats.ObserveFormat(stream.streamID, layers[i].Width, layers[i].Height, fps)
		return
	}
}

func (r *Relay) adaptSubscriber(stream *relayStream, sub *subscriber) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if !sub.auto {
		return
	}

	m := services.Measurement{
		BandwidthKbps: sub.bandwidthKbps,
		PacketLoss:    sub.packetLoss,
	}
	if m.BandwidthKbps == 0 {
		// no feedback yet; leave the cold-start layer alone
		return
	}

	if r.quality.ShouldDowngrade(sub.layer, m) {
		if next, ok := r.quality.NextDown(sub.layer); ok {
			r.logger.Infow("downgrading viewer",
				"stream_id", stream.streamID,
				"connection_id", sub.connID,
				"from", sub.layer, "to", next,
				"bandwidth_kbps", m.BandwidthKbps,
				"packet_loss", m.PacketLoss,
			)
			sub.layer = next
		}
		sub.streak = 0
		return
	}

	if r.quality.HasUpgradeHeadroom(sub.layer, m) {
		sub.streak++
		if sub.streak >= r.quality.UpgradeHeadroomIntervals() {
			if next, ok := r.quality.NextUp(sub.layer); ok {
				r.logger.Infow("upgrading viewer",
					"stream_id", stream.streamID,
					"connection_id", sub.connID,
					"from", sub.layer, "to", next,
					"bandwidth_kbps", m.BandwidthKbps,
				)
				sub.layer = next
			}
			sub.streak = 0
		}
		return
	}

	sub.streak = 0
}

// Subscription reports what a viewer currently receives: the outbound
// track, the layer, and whether the relay may still adapt it.
func (r *Relay) Subscription(streamID domain.StreamID, connID domain.ConnectionID) (*domain.Subscription, error) {
	stream, err := r.stream(streamID)
	if err != nil {
		return nil, err
	}
	stream.mu.RLock()
	sub, ok := stream.subscribers[connID]
	stream.mu.RUnlock()
	if !ok {
		return nil, domain.ErrConnectionClosed
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return &domain.Subscription{
		StreamID:     streamID,
		ConnectionID: connID,
		Track:        domain.TrackID(sub.videoTrack.ID()),
		Layer:        sub.layer,
		Auto:         sub.auto,
		CreatedAt:    sub.createdAt,
	}, nil
}

func isStalePC(pc *webrtc.PeerConnection) bool {
	switch pc.ConnectionState() {
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
		return true
	}
	return false
}
