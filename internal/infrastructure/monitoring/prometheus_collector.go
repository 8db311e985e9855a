package monitoring

import (
	"livecast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	streamsActive   prometheus.Gauge
	viewersTotal    prometheus.Gauge
	relayBytesTotal prometheus.Counter
	relayFaults     prometheus.Counter

	recordingUploads  prometheus.Counter
	recordingFailures prometheus.Counter
	chatMessages      prometheus.Counter

	negotiationDuration prometheus.Histogram

	streamViewers *prometheus.GaugeVec
	streamBitrate *prometheus.GaugeVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		streamsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_streams_active",
			Help: "Number of streams currently live",
		}),

		viewersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_viewers_total",
			Help: "Number of connected viewers across all streams",
		}),

		relayBytesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "livecast_relay_bytes_total",
			Help: "Total bytes forwarded by the media relay",
		}),

		relayFaults: promauto.NewCounter(prometheus.CounterOpts{
			Name: "livecast_relay_faults_total",
			Help: "Per-viewer forwarding faults handled by the relay",
		}),

		recordingUploads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "livecast_recording_uploads_total",
			Help: "Recordings uploaded to object storage",
		}),

		recordingFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "livecast_recording_failures_total",
			Help: "Recordings that failed to finalize",
		}),

		chatMessages: promauto.NewCounter(prometheus.CounterOpts{
			Name: "livecast_chat_messages_total",
			Help: "Chat messages accepted and fanned out",
		}),

		negotiationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "livecast_negotiation_duration_seconds",
			Help:    "Time from handshake open to media connected",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		streamViewers: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecast_stream_viewers",
			Help: "Viewers per stream",
		}, []string{"stream_id"}),

		streamBitrate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livecast_stream_bitrate_kbps",
			Help: "Observed publisher bitrate per stream",
		}, []string{"stream_id"}),
	}
}

func (c *PrometheusCollector) StreamStarted() { c.streamsActive.Inc() }
func (c *PrometheusCollector) StreamEnded(streamID domain.StreamID) {
	c.streamsActive.Dec()
	c.streamViewers.DeleteLabelValues(string(streamID))
	c.streamBitrate.DeleteLabelValues(string(streamID))
}

func (c *PrometheusCollector) ViewerJoined(streamID domain.StreamID, count int) {
	c.viewersTotal.Inc()
	c.streamViewers.WithLabelValues(string(streamID)).Set(float64(count))
}

func (c *PrometheusCollector) ViewerLeft(streamID domain.StreamID, count int) {
	c.viewersTotal.Dec()
	c.streamViewers.WithLabelValues(string(streamID)).Set(float64(count))
}

func (c *PrometheusCollector) RelayBytes(n int)   { c.relayBytesTotal.Add(float64(n)) }
func (c *PrometheusCollector) RelayFault()        { c.relayFaults.Inc() }
func (c *PrometheusCollector) RecordingUploaded() { c.recordingUploads.Inc() }
func (c *PrometheusCollector) RecordingFailed()   { c.recordingFailures.Inc() }
func (c *PrometheusCollector) ChatMessage()       { c.chatMessages.Inc() }

func (c *PrometheusCollector) ObserveNegotiation(seconds float64) {
	c.negotiationDuration.Observe(seconds)
}

func (c *PrometheusCollector) SetStreamBitrate(streamID domain.StreamID, kbps int) {
	c.streamBitrate.WithLabelValues(string(streamID)).Set(float64(kbps))
}
