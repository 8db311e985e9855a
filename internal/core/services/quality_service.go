package services

import (
	"livecast/internal/core/domain"
)

// Measurement is the relay's own lightweight per-viewer observation. It is
// deliberately independent of the stats monitor so adaptation can never
// block on telemetry.
type Measurement struct {
	BandwidthKbps int
	PacketLoss    float64
}

// QualityService picks simulcast layers per viewer. Downgrades are eager,
// upgrades require sustained headroom; the asymmetry trades peak quality
// for a stable viewing experience.
type QualityService struct {
	layers          []domain.QualityLayer // lowest first
	hysteresis      float64
	upgradeHeadroom int

	// loss above this forces the lowest layer regardless of bandwidth
	maxPacketLoss float64
}

func NewQualityService(layers []domain.QualityLayer, hysteresis float64, upgradeHeadroom int) *QualityService {
	if len(layers) == 0 {
		layers = domain.DefaultQualityLayers()
	}
	return &QualityService{
		layers:          layers,
		hysteresis:      hysteresis,
		upgradeHeadroom: upgradeHeadroom,
		maxPacketLoss:   0.1,
	}
}

// Layers returns the ladder, lowest first.
func (q *QualityService) Layers() []domain.QualityLayer {
	return q.layers
}

// Lowest returns the cold-start layer.
func (q *QualityService) Lowest() string {
	return q.layers[0].Name
}

// Valid reports whether name is a known layer.
func (q *QualityService) Valid(name string) bool {
	return q.indexOf(name) >= 0
}

// PickLayer chooses the highest layer whose bitrate fits the bandwidth
// budget. Unknown budget (<= 0) means cold start: the lowest layer.
func (q *QualityService) PickLayer(bandwidthKbps int) string {
	if bandwidthKbps <= 0 {
		return q.Lowest()
	}
	chosen := q.layers[0].Name
	for _, layer := range q.layers {
		if layer.Bitrate <= bandwidthKbps {
			chosen = layer.Name
		}
	}
	return chosen
}

// ShouldDowngrade reports whether current can no longer be sustained.
// Triggered on any sustained underrun: this is the eager side.
func (q *QualityService) ShouldDowngrade(current string, m Measurement) bool {
	i := q.indexOf(current)
	if i <= 0 {
		return false // already lowest or unknown
	}
	if m.PacketLoss > q.maxPacketLoss {
		return true
	}
	need := float64(q.layers[i].Bitrate) * (1.0 - q.hysteresis)
	return float64(m.BandwidthKbps) < need
}

// HasUpgradeHeadroom reports whether one measurement leaves room for the
// next layer up. Callers must observe UpgradeHeadroomIntervals consecutive
// true results before switching.
func (q *QualityService) HasUpgradeHeadroom(current string, m Measurement) bool {
	i := q.indexOf(current)
	if i < 0 || i == len(q.layers)-1 {
		return false
	}
	if m.PacketLoss > q.maxPacketLoss/2 {
		return false
	}
	need := float64(q.layers[i+1].Bitrate) * (1.0 + q.hysteresis)
	return float64(m.BandwidthKbps) >= need
}

// UpgradeHeadroomIntervals is the number of consecutive headroom
// observations required before an upgrade.
func (q *QualityService) UpgradeHeadroomIntervals() int {
	return q.upgradeHeadroom
}

// NextDown returns the layer below current.
func (q *QualityService) NextDown(current string) (string, bool) {
	i := q.indexOf(current)
	if i <= 0 {
		return "", false
	}
	return q.layers[i-1].Name, true
}

// NextUp returns the layer above current.
func (q *QualityService) NextUp(current string) (string, bool) {
	i := q.indexOf(current)
	if i < 0 || i == len(q.layers)-1 {
		return "", false
	}
	return q.layers[i+1].Name, true
}

func (q *QualityService) indexOf(name string) int {
	for i, layer := range q.layers {
		if layer.Name == name {
			return i
		}
	}
	return -1
}
