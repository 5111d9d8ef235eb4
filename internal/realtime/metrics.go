package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nao1215/taskpulse/pkg/protocol"
)

// プッシュ結果のラベル値。
const (
	resultDelivered = "delivered"
	resultDropped   = "dropped"
	resultOffline   = "offline"
)

// Metrics はリアルタイム配信層のPrometheusメトリクス。
// nilレシーバでも安全に呼び出せる。
type Metrics struct {
	// sessions は現在接続中のトランスポートセッション数。
	sessions prometheus.Gauge
	// online は認証済みでオンラインのユーザー数。
	online prometheus.Gauge
	// frames は送信を試みたフレーム数（種類と結果別）。
	frames *prometheus.CounterVec
	// inbound は受信したフレーム数（種類別）。
	inbound *prometheus.CounterVec
}

// NewMetrics はメトリクスを生成してregに登録する。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskpulse",
			Subsystem: "realtime",
			Name:      "sessions",
			Help:      "現在接続中のトランスポートセッション数",
		}),
		online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskpulse",
			Subsystem: "realtime",
			Name:      "online_users",
			Help:      "認証済みでオンラインのユーザー数",
		}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskpulse",
			Subsystem: "realtime",
			Name:      "outbound_frames_total",
			Help:      "送信を試みたフレーム数",
		}, []string{"type", "result"}),
		inbound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskpulse",
			Subsystem: "realtime",
			Name:      "inbound_frames_total",
			Help:      "受信したフレーム数",
		}, []string{"type"}),
	}
}

func (m *Metrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) setOnline(n int) {
	if m == nil {
		return
	}
	m.online.Set(float64(n))
}

func (m *Metrics) frame(t protocol.FrameType, result string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(string(t), result).Inc()
}

func (m *Metrics) received(t protocol.FrameType) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(string(t)).Inc()
}
