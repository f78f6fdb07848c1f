// Package metrics 汇总流式引擎的 Prometheus 指标。
//
// 所有 collector 通过 promauto 注册到默认 registry, /metrics 由 bridge 暴露。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 丢帧原因。
const (
	DropParse       = "frame_parse_error"
	DropUnknownTurn = "unknown_turn_reference"
	DropTerminal    = "terminal_turn"
	DropStale       = "stale_session"
)

var (
	// FramesTotal counts parsed frames by kind.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "answer_stream_frames_total",
		Help: "Parsed stream frames by kind",
	}, []string{"kind"})

	// FramesDropped counts frames that were recovered from without mutation.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "answer_stream_frames_dropped_total",
		Help: "Frames dropped without mutating the timeline, by reason",
	}, []string{"reason"})

	// CoalescerFlushes counts coalesced text appends.
	CoalescerFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "answer_stream_coalescer_flushes_total",
		Help: "Coalesced text flushes by target",
	}, []string{"target"})

	// SessionsTotal counts finished sessions by outcome class.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "answer_stream_sessions_total",
		Help: "Finished stream sessions by outcome",
	}, []string{"outcome"})

	// SessionDuration tracks session wall time.
	SessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "answer_stream_session_duration_seconds",
		Help:    "Stream session duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	}, []string{"outcome"})

	// WatchdogFires counts inactivity timeouts.
	WatchdogFires = promauto.NewCounter(prometheus.CounterOpts{
		Name: "answer_stream_watchdog_fires_total",
		Help: "Inactivity watchdog expirations",
	})

	// ActiveSessions is 1 while a session is open.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "answer_stream_active_sessions",
		Help: "Currently open stream sessions",
	})

	// BridgeClients tracks connected render clients by transport.
	BridgeClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "answer_stream_bridge_clients",
		Help: "Connected render bridge clients by transport",
	}, []string{"transport"})
)

// ObserveFrame 记录一帧。
func ObserveFrame(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	FramesTotal.WithLabelValues(kind).Inc()
}

// ObserveDrop 记录一次可恢复的丢帧。
func ObserveDrop(reason string) { FramesDropped.WithLabelValues(reason).Inc() }

// ObserveSession 记录会话结束。
func ObserveSession(outcome string, elapsed time.Duration) {
	SessionsTotal.WithLabelValues(outcome).Inc()
	SessionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
