// Package metrics defines the prometheus metrics of a cellapp
//
// Every metric is labeled by cellapp so that several cellapps can share one process in tests.
// Label values are bounded: cellapp names, message types and result names only.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tick scheduler
	tickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cellworld_tick_duration_seconds",
		Help:    "Time spent in one simulation tick",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}, []string{"cellapp"})

	tickSlack = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cellworld_tick_slack_seconds",
		Help: "Tick budget minus tick duration of the last tick, negative on overrun",
	}, []string{"cellapp"})

	tickOverruns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellworld_tick_overruns_total",
		Help: "Ticks that took longer than the tick budget",
	}, []string{"cellapp"})

	throttle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cellworld_throttle",
		Help: "Fraction of optional work done per tick",
	}, []string{"cellapp"})

	inboundBacklog = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellworld_inbound_backlog_total",
		Help: "Inbound messages queued while the inbound queue was over its configured size",
	}, []string{"cellapp"})

	deferredInbound = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cellworld_inbound_deferred",
		Help: "Inbound messages left for the next tick by the drain bound",
	}, []string{"cellapp"})

	// Ghost replication
	ghostMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellworld_ghost_messages_total",
		Help: "Received ghost messages by type and outcome",
	}, []string{"cellapp", "type", "result"}) // result: applied, buffered, duplicate, stale

	staleMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellworld_stale_messages_total",
		Help: "Ghost messages discarded because their source was superseded or dead",
	}, []string{"cellapp"})

	bufferedMessages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cellworld_buffered_messages",
		Help: "Ghost messages waiting in the reordering layer",
	}, []string{"cellapp"})

	tombstones = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cellworld_tombstones",
		Help: "Replaced-ghost tombstones",
	}, []string{"cellapp"})

	handoffs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellworld_handoffs_total",
		Help: "Authority handoffs by outcome",
	}, []string{"cellapp", "result"}) // result: started, completed, promoted, refused, retried, rolled_back, timeout

	violations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellworld_violations_total",
		Help: "Authority invariant violations reported to operators",
	}, []string{"cellapp", "kind"})

	entities = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cellworld_entities",
		Help: "Entities hosted by the cellapp",
	}, []string{"cellapp", "kind"}) // kind: real, ghost

	// Process
	cpuPercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cellworld_process_cpu_percent",
		Help: "CPU usage of the cellapp process",
	}, []string{"cellapp"})

	memoryRSS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cellworld_process_rss_bytes",
		Help: "Resident memory of the cellapp process",
	}, []string{"cellapp"})

	peerSendDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellworld_peer_send_dropped_total",
		Help: "Outbound messages dropped by the transport",
	}, []string{"cellapp"})
)

// RecordTick records the duration and slack of one tick
func RecordTick(cellapp string, duration time.Duration, slack time.Duration) {
	tickDuration.WithLabelValues(cellapp).Observe(duration.Seconds())
	tickSlack.WithLabelValues(cellapp).Set(slack.Seconds())
	if slack < 0 {
		tickOverruns.WithLabelValues(cellapp).Inc()
	}
}

// SetThrottle updates the throttle gauge
func SetThrottle(cellapp string, v float64) {
	throttle.WithLabelValues(cellapp).Set(v)
}

// SetDeferredInbound updates the number of inbound messages deferred to the next tick
func SetDeferredInbound(cellapp string, n int) {
	deferredInbound.WithLabelValues(cellapp).Set(float64(n))
}

// RecordGhostMessage counts one received ghost message
func RecordGhostMessage(cellapp string, msgtype string, result string) {
	ghostMessages.WithLabelValues(cellapp, msgtype, result).Inc()
}

// RecordStaleMessage counts one discarded stale message
func RecordStaleMessage(cellapp string) {
	staleMessages.WithLabelValues(cellapp).Inc()
}

// SetBuffered updates the buffered message gauge
func SetBuffered(cellapp string, n int) {
	bufferedMessages.WithLabelValues(cellapp).Set(float64(n))
}

// SetTombstones updates the tombstone gauge
func SetTombstones(cellapp string, n int) {
	tombstones.WithLabelValues(cellapp).Set(float64(n))
}

// RecordHandoff counts one handoff event
func RecordHandoff(cellapp string, result string) {
	handoffs.WithLabelValues(cellapp, result).Inc()
}

// RecordViolation counts one reported violation
func RecordViolation(cellapp string, kind string) {
	violations.WithLabelValues(cellapp, kind).Inc()
}

// SetEntities updates the entity gauges
func SetEntities(cellapp string, reals, ghosts int) {
	entities.WithLabelValues(cellapp, "real").Set(float64(reals))
	entities.WithLabelValues(cellapp, "ghost").Set(float64(ghosts))
}

// SetProcessStats updates the process gauges
func SetProcessStats(cellapp string, cpu float64, rss uint64) {
	cpuPercent.WithLabelValues(cellapp).Set(cpu)
	memoryRSS.WithLabelValues(cellapp).Set(float64(rss))
}

// RecordSendDropped counts outbound messages dropped by the transport
func RecordSendDropped(cellapp string) {
	peerSendDropped.WithLabelValues(cellapp).Inc()
}

// RecordInboundBacklog counts an inbound message queued over the inbound queue size
func RecordInboundBacklog(cellapp string) {
	inboundBacklog.WithLabelValues(cellapp).Inc()
}
