// Package metrics exposes OBEX transfer statistics as Prometheus collectors.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bluetooth-obex/internal/obex"
)

const (
	defaultNamespace  = "obexpush"
	subsystemTransfer = "transfer"
)

// Outcome labels a finished transfer.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDeclined  Outcome = "declined"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
)

// OutcomeOf classifies a transfer result.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeCompleted
	case obex.KindOf(err) == obex.KindDeclined:
		return OutcomeDeclined
	case obex.KindOf(err) == obex.KindAborted:
		return OutcomeAborted
	default:
		return OutcomeFailed
	}
}

// TransferCollector counts OBEX packets and transfers. It implements
// obex.Observer so an engine can feed it directly.
type TransferCollector struct {
	mu       sync.Mutex
	registry *prometheus.Registry

	packets   *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	transfers *prometheus.CounterVec
	objects   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	active    prometheus.Gauge

	lastStart time.Time
}

// NewTransferCollector creates a collector with its own registry.
func NewTransferCollector(namespace string) *TransferCollector {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	c := &TransferCollector{
		registry: prometheus.NewRegistry(),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTransfer,
			Name:      "packets_total",
			Help:      "OBEX packets exchanged, by direction and opcode or response code.",
		}, []string{"direction", "code"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTransfer,
			Name:      "packet_bytes_total",
			Help:      "Bytes on the wire in OBEX packets, by direction.",
		}, []string{"direction"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTransfer,
			Name:      "transfers_total",
			Help:      "Finished transfers, by direction and outcome.",
		}, []string{"direction", "outcome"}),
		objects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTransfer,
			Name:      "object_bytes_total",
			Help:      "Object payload bytes of completed transfers, by direction.",
		}, []string{"direction"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemTransfer,
			Name:      "duration_seconds",
			Help:      "Wall time of finished transfers, by direction.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"direction"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemTransfer,
			Name:      "active",
			Help:      "Transfers currently in progress.",
		}),
	}
	c.registry.MustRegister(c.packets, c.bytes, c.transfers, c.objects, c.duration, c.active)
	return c
}

// Registry returns the prometheus registry managed by this collector.
func (c *TransferCollector) Registry() *prometheus.Registry {
	return c.registry
}

// ObservePacket records one packet, labelled by its opcode or response code.
// A sender reports its requests as outbound and the peer's responses as
// inbound; a receiver reports the reverse.
func (c *TransferCollector) ObservePacket(dir obex.Direction, code byte, size int) {
	c.packets.WithLabelValues(dir.String(), codeLabel(code)).Inc()
	if size > 0 {
		c.bytes.WithLabelValues(dir.String()).Add(float64(size))
	}
}

// Begin marks a transfer as started.
func (c *TransferCollector) Begin() {
	c.mu.Lock()
	c.lastStart = time.Now()
	c.mu.Unlock()
	c.active.Inc()
}

// Finish records the outcome of the transfer started by the last Begin.
func (c *TransferCollector) Finish(dir obex.Direction, size uint64, err error) {
	c.mu.Lock()
	start := c.lastStart
	c.lastStart = time.Time{}
	c.mu.Unlock()

	c.active.Dec()
	outcome := OutcomeOf(err)
	c.transfers.WithLabelValues(dir.String(), string(outcome)).Inc()
	if outcome == OutcomeCompleted {
		c.objects.WithLabelValues(dir.String()).Add(float64(size))
	}
	if !start.IsZero() {
		c.duration.WithLabelValues(dir.String()).Observe(time.Since(start).Seconds())
	}
}

// codeLabel names opcodes and response codes alike; the two sets do not overlap
// in this profile except for values neither defines.
func codeLabel(code byte) string {
	switch obex.Opcode(code) {
	case obex.OpPutFinal:
		return "put_final"
	case obex.OpPut, obex.OpGet, obex.OpConnect, obex.OpAbort:
		return strings.ToLower(obex.Opcode(code).String())
	}
	return strings.ToLower(strings.ReplaceAll(obex.ResponseCode(code).String(), " ", "_"))
}
