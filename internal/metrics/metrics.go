// Package metrics exposes the protocol's diagnostics surface as a custom
// prometheus.Collector: a small struct of atomically updated values paired
// with Desc metadata, rather than a bundle of independently registered
// promauto metrics. Both CLI binaries serve it at /metrics when asked.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector tracks the counters and gauges produced by one SSP endpoint
// (sender or receiver). The zero value is not usable; construct with New.
type Collector struct {
	packetsSent      uint64
	packetsReceived  uint64
	packetsDiscarded uint64
	acksSent         uint64

	mu               sync.Mutex
	rtoSeconds       float64
	srttSeconds      float64
	highestAckState  int64
	ageOfInfoSeconds float64

	descPacketsSent      *prometheus.Desc
	descPacketsReceived  *prometheus.Desc
	descPacketsDiscarded *prometheus.Desc
	descAcksSent         *prometheus.Desc
	descRTO              *prometheus.Desc
	descSRTT             *prometheus.Desc
	descHighestAck       *prometheus.Desc
	descAoI              *prometheus.Desc
}

// New returns a Collector tagged with role ("sender" or "receiver") in its
// constant labels.
func New(role string) *Collector {
	labels := prometheus.Labels{"role": role}
	return &Collector{
		descPacketsSent:      prometheus.NewDesc("ssp_packets_sent_total", "Total datagrams sent.", nil, labels),
		descPacketsReceived:  prometheus.NewDesc("ssp_packets_received_total", "Total datagrams received.", nil, labels),
		descPacketsDiscarded: prometheus.NewDesc("ssp_packets_discarded_total", "Total received instructions discarded for a missing reference state or a malformed diff.", nil, labels),
		descAcksSent:         prometheus.NewDesc("ssp_acks_total", "Total acknowledgment instructions sent.", nil, labels),
		descRTO:              prometheus.NewDesc("ssp_rto_seconds", "Current retransmission-timeout estimate.", nil, labels),
		descSRTT:             prometheus.NewDesc("ssp_srtt_seconds", "Current smoothed RTT estimate.", nil, labels),
		descHighestAck:       prometheus.NewDesc("ssp_highest_ack_state", "Highest state number acknowledged so far.", nil, labels),
		descAoI:              prometheus.NewDesc("ssp_age_of_information_seconds", "Age of information for the most recently acknowledged state.", nil, labels),
	}
}

func (c *Collector) IncPacketsSent()      { atomic.AddUint64(&c.packetsSent, 1) }
func (c *Collector) IncPacketsReceived()  { atomic.AddUint64(&c.packetsReceived, 1) }
func (c *Collector) IncPacketsDiscarded() { atomic.AddUint64(&c.packetsDiscarded, 1) }
func (c *Collector) IncAcksSent()         { atomic.AddUint64(&c.acksSent, 1) }

func (c *Collector) SetRTO(seconds float64) {
	c.mu.Lock()
	c.rtoSeconds = seconds
	c.mu.Unlock()
}

func (c *Collector) SetSRTT(seconds float64) {
	c.mu.Lock()
	c.srttSeconds = seconds
	c.mu.Unlock()
}

func (c *Collector) SetHighestAck(n int64) {
	c.mu.Lock()
	c.highestAckState = n
	c.mu.Unlock()
}

func (c *Collector) SetAgeOfInformation(seconds float64) {
	c.mu.Lock()
	c.ageOfInfoSeconds = seconds
	c.mu.Unlock()
}

// Snapshot is a point-in-time copy of the counters, used for the shutdown
// summary both CLI binaries print.
type Snapshot struct {
	PacketsSent       uint64
	PacketsReceived   uint64
	PacketsDiscarded  uint64
	AcksSent          uint64
	DiscardPercentage float64
}

func (c *Collector) Snapshot() Snapshot {
	received := atomic.LoadUint64(&c.packetsReceived)
	discarded := atomic.LoadUint64(&c.packetsDiscarded)

	// Every discarded instruction was first counted as received.
	var pct float64
	if received > 0 {
		pct = 100 * float64(discarded) / float64(received)
	}

	return Snapshot{
		PacketsSent:       atomic.LoadUint64(&c.packetsSent),
		PacketsReceived:   received,
		PacketsDiscarded:  discarded,
		AcksSent:          atomic.LoadUint64(&c.acksSent),
		DiscardPercentage: pct,
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.descPacketsSent
	descs <- c.descPacketsReceived
	descs <- c.descPacketsDiscarded
	descs <- c.descAcksSent
	descs <- c.descRTO
	descs <- c.descSRTT
	descs <- c.descHighestAck
	descs <- c.descAoI
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	snap := c.Snapshot()

	metrics <- prometheus.MustNewConstMetric(c.descPacketsSent, prometheus.CounterValue, float64(snap.PacketsSent))
	metrics <- prometheus.MustNewConstMetric(c.descPacketsReceived, prometheus.CounterValue, float64(snap.PacketsReceived))
	metrics <- prometheus.MustNewConstMetric(c.descPacketsDiscarded, prometheus.CounterValue, float64(snap.PacketsDiscarded))
	metrics <- prometheus.MustNewConstMetric(c.descAcksSent, prometheus.CounterValue, float64(snap.AcksSent))

	c.mu.Lock()
	rto, srtt, highestAck, aoi := c.rtoSeconds, c.srttSeconds, c.highestAckState, c.ageOfInfoSeconds
	c.mu.Unlock()

	metrics <- prometheus.MustNewConstMetric(c.descRTO, prometheus.GaugeValue, rto)
	metrics <- prometheus.MustNewConstMetric(c.descSRTT, prometheus.GaugeValue, srtt)
	metrics <- prometheus.MustNewConstMetric(c.descHighestAck, prometheus.GaugeValue, float64(highestAck))
	metrics <- prometheus.MustNewConstMetric(c.descAoI, prometheus.GaugeValue, aoi)
}
