// Package quality grades a peer connection from its transport statistics.
package quality

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	HistorySize    = 50
	SampleInterval = time.Second
)

type Level string

const (
	Excellent Level = "excellent"
	Good      Level = "good"
	Fair      Level = "fair"
	Poor      Level = "poor"
)

// Stats are averages over the sample history.
type Stats struct {
	Latency    float64 // ms
	PacketLoss float64 // percent
	Bandwidth  float64 // kbps
	Jitter     float64 // ms
	Level      Level
}

// Sample is one reading of the selected candidate pair.
type Sample struct {
	PairID        string
	Timestamp     float64 // ms
	RTT           float64 // seconds; negative when unknown
	PacketsSent   uint64
	PacketsLost   uint64
	BytesReceived uint64
}

type thresholds struct {
	excellent, good, fair float64
}

var (
	latencyLevels   = thresholds{50, 100, 200}
	lossLevels      = thresholds{0.5, 2, 5}
	bandwidthLevels = thresholds{1000, 500, 200}
	jitterLevels    = thresholds{10, 30, 50}
)

// lower scores metrics where less is better.
func (t thresholds) lower(v float64) float64 {
	switch {
	case v <= t.excellent:
		return 3
	case v <= t.good:
		return 2
	case v <= t.fair:
		return 1
	}
	return 0
}

func (t thresholds) higher(v float64) float64 {
	switch {
	case v >= t.excellent:
		return 3
	case v >= t.good:
		return 2
	case v >= t.fair:
		return 1
	}
	return 0
}

// Grade maps averaged metrics to a level. Latency and jitter weigh 1.5,
// loss and bandwidth 1.
func Grade(latency, packetLoss, bandwidth, jitter float64) Level {
	sum := latencyLevels.lower(latency)*1.5 +
		lossLevels.lower(packetLoss) +
		bandwidthLevels.higher(bandwidth) +
		jitterLevels.lower(jitter)*1.5
	avg := sum / 5

	switch {
	case avg >= 2.5:
		return Excellent
	case avg >= 1.5:
		return Good
	case avg >= 0.5:
		return Fair
	}
	return Poor
}

// StatsSource is satisfied by *webrtc.PeerConnection.
type StatsSource interface {
	GetStats() webrtc.StatsReport
}

// Monitor keeps a rolling history of connection metrics.
type Monitor struct {
	mu        sync.Mutex
	last      map[string]Sample
	latency   []float64
	loss      []float64
	bandwidth []float64
	jitter    []float64
}

func NewMonitor() *Monitor {
	return &Monitor{last: make(map[string]Sample)}
}

// Run samples src every interval until ctx is done, calling report with
// the current stats after each sample.
func (m *Monitor) Run(ctx context.Context, src StatsSource, interval time.Duration, report func(Stats)) {
	if interval <= 0 {
		interval = SampleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range Samples(src.GetStats()) {
				m.Record(s)
			}
			if report != nil {
				report(m.Stats())
			}
		}
	}
}

// Samples extracts candidate pair readings from a pion stats report.
// Only pairs that carry a round trip time are used.
func Samples(report webrtc.StatsReport) []Sample {
	var out []Sample
	for _, st := range report {
		var pair webrtc.ICECandidatePairStats
		switch v := st.(type) {
		case webrtc.ICECandidatePairStats:
			pair = v
		case *webrtc.ICECandidatePairStats:
			pair = *v
		default:
			continue
		}
		if pair.State != webrtc.StatsICECandidatePairStateSucceeded && !pair.Nominated {
			continue
		}
		out = append(out, Sample{
			PairID:        pair.ID,
			Timestamp:     float64(pair.Timestamp),
			RTT:           pair.CurrentRoundTripTime,
			PacketsSent:   uint64(pair.PacketsSent),
			BytesReceived: pair.BytesReceived,
		})
	}
	return out
}

// Record adds one sample to the history.
func (m *Monitor) Record(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.RTT >= 0 {
		m.latency = push(m.latency, s.RTT*1000)
		// Jitter is the change between consecutive round trips.
		if n := len(m.latency); n >= 2 {
			m.jitter = push(m.jitter, math.Abs(m.latency[n-1]-m.latency[n-2]))
		}
	}
	if s.PacketsSent > 0 {
		lost := float64(s.PacketsLost)
		m.loss = push(m.loss, lost/(float64(s.PacketsSent)+lost)*100)
	}
	if prev, ok := m.last[s.PairID]; ok && s.Timestamp > prev.Timestamp && s.BytesReceived >= prev.BytesReceived {
		seconds := (s.Timestamp - prev.Timestamp) / 1000
		kbps := float64(s.BytesReceived-prev.BytesReceived) * 8 / seconds / 1024
		m.bandwidth = push(m.bandwidth, kbps)
	}
	m.last[s.PairID] = s
}

func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		Latency:    average(m.latency),
		PacketLoss: average(m.loss),
		Bandwidth:  average(m.bandwidth),
		Jitter:     average(m.jitter),
	}
	st.Level = Grade(st.Latency, st.PacketLoss, st.Bandwidth, st.Jitter)
	return st
}

func push(history []float64, v float64) []float64 {
	history = append(history, v)
	if len(history) > HistorySize {
		history = history[len(history)-HistorySize:]
	}
	return history
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
