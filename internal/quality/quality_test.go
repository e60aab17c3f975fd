package quality

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestGrade(t *testing.T) {
	tests := []struct {
		name                             string
		latency, loss, bandwidth, jitter float64
		want                             Level
	}{
		{"excellent", 20, 0, 2000, 5, Excellent},
		{"good", 80, 1, 600, 20, Good},
		{"fair", 150, 3, 300, 40, Fair},
		{"poor", 500, 10, 100, 100, Poor},
		{"no bandwidth readings", 20, 0, 0, 0, Good},
		{"thresholds are inclusive", 50, 0.5, 1000, 10, Excellent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Grade(tt.latency, tt.loss, tt.bandwidth, tt.jitter); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestMonitorAverages(t *testing.T) {
	m := NewMonitor()
	m.Record(Sample{PairID: "p", Timestamp: 1000, RTT: 0.04, PacketsSent: 100})
	m.Record(Sample{PairID: "p", Timestamp: 2000, RTT: 0.06, PacketsSent: 100, BytesReceived: 128000})

	st := m.Stats()
	if math.Abs(st.Latency-50) > 1e-9 {
		t.Fatalf("expected 50ms latency, got %v", st.Latency)
	}
	if math.Abs(st.Jitter-20) > 1e-9 {
		t.Fatalf("expected 20ms jitter, got %v", st.Jitter)
	}
	if math.Abs(st.Bandwidth-1000) > 1e-9 {
		t.Fatalf("expected 1000kbps, got %v", st.Bandwidth)
	}
	if st.PacketLoss != 0 {
		t.Fatalf("expected no loss, got %v", st.PacketLoss)
	}
	if st.Level != Excellent {
		t.Fatalf("expected excellent, got %s", st.Level)
	}
}

func TestMonitorHistoryIsBounded(t *testing.T) {
	m := NewMonitor()
	for i := 0; i < HistorySize+10; i++ {
		m.Record(Sample{PairID: "p", Timestamp: float64(i * 1000), RTT: 0.01})
	}
	if len(m.latency) != HistorySize {
		t.Fatalf("expected %d latency samples, got %d", HistorySize, len(m.latency))
	}
}

func TestSamplesUsesSelectedPairs(t *testing.T) {
	report := webrtc.StatsReport{
		"pair-ok": webrtc.ICECandidatePairStats{
			ID:                   "pair-ok",
			Timestamp:            1000,
			State:                webrtc.StatsICECandidatePairStateSucceeded,
			CurrentRoundTripTime: 0.03,
			BytesReceived:        42,
		},
		"pair-waiting": webrtc.ICECandidatePairStats{
			ID:    "pair-waiting",
			State: webrtc.StatsICECandidatePairStateWaiting,
		},
		"dc": webrtc.DataChannelStats{ID: "dc"},
	}

	samples := Samples(report)
	if len(samples) != 1 {
		t.Fatalf("expected one sample, got %d", len(samples))
	}
	if samples[0].PairID != "pair-ok" || samples[0].RTT != 0.03 || samples[0].BytesReceived != 42 {
		t.Fatalf("unexpected sample %+v", samples[0])
	}
}

type fakeSource struct{ report webrtc.StatsReport }

func (f fakeSource) GetStats() webrtc.StatsReport { return f.report }

func TestRunReports(t *testing.T) {
	src := fakeSource{report: webrtc.StatsReport{
		"p": webrtc.ICECandidatePairStats{
			ID:                   "p",
			State:                webrtc.StatsICECandidatePairStateSucceeded,
			CurrentRoundTripTime: 0.5,
		},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reports := make(chan Stats, 1)
	go NewMonitor().Run(ctx, src, 10*time.Millisecond, func(st Stats) {
		select {
		case reports <- st:
		default:
		}
	})

	select {
	case st := <-reports:
		if st.Latency != 500 {
			t.Fatalf("expected 500ms latency, got %v", st.Latency)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no report")
	}
}
