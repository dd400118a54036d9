package telemetry

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"opsdash/internal/models"
)

func scripted(readings ...counters) func(context.Context, string) (counters, error) {
	var mu sync.Mutex
	i := 0
	return func(context.Context, string) (counters, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(readings) {
			return readings[len(readings)-1], nil
		}
		r := readings[i]
		i++
		return r, nil
	}
}

func TestSampleDerivesRates(t *testing.T) {
	base := time.Unix(1700000000, 0)
	s := NewSampler("", 4, nil)
	s.read = scripted(
		counters{cpuTotal: 100, cpuIdle: 80, memPercent: 40, diskPercent: 10, diskBytes: 1000, netBytes: 5000, at: base},
		counters{cpuTotal: 200, cpuIdle: 130, memPercent: 45, diskPercent: 10, diskBytes: 3000, netBytes: 15000, at: base.Add(2 * time.Second)},
	)

	first, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if first.CPU != 0 || first.DiskIO != 0 || first.Network != 0 {
		t.Fatalf("expected zero rates on first sample, got %+v", first)
	}

	second, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if math.Abs(second.CPU-50) > 1e-9 {
		t.Fatalf("expected 50%% cpu, got %v", second.CPU)
	}
	if second.DiskIO != 1000 {
		t.Fatalf("expected 1000 B/s disk, got %v", second.DiskIO)
	}
	if second.Network != 5000 {
		t.Fatalf("expected 5000 B/s network, got %v", second.Network)
	}
	if second.Health != 50 {
		t.Fatalf("expected health 50, got %v", second.Health)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	base := time.Unix(1700000000, 0)
	var readings []counters
	for i := 0; i < 6; i++ {
		readings = append(readings, counters{cpuTotal: float64(i * 10), at: base.Add(time.Duration(i) * time.Second)})
	}
	s := NewSampler("", 3, nil)
	s.read = scripted(readings...)
	for i := 0; i < 6; i++ {
		if _, err := s.Sample(context.Background()); err != nil {
			t.Fatalf("sample: %v", err)
		}
	}
	h := s.History()
	if len(h) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(h))
	}
	if !h[0].Timestamp.Equal(base.Add(3*time.Second)) || !h[2].Timestamp.Equal(base.Add(5*time.Second)) {
		t.Fatalf("expected newest three samples in order, got %v..%v", h[0].Timestamp, h[2].Timestamp)
	}
	latest, ok := s.Latest()
	if !ok || !latest.Timestamp.Equal(h[2].Timestamp) {
		t.Fatalf("latest mismatch")
	}
}

func TestSampleErrorLeavesHistory(t *testing.T) {
	s := NewSampler("", 3, nil)
	s.read = func(context.Context, string) (counters, error) { return counters{}, errors.New("boom") }
	if _, err := s.Sample(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if len(s.History()) != 0 {
		t.Fatalf("expected empty history after failure")
	}
}

func TestStartStopNotifiesListeners(t *testing.T) {
	s := NewSampler("", 3, nil)
	now := time.Now()
	s.read = func(context.Context, string) (counters, error) {
		now = now.Add(time.Second)
		return counters{at: now}, nil
	}
	got := make(chan models.MetricSample, 8)
	s.OnSample(func(m models.MetricSample) {
		select {
		case got <- m:
		default:
		}
	})
	s.Start(10 * time.Millisecond)
	s.Start(10 * time.Millisecond)
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a sample from the background loop")
	}
	s.Stop()
	s.Stop()
}
