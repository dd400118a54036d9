// Package telemetry samples host resource usage with gopsutil and keeps a
// bounded history of MetricSamples.
package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"

	"opsdash/internal/models"
	"opsdash/internal/utils"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultHistorySize = 24
)

// counters is one raw reading of cumulative host counters.
type counters struct {
	cpuTotal    float64
	cpuIdle     float64
	memPercent  float64
	diskPercent float64
	diskBytes   uint64
	netBytes    uint64
	at          time.Time
}

type Sampler struct {
	root   string
	size   int
	logger *utils.Logger
	read   func(ctx context.Context, root string) (counters, error)

	mu        sync.RWMutex
	prev      *counters
	history   []models.MetricSample
	listeners []func(models.MetricSample)

	runMu sync.Mutex
	stop  chan struct{}
	wg    sync.WaitGroup
}

// NewSampler returns a sampler measuring disk usage of root ("/" when empty)
// and keeping up to size samples.
func NewSampler(root string, size int, logger *utils.Logger) *Sampler {
	if root == "" {
		root = "/"
	}
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &Sampler{root: root, size: size, logger: logger, read: readHost}
}

// OnSample registers a listener called after each periodic sample.
func (s *Sampler) OnSample(fn func(models.MetricSample)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Start launches the background sampler; a second call is a no-op.
func (s *Sampler) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.runMu.Lock()
	if s.stop != nil {
		s.runMu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stop = stop
	s.runMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-stop
			cancel()
		}()
		s.tick(ctx)
		for {
			select {
			case <-ticker.C:
				s.tick(ctx)
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the background sampler and waits for it to exit.
func (s *Sampler) Stop() {
	s.runMu.Lock()
	stop := s.stop
	s.stop = nil
	s.runMu.Unlock()
	if stop != nil {
		close(stop)
	}
	s.wg.Wait()
}

func (s *Sampler) tick(ctx context.Context) {
	sample, err := s.Sample(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Writef("Telemetry sample failed: %v", err)
		}
		return
	}
	s.mu.RLock()
	listeners := append([]func(models.MetricSample){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(sample)
	}
}

// Sample reads the host counters, derives rates against the previous reading
// and appends the result to the history.
func (s *Sampler) Sample(ctx context.Context) (models.MetricSample, error) {
	cur, err := s.read(ctx, s.root)
	if err != nil {
		return models.MetricSample{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sample := derive(s.prev, cur)
	s.prev = &cur

	history := make([]models.MetricSample, 0, s.size)
	start := 0
	if len(s.history) >= s.size {
		start = len(s.history) - s.size + 1
	}
	history = append(history, s.history[start:]...)
	history = append(history, sample)
	s.history = history
	return sample, nil
}

// History returns a copy of the retained samples, oldest first.
func (s *Sampler) History() []models.MetricSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.MetricSample(nil), s.history...)
}

func (s *Sampler) Latest() (models.MetricSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return models.MetricSample{}, false
	}
	return s.history[len(s.history)-1], true
}

func derive(prev *counters, cur counters) models.MetricSample {
	sample := models.MetricSample{
		Timestamp: cur.at,
		Memory:    models.ClampFloat(cur.memPercent, 0, 100),
	}
	if prev != nil {
		deltaTotal := cur.cpuTotal - prev.cpuTotal
		deltaIdle := cur.cpuIdle - prev.cpuIdle
		if deltaTotal > 0 {
			used := deltaTotal - deltaIdle
			if used < 0 {
				used = 0
			}
			sample.CPU = models.ClampFloat((used/deltaTotal)*100, 0, 100)
		}
		elapsed := cur.at.Sub(prev.at).Seconds()
		if elapsed > 0 {
			if cur.diskBytes >= prev.diskBytes {
				sample.DiskIO = float64(cur.diskBytes-prev.diskBytes) / elapsed
			}
			if cur.netBytes >= prev.netBytes {
				sample.Network = float64(cur.netBytes-prev.netBytes) / elapsed
			}
		}
	}
	sample.Disk = models.ClampFloat(cur.diskPercent, 0, 100)
	sample.Health = models.ComputeHealth(sample.CPU, sample.Memory, sample.Disk)
	return sample
}

func readHost(ctx context.Context, root string) (counters, error) {
	timesStats, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return counters{}, err
	}
	if len(timesStats) == 0 {
		return counters{}, errors.New("no cpu times reported")
	}
	c := counters{
		cpuTotal: cpuTotal(timesStats[0]),
		cpuIdle:  timesStats[0].Idle + timesStats[0].Iowait,
		at:       time.Now(),
	}

	if memoryStats, _ := mem.VirtualMemoryWithContext(ctx); memoryStats != nil {
		c.memPercent = memoryStats.UsedPercent
	}
	if diskStats, _ := disk.UsageWithContext(ctx, root); diskStats != nil {
		c.diskPercent = diskStats.UsedPercent
	}
	if ioStats, _ := disk.IOCountersWithContext(ctx); ioStats != nil {
		for _, st := range ioStats {
			c.diskBytes += st.ReadBytes + st.WriteBytes
		}
	}
	if netStats, _ := net.IOCountersWithContext(ctx, false); len(netStats) > 0 {
		for _, st := range netStats {
			c.netBytes += st.BytesRecv + st.BytesSent
		}
	}
	return c, ctx.Err()
}

func cpuTotal(stat cpu.TimesStat) float64 {
	return stat.User + stat.System + stat.Nice + stat.Idle + stat.Iowait + stat.Irq + stat.Softirq + stat.Steal + stat.Guest + stat.GuestNice
}
