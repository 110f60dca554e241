package capacity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/keepsake/storage"
)

// InfoSource reports current usage, typically hybrid.Coordinator.StorageInfo.
type InfoSource func(ctx context.Context) (storage.CombinedInfo, error)

// Warning describes usage crossing the configured threshold.
type Warning struct {
	Message    string               `json:"message"`
	Percentage float64              `json:"percentage"`
	Threshold  float64              `json:"threshold"`
	Info       storage.CombinedInfo `json:"info"`
	Timestamp  time.Time            `json:"timestamp"`
}

// AlertFunc is the callback invoked for every warning.
type AlertFunc func(Warning)

const (
	DefaultWarnPercent     = 80.0
	DefaultMonitorInterval = 30 * time.Second
	subscriberBuffer       = 8
)

// Monitor polls an InfoSource and emits a Warning each time usage rises to
// or above the threshold. It re-arms once usage drops below it again.
type Monitor struct {
	source    InfoSource
	interval  time.Duration
	threshold float64
	alertFn   AlertFunc
	logger    *slog.Logger

	mu    sync.Mutex
	subs  map[chan Warning]struct{}
	above bool
	last  *Warning

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithThreshold sets the warning threshold in percent.
func WithThreshold(percent float64) MonitorOption {
	return func(m *Monitor) {
		m.threshold = percent
	}
}

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.interval = d
	}
}

// WithAlertFunc registers a callback invoked synchronously for each warning.
func WithAlertFunc(fn AlertFunc) MonitorOption {
	return func(m *Monitor) {
		m.alertFn = fn
	}
}

// WithMonitorLogger sets the structured logger.
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// NewMonitor returns a stopped Monitor. Call Start to begin polling.
func NewMonitor(source InfoSource, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		source:    source,
		interval:  DefaultMonitorInterval,
		threshold: DefaultWarnPercent,
		logger:    slog.Default(),
		subs:      make(map[chan Warning]struct{}),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "capacity-monitor")
	return m
}

// Start launches the polling goroutine.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-m.stopCh
		cancel()
	}()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("polling storage info", "error", err)
			}
		}
	}
}

// Check samples usage once. It returns the warning emitted by this sample,
// or nil when usage is below the threshold or was already above it.
func (m *Monitor) Check(ctx context.Context) (*Warning, error) {
	info, err := m.source(ctx)
	if err != nil {
		return nil, err
	}
	pct := info.Combined.Percentage

	m.mu.Lock()
	if pct < m.threshold {
		m.above = false
		m.last = nil
		m.mu.Unlock()
		return nil, nil
	}
	if m.above {
		m.mu.Unlock()
		return nil, nil
	}
	m.above = true
	w := Warning{
		Message:    fmt.Sprintf("storage usage at %.1f%%, run cleanup to free space", pct),
		Percentage: pct,
		Threshold:  m.threshold,
		Info:       info,
		Timestamp:  time.Now(),
	}
	m.last = &w
	for ch := range m.subs {
		select {
		case ch <- w:
		default:
			m.logger.Debug("dropping warning for slow subscriber")
		}
	}
	m.mu.Unlock()

	m.logger.Warn("storage usage above threshold", "percentage", pct, "threshold", m.threshold)
	if m.alertFn != nil {
		m.alertFn(w)
	}
	return &w, nil
}

// Latest returns the active warning, if usage is currently above threshold.
func (m *Monitor) Latest() (Warning, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Warning{}, false
	}
	return *m.last, true
}

// Subscribe returns a channel receiving future warnings and a function that
// cancels the subscription. Slow subscribers miss warnings rather than block.
func (m *Monitor) Subscribe() (<-chan Warning, func()) {
	ch := make(chan Warning, subscriberBuffer)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			if _, ok := m.subs[ch]; ok {
				delete(m.subs, ch)
				close(ch)
			}
			m.mu.Unlock()
		})
	}
}

// Close stops polling and closes every subscriber channel.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		m.mu.Lock()
		for ch := range m.subs {
			delete(m.subs, ch)
			close(ch)
		}
		m.mu.Unlock()
	})
}
