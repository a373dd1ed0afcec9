// Package quality watches inbound packet loss during a call and adapts the
// outbound video bitrate in response.
//
// The monitor samples cumulative receive counters on a fixed interval,
// derives the loss ratio over each interval, buckets it into a quality
// level, and pushes the level's bitrate cap to the encoder whenever the
// level changes. It starts once when the call connects and stops at
// teardown.
package quality

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level buckets the measured packet loss.
type Level int

const (
	// LevelHigh means loss below 3 percent.
	LevelHigh Level = iota
	// LevelMedium means loss between 3 and 10 percent.
	LevelMedium
	// LevelLow means loss above 10 percent.
	LevelLow
)

// String returns a human-readable quality level.
func (l Level) String() string {
	switch l {
	case LevelHigh:
		return "high"
	case LevelMedium:
		return "medium"
	case LevelLow:
		return "low"
	default:
		return "unknown"
	}
}

// Sample is a snapshot of cumulative inbound receive counters.
type Sample struct {
	// PacketsReceived is the cumulative count of packets received.
	PacketsReceived uint32
	// PacketsLost is the cumulative count of packets lost.
	PacketsLost int32
}

// StatsSource supplies inbound receive counters. The peer connection
// implements this; the bool result is false until the first inbound video
// report exists.
type StatsSource interface {
	InboundVideoSample() (Sample, bool)
}

// BitrateSink receives encoder bitrate caps. The media controller
// implements this.
type BitrateSink interface {
	SetMaxBitrate(bps uint32) error
}

// Config tunes the monitor. Zero values take the defaults below.
type Config struct {
	// Interval between samples.
	Interval time.Duration
	// HighBitrate is the cap while loss stays below 3 percent.
	HighBitrate uint32
	// MediumBitrate is the cap for loss between 3 and 10 percent.
	MediumBitrate uint32
	// LowBitrate is the cap once loss exceeds 10 percent.
	LowBitrate uint32
}

// DefaultConfig returns the standard 2-second, 1.5 Mbps / 500 kbps /
// 150 kbps ladder.
func DefaultConfig() Config {
	return Config{
		Interval:      2 * time.Second,
		HighBitrate:   1_500_000,
		MediumBitrate: 500_000,
		LowBitrate:    150_000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.HighBitrate == 0 {
		c.HighBitrate = d.HighBitrate
	}
	if c.MediumBitrate == 0 {
		c.MediumBitrate = d.MediumBitrate
	}
	if c.LowBitrate == 0 {
		c.LowBitrate = d.LowBitrate
	}
	return c
}

// Classify buckets a loss ratio (0..1) into a quality level. The 3 and 10
// percent boundaries belong to the better bucket.
func Classify(lossRatio float64) Level {
	switch {
	case lossRatio > 0.10:
		return LevelLow
	case lossRatio > 0.03:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// Bitrate returns the cap for a level under this config.
func (c Config) Bitrate(level Level) uint32 {
	switch level {
	case LevelLow:
		return c.LowBitrate
	case LevelMedium:
		return c.MediumBitrate
	default:
		return c.HighBitrate
	}
}

// Monitor drives the sample loop for one call.
type Monitor struct {
	config Config
	source StatsSource
	sink   BitrateSink

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	level    Level
	prev     Sample
	hasPrev  bool
	onChange func(Level)
}

// NewMonitor creates a stopped monitor reading from source and pushing caps
// to sink.
func NewMonitor(config Config, source StatsSource, sink BitrateSink) *Monitor {
	return &Monitor{
		config: config.withDefaults(),
		source: source,
		sink:   sink,
		level:  LevelHigh,
	}
}

// OnLevelChange registers a callback invoked after each level transition.
// Must be set before Start.
func (m *Monitor) OnLevelChange(fn func(Level)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Level returns the current quality level.
func (m *Monitor) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Running reports whether the sample loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start launches the sample loop. Starting a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)

	logrus.WithField("interval", m.config.Interval).Debug("Quality monitor started")
}

// Stop halts the sample loop and waits for it to exit. Stopping a stopped
// monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	cancel()
	<-done
	logrus.Debug("Quality monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll()
		}
	}
}

// Poll takes one sample and applies any resulting level change. The loop
// calls it on every tick; tests call it directly.
func (m *Monitor) Poll() {
	sample, ok := m.source.InboundVideoSample()
	if !ok {
		return
	}

	m.mu.Lock()
	if !m.hasPrev {
		m.prev, m.hasPrev = sample, true
		m.mu.Unlock()
		return
	}

	received := int64(sample.PacketsReceived) - int64(m.prev.PacketsReceived)
	lost := int64(sample.PacketsLost) - int64(m.prev.PacketsLost)
	m.prev = sample

	if received < 0 || lost < 0 || received+lost == 0 {
		m.mu.Unlock()
		return
	}

	level := Classify(float64(lost) / float64(received+lost))
	if level == m.level {
		m.mu.Unlock()
		return
	}

	previous := m.level
	m.level = level
	bitrate := m.config.Bitrate(level)
	onChange := m.onChange
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"from":    previous.String(),
		"to":      level.String(),
		"bitrate": bitrate,
	}).Info("Call quality level changed")

	if err := m.sink.SetMaxBitrate(bitrate); err != nil {
		logrus.WithField("error", err.Error()).Warn("Failed to apply bitrate cap")
	}
	if onChange != nil {
		onChange(level)
	}
}
