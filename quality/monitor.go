// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package quality

import (
	"fmt"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

type Mode string

const (
	// ModeInstant keeps only the latest sample.
	ModeInstant Mode = "instant"
	// ModeHistory retains timestamped samples in a bounded ring buffer.
	ModeHistory Mode = "history"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultHistorySize = 60
)

type MonitorConfig struct {
	Mode        Mode
	Interval    time.Duration
	HistorySize int
}

func (c *MonitorConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = ModeInstant
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.HistorySize == 0 {
		c.HistorySize = DefaultHistorySize
	}
}

func (c MonitorConfig) IsValid() error {
	if c.Mode != ModeInstant && c.Mode != ModeHistory {
		return fmt.Errorf("invalid Mode value %q", c.Mode)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("invalid Interval value: should be greater than zero")
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("invalid HistorySize value: should be greater than zero")
	}
	return nil
}

// Monitor periodically samples a peer connection's statistics and reduces
// them to quality scores. The two collection modes are interchangeable
// behind this facade: Latest and History work in either mode, converting
// between the representations as needed.
type Monitor struct {
	cfg       MonitorConfig
	log       mlog.LoggerIFace
	collector *Collector
	now       func() time.Time

	last    *HistorySample
	history *ring
	mut     sync.RWMutex

	samplesCh chan Sample
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
}

func NewMonitor(log mlog.LoggerIFace, cfg MonitorConfig, provider StatsProvider, loss LossReporter) (*Monitor, error) {
	cfg.SetDefaults()
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	m := &Monitor{
		cfg:       cfg,
		log:       log,
		collector: NewCollector(provider, loss),
		now:       time.Now,
		samplesCh: make(chan Sample, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	if cfg.Mode == ModeHistory {
		m.history = newRing(cfg.HistorySize)
	}

	return m, nil
}

func (m *Monitor) Start() {
	m.log.Debug("starting quality monitor")
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.sample()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.log.Debug("stopping quality monitor")
		close(m.stopCh)
		<-m.doneCh
		close(m.samplesCh)
	})
}

// SamplesCh streams every collected sample. Slow consumers only cost us the
// latest sample, never a blocked monitor.
func (m *Monitor) SamplesCh() <-chan Sample {
	return m.samplesCh
}

func (m *Monitor) sample() {
	now := m.now()
	s := m.collector.Collect(now)

	m.mut.Lock()
	if m.cfg.Mode == ModeHistory {
		m.history.Add(s.ToHistory(now))
	} else {
		hs := s.ToHistory(now)
		m.last = &hs
	}
	m.mut.Unlock()

	select {
	case m.samplesCh <- s:
	default:
	}
}

// Latest returns the most recent sample in instantaneous form.
func (m *Monitor) Latest() (Sample, bool) {
	m.mut.RLock()
	defer m.mut.RUnlock()

	if m.cfg.Mode == ModeHistory {
		hs, ok := m.history.Latest()
		if !ok {
			return Sample{}, false
		}
		return hs.ToSample(), true
	}

	if m.last == nil {
		return Sample{}, false
	}
	return m.last.ToSample(), true
}

// History returns retained samples oldest first. In instant mode it
// degrades to a single-entry history.
func (m *Monitor) History() []HistorySample {
	m.mut.RLock()
	defer m.mut.RUnlock()

	if m.cfg.Mode == ModeHistory {
		return m.history.Items()
	}

	if m.last == nil {
		return nil
	}
	return []HistorySample{*m.last}
}
