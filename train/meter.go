package train

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
)

// AverageMeter tracks the running mean of a single scalar metric.
type AverageMeter struct {
	Sum   float64
	Count int
}

// Update folds a new observation into the running statistics.
func (m *AverageMeter) Update(value float64) {
	m.Sum += value
	m.Count++
}

// Avg returns the arithmetic mean of all observed values.
// Undefined (NaN) before the first update; callers create meters lazily
// from the first batch so this does not occur in practice.
func (m *AverageMeter) Avg() float64 {
	return m.Sum / float64(m.Count)
}

// StatsMeter aggregates running means for a set of named metrics within one
// epoch. The key set is fixed by the first UpdateAll call: metrics appearing
// later in the epoch are not tracked (logged once at debug level).
type StatsMeter struct {
	meters map[string]*AverageMeter
	warned map[string]bool
}

// NewStatsMeter returns an empty, uninitialized meter set.
func NewStatsMeter() *StatsMeter {
	return &StatsMeter{warned: make(map[string]bool)}
}

// Initialized reports whether the key set has been fixed.
func (s *StatsMeter) Initialized() bool {
	return s.meters != nil
}

// UpdateAll records every metric in info. On the first call the key set is
// created from info's keys; afterwards unknown keys are ignored.
func (s *StatsMeter) UpdateAll(info LossInfo) {
	if s.meters == nil {
		s.meters = make(map[string]*AverageMeter, len(info))
		for key := range info {
			s.meters[key] = &AverageMeter{}
		}
	}
	for key, value := range info {
		meter, ok := s.meters[key]
		if !ok {
			if !s.warned[key] {
				logrus.Debugf("stats meter: ignoring metric %q not present in first batch", key)
				s.warned[key] = true
			}
			continue
		}
		meter.Update(value)
	}
}

// Update records a single observation for one key, creating it if the meter
// set has not been initialized yet.
func (s *StatsMeter) Update(key string, value float64) {
	s.UpdateAll(LossInfo{key: value})
}

// Avg returns the running mean for key, or NaN if the key is untracked.
func (s *StatsMeter) Avg(key string) float64 {
	if meter, ok := s.meters[key]; ok {
		return meter.Avg()
	}
	return math.NaN()
}

// Has reports whether key is tracked.
func (s *StatsMeter) Has(key string) bool {
	_, ok := s.meters[key]
	return ok
}

// Keys returns the tracked metric names in sorted order.
func (s *StatsMeter) Keys() []string {
	keys := make([]string, 0, len(s.meters))
	for key := range s.meters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Reset clears all keys; the next UpdateAll re-fixes the key set.
func (s *StatsMeter) Reset() {
	s.meters = nil
	s.warned = make(map[string]bool)
}

// Summary formats all running averages on one line for the run log.
func (s *StatsMeter) Summary() string {
	out := ""
	for _, key := range s.Keys() {
		out += fmt.Sprintf("%s: %.4f\t", key, s.meters[key].Avg())
	}
	return out
}
