// Package memory keeps an agent's record of past task outcomes.
package memory

import (
	"sort"
	"sync"
	"time"
)

type Experience struct {
	TaskID   string        `json:"task_id"`
	TaskType string        `json:"task_type"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Time     time.Time     `json:"time"`
}

type Metric struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
}

func (m Metric) SuccessRate() float64 {
	if m.Attempts == 0 {
		return 0
	}
	return float64(m.Successes) / float64(m.Attempts)
}

// Pattern summarises repeated experiences of one task type.
type Pattern struct {
	TaskType    string        `json:"task_type"`
	Samples     int           `json:"samples"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Memories is safe for concurrent use; goals of the same agent may run in parallel.
type Memories struct {
	mu          sync.RWMutex
	experiences []Experience
	metrics     map[string]*Metric
	patterns    map[string]Pattern
}

func New() *Memories {
	return &Memories{
		metrics:  map[string]*Metric{},
		patterns: map[string]Pattern{},
	}
}

func (m *Memories) Add(e Experience) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	m.experiences = append(m.experiences, e)
	metric, ok := m.metrics[e.TaskType]
	if !ok {
		metric = &Metric{}
		m.metrics[e.TaskType] = metric
	}
	metric.Attempts++
	if e.Success {
		metric.Successes++
	}
}

func (m *Memories) Experiences() []Experience {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Experience, len(m.experiences))
	copy(out, m.experiences)
	return out
}

// PerformanceMetrics returns the success rate per observed task type.
func (m *Memories) PerformanceMetrics() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.metrics))
	for taskType, metric := range m.metrics {
		out[taskType] = metric.SuccessRate()
	}
	return out
}

func (m *Memories) Metric(taskType string) Metric {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if metric, ok := m.metrics[taskType]; ok {
		return *metric
	}
	return Metric{}
}

// ExtractPatterns records a pattern for every task type with at least minSamples experiences
// and returns them sorted by task type.
func (m *Memories) ExtractPatterns(minSamples int) []Pattern {
	m.mu.Lock()
	defer m.mu.Unlock()

	grouped := map[string][]Experience{}
	for _, e := range m.experiences {
		grouped[e.TaskType] = append(grouped[e.TaskType], e)
	}

	for taskType, samples := range grouped {
		if len(samples) < minSamples {
			continue
		}
		var total time.Duration
		successes := 0
		for _, e := range samples {
			total += e.Duration
			if e.Success {
				successes++
			}
		}
		m.patterns[taskType] = Pattern{
			TaskType:    taskType,
			Samples:     len(samples),
			SuccessRate: float64(successes) / float64(len(samples)),
			AvgDuration: total / time.Duration(len(samples)),
		}
	}

	out := make([]Pattern, 0, len(m.patterns))
	for _, p := range m.patterns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskType < out[j].TaskType })
	return out
}
