package conformance

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofhir/conformance/pkg/issue"
)

// Metrics tracks validation, resolution and remote-call counters using lock-free atomics.
// All methods are safe for concurrent use. A nil *Metrics ignores all records.
type Metrics struct {
	// Validation counts
	validationsTotal atomic.Uint64
	validationsValid atomic.Uint64

	// Timing (stored as nanoseconds)
	validationTimeTotal atomic.Uint64
	validationTimeMin   atomic.Uint64
	validationTimeMax   atomic.Uint64

	// Resolver cache
	cacheHits    atomic.Uint64
	cacheMisses  atomic.Uint64
	storeLookups atomic.Uint64

	// Issue counts by severity
	errorsTotal   atomic.Uint64
	warningsTotal atomic.Uint64
	infosTotal    atomic.Uint64

	// Remote calls keyed by operation name
	remote sync.Map // map[string]*remoteMetrics
}

type remoteMetrics struct {
	calls    atomic.Uint64
	failures [KindConfiguration + 1]atomic.Uint64
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.validationTimeMin.Store(^uint64(0))
	return m
}

// RecordValidation records a completed validation.
func (m *Metrics) RecordValidation(duration time.Duration, valid bool) {
	if m == nil {
		return
	}
	m.validationsTotal.Add(1)
	if valid {
		m.validationsValid.Add(1)
	}

	ns := uint64(duration.Nanoseconds()) //nolint:gosec // durations are positive
	m.validationTimeTotal.Add(ns)

	for {
		old := m.validationTimeMin.Load()
		if ns >= old || m.validationTimeMin.CompareAndSwap(old, ns) {
			break
		}
	}
	for {
		old := m.validationTimeMax.Load()
		if ns <= old || m.validationTimeMax.CompareAndSwap(old, ns) {
			break
		}
	}
}

// RecordOutcome records every issue of an outcome by severity.
func (m *Metrics) RecordOutcome(o *issue.Outcome) {
	if m == nil || o == nil {
		return
	}
	for _, is := range o.Issues {
		m.RecordIssue(is.Severity)
	}
}

// RecordIssue records an issue based on severity.
func (m *Metrics) RecordIssue(severity issue.Severity) {
	if m == nil {
		return
	}
	switch severity {
	case issue.SeverityError, issue.SeverityFatal:
		m.errorsTotal.Add(1)
	case issue.SeverityWarning:
		m.warningsTotal.Add(1)
	case issue.SeverityInformation:
		m.infosTotal.Add(1)
	}
}

// RecordCacheHit records a resolver cache hit.
func (m *Metrics) RecordCacheHit() {
	if m != nil {
		m.cacheHits.Add(1)
	}
}

// RecordCacheMiss records a resolver cache miss.
func (m *Metrics) RecordCacheMiss() {
	if m != nil {
		m.cacheMisses.Add(1)
	}
}

// RecordStoreLookup records one call into a backing definition store.
func (m *Metrics) RecordStoreLookup() {
	if m != nil {
		m.storeLookups.Add(1)
	}
}

// RecordRemoteCall records a remote call and, when err is non-nil, its failure kind.
func (m *Metrics) RecordRemoteCall(op string, err error) {
	if m == nil {
		return
	}
	rm := m.getOrCreateRemote(op)
	rm.calls.Add(1)
	if err != nil {
		rm.failures[KindOf(err)].Add(1)
	}
}

func (m *Metrics) getOrCreateRemote(op string) *remoteMetrics {
	if v, ok := m.remote.Load(op); ok {
		return v.(*remoteMetrics)
	}
	actual, _ := m.remote.LoadOrStore(op, &remoteMetrics{})
	return actual.(*remoteMetrics)
}

// ValidationsTotal returns the total number of validations performed.
func (m *Metrics) ValidationsTotal() uint64 {
	return m.validationsTotal.Load()
}

// ValidationsValid returns the number of successful validations.
func (m *Metrics) ValidationsValid() uint64 {
	return m.validationsValid.Load()
}

// ValidationRate returns the fraction of successful validations (0.0 to 1.0).
func (m *Metrics) ValidationRate() float64 {
	total := m.validationsTotal.Load()
	if total == 0 {
		return 0
	}
	return float64(m.validationsValid.Load()) / float64(total)
}

// AverageValidationTime returns the average validation duration.
func (m *Metrics) AverageValidationTime() time.Duration {
	total := m.validationsTotal.Load()
	if total == 0 {
		return 0
	}
	return time.Duration(m.validationTimeTotal.Load() / total) //nolint:gosec // nanoseconds within int64 range
}

// MinValidationTime returns the minimum validation duration.
func (m *Metrics) MinValidationTime() time.Duration {
	minVal := m.validationTimeMin.Load()
	if minVal == ^uint64(0) {
		return 0
	}
	return time.Duration(minVal) //nolint:gosec // nanoseconds within int64 range
}

// MaxValidationTime returns the maximum validation duration.
func (m *Metrics) MaxValidationTime() time.Duration {
	return time.Duration(m.validationTimeMax.Load()) //nolint:gosec // nanoseconds within int64 range
}

// CacheHits returns the resolver cache hits.
func (m *Metrics) CacheHits() uint64 {
	return m.cacheHits.Load()
}

// CacheMisses returns the resolver cache misses.
func (m *Metrics) CacheMisses() uint64 {
	return m.cacheMisses.Load()
}

// StoreLookups returns the number of calls into backing stores.
func (m *Metrics) StoreLookups() uint64 {
	return m.storeLookups.Load()
}

// CacheHitRate returns the cache hit rate (0.0 to 1.0).
func (m *Metrics) CacheHitRate() float64 {
	hits := m.cacheHits.Load()
	total := hits + m.cacheMisses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// ErrorsTotal returns the total fatal and error issues recorded.
func (m *Metrics) ErrorsTotal() uint64 {
	return m.errorsTotal.Load()
}

// WarningsTotal returns the total warning issues recorded.
func (m *Metrics) WarningsTotal() uint64 {
	return m.warningsTotal.Load()
}

// InfosTotal returns the total informational issues recorded.
func (m *Metrics) InfosTotal() uint64 {
	return m.infosTotal.Load()
}

// RemoteStats summarizes calls of one remote operation.
type RemoteStats struct {
	Op       string            `json:"op"`
	Calls    uint64            `json:"calls"`
	Failures map[string]uint64 `json:"failures,omitempty"`
}

// RemoteStats returns per-operation remote call statistics sorted by operation.
func (m *Metrics) RemoteStats() []RemoteStats {
	var stats []RemoteStats
	m.remote.Range(func(key, value any) bool {
		rm := value.(*remoteMetrics)
		s := RemoteStats{Op: key.(string), Calls: rm.calls.Load()}
		for k := range rm.failures {
			if n := rm.failures[k].Load(); n > 0 {
				if s.Failures == nil {
					s.Failures = map[string]uint64{}
				}
				s.Failures[Kind(k).String()] = n
			}
		}
		stats = append(stats, s)
		return true
	})
	sort.Slice(stats, func(i, j int) bool { return stats[i].Op < stats[j].Op })
	return stats
}

// Snapshot represents a point-in-time snapshot of all metrics.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	ValidationsTotal uint64  `json:"validations_total"`
	ValidationsValid uint64  `json:"validations_valid"`
	ValidationRate   float64 `json:"validation_rate"`

	AvgValidationTimeNs uint64 `json:"avg_validation_time_ns"`
	MinValidationTimeNs uint64 `json:"min_validation_time_ns"`
	MaxValidationTimeNs uint64 `json:"max_validation_time_ns"`

	CacheHits    uint64  `json:"cache_hits"`
	CacheMisses  uint64  `json:"cache_misses"`
	CacheHitRate float64 `json:"cache_hit_rate"`
	StoreLookups uint64  `json:"store_lookups"`

	ErrorsTotal   uint64 `json:"errors_total"`
	WarningsTotal uint64 `json:"warnings_total"`
	InfosTotal    uint64 `json:"infos_total"`

	Remote []RemoteStats `json:"remote,omitempty"`
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() Snapshot {
	minTime := m.validationTimeMin.Load()
	if minTime == ^uint64(0) {
		minTime = 0
	}
	var avg uint64
	if total := m.validationsTotal.Load(); total > 0 {
		avg = m.validationTimeTotal.Load() / total
	}
	return Snapshot{
		Timestamp:           time.Now(),
		ValidationsTotal:    m.validationsTotal.Load(),
		ValidationsValid:    m.validationsValid.Load(),
		ValidationRate:      m.ValidationRate(),
		AvgValidationTimeNs: avg,
		MinValidationTimeNs: minTime,
		MaxValidationTimeNs: m.validationTimeMax.Load(),
		CacheHits:           m.cacheHits.Load(),
		CacheMisses:         m.cacheMisses.Load(),
		CacheHitRate:        m.CacheHitRate(),
		StoreLookups:        m.storeLookups.Load(),
		ErrorsTotal:         m.errorsTotal.Load(),
		WarningsTotal:       m.warningsTotal.Load(),
		InfosTotal:          m.infosTotal.Load(),
		Remote:              m.RemoteStats(),
	}
}

// Reset clears all metrics.
func (m *Metrics) Reset() {
	m.validationsTotal.Store(0)
	m.validationsValid.Store(0)
	m.validationTimeTotal.Store(0)
	m.validationTimeMin.Store(^uint64(0))
	m.validationTimeMax.Store(0)
	m.cacheHits.Store(0)
	m.cacheMisses.Store(0)
	m.storeLookups.Store(0)
	m.errorsTotal.Store(0)
	m.warningsTotal.Store(0)
	m.infosTotal.Store(0)
	m.remote.Range(func(key, _ any) bool {
		m.remote.Delete(key)
		return true
	})
}
