package audit

import (
	"sync"
	"time"
)

// MetricsSnapshot is a read-only snapshot of chain counters, surfaced on the
// audit status endpoint.
type MetricsSnapshot struct {
	Appends        int64     `json:"appends"`
	BusyRejected   int64     `json:"busyRejected"`
	VerifyFailures int64     `json:"verifyFailures"`
	HeadSeq        int64     `json:"headSeq"`
	LastAppend     time.Time `json:"lastAppend,omitempty"`
	Halted         bool      `json:"halted"`
	HaltReason     string    `json:"haltReason,omitempty"`
}

// Metrics keeps counters for one chain. All methods are safe for concurrent
// use.
type Metrics struct {
	mu sync.RWMutex

	appends        int64
	busyRejections int64
	verifyFailures int64
	headSeq        int64
	lastAppend     time.Time
	halted         bool
	haltReason     string
}

// NewMetrics creates zeroed Metrics.
func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) appended(seq int64) {
	m.mu.Lock()
	m.appends++
	m.headSeq = seq
	m.lastAppend = time.Now().UTC()
	m.mu.Unlock()
}

func (m *Metrics) busyRejected() {
	m.mu.Lock()
	m.busyRejections++
	m.mu.Unlock()
}

// VerifyFailed counts a failed verification run.
func (m *Metrics) VerifyFailed() {
	m.mu.Lock()
	m.verifyFailures++
	m.mu.Unlock()
}

func (m *Metrics) setHalted(reason string) {
	m.mu.Lock()
	m.halted = true
	m.haltReason = reason
	m.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MetricsSnapshot{
		Appends:        m.appends,
		BusyRejected:   m.busyRejections,
		VerifyFailures: m.verifyFailures,
		HeadSeq:        m.headSeq,
		LastAppend:     m.lastAppend,
		Halted:         m.halted,
		HaltReason:     m.haltReason,
	}
}
