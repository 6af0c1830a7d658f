package realtime

import (
	"sync"
	"time"

	"github.com/desco-devs/fleetsync/internal/metrics"
)

// ErrorType categorizes realtime failures. Severity drives UI emphasis and
// health-check weighting only; retry behavior never branches on it.
type ErrorType string

const (
	ErrConnectionFailed ErrorType = "CONNECTION_FAILED"
	ErrNetwork          ErrorType = "NETWORK_ERROR"
	ErrDataValidation   ErrorType = "DATA_VALIDATION_ERROR"
	ErrSubscription     ErrorType = "SUBSCRIPTION_ERROR"
	ErrCleanup          ErrorType = "CLEANUP_ERROR"
)

// Severity grades an error record.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// ConnectionQuality is the coarse health bucket derived from recent error
// density.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityPoor      ConnectionQuality = "poor"
)

// Record is one entry in the ring buffer. Success markers have IsError false
// and do not count toward error totals. Records are never mutated after
// insertion.
type Record struct {
	IsError   bool      `json:"is_error"`
	Type      ErrorType `json:"type,omitempty"`
	Message   string    `json:"message"`
	Cause     string    `json:"cause,omitempty"`
	Context   string    `json:"context,omitempty"`
	Severity  Severity  `json:"severity,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats is the aggregate view derived from the buffer on demand.
type Stats struct {
	TotalErrors       int               `json:"total_errors"`
	RecentErrors      int               `json:"recent_errors"`
	ConnectionQuality ConnectionQuality `json:"connection_quality"`
	LastError         *Record           `json:"last_error,omitempty"`
}

const (
	defaultErrorLogSize = 100
	recentErrorWindow   = time.Minute
)

// ErrorLog is a bounded, append-only ring buffer of connection and operation
// outcomes. Each connection-manager instance owns its own log; nothing here
// is shared package state.
type ErrorLog struct {
	mu      sync.Mutex
	clock   Clock
	metrics *metrics.Metrics // optional

	buf   []Record
	head  int // next write position
	count int

	totalErrors int // errors since last clear, survives ring eviction
}

// NewErrorLog creates a log holding at most size records. A size of zero or
// less uses the default capacity.
func NewErrorLog(clock Clock, size int, m *metrics.Metrics) *ErrorLog {
	if size <= 0 {
		size = defaultErrorLogSize
	}
	return &ErrorLog{
		clock:   clock,
		metrics: m,
		buf:     make([]Record, size),
	}
}

// LogError appends an error record. It never panics and never blocks on
// anything but the log's own mutex.
func (l *ErrorLog) LogError(typ ErrorType, message string, cause error, context string, severity Severity) {
	rec := Record{
		IsError:   true,
		Type:      typ,
		Message:   message,
		Context:   context,
		Severity:  severity,
		Timestamp: l.clock.Now(),
	}
	if cause != nil {
		rec.Cause = cause.Error()
	}

	l.mu.Lock()
	l.appendLocked(rec)
	l.totalErrors++
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.RealtimeErrors.WithLabelValues(string(typ), string(severity)).Inc()
	}
}

// LogSuccess appends a lightweight success marker. Success markers never
// count toward error totals.
func (l *ErrorLog) LogSuccess(message, context string) {
	rec := Record{
		Message:   message,
		Context:   context,
		Timestamp: l.clock.Now(),
	}
	l.mu.Lock()
	l.appendLocked(rec)
	l.mu.Unlock()
}

func (l *ErrorLog) appendLocked(rec Record) {
	l.buf[l.head] = rec
	l.head = (l.head + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
}

// TotalErrors reports the number of errors logged since the last clear.
func (l *ErrorLog) TotalErrors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalErrors
}

// LastError returns the most recent error record, if any.
func (l *ErrorLog) LastError() (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < l.count; i++ {
		idx := (l.head - 1 - i + len(l.buf)) % len(l.buf)
		if l.buf[idx].IsError {
			return l.buf[idx], true
		}
	}
	return Record{}, false
}

// Recent returns up to n records, newest first.
func (l *ErrorLog) Recent(n int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.count {
		n = l.count
	}
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		idx := (l.head - 1 - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// Quality derives the coarse connection-quality bucket from error density in
// the last minute.
func (l *ErrorLog) Quality() ConnectionQuality {
	l.mu.Lock()
	defer l.mu.Unlock()
	recent := l.recentErrorsLocked()
	switch {
	case recent == 0:
		return QualityExcellent
	case recent <= 3:
		return QualityGood
	default:
		return QualityPoor
	}
}

func (l *ErrorLog) recentErrorsLocked() int {
	cutoff := l.clock.Now().Add(-recentErrorWindow)
	recent := 0
	for i := 0; i < l.count; i++ {
		idx := (l.head - 1 - i + len(l.buf)) % len(l.buf)
		rec := l.buf[idx]
		if rec.Timestamp.Before(cutoff) {
			break // records are time ordered, older entries only from here on
		}
		if rec.IsError {
			recent++
		}
	}
	return recent
}

// Stats derives the aggregate view. Nothing is cached; every call recomputes
// from the buffer.
func (l *ErrorLog) Stats() Stats {
	l.mu.Lock()
	recent := l.recentErrorsLocked()
	total := l.totalErrors
	l.mu.Unlock()

	stats := Stats{
		TotalErrors:  total,
		RecentErrors: recent,
	}
	switch {
	case recent == 0:
		stats.ConnectionQuality = QualityExcellent
	case recent <= 3:
		stats.ConnectionQuality = QualityGood
	default:
		stats.ConnectionQuality = QualityPoor
	}
	if last, ok := l.LastError(); ok {
		stats.LastError = &last
	}
	return stats
}

// ClearHistory resets the buffer and the error total. Used by the UI "clear
// errors" affordance and after a successful forced reconnect.
func (l *ErrorLog) ClearHistory() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head = 0
	l.count = 0
	l.totalErrors = 0
	for i := range l.buf {
		l.buf[i] = Record{}
	}
}
