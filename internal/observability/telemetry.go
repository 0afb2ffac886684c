package observability

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RecordKind classifies a telemetry record.
type RecordKind string

const (
	KindSession RecordKind = "session"
	KindRun     RecordKind = "run"
	KindStep    RecordKind = "step"
)

// Record is one local telemetry event. Records are advisory; they are
// never shipped over the control-plane session.
type Record struct {
	ID        string
	Kind      RecordKind
	RunID     string
	StepID    string
	Timestamp time.Time
	Detail    string
}

// Sink receives telemetry records.
type Sink interface {
	Record(rec Record)
}

// NewRecord stamps a record with an id and the current time.
func NewRecord(kind RecordKind, runID, stepID, detail string) Record {
	return Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		RunID:     runID,
		StepID:    stepID,
		Timestamp: time.Now().UTC(),
		Detail:    detail,
	}
}

// LogSink writes records to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(rec Record) {
	s.logger.Info().
		Str("telemetry_id", rec.ID).
		Str("kind", string(rec.Kind)).
		Str("run_id", rec.RunID).
		Str("step_id", rec.StepID).
		Msg(rec.Detail)
}

// MemorySink retains records in memory. Intended for tests.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Record(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

// Records returns a copy of everything recorded so far.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// NopSink discards all records.
type NopSink struct{}

func (NopSink) Record(Record) {}
