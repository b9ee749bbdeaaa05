package aggregate

import "time"

// DeviceOutcome classifies one device execution result.
type DeviceOutcome string

const (
	OutcomeSuccess DeviceOutcome = "success"
	OutcomeFailure DeviceOutcome = "failure"
	OutcomeTimeout DeviceOutcome = "timeout"
	OutcomeSkipped DeviceOutcome = "skipped"
)

// DeviceRecord is one device's execution result, append-only within its
// batch.
type DeviceRecord struct {
	DeviceID     string        `json:"device_id"`
	CommandID    string        `json:"command_id,omitempty"`
	Outcome      DeviceOutcome `json:"outcome"`
	Result       string        `json:"result,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	StartTime    time.Time     `json:"start_time,omitempty"`
	EndTime      time.Time     `json:"end_time,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	RetryCount   int           `json:"retry_count,omitempty"`
}

// PerformanceMetrics summarizes device execution durations.
type PerformanceMetrics struct {
	AvgDuration   time.Duration `json:"avg_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	TotalDuration time.Duration `json:"total_duration"`
}

// BatchMeta is the caller-supplied batch context.
type BatchMeta struct {
	TaskID string
	OrgID  string
	UserID string
}

// BatchState is the live aggregation state of one batch.
//
// Invariants:
//   - CompletedCount = SuccessCount + FailureCount + TimeoutCount
//     (maintained by applyResult/recompute)
//   - CompletedCount <= TotalCount when TotalCount is known (the aggregator
//     drops results once the batch is count-complete)
//   - CompletionPct = CompletedCount/TotalCount*100, 0 when TotalCount == 0
type BatchState struct {
	BatchID string
	TaskID  string
	OrgID   string
	UserID  string

	Status Status

	TotalCount     int
	CompletedCount int
	SuccessCount   int
	FailureCount   int
	TimeoutCount   int
	SkippedCount   int

	CompletionPct float64
	SuccessRate   float64

	Devices        []DeviceRecord
	ErrorHistogram map[string]int
	Performance    PerformanceMetrics

	CreatedAt    time.Time
	LastUpdateAt time.Time
}

// IsCompleted reports count-based completion: every expected device has a
// terminal result. It is independent of Status; the batch stays Running
// until the owning orchestrator signals an explicit terminal status.
func (s *BatchState) IsCompleted() bool {
	return s.TotalCount > 0 && s.CompletedCount >= s.TotalCount
}

// IsSuccessfullyCompleted reports count-based completion without failures.
func (s *BatchState) IsSuccessfullyCompleted() bool {
	return s.IsCompleted() && s.FailureCount == 0 && s.TimeoutCount == 0
}

// applyResult appends one device record and updates the counters.
func (s *BatchState) applyResult(rec DeviceRecord, now time.Time) {
	s.Devices = append(s.Devices, rec)
	switch rec.Outcome {
	case OutcomeSuccess:
		s.SuccessCount++
	case OutcomeFailure:
		s.FailureCount++
		if rec.ErrorCode != "" {
			if s.ErrorHistogram == nil {
				s.ErrorHistogram = map[string]int{}
			}
			s.ErrorHistogram[rec.ErrorCode]++
		}
	case OutcomeTimeout:
		s.TimeoutCount++
	case OutcomeSkipped:
		s.SkippedCount++
	}
	s.LastUpdateAt = now
	s.recompute()
}

// recompute rebuilds the derived fields from the raw counters and records.
func (s *BatchState) recompute() {
	s.CompletedCount = s.SuccessCount + s.FailureCount + s.TimeoutCount

	if s.TotalCount > 0 {
		s.CompletionPct = float64(s.CompletedCount) / float64(s.TotalCount) * 100
		if s.CompletionPct > 100 {
			s.CompletionPct = 100
		}
	} else {
		s.CompletionPct = 0
	}

	if s.CompletedCount > 0 {
		s.SuccessRate = float64(s.SuccessCount) / float64(s.CompletedCount)
	} else {
		s.SuccessRate = 0
	}

	var total, min, max time.Duration
	var counted int
	for _, d := range s.Devices {
		if d.Duration <= 0 {
			continue
		}
		total += d.Duration
		if counted == 0 || d.Duration < min {
			min = d.Duration
		}
		if d.Duration > max {
			max = d.Duration
		}
		counted++
	}
	s.Performance = PerformanceMetrics{TotalDuration: total, MinDuration: min, MaxDuration: max}
	if counted > 0 {
		s.Performance.AvgDuration = total / time.Duration(counted)
	}
}

// clone returns a deep copy safe to hand out after the entry lock releases.
func (s *BatchState) clone() BatchState {
	cp := *s
	cp.Devices = append([]DeviceRecord(nil), s.Devices...)
	if s.ErrorHistogram != nil {
		cp.ErrorHistogram = make(map[string]int, len(s.ErrorHistogram))
		for k, v := range s.ErrorHistogram {
			cp.ErrorHistogram[k] = v
		}
	}
	return cp
}
