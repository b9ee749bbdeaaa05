package aggregate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"pushgate/internal/delivery"
	"pushgate/internal/transport"
	logx "pushgate/pkg/logx"
)

// Report tiers and their retention windows.
const (
	TierSummary  = "summary"
	TierDetailed = "detailed"
	TierFinal    = "final"

	summaryTTL  = 5 * time.Minute
	detailedTTL = 30 * time.Minute
	finalTTL    = 24 * time.Hour

	reportKind = "batch-progress"
)

// BatchTopic is the per-batch broadcast topic.
func BatchTopic(batchID string) string { return "pushgate/batch/" + batchID }

// Pusher is the sender surface the collector publishes through.
type Pusher interface {
	Send(ctx context.Context, msg transport.Message) (delivery.SendResult, error)
	SendToTopic(ctx context.Context, topic string, msg transport.Message) error
}

type summaryPayload struct {
	BatchID       string  `json:"batch_id"`
	TaskID        string  `json:"task_id,omitempty"`
	Status        string  `json:"status"`
	Total         int     `json:"total"`
	Completed     int     `json:"completed"`
	Success       int     `json:"success"`
	Failure       int     `json:"failure"`
	Timeout       int     `json:"timeout"`
	Skipped       int     `json:"skipped,omitempty"`
	CompletionPct float64 `json:"completion_pct"`
	SuccessRate   float64 `json:"success_rate"`
	UpdatedAt     int64   `json:"updated_at"`
}

type detailedPayload struct {
	summaryPayload
	ErrorHistogram map[string]int     `json:"error_histogram,omitempty"`
	RecentDevices  []DeviceRecord     `json:"recent_devices,omitempty"`
	Performance    PerformanceMetrics `json:"performance"`
}

type finalPayload struct {
	detailedPayload
	Devices   []DeviceRecord `json:"devices"`
	Extra     map[string]any `json:"extra,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// Collector builds and publishes the three report tiers. Payloads are plain
// immutable value structs built per push; no shared builder state.
type Collector struct {
	pusher Pusher
	log    logx.Logger
}

func NewCollector(pusher Pusher, log logx.Logger) *Collector {
	return &Collector{pusher: pusher, log: log}
}

func buildSummary(s BatchState) summaryPayload {
	return summaryPayload{
		BatchID:       s.BatchID,
		TaskID:        s.TaskID,
		Status:        s.Status.String(),
		Total:         s.TotalCount,
		Completed:     s.CompletedCount,
		Success:       s.SuccessCount,
		Failure:       s.FailureCount,
		Timeout:       s.TimeoutCount,
		Skipped:       s.SkippedCount,
		CompletionPct: s.CompletionPct,
		SuccessRate:   s.SuccessRate,
		UpdatedAt:     s.LastUpdateAt.Unix(),
	}
}

func buildDetailed(s BatchState, recentN int) detailedPayload {
	recent := s.Devices
	if recentN > 0 && len(recent) > recentN {
		recent = recent[len(recent)-recentN:]
	}
	return detailedPayload{
		summaryPayload: buildSummary(s),
		ErrorHistogram: s.ErrorHistogram,
		RecentDevices:  append([]DeviceRecord(nil), recent...),
		Performance:    s.Performance,
	}
}

func buildFinal(s BatchState, recentN int, extra map[string]any) finalPayload {
	return finalPayload{
		detailedPayload: buildDetailed(s, recentN),
		Devices:         append([]DeviceRecord(nil), s.Devices...),
		Extra:           extra,
		CreatedAt:       s.CreatedAt.Unix(),
	}
}

// PushSummary publishes the core-counter tier to the batch topic.
func (c *Collector) PushSummary(ctx context.Context, s BatchState) {
	c.pushTopic(ctx, s, TierSummary, buildSummary(s), summaryTTL, transport.PriorityNormal)
}

// PushDetailed publishes the extended tier to the batch topic.
func (c *Collector) PushDetailed(ctx context.Context, s BatchState, recentN int) {
	c.pushTopic(ctx, s, TierDetailed, buildDetailed(s, recentN), detailedTTL, transport.PriorityNormal)
}

// PushFinal publishes the terminal report: the batch topic gets a copy, and
// when the owning user is known the report also goes to their personal queue
// as a tracked, ack-required delivery.
func (c *Collector) PushFinal(ctx context.Context, s BatchState, recentN int, extra map[string]any) {
	payload := buildFinal(s, recentN, extra)
	body, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("batch.report_encode_failed", logx.String("batch", s.BatchID), logx.Err(err))
		return
	}

	msg := transport.Message{
		ID:       uuid.NewString(),
		Kind:     reportKind,
		Subtype:  TierFinal,
		Priority: transport.PriorityHigh,
		Payload:  body,
		TTL:      finalTTL,
	}
	if err := c.pusher.SendToTopic(ctx, BatchTopic(s.BatchID), msg); err != nil {
		c.log.Warn("batch.final_topic_push_failed", logx.String("batch", s.BatchID), logx.Err(err))
	}

	if s.UserID == "" {
		return
	}
	personal := msg
	personal.ID = uuid.NewString()
	personal.TargetKind = transport.TargetRecipient
	personal.Recipient = s.UserID
	personal.Destination = "batch-reports"
	personal.RequiresAck = true
	if _, err := c.pusher.Send(ctx, personal); err != nil {
		c.log.Warn("batch.final_user_push_failed",
			logx.String("batch", s.BatchID),
			logx.String("user", s.UserID),
			logx.Err(err))
	}
}

func (c *Collector) pushTopic(ctx context.Context, s BatchState, tier string, payload any, ttl time.Duration, prio transport.Priority) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("batch.report_encode_failed",
			logx.String("batch", s.BatchID),
			logx.String("tier", tier),
			logx.Err(err))
		return
	}
	msg := transport.Message{
		ID:       uuid.NewString(),
		Kind:     reportKind,
		Subtype:  tier,
		Priority: prio,
		Payload:  body,
		TTL:      ttl,
	}
	if err := c.pusher.SendToTopic(ctx, BatchTopic(s.BatchID), msg); err != nil {
		c.log.Warn("batch.push_failed",
			logx.String("batch", s.BatchID),
			logx.String("tier", tier),
			logx.Err(err))
	}
}
