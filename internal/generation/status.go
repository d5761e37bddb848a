package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/portraitly/backend/internal/models"
)

// JobStatus is the status callback of the external job system. Timestamps
// are epoch milliseconds; a set FailedReason wins over everything else.
type JobStatus struct {
	JobID        string   `json:"jobId"`
	Progress     int      `json:"progress,omitempty"`
	Message      string   `json:"message,omitempty"`
	AttemptsMade int      `json:"attemptsMade"`
	ProcessedOn  *int64   `json:"processedOn,omitempty"`
	FinishedOn   *int64   `json:"finishedOn,omitempty"`
	FailedReason *string  `json:"failedReason,omitempty"`
	ResultKeys   []string `json:"resultKeys,omitempty"`
}

// ErrInvalidJobID is returned when the callback's job id is not a generation id.
var ErrInvalidJobID = errors.New("job id is not a generation id")

// GenerationID parses the job id. Jobs are keyed by generation id.
func (s JobStatus) GenerationID() (uuid.UUID, error) {
	id, err := uuid.Parse(s.JobID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidJobID, s.JobID)
	}
	return id, nil
}

// Millis converts an epoch-milliseconds timestamp.
func Millis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

// HandleJobStatus maps a job callback onto the state machine. Callbacks may
// be repeated or arrive late; a processing signal for a generation that has
// already finished is ignored.
func (m *Manager) HandleJobStatus(ctx context.Context, st JobStatus) (*models.Generation, error) {
	id, err := st.GenerationID()
	if err != nil {
		return nil, err
	}
	switch {
	case st.FailedReason != nil:
		reason := *st.FailedReason
		if reason == "" {
			reason = "unknown failure"
		}
		return m.MarkFailed(ctx, id, reason)
	case st.FinishedOn != nil:
		return m.MarkCompleted(ctx, id, st.ResultKeys)
	case st.ProcessedOn != nil:
		g, err := m.MarkProcessing(ctx, id, st.AttemptsMade)
		if errors.Is(err, ErrInvalidTransition) {
			m.log.Debug("ignoring late processing signal", "generation_id", id)
			return m.repo.GetByID(ctx, id)
		}
		return g, err
	}
	m.log.Debug("job progress", "generation_id", id, "progress", st.Progress, "message", st.Message)
	return m.repo.GetByID(ctx, id)
}
