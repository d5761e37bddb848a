package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/portraitly/backend/internal/models"
)

const generateMaxAttempts = 3

type GenerateImageArgs struct {
	GenerationID uuid.UUID `json:"generation_id"`
}

func (GenerateImageArgs) Kind() string { return "generate_image" }

func (GenerateImageArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: generateMaxAttempts}
}

// Lifecycle is the contract the workers need from the generation manager.
type Lifecycle interface {
	Lookup(ctx context.Context, id uuid.UUID) (*models.Generation, error)
	MarkProcessing(ctx context.Context, id uuid.UUID, attempts int) (*models.Generation, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, resultKeys []string) (*models.Generation, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*models.Generation, error)
	RefundByID(ctx context.Context, id uuid.UUID) (bool, error)
	ReconcileRefunds(ctx context.Context, limit int) (int, error)
}

type providerRequest struct {
	GenerationID uuid.UUID `json:"generation_id"`
	SelfieKeys   []string  `json:"selfie_keys"`
	Attempt      int       `json:"attempt"`
}

// providerResponse is the synchronous answer of the image provider. A 202
// means the provider accepted the job and will report back through the
// status callback instead.
type providerResponse struct {
	Status     string   `json:"status"`
	ResultKeys []string `json:"result_keys"`
	Error      string   `json:"error"`
}

type GenerateImageWorker struct {
	river.WorkerDefaults[GenerateImageArgs]
	lifecycle   Lifecycle
	providerURL string
	httpClient  *http.Client
	log         *slog.Logger
}

func NewGenerateImageWorker(l Lifecycle, providerURL string, log *slog.Logger) *GenerateImageWorker {
	if log == nil {
		log = slog.Default()
	}
	return &GenerateImageWorker{
		lifecycle:   l,
		providerURL: providerURL,
		httpClient:  &http.Client{Timeout: 120 * time.Second},
		log:         log,
	}
}

func (w *GenerateImageWorker) Timeout(*river.Job[GenerateImageArgs]) time.Duration {
	return 3 * time.Minute
}

func (w *GenerateImageWorker) Work(ctx context.Context, job *river.Job[GenerateImageArgs]) error {
	id := job.Args.GenerationID
	g, err := w.lifecycle.Lookup(ctx, id)
	if err != nil {
		return fmt.Errorf("load generation %s: %w", id, err)
	}
	if g.Terminal() {
		return nil
	}
	if _, err := w.lifecycle.MarkProcessing(ctx, id, job.Attempt); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	body, err := json.Marshal(providerRequest{GenerationID: id, SelfieKeys: g.SelfieKeys, Attempt: job.Attempt})
	if err != nil {
		return w.failJob(ctx, id, fmt.Sprintf("failed to encode request: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.providerURL, bytes.NewReader(body))
	if err != nil {
		return w.failJob(ctx, id, fmt.Sprintf("failed to create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", id.String())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return w.retryOrFail(ctx, job, fmt.Sprintf("provider unreachable: %v", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil
	case resp.StatusCode >= 500:
		return w.retryOrFail(ctx, job, fmt.Sprintf("provider returned status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return w.failJob(ctx, id, fmt.Sprintf("provider rejected generation: status %d", resp.StatusCode))
	}

	var out providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return w.failJob(ctx, id, "provider returned invalid JSON")
	}
	if out.Status == models.GenerationFailed {
		reason := out.Error
		if reason == "" {
			reason = "provider reported failure"
		}
		return w.failJob(ctx, id, reason)
	}
	if _, err := w.lifecycle.MarkCompleted(ctx, id, out.ResultKeys); err != nil {
		return fmt.Errorf("failed to mark generation completed: %w", err)
	}
	return nil
}

// retryOrFail lets river retry transient provider errors and fails the
// generation on the last attempt.
func (w *GenerateImageWorker) retryOrFail(ctx context.Context, job *river.Job[GenerateImageArgs], reason string) error {
	if job.Attempt < job.MaxAttempts {
		return errors.New(reason)
	}
	return w.failJob(ctx, job.Args.GenerationID, reason)
}

func (w *GenerateImageWorker) failJob(ctx context.Context, id uuid.UUID, reason string) error {
	if _, err := w.lifecycle.MarkFailed(ctx, id, reason); err != nil {
		return fmt.Errorf("generation failed (%s) AND failed to finish failing it: %w", reason, err)
	}
	w.log.Info("generation failed by worker", "generation_id", id, "reason", reason)
	return nil
}
