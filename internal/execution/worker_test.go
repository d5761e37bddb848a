package execution

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portraitly/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Fake lifecycle: records the transitions the worker asks for.
// ---------------------------------------------------------------------------

type fakeLifecycle struct {
	mu          sync.Mutex
	gen         *models.Generation
	processing  []int
	completed   []string
	failReasons []string
	refunded    []uuid.UUID
	reconciled  []int
	refundErr   error
}

func newFakeLifecycle(status string) *fakeLifecycle {
	return &fakeLifecycle{gen: &models.Generation{
		ID:         uuid.New(),
		Status:     status,
		SelfieKeys: []string{"selfies/a.jpg", "selfies/b.jpg"},
	}}
}

func (f *fakeLifecycle) Lookup(_ context.Context, id uuid.UUID) (*models.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.gen.ID {
		return nil, errors.New("not found")
	}
	cp := *f.gen
	return &cp, nil
}

func (f *fakeLifecycle) MarkProcessing(_ context.Context, _ uuid.UUID, attempts int) (*models.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processing = append(f.processing, attempts)
	f.gen.Status = models.GenerationProcessing
	return f.gen, nil
}

func (f *fakeLifecycle) MarkCompleted(_ context.Context, _ uuid.UUID, keys []string) (*models.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = keys
	f.gen.Status = models.GenerationCompleted
	return f.gen, nil
}

func (f *fakeLifecycle) MarkFailed(_ context.Context, _ uuid.UUID, reason string) (*models.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failReasons = append(f.failReasons, reason)
	f.gen.Status = models.GenerationFailed
	return f.gen, nil
}

func (f *fakeLifecycle) RefundByID(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return false, f.refundErr
	}
	f.refunded = append(f.refunded, id)
	return true, nil
}

func (f *fakeLifecycle) ReconcileRefunds(_ context.Context, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled = append(f.reconciled, limit)
	return 0, nil
}

func generateJob(id uuid.UUID, attempt, max int) *river.Job[GenerateImageArgs] {
	return &river.Job[GenerateImageArgs]{
		JobRow: &rivertype.JobRow{Attempt: attempt, MaxAttempts: max},
		Args:   GenerateImageArgs{GenerationID: id},
	}
}

// ---------------------------------------------------------------------------
// 1. GenerateImageWorker
// ---------------------------------------------------------------------------

func TestGenerateWorker_SyncCompletion(t *testing.T) {
	lc := newFakeLifecycle(models.GenerationPending)

	var got providerRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, lc.gen.ID.String(), r.Header.Get("Idempotency-Key"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(providerResponse{Status: "completed", ResultKeys: []string{"out/1.png"}})
	}))
	defer srv.Close()

	w := NewGenerateImageWorker(lc, srv.URL, nil)
	require.NoError(t, w.Work(context.Background(), generateJob(lc.gen.ID, 1, 3)))

	assert.Equal(t, []int{1}, lc.processing)
	assert.Equal(t, []string{"out/1.png"}, lc.completed)
	assert.Empty(t, lc.failReasons)
	assert.Equal(t, lc.gen.SelfieKeys, got.SelfieKeys)
}

func TestGenerateWorker_AcceptedWaitsForCallback(t *testing.T) {
	lc := newFakeLifecycle(models.GenerationPending)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w := NewGenerateImageWorker(lc, srv.URL, nil)
	require.NoError(t, w.Work(context.Background(), generateJob(lc.gen.ID, 1, 3)))

	assert.Equal(t, models.GenerationProcessing, lc.gen.Status)
	assert.Nil(t, lc.completed)
	assert.Empty(t, lc.failReasons)
}

func TestGenerateWorker_ProviderReportsFailure(t *testing.T) {
	lc := newFakeLifecycle(models.GenerationPending)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(providerResponse{Status: "failed", Error: "no face detected"})
	}))
	defer srv.Close()

	w := NewGenerateImageWorker(lc, srv.URL, nil)
	require.NoError(t, w.Work(context.Background(), generateJob(lc.gen.ID, 1, 3)))
	assert.Equal(t, []string{"no face detected"}, lc.failReasons)
}

func TestGenerateWorker_ClientErrorFailsWithoutRetry(t *testing.T) {
	lc := newFakeLifecycle(models.GenerationPending)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	w := NewGenerateImageWorker(lc, srv.URL, nil)
	require.NoError(t, w.Work(context.Background(), generateJob(lc.gen.ID, 1, 3)))
	require.Len(t, lc.failReasons, 1)
	assert.Contains(t, lc.failReasons[0], "400")
}

func TestGenerateWorker_InvalidJSONFails(t *testing.T) {
	lc := newFakeLifecycle(models.GenerationPending)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	w := NewGenerateImageWorker(lc, srv.URL, nil)
	require.NoError(t, w.Work(context.Background(), generateJob(lc.gen.ID, 1, 3)))
	assert.Equal(t, []string{"provider returned invalid JSON"}, lc.failReasons)
}

func TestGenerateWorker_ServerErrorRetriesThenFails(t *testing.T) {
	lc := newFakeLifecycle(models.GenerationPending)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewGenerateImageWorker(lc, srv.URL, nil)

	err := w.Work(context.Background(), generateJob(lc.gen.ID, 1, 3))
	require.Error(t, err, "transient error must be returned so the job is retried")
	assert.Empty(t, lc.failReasons)

	require.NoError(t, w.Work(context.Background(), generateJob(lc.gen.ID, 3, 3)))
	require.Len(t, lc.failReasons, 1)
	assert.Contains(t, lc.failReasons[0], "502")
	assert.Equal(t, []int{1, 3}, lc.processing)
}

func TestGenerateWorker_UnreachableProviderRetries(t *testing.T) {
	lc := newFakeLifecycle(models.GenerationPending)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	w := NewGenerateImageWorker(lc, url, nil)
	err := w.Work(context.Background(), generateJob(lc.gen.ID, 1, 3))
	require.Error(t, err)
	assert.Empty(t, lc.failReasons)
}

func TestGenerateWorker_SkipsTerminalGeneration(t *testing.T) {
	lc := newFakeLifecycle(models.GenerationCompleted)
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer srv.Close()

	w := NewGenerateImageWorker(lc, srv.URL, nil)
	require.NoError(t, w.Work(context.Background(), generateJob(lc.gen.ID, 2, 3)))
	assert.False(t, called)
	assert.Empty(t, lc.processing)
}

// ---------------------------------------------------------------------------
// 2. Refund and reconcile workers
// ---------------------------------------------------------------------------

func TestRefundWorker(t *testing.T) {
	lc := newFakeLifecycle(models.GenerationFailed)
	w := NewRefundWorker(lc, nil)
	job := &river.Job[RefundGenerationArgs]{
		JobRow: &rivertype.JobRow{Attempt: 1, MaxAttempts: 25},
		Args:   RefundGenerationArgs{GenerationID: lc.gen.ID},
	}
	require.NoError(t, w.Work(context.Background(), job))
	assert.Equal(t, []uuid.UUID{lc.gen.ID}, lc.refunded)

	lc.refundErr = errors.New("db down")
	assert.Error(t, w.Work(context.Background(), job))
}

func TestReconcileWorker_DefaultLimit(t *testing.T) {
	lc := newFakeLifecycle(models.GenerationFailed)
	w := NewReconcileWorker(lc, nil)
	job := &river.Job[ReconcileRefundsArgs]{JobRow: &rivertype.JobRow{Attempt: 1, MaxAttempts: 1}}
	require.NoError(t, w.Work(context.Background(), job))
	assert.Equal(t, []int{defaultReconcileLimit}, lc.reconciled)
}

func TestKinds(t *testing.T) {
	assert.Equal(t, "generate_image", GenerateImageArgs{}.Kind())
	assert.Equal(t, "refund_generation", RefundGenerationArgs{}.Kind())
	assert.Equal(t, "reconcile_refunds", ReconcileRefundsArgs{}.Kind())
	assert.True(t, RefundGenerationArgs{}.InsertOpts().UniqueOpts.ByArgs)
}
