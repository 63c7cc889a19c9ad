package httptransport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"image-worker/internal/entity"
	"image-worker/internal/repository/redisjob"
	"image-worker/internal/service"
	httptransport "image-worker/internal/transport/http"
)

// ---- fakes ----

type repoWithJobs struct {
	jobs map[string]*entity.JobRecord
}

func (r *repoWithJobs) Create(_ context.Context, rec entity.JobRecord) error {
	if r.jobs == nil {
		r.jobs = map[string]*entity.JobRecord{}
	}
	rec.CreatedAt = time.Now().UTC()
	r.jobs[rec.ID] = &rec
	return nil
}

func (r *repoWithJobs) GetByID(_ context.Context, id string) (*entity.JobRecord, error) {
	j, ok := r.jobs[id]
	if !ok {
		return nil, redisjob.ErrNotFound
	}
	return j, nil
}

type queueStub struct {
	ids  []string
	keys []string
}

func (q *queueStub) Enqueue(_ context.Context, jobID string, target service.Target) error {
	q.ids = append(q.ids, jobID)
	q.keys = append(q.keys, target.Key())
	return nil
}

type healthStub struct{ err error }

func (h healthStub) HealthCheck(context.Context) error { return h.err }

type statesStub struct {
	state *entity.WorkerState
}

func (s statesStub) WorkerState(_ context.Context, worker string) (*entity.WorkerState, error) {
	if s.state == nil || s.state.Worker != worker {
		return nil, redis.Nil
	}
	return s.state, nil
}

// ---- helpers ----

type fixture struct {
	repo   *repoWithJobs
	queue  *queueStub
	health healthStub
	states statesStub
}

func (f *fixture) router() http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.NewJobService(f.repo, f.queue)
	h := httptransport.NewHandler(svc, f.health, f.states, "w1", logger)
	return httptransport.Routes(h, logger)
}

func newFixture() *fixture {
	return &fixture{repo: &repoWithJobs{}, queue: &queueStub{}}
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

// ---- tests ----

func TestHTTP_CreateJob_201_AndQueuedOnTarget(t *testing.T) {
	f := newFixture()
	router := f.router()

	body := `{"type":"txt2img","payload":{"prompt":"cat"},"format":"png","group":"A100","tag":"t1"}`
	rr := do(router, http.MethodPost, "/jobs", body)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body=%s", rr.Code, rr.Body.String())
	}

	var resp struct {
		ID    string `json:"id"`
		Queue string `json:"queue"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json response: %v, body=%s", err, rr.Body.String())
	}
	if resp.Queue != "queue_group_a100" {
		t.Fatalf("expected queue_group_a100, got %s", resp.Queue)
	}
	if len(f.queue.ids) != 1 || f.queue.ids[0] != resp.ID {
		t.Fatalf("expected enqueue id=%s, got %#v", resp.ID, f.queue.ids)
	}

	rr2 := do(router, http.MethodGet, "/jobs/"+resp.ID, "")
	if rr2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr2.Code, rr2.Body.String())
	}

	var got map[string]any
	if err := json.Unmarshal(rr2.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v, body=%s", err, rr2.Body.String())
	}
	if got["status"] != "PENDING" || got["type"] != "TXT2IMG" || got["format"] != "PNG" {
		t.Fatalf("unexpected job: %v", got)
	}
	if _, ok := got["result"]; ok {
		t.Fatalf("pending job must not expose a result: %v", got)
	}
}

func TestHTTP_CreateJob_400_OnInvalidType(t *testing.T) {
	f := newFixture()

	rr := do(f.router(), http.MethodPost, "/jobs", `{"type":"paint","payload":{}}`)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if len(f.queue.ids) != 0 {
		t.Fatalf("invalid job must not be queued: %#v", f.queue.ids)
	}
}

func TestHTTP_CreateJob_400_OnInvalidJSON(t *testing.T) {
	f := newFixture()

	rr := do(f.router(), http.MethodPost, "/jobs", `{`)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var body struct {
		Status int    `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v, body=%s", err, rr.Body.String())
	}
	if body.Status != http.StatusBadRequest || body.Error != "invalid json" {
		t.Fatalf("unexpected error body: %#v", body)
	}

	rr = do(f.router(), http.MethodPost, "/jobs", `{"type":"txt2img","payload":{}} {"type":"txt2img"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("trailing data: expected 400, got %d", rr.Code)
	}
	if len(f.queue.ids) != 0 {
		t.Fatalf("rejected body must not be queued: %#v", f.queue.ids)
	}
}

func TestHTTP_CreateJob_413_OnOversizedBody(t *testing.T) {
	f := newFixture()

	body := `{"type":"txt2img","payload":{"prompt":"` + strings.Repeat("a", 33<<20) + `"}}`
	rr := do(f.router(), http.MethodPost, "/jobs", body)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
	if len(f.queue.ids) != 0 {
		t.Fatalf("oversized job must not be queued: %#v", f.queue.ids)
	}
}

func TestHTTP_GetJob_404(t *testing.T) {
	f := newFixture()

	rr := do(f.router(), http.MethodGet, "/jobs/nope", "")

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHTTP_GetJobResult_409_WhenNotFinished(t *testing.T) {
	f := newFixture()
	f.repo.jobs = map[string]*entity.JobRecord{
		"j1": {ID: "j1", Type: entity.JobTypeTxt2Img, Status: entity.StatusProcessing},
	}

	rr := do(f.router(), http.MethodGet, "/jobs/j1/result", "")

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHTTP_GetJobResult_200_ReturnsRawJSON(t *testing.T) {
	for _, status := range []entity.JobStatus{entity.StatusDone, entity.StatusFailed} {
		f := newFixture()
		f.repo.jobs = map[string]*entity.JobRecord{
			"j1": {
				ID:     "j1",
				Type:   entity.JobTypeTxt2Img,
				Status: status,
				Result: json.RawMessage(`{"images":["https://cdn/j1.webp"]}`),
			},
		}

		rr := do(f.router(), http.MethodGet, "/jobs/j1/result", "")

		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d, body=%s", status, rr.Code, rr.Body.String())
		}
		if got := strings.TrimSpace(rr.Body.String()); got != `{"images":["https://cdn/j1.webp"]}` {
			t.Fatalf("%s: expected raw json result, got %s", status, got)
		}
	}
}

func TestHTTP_Health(t *testing.T) {
	f := newFixture()
	if rr := do(f.router(), http.MethodGet, "/health", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	f.health = healthStub{err: errors.New("connection refused")}
	rr := do(f.router(), http.MethodGet, "/health", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "connection refused") {
		t.Fatalf("expected error in body, got %s", rr.Body.String())
	}
}

func TestHTTP_Status(t *testing.T) {
	f := newFixture()
	if rr := do(f.router(), http.MethodGet, "/status", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without heartbeat, got %d", rr.Code)
	}

	f.states = statesStub{state: &entity.WorkerState{Worker: "w1", Status: entity.WorkerStandby}}
	rr := do(f.router(), http.MethodGet, "/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var got entity.WorkerState
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got.Status != entity.WorkerStandby {
		t.Fatalf("expected STANDBY, got %s", got.Status)
	}
}
