package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixtools/pixtools/internal/config"
	"github.com/pixtools/pixtools/internal/domain"
	"github.com/pixtools/pixtools/internal/usecase"
)

// Minimal valid magic prefixes for content sniffing.
var (
	pngBytes  = append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, make([]byte, 64)...)
	jpegBytes = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 64)...)
)

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

func (m *memJobs) Create(_ context.Context, j domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
	return nil
}

func (m *memJobs) Get(_ context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

func (m *memJobs) MarkProcessing(context.Context, string) error { return nil }
func (m *memJobs) UpdateStatus(_ context.Context, id string, st domain.JobStatus, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Status = st
	j.Error = msg
	m.jobs[id] = j
	return nil
}
func (m *memJobs) SetResults(context.Context, string, domain.JobStatus, map[domain.OperationTag]string, map[string]any, string) error {
	return nil
}
func (m *memJobs) SetArchiveKey(context.Context, string, string) error { return nil }
func (m *memJobs) PruneBefore(context.Context, time.Time) ([]domain.Job, error) {
	return nil, nil
}

type memStore struct{}

func (memStore) PutRaw(context.Context, string, []byte, string) error       { return nil }
func (memStore) PutProcessed(context.Context, string, []byte, string) error { return nil }
func (memStore) Get(context.Context, string) ([]byte, error) {
	return nil, domain.ErrNotFound
}
func (memStore) Sign(_ context.Context, key string, _ time.Duration, name string) (string, error) {
	return "https://store.local/" + key + "?dl=" + name, nil
}
func (memStore) Delete(context.Context, string) error         { return nil }
func (memStore) Exists(context.Context, string) (bool, error) { return false, nil }

type memIdem struct{}

func (memIdem) Check(context.Context, string) (string, error) { return "", nil }
func (memIdem) Set(_ context.Context, _, jobID string, _ time.Duration) (string, error) {
	return jobID, nil
}

type memDispatcher struct {
	mu    sync.Mutex
	plans []domain.Plan
}

func (m *memDispatcher) Dispatch(_ context.Context, p domain.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans = append(m.plans, p)
	return nil
}
func (m *memDispatcher) EnqueueArchive(context.Context, string, map[domain.OperationTag]string, string) error {
	return nil
}

func testServer(t *testing.T) (*Server, *memJobs, *memDispatcher) {
	t.Helper()
	cfg := config.Config{MaxUploadBytes: 10 << 20, PresignedURLExpiry: 15 * time.Minute, IdempotencyTTL: time.Hour}
	jobs := &memJobs{jobs: map[string]domain.Job{}}
	disp := &memDispatcher{}
	ok := func(context.Context) error { return nil }
	srv := NewServer(cfg,
		usecase.NewSubmitService(jobs, memStore{}, memIdem{}, disp, cfg.IdempotencyTTL),
		usecase.NewStatusService(jobs, memStore{}, cfg.PresignedURLExpiry),
		ok, ok, ok, ok)
	return srv, jobs, disp
}

func multipartBody(t *testing.T, file []byte, filename string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if file != nil {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(file)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func postProcess(t *testing.T, srv *Server, body *bytes.Buffer, contentType string, hdrs map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/process", body)
	req.Header.Set("Content-Type", contentType)
	for k, v := range hdrs {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ProcessHandler().ServeHTTP(rec, req)
	return rec
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error.Code
}

func TestProcess_Accepted(t *testing.T) {
	t.Parallel()
	srv, jobs, disp := testServer(t)
	body, ct := multipartBody(t, pngBytes, "photo.png", map[string]string{
		"operations": `["webp","metadata"]`,
	})

	rec := postProcess(t, srv, body, ct, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	jobID := resp["job_id"]
	require.NotEmpty(t, jobID)
	_, err := jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, disp.plans, 1)
	assert.Len(t, disp.plans[0].Tasks, 2)
}

func TestProcess_OversizeFile413(t *testing.T) {
	t.Parallel()
	srv, _, _ := testServer(t)
	srv.Cfg.MaxUploadBytes = 32

	body, ct := multipartBody(t, pngBytes, "photo.png", map[string]string{"operations": `["webp"]`})
	rec := postProcess(t, srv, body, ct, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", errCode(t, rec))
}

func TestProcess_OversizeBody413(t *testing.T) {
	t.Parallel()
	srv, _, _ := testServer(t)
	srv.Cfg.MaxUploadBytes = 32

	// Large enough to trip the MaxBytesReader cap, not just the exact
	// file-size check.
	big := append(append([]byte{}, pngBytes...), make([]byte, 128<<10)...)
	body, ct := multipartBody(t, big, "photo.png", map[string]string{"operations": `["webp"]`})
	rec := postProcess(t, srv, body, ct, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", errCode(t, rec))
}

func TestProcess_UnsupportedContent415(t *testing.T) {
	t.Parallel()
	srv, _, _ := testServer(t)
	body, ct := multipartBody(t, []byte("plain text, not an image"), "notes.txt", map[string]string{
		"operations": `["webp"]`,
	})
	rec := postProcess(t, srv, body, ct, nil)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, "UNSUPPORTED_MEDIA_TYPE", errCode(t, rec))
}

func TestProcess_SameFormat422(t *testing.T) {
	t.Parallel()
	srv, jobs, _ := testServer(t)
	body, ct := multipartBody(t, pngBytes, "photo.png", map[string]string{"operations": `["png"]`})
	rec := postProcess(t, srv, body, ct, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, jobs.jobs, "no job record on rejection")
}

func TestProcess_JpegNormalization(t *testing.T) {
	t.Parallel()
	srv, _, _ := testServer(t)
	// jpeg source plus "jpeg" target normalizes to jpg and is rejected.
	body, ct := multipartBody(t, jpegBytes, "photo.jpg", map[string]string{"operations": `["jpeg"]`})
	rec := postProcess(t, srv, body, ct, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestProcess_OperationValidation422(t *testing.T) {
	t.Parallel()
	srv, _, _ := testServer(t)
	cases := map[string]string{
		"unknown":  `["gif"]`,
		"empty":    `[]`,
		"not json": `webp`,
		"too many": `["jpg","png","webp","avif","denoise","metadata","jpg"]`,
	}
	for name, ops := range cases {
		body, ct := multipartBody(t, pngBytes, "a.png", map[string]string{"operations": ops})
		rec := postProcess(t, srv, body, ct, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, name)
	}
}

func TestProcess_DuplicateOperationsCollapse(t *testing.T) {
	t.Parallel()
	srv, _, disp := testServer(t)
	body, ct := multipartBody(t, pngBytes, "photo.png", map[string]string{
		"operations": `["webp","webp","metadata","jpeg","jpg"]`,
	})
	rec := postProcess(t, srv, body, ct, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, disp.plans, 1)
	assert.Len(t, disp.plans[0].Tasks, 3, "webp, metadata, jpg after collapse")
}

func TestProcess_ParamValidation(t *testing.T) {
	t.Parallel()
	srv, _, _ := testServer(t)

	// quality on png is rejected
	body, ct := multipartBody(t, jpegBytes, "a.jpg", map[string]string{
		"operations":       `["png"]`,
		"operation_params": `{"png":{"quality":80}}`,
	})
	rec := postProcess(t, srv, body, ct, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// quality out of range
	body, ct = multipartBody(t, pngBytes, "a.png", map[string]string{
		"operations":       `["jpg"]`,
		"operation_params": `{"jpg":{"quality":101}}`,
	})
	rec = postProcess(t, srv, body, ct, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// valid quality + resize accepted; params for unrequested ops ignored
	body, ct = multipartBody(t, pngBytes, "a.png", map[string]string{
		"operations":       `["jpg"]`,
		"operation_params": `{"jpg":{"quality":85,"resize":{"width":640}},"avif":{"quality":999}}`,
	})
	rec = postProcess(t, srv, body, ct, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestProcess_WebhookURLValidation(t *testing.T) {
	t.Parallel()
	srv, _, _ := testServer(t)
	body, ct := multipartBody(t, pngBytes, "a.png", map[string]string{
		"operations":  `["webp"]`,
		"webhook_url": "not a url",
	})
	rec := postProcess(t, srv, body, ct, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestProcess_IdempotencyKeyTooLong(t *testing.T) {
	t.Parallel()
	srv, _, _ := testServer(t)
	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	body, ct := multipartBody(t, pngBytes, "a.png", map[string]string{"operations": `["webp"]`})
	rec := postProcess(t, srv, body, ct, map[string]string{"Idempotency-Key": string(long)})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestProcess_MissingFile(t *testing.T) {
	t.Parallel()
	srv, _, _ := testServer(t)
	body, ct := multipartBody(t, nil, "", map[string]string{"operations": `["webp"]`})
	rec := postProcess(t, srv, body, ct, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestJobHandler(t *testing.T) {
	t.Parallel()
	srv, jobs, _ := testServer(t)
	jobs.jobs["j1"] = domain.Job{
		ID:               "j1",
		Status:           domain.JobCompleted,
		Operations:       []domain.OperationTag{domain.OpWebP},
		OriginalFilename: "photo.png",
		ResultKeys:       map[domain.OperationTag]string{domain.OpWebP: "processed/j1/webp.webp"},
	}

	r := chi.NewRouter()
	r.Get("/api/jobs/{id}", srv.JobHandler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/j1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "COMPLETED", view["status"])
	urls := view["result_urls"].(map[string]any)
	assert.Contains(t, urls["webp"], "processed/j1/webp.webp")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()
	srv, _, _ := testServer(t)

	rec := httptest.NewRecorder()
	srv.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.Dependencies["broker"])

	srv.RedisCheck = func(context.Context) error { return fmt.Errorf("down") }
	rec = httptest.NewRecorder()
	srv.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "down", resp.Dependencies["redis"])
	assert.Equal(t, "ok", resp.Dependencies["database"])
}

func TestAPIKeyGuard(t *testing.T) {
	t.Parallel()
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	guarded := APIKeyGuard("secret")(next)
	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/process", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/process", nil)
	req.Header.Set("X-Api-Key", "secret")
	guarded.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// No key configured: open access.
	open := APIKeyGuard("")(next)
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/process", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
