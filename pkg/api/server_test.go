package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/z-wentao/longscribe/pkg/apperr"
	"github.com/z-wentao/longscribe/pkg/blob"
	"github.com/z-wentao/longscribe/pkg/models"
	"github.com/z-wentao/longscribe/pkg/pipeline"
	"github.com/z-wentao/longscribe/pkg/storage"
	"github.com/z-wentao/longscribe/pkg/upload"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testSecret = "test-secret"
	srtBody    = "1\n00:00:00,000 --> 00:00:01,000\nhi\n"
)

// fakeOrch 内存中的编排器
type fakeOrch struct {
	mu      sync.Mutex
	uploads *upload.Manager
	jobs    map[string]*models.TranscriptionJob
	getErr  error
	repairs int
}

func (f *fakeOrch) put(job *models.TranscriptionJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.JobID] = models.CloneJob(job)
}

func (f *fakeOrch) update(jobID string, fn func(j *models.TranscriptionJob)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.jobs[jobID])
}

func (f *fakeOrch) lookup(userID, jobID string) (*models.TranscriptionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, apperr.NotFound("任务不存在: %s", jobID)
	}
	if userID != "" && job.UserID != userID {
		return nil, apperr.Forbidden()
	}
	return models.CloneJob(job), nil
}

func (f *fakeOrch) SubmitUpload(ctx context.Context, userID, sessionID, checksum string) (*models.TranscriptionJob, error) {
	job, _, err := f.uploads.Complete(ctx, userID, sessionID, checksum)
	if err != nil {
		return nil, err
	}
	f.put(job)
	return job, nil
}

func (f *fakeOrch) GetJob(ctx context.Context, userID, jobID string) (*models.TranscriptionJob, error) {
	return f.lookup(userID, jobID)
}

func (f *fakeOrch) ListJobs(ctx context.Context, userID string, stages []models.Stage, limit int) ([]*models.TranscriptionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*models.TranscriptionJob{}
	for _, j := range f.jobs {
		if j.UserID != userID {
			continue
		}
		match := len(stages) == 0
		for _, s := range stages {
			match = match || j.Stage == s
		}
		if match {
			out = append(out, models.CloneJob(j))
		}
	}
	return out, nil
}

func (f *fakeOrch) Cancel(ctx context.Context, userID, jobID string) (*models.TranscriptionJob, error) {
	job, err := f.lookup(userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Stage.IsTerminal() {
		return nil, apperr.Conflict(apperr.CodeInvalidTransition, "任务已处于终态")
	}
	f.update(jobID, func(j *models.TranscriptionJob) { j.CancelRequested = true })
	return f.lookup(userID, jobID)
}

func (f *fakeOrch) Retry(ctx context.Context, userID, jobID string) (*models.TranscriptionJob, error) {
	job, err := f.lookup(userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Stage != models.StageFailed {
		return nil, apperr.Conflict(apperr.CodeJobNotRetryable, "只有失败的任务可以重试")
	}
	return job, nil
}

func (f *fakeOrch) Delete(ctx context.Context, userID, jobID string) error {
	if _, err := f.lookup(userID, jobID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, jobID)
	return nil
}

func (f *fakeOrch) FetchOutput(ctx context.Context, userID, jobID string, format models.OutputFormat) (*models.OutputAsset, error) {
	job, err := f.lookup(userID, jobID)
	if err != nil {
		return nil, err
	}
	if _, ok := job.OutputAsset(format); !ok || job.Stage != models.StageComplete {
		return nil, apperr.New(apperr.KindNotFound, apperr.CodeOutputNotAvailable, "%s 格式的输出不可用", format)
	}
	return &models.OutputAsset{JobID: jobID, Format: format, MimeType: "application/x-subrip", SizeBytes: int64(len(srtBody))}, nil
}

func (f *fakeOrch) OpenOutput(ctx context.Context, jobID string, format models.OutputFormat) (*models.OutputAsset, io.ReadCloser, error) {
	asset, err := f.FetchOutput(ctx, "", jobID, format)
	if err != nil {
		return nil, nil, err
	}
	return asset, io.NopCloser(strings.NewReader(srtBody)), nil
}

func (f *fakeOrch) RepairStuckJobs(ctx context.Context, now time.Time) (*pipeline.RepairReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repairs++
	return &pipeline.RepairReport{Scanned: 1, Resumed: []string{"stuck"}}, nil
}

func (f *fakeOrch) Capacity(ctx context.Context) (int, error) {
	return 3, nil
}

type testEnv struct {
	server  *Server
	orch    *fakeOrch
	auth    *Auth
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	blobs, err := blob.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	uploads := upload.NewManager(storage.NewMemoryStore(), blobs, upload.Config{
		MaxSize:      1 << 20,
		ChunkSize:    8,
		TTL:          time.Hour,
		AllowedMimes: []string{"audio/mpeg"},
	})
	orch := &fakeOrch{uploads: uploads, jobs: make(map[string]*models.TranscriptionJob)}
	auth := NewAuth(testSecret, "longscribe", time.Minute)
	s := NewServer(orch, uploads, auth)
	s.pollInterval = 10 * time.Millisecond
	return &testEnv{server: s, orch: orch, auth: auth, handler: s.Router()}
}

func (e *testEnv) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := e.auth.IssueToken(userID, role, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return tok
}

func (e *testEnv) do(method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil && method != http.MethodPut {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid json %q: %v", w.Body.String(), err)
	}
	return out
}

func jsonBody(v any) io.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}

func TestPing(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(http.MethodGet, "/api/ping", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decode(t, w); body["message"] != "pong" || body["active_jobs"] != float64(3) {
		t.Fatalf("body = %v", body)
	}
}

func TestAuthentication(t *testing.T) {
	e := newTestEnv(t)
	expired, _ := e.auth.IssueToken("alice", "", -time.Minute)
	download, _ := e.auth.IssueDownloadToken("job-1", models.FormatSRT)
	other := NewAuth("other-secret", "longscribe", time.Minute)
	forged, _ := other.IssueToken("alice", RoleAdmin, time.Hour)

	for name, tok := range map[string]string{"missing": "", "expired": expired, "download token": download, "wrong key": forged} {
		t.Run(name, func(t *testing.T) {
			w := e.do(http.MethodGet, "/api/jobs", tok, nil)
			if w.Code != http.StatusUnauthorized || decode(t, w)["code"] != "unauthorized" {
				t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Token abc")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("malformed header status = %d", w.Code)
	}
}

func TestUploadFlow(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "alice", "")
	data := "0123456789"

	w := e.do(http.MethodPost, "/api/uploads", tok, jsonBody(CreateSessionRequest{
		Filename: "talk.mp3", TotalSize: int64(len(data)), MimeType: "audio/mpeg",
	}))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	created := decode(t, w)
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" || created["total_chunks"] != float64(2) {
		t.Fatalf("created = %v", created)
	}
	base := "/api/uploads/" + sessionID

	if w := e.do(http.MethodPut, base+"/chunks/x", tok, strings.NewReader("a")); w.Code != http.StatusBadRequest || decode(t, w)["code"] != apperr.CodeInvalidChunk {
		t.Fatalf("non-numeric index: %d %s", w.Code, w.Body.String())
	}

	w = e.do(http.MethodPut, base+"/chunks/1", tok, strings.NewReader(data[8:]))
	if w.Code != http.StatusOK {
		t.Fatalf("chunk status = %d: %s", w.Code, w.Body.String())
	}
	if progress := decode(t, w); progress["percent"] != float64(50) {
		t.Fatalf("progress = %v", progress)
	}

	if w := e.do(http.MethodGet, base, e.token(t, "bob", ""), nil); w.Code != http.StatusForbidden {
		t.Fatalf("foreign status = %d", w.Code)
	}

	sum := sha256.Sum256([]byte(data))
	checksum := hex.EncodeToString(sum[:])
	w = e.do(http.MethodPost, base+"/complete", tok, jsonBody(CompleteUploadRequest{Checksum: checksum}))
	if w.Code != http.StatusBadRequest || decode(t, w)["code"] != apperr.CodeMissingChunks {
		t.Fatalf("incomplete upload: %d %s", w.Code, w.Body.String())
	}

	e.do(http.MethodPut, base+"/chunks/0", tok, strings.NewReader(data[:8]))
	w = e.do(http.MethodPost, base+"/complete", tok, jsonBody(CompleteUploadRequest{Checksum: checksum}))
	if w.Code != http.StatusAccepted {
		t.Fatalf("complete status = %d: %s", w.Code, w.Body.String())
	}
	done := decode(t, w)
	if done["job_id"] == "" || done["stage"] != string(models.StageCreated) {
		t.Fatalf("complete = %v", done)
	}

	status := decode(t, e.do(http.MethodGet, base, tok, nil))
	if status["status"] != string(models.UploadComplete) || status["job_id"] != done["job_id"] {
		t.Fatalf("status = %v", status)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "alice", "")

	w := e.do(http.MethodPost, "/api/uploads", tok, jsonBody(map[string]any{"filename": "a.mp3", "total_size": 10}))
	if w.Code != http.StatusBadRequest || decode(t, w)["code"] != apperr.CodeInvalidRequest {
		t.Fatalf("missing mime: %d %s", w.Code, w.Body.String())
	}

	w = e.do(http.MethodPost, "/api/uploads", tok, jsonBody(CreateSessionRequest{Filename: "a.png", TotalSize: 10, MimeType: "image/png"}))
	if w.Code != http.StatusBadRequest || decode(t, w)["code"] != apperr.CodeUnsupportedMime {
		t.Fatalf("bad mime: %d %s", w.Code, w.Body.String())
	}
}

func TestJobEndpoints(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "alice", "")
	e.orch.put(&models.TranscriptionJob{JobID: "running", UserID: "alice", Stage: models.StageTranscribing})
	e.orch.put(&models.TranscriptionJob{JobID: "failed", UserID: "alice", Stage: models.StageFailed})
	e.orch.put(&models.TranscriptionJob{JobID: "theirs", UserID: "bob", Stage: models.StageComplete})

	if body := decode(t, e.do(http.MethodGet, "/api/jobs?status=failed", tok, nil)); body["total"] != float64(1) {
		t.Fatalf("filtered list = %v", body)
	}
	if body := decode(t, e.do(http.MethodGet, "/api/jobs", tok, nil)); body["total"] != float64(2) {
		t.Fatalf("list = %v", body)
	}
	if w := e.do(http.MethodGet, "/api/jobs?status=bogus", tok, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown status filter = %d", w.Code)
	}
	if w := e.do(http.MethodGet, "/api/jobs?limit=-1", tok, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("negative limit = %d", w.Code)
	}

	if w := e.do(http.MethodGet, "/api/jobs/running", tok, nil); w.Code != http.StatusOK || decode(t, w)["stage"] != string(models.StageTranscribing) {
		t.Fatalf("get = %d %s", w.Code, w.Body.String())
	}
	if w := e.do(http.MethodGet, "/api/jobs/theirs", tok, nil); w.Code != http.StatusForbidden || decode(t, w)["code"] != apperr.CodeForbidden {
		t.Fatalf("foreign job = %d %s", w.Code, w.Body.String())
	}
	if w := e.do(http.MethodGet, "/api/jobs/nope", tok, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing job = %d", w.Code)
	}

	if w := e.do(http.MethodPost, "/api/jobs/running/cancel", tok, nil); w.Code != http.StatusAccepted || decode(t, w)["cancel_requested"] != true {
		t.Fatalf("cancel = %d %s", w.Code, w.Body.String())
	}
	if w := e.do(http.MethodPost, "/api/jobs/running/retry", tok, nil); w.Code != http.StatusConflict || decode(t, w)["code"] != apperr.CodeJobNotRetryable {
		t.Fatalf("retry running = %d %s", w.Code, w.Body.String())
	}
	if w := e.do(http.MethodPost, "/api/jobs/failed/retry", tok, nil); w.Code != http.StatusAccepted {
		t.Fatalf("retry failed = %d", w.Code)
	}
	if w := e.do(http.MethodDelete, "/api/jobs/failed", tok, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
}

func TestRetryAfterHeader(t *testing.T) {
	e := newTestEnv(t)
	limited := apperr.New(apperr.KindRateLimit, apperr.CodeRateLimited, "请求过于频繁")
	limited.RetryAfter = 2500 * time.Millisecond
	e.orch.getErr = limited

	w := e.do(http.MethodGet, "/api/jobs/any", e.token(t, "alice", ""), nil)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") != "3" {
		t.Fatalf("status = %d, Retry-After = %q", w.Code, w.Header().Get("Retry-After"))
	}

	e.orch.getErr = io.ErrUnexpectedEOF
	w = e.do(http.MethodGet, "/api/jobs/any", e.token(t, "alice", ""), nil)
	if w.Code != http.StatusInternalServerError || decode(t, w)["error"] != "服务器内部错误" {
		t.Fatalf("internal error leaked: %d %s", w.Code, w.Body.String())
	}
}

func TestOutputDownload(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "alice", "")
	e.orch.put(&models.TranscriptionJob{
		JobID: "job-123456789", UserID: "alice", Stage: models.StageComplete,
		Outputs: []models.OutputRef{{Format: models.FormatSRT, AssetID: "a1"}},
	})

	if w := e.do(http.MethodGet, "/api/jobs/job-123456789/outputs/pdf", tok, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown format = %d", w.Code)
	}
	if w := e.do(http.MethodGet, "/api/jobs/job-123456789/outputs/vtt", tok, nil); w.Code != http.StatusNotFound || decode(t, w)["code"] != apperr.CodeOutputNotAvailable {
		t.Fatalf("missing format = %d %s", w.Code, w.Body.String())
	}

	w := e.do(http.MethodGet, "/api/jobs/job-123456789/outputs/SRT", tok, nil)
	if w.Code != http.StatusFound {
		t.Fatalf("fetch status = %d: %s", w.Code, w.Body.String())
	}
	location := w.Header().Get("Location")
	if !strings.HasPrefix(location, "/api/downloads/") {
		t.Fatalf("location = %q", location)
	}

	w = e.do(http.MethodGet, location, "", nil)
	if w.Code != http.StatusOK || w.Body.String() != srtBody {
		t.Fatalf("download = %d %q", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Disposition"); got != `attachment; filename="transcript-job-1234.srt"` {
		t.Fatalf("Content-Disposition = %q", got)
	}
	if w.Header().Get("Content-Type") != "application/x-subrip" || w.Header().Get("Content-Length") != strconv.Itoa(len(srtBody)) {
		t.Fatalf("headers = %v", w.Header())
	}

	if w := e.do(http.MethodGet, "/api/downloads/"+tok, "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("access token used for download = %d", w.Code)
	}
}

func TestAdminMaintenance(t *testing.T) {
	e := newTestEnv(t)
	if w := e.do(http.MethodPost, "/api/admin/maintenance/stuck-jobs", e.token(t, "alice", ""), nil); w.Code != http.StatusForbidden {
		t.Fatalf("user status = %d", w.Code)
	}
	w := e.do(http.MethodPost, "/api/admin/maintenance/stuck-jobs", e.token(t, "ops", RoleAdmin), nil)
	if w.Code != http.StatusOK || decode(t, w)["scanned"] != float64(1) || e.orch.repairs != 1 {
		t.Fatalf("admin status = %d %s", w.Code, w.Body.String())
	}
}

func TestJobStream(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, "alice", "")
	e.orch.put(&models.TranscriptionJob{JobID: "job-1", UserID: "alice", Stage: models.StageTranscribing, Progress: 40})
	e.orch.put(&models.TranscriptionJob{JobID: "theirs", UserID: "bob", Stage: models.StageTranscribing})

	srv := httptest.NewServer(e.handler)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/jobs/"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"theirs/ws?access_token="+tok, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign stream: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"job-1/ws?access_token="+tok, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev jobEvent
	if err := conn.ReadJSON(&ev); err != nil || ev.Stage != models.StageTranscribing || ev.Progress != 40 {
		t.Fatalf("first event = %+v, %v", ev, err)
	}

	e.orch.update("job-1", func(j *models.TranscriptionJob) {
		j.Stage = models.StageComplete
		j.Progress = 100
	})
	if err := conn.ReadJSON(&ev); err != nil || ev.Stage != models.StageComplete || ev.Progress != 100 {
		t.Fatalf("final event = %+v, %v", ev, err)
	}

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected a normal close, got %v", err)
	}
}
