package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/z-wentao/longscribe/pkg/blob"
	"github.com/z-wentao/longscribe/pkg/diarize"
	"github.com/z-wentao/longscribe/pkg/limiter"
	"github.com/z-wentao/longscribe/pkg/models"
	"github.com/z-wentao/longscribe/pkg/queue"
	"github.com/z-wentao/longscribe/pkg/storage"
	"github.com/z-wentao/longscribe/pkg/transcriber"
	"github.com/z-wentao/longscribe/pkg/upload"
)

const sourceBytes = "fake media bytes"

// segmentTexts 相邻片段在重叠处重复了 "are you"
var segmentTexts = []string{"hello world how are you", "are you fine thanks"}

type fakeProber struct {
	err error
}

func (p *fakeProber) Probe(ctx context.Context, path, declaredMime string) (*models.MediaInfo, error) {
	if p.err != nil {
		return nil, p.err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	video := strings.HasPrefix(declaredMime, "video/")
	return &models.MediaInfo{Duration: 120, BitRate: 64000, HasVideo: video, NeedsTranscode: video}, nil
}

type fakeTranscoder struct {
	calls int32
}

func (t *fakeTranscoder) ExtractAudio(ctx context.Context, input, output string) error {
	atomic.AddInt32(&t.calls, 1)
	return os.WriteFile(output, []byte("extracted audio"), 0o644)
}

type fakeSegmenter struct {
	blobs     blob.Store
	calls     int32
	audioPath string
}

func (s *fakeSegmenter) Segment(ctx context.Context, jobID, audioPath string, info *models.MediaInfo) ([]*models.Segment, error) {
	atomic.AddInt32(&s.calls, 1)
	s.audioPath = audioPath
	bounds := [][3]float64{{0, 60, 0}, {59, 120, 60}}
	segments := make([]*models.Segment, 0, len(bounds))
	for i, b := range bounds {
		key := blob.SegmentKey(jobID, i, "mp3")
		size, err := s.blobs.Put(ctx, key, bytes.NewReader([]byte("segment audio")))
		if err != nil {
			return nil, err
		}
		segments = append(segments, &models.Segment{
			JobID: jobID, Index: i,
			Start: b[0], End: b[1], CueStart: b[2], CueEnd: b[1],
			AudioKey: key, Format: "mp3", Bytes: size,
			Status: models.SegmentPending,
		})
	}
	return segments, nil
}

type fakeDetector struct{}

func (fakeDetector) Detect(ctx context.Context, segments []*models.Segment, forced string) (*transcriber.Detection, error) {
	if forced != "" {
		return &transcriber.Detection{Language: forced, Confidence: 1, Forced: true}, nil
	}
	return &transcriber.Detection{Language: "en", Confidence: 1, Samples: len(segments)}, nil
}

// fakePool 把未完成的片段标记为完成；fail 可以让某个片段失败
type fakePool struct {
	store storage.Store
	calls int32
	done  int32
	fail  func(ctx context.Context, seg *models.Segment) error
}

func (p *fakePool) Run(ctx context.Context, jobID string, segments []*models.Segment, language string, onProgress func(done, total int)) error {
	atomic.AddInt32(&p.calls, 1)
	for i, seg := range segments {
		if seg.Status == models.SegmentDone {
			continue
		}
		if p.fail != nil {
			if err := p.fail(ctx, seg); err != nil {
				return err
			}
		}
		_, err := p.store.UpdateSegment(ctx, jobID, seg.Index, func(s *models.Segment) error {
			s.Status = models.SegmentDone
			s.Text = segmentTexts[seg.Index]
			return nil
		})
		if err != nil {
			return err
		}
		atomic.AddInt32(&p.done, 1)
		onProgress(i+1, len(segments))
	}
	return nil
}

type failingDiarizer struct{}

func (failingDiarizer) Diarize(ctx context.Context, t *models.MergedTranscript, maxSpeakers int) ([]models.SpeakerTurn, error) {
	return nil, errors.New("模型不可用")
}

type harness struct {
	orch       *Orchestrator
	store      *storage.MemoryStore
	blobs      *blob.FileStore
	queue      *queue.MemoryQueue
	limiter    *limiter.MemoryLimiter
	uploads    *upload.Manager
	prober     *fakeProber
	transcoder *fakeTranscoder
	segmenter  *fakeSegmenter
	pool       *fakePool
}

func newHarness(t *testing.T, maxJobs int) *harness {
	t.Helper()
	blobs, err := blob.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	h := &harness{
		store:      storage.NewMemoryStore(),
		blobs:      blobs,
		queue:      queue.NewMemoryQueue(16),
		limiter:    limiter.NewMemoryLimiter(maxJobs),
		prober:     &fakeProber{},
		transcoder: &fakeTranscoder{},
		segmenter:  &fakeSegmenter{blobs: blobs},
	}
	h.pool = &fakePool{store: h.store}
	h.uploads = upload.NewManager(h.store, blobs, upload.Config{
		MaxSize:      1 << 30,
		ChunkSize:    1 << 20,
		TTL:          time.Hour,
		AllowedMimes: []string{"audio/mpeg", "video/mp4"},
		MaxSpeakers:  2,
	})
	h.orch = New(Deps{
		Store:      h.store,
		Blobs:      blobs,
		Queue:      h.queue,
		Limiter:    h.limiter,
		Uploads:    h.uploads,
		Prober:     h.prober,
		Transcoder: h.transcoder,
		Segmenter:  h.segmenter,
		Detector:   fakeDetector{},
		Pool:       h.pool,
		Diarizer:   diarize.NewHeuristic(),
	}, Config{
		Overlap:         1,
		JobTimeout:      time.Hour,
		MaxRetries:      2,
		StaleAfter:      2 * time.Minute,
		StageStaleAfter: map[models.Stage]time.Duration{models.StageTranscribing: 30 * time.Minute},
	})
	return h
}

// submit 走完整的分片上传流程并提交任务
func (h *harness) submit(t *testing.T, req upload.CreateRequest) *models.TranscriptionJob {
	t.Helper()
	ctx := context.Background()
	req.UserID = "alice"
	req.TotalSize = int64(len(sourceBytes))
	if req.Filename == "" {
		req.Filename = "talk.mp3"
	}
	if req.MimeType == "" {
		req.MimeType = "audio/mpeg"
	}
	session, err := h.uploads.CreateSession(ctx, req)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := h.uploads.UploadChunk(ctx, "alice", session.SessionID, 0, strings.NewReader(sourceBytes)); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	sum := sha256.Sum256([]byte(sourceBytes))
	job, err := h.orch.SubmitUpload(ctx, "alice", session.SessionID, hex.EncodeToString(sum[:]))
	if err != nil {
		t.Fatalf("SubmitUpload: %v", err)
	}
	return job
}

func (h *harness) job(t *testing.T, jobID string) *models.TranscriptionJob {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return job
}

func (h *harness) process(t *testing.T, jobID string) {
	t.Helper()
	if err := h.orch.Process(context.Background(), jobID); err != nil {
		t.Fatalf("Process: %v", err)
	}
}

func (h *harness) inUse(t *testing.T) int {
	t.Helper()
	n, err := h.limiter.InUse(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}
