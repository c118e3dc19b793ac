package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/z-wentao/longscribe/pkg/config"
	"github.com/z-wentao/longscribe/pkg/limiter"
	"github.com/z-wentao/longscribe/pkg/models"
	"github.com/z-wentao/longscribe/pkg/queue"
	"github.com/z-wentao/longscribe/pkg/storage"
)

func testConfig(storageType string) *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Type: storageType},
		Queue:   config.QueueConfig{Type: "memory", BufferSize: 4},
		Pipeline: config.PipelineConfig{
			MaxConcurrentJobs: 2,
		},
	}
}

func TestOpenInMemory(t *testing.T) {
	infra, err := Open(context.Background(), testConfig("memory"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer infra.Close()

	if _, ok := infra.Store.(*storage.MemoryStore); !ok {
		t.Errorf("store = %T", infra.Store)
	}
	if _, ok := infra.Limiter.(*limiter.MemoryLimiter); !ok {
		t.Errorf("limiter = %T", infra.Limiter)
	}
	if infra.Redis != nil {
		t.Error("redis client should not be created without an address")
	}

	if err := infra.Queue.Enqueue(context.Background(), &models.JobMessage{JobID: "j1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if n := QueueDepth(infra.Queue); n != 1 {
		t.Errorf("QueueDepth = %d, want 1", n)
	}
}

func TestOpenSQLite(t *testing.T) {
	cfg := testConfig("sqlite")
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "jobs.db")

	infra, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer infra.Close()

	if _, ok := infra.Store.(*storage.SQLStore); !ok {
		t.Errorf("store = %T", infra.Store)
	}
}

func TestOpenRejectsUnknownBackends(t *testing.T) {
	cfg := testConfig("mongo")
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Error("unknown storage type accepted")
	}

	cfg = testConfig("memory")
	cfg.Queue.Type = "kafka"
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Error("unknown queue type accepted")
	}

	// hybrid 没有 Redis 客户端时直接失败
	cfg = testConfig("hybrid")
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Error("hybrid storage without redis accepted")
	}
}

func TestStageThresholds(t *testing.T) {
	got, err := StageThresholds(map[string]time.Duration{
		"TRANSCRIBING": 30 * time.Minute,
		"SEGMENTING":   5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("StageThresholds: %v", err)
	}
	if got[models.StageTranscribing] != 30*time.Minute || got[models.StageSegmenting] != 5*time.Minute {
		t.Errorf("thresholds = %v", got)
	}

	for _, name := range []string{"UPLOADING", "COMPLETE", "transcribing"} {
		if _, err := StageThresholds(map[string]time.Duration{name: time.Minute}); err == nil {
			t.Errorf("%s accepted", name)
		}
	}
}

func TestQueueDepthUnknownImplementation(t *testing.T) {
	var q queue.Queue = struct{ queue.Queue }{queue.NewMemoryQueue(1)}
	if n := QueueDepth(q); n != -1 {
		t.Errorf("QueueDepth = %d, want -1", n)
	}
}
