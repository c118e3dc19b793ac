package config

import (
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
openai:
  api_key: sk-test
auth:
  jwt_secret: secret
`

// clearEnv 避免宿主环境变量影响测试
func clearEnv(t *testing.T) {
	for _, key := range []string{"OPENAI_API_KEY", "JWT_SECRET", "DATABASE_URL", "REDIS_ADDR", "RABBITMQ_URL"} {
		t.Setenv(key, "")
	}
}

func TestParseFillsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Upload.ChunkSize != 5*1024*1024 || cfg.Upload.MaxSize != 500*1024*1024 {
		t.Errorf("upload = %+v", cfg.Upload)
	}
	if cfg.Transcriber.SegmentDuration != 240 || cfg.Transcriber.Overlap != 1 {
		t.Errorf("segment = %v/%v", cfg.Transcriber.SegmentDuration, cfg.Transcriber.Overlap)
	}
	if cfg.Transcriber.MaxAttempts != 5 || cfg.Transcriber.MaxDelay != time.Minute {
		t.Errorf("retry = %d/%s", cfg.Transcriber.MaxAttempts, cfg.Transcriber.MaxDelay)
	}
	if cfg.Pipeline.MaxConcurrentJobs != 10 || cfg.Pipeline.JobTimeout != time.Hour {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.StageStaleAfter["TRANSCRIBING"] != 30*time.Minute {
		t.Errorf("transcribing threshold = %s", cfg.Pipeline.StageStaleAfter["TRANSCRIBING"])
	}
	if cfg.Storage.Type != "memory" || cfg.Queue.Type != "memory" {
		t.Errorf("storage/queue = %s/%s", cfg.Storage.Type, cfg.Queue.Type)
	}
	if cfg.Diarization.Strategy != "heuristic" || cfg.Diarization.MaxSpeakers != 2 {
		t.Errorf("diarization = %+v", cfg.Diarization)
	}
	if len(cfg.Pipeline.Formats) != 5 {
		t.Errorf("formats = %v", cfg.Pipeline.Formats)
	}
}

// TestOverlapSettings 负数关闭重叠，过大的重叠同样关闭
func TestOverlapSettings(t *testing.T) {
	clearEnv(t)
	cases := []struct {
		yaml string
		want float64
	}{
		{"transcriber:\n  overlap: -1\n", 0},
		{"transcriber:\n  overlap: 2.5\n", 2.5},
		{"transcriber:\n  segment_duration: 10\n  overlap: 6\n", 0},
	}
	for _, tc := range cases {
		cfg, err := Parse([]byte(minimalYAML + tc.yaml))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if cfg.Transcriber.Overlap != tc.want {
			t.Errorf("%q: overlap = %v, want %v", tc.yaml, cfg.Transcriber.Overlap, tc.want)
		}
	}
}

func TestParseEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "from-env")
	cfg, err := Parse([]byte("openai:\n  api_key: sk-test\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Fatalf("jwt secret = %q", cfg.Auth.JWTSecret)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	clearEnv(t)
	cases := map[string]string{
		"missing key":      "auth:\n  jwt_secret: s\n",
		"placeholder key":  "openai:\n  api_key: your-openai-api-key-here\nauth:\n  jwt_secret: s\n",
		"unknown storage":  minimalYAML + "storage:\n  type: mongo\n",
		"postgres no url":  minimalYAML + "storage:\n  type: postgres\n",
		"hybrid no redis":  minimalYAML + "storage:\n  type: hybrid\n  database_url: postgres://x\n",
		"rabbitmq no url":  minimalYAML + "queue:\n  type: rabbitmq\n",
	}
	for name, yaml := range cases {
		if _, err := Parse([]byte(yaml)); err == nil {
			t.Errorf("%s: expected error", name)
		} else if !strings.Contains(err.Error(), "配置") {
			t.Errorf("%s: unexpected error %v", name, err)
		}
	}
}
