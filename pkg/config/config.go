package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config 应用配置
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	OpenAI      OpenAIConfig      `yaml:"openai"`
	Upload      UploadConfig      `yaml:"upload"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Diarization DiarizationConfig `yaml:"diarization"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Storage     StorageConfig     `yaml:"storage"`
	Queue       QueueConfig       `yaml:"queue"`
	Redis       RedisConfig       `yaml:"redis"`
	Auth        AuthConfig        `yaml:"auth"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OpenAIConfig OpenAI 配置（ASR 与说话人分离共用）
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// UploadConfig 分片上传配置
type UploadConfig struct {
	MaxSize      int64         `yaml:"max_size"`
	ChunkSize    int64         `yaml:"chunk_size"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
	AllowedMimes []string      `yaml:"allowed_mimes"`
}

// TranscriberConfig 转写配置
type TranscriberConfig struct {
	Model              string        `yaml:"model"`
	WorkerPoolSize     int           `yaml:"worker_pool_size"` // Worker 实例数量（同时处理多少个任务）
	SegmentConcurrency int           `yaml:"segment_concurrency"`
	SegmentDuration    float64       `yaml:"segment_duration"` // 秒
	Overlap            float64       `yaml:"overlap"`          // 秒，负数关闭
	MaxSegmentBytes    int64         `yaml:"max_segment_bytes"`
	MaxDurationHours   float64       `yaml:"max_duration_hours"`
	MaxAttempts        int           `yaml:"max_attempts"`
	BaseDelay          time.Duration `yaml:"base_delay"`
	MaxDelay           time.Duration `yaml:"max_delay"`
	InterSegmentDelay  time.Duration `yaml:"inter_segment_delay"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	FFmpegPath         string        `yaml:"ffmpeg_path"`
	FFprobePath        string        `yaml:"ffprobe_path"`
}

// DiarizationConfig 说话人分离配置
type DiarizationConfig struct {
	Strategy      string        `yaml:"strategy"` // heuristic | ai
	Model         string        `yaml:"model"`
	MaxSpeakers   int           `yaml:"max_speakers"`
	MinConfidence float64       `yaml:"min_confidence"`
	Timeout       time.Duration `yaml:"timeout"`
}

// PipelineConfig 任务编排配置
type PipelineConfig struct {
	MaxConcurrentJobs int                      `yaml:"max_concurrent_jobs"`
	JobTimeout        time.Duration            `yaml:"job_timeout"`
	MaxRetries        int                      `yaml:"max_retries"`
	StaleAfter        time.Duration            `yaml:"stale_after"`
	StageStaleAfter   map[string]time.Duration `yaml:"stage_stale_after"`
	WatchdogInterval  time.Duration            `yaml:"watchdog_interval"`
	Formats           []string                 `yaml:"formats"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Type        string `yaml:"type"` // memory | postgres | sqlite | hybrid
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	BlobDir     string `yaml:"blob_dir"`
}

// QueueConfig 队列配置
type QueueConfig struct {
	Type       string         `yaml:"type"`
	BufferSize int            `yaml:"buffer_size"`
	RabbitMQ   RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig RabbitMQ 配置
type RabbitMQConfig struct {
	URL       string `yaml:"url"`
	QueueName string `yaml:"queue_name"`
}

// RedisConfig Redis 配置（任务缓存与全局并发槽位）
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// AuthConfig 鉴权配置
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	DownloadTTL   time.Duration `yaml:"download_ttl"`
	AllowedIssuer string        `yaml:"allowed_issuer"`
}

// DefaultMimeTypes 支持的音视频 MIME 类型
var DefaultMimeTypes = []string{
	"audio/mpeg", "audio/mp3", "audio/mp4", "audio/x-m4a", "audio/m4a",
	"audio/wav", "audio/x-wav", "audio/wave", "audio/webm", "audio/ogg",
	"audio/flac", "audio/x-flac", "audio/aac",
	"video/mp4", "video/webm", "video/quicktime", "video/x-matroska",
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	// 读取配置文件
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return Parse(data)
}

// Parse 解析 YAML 内容，叠加环境变量并验证
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// applyEnv 环境变量覆盖敏感配置
func (c *Config) applyEnv() {
	overrides := []struct {
		env    string
		target *string
	}{
		{"OPENAI_API_KEY", &c.OpenAI.APIKey},
		{"JWT_SECRET", &c.Auth.JWTSecret},
		{"DATABASE_URL", &c.Storage.DatabaseURL},
		{"REDIS_ADDR", &c.Redis.Addr},
		{"RABBITMQ_URL", &c.Queue.RabbitMQ.URL},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}
}

// Validate 验证配置并填充默认值
func (c *Config) Validate() error {
	if c.OpenAI.APIKey == "" || c.OpenAI.APIKey == "your-openai-api-key-here" {
		return fmt.Errorf("请在配置文件中设置有效的 OpenAI API Key")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("请设置 auth.jwt_secret 或环境变量 JWT_SECRET")
	}

	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	c.fillUpload()
	c.fillTranscriber()
	c.fillDiarization()
	c.fillPipeline()

	switch c.Storage.Type {
	case "":
		c.Storage.Type = "memory"
	case "memory":
	case "postgres", "hybrid":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("storage.type=%s 需要 database_url", c.Storage.Type)
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			c.Storage.SQLitePath = "data/longscribe.db"
		}
	default:
		return fmt.Errorf("不支持的存储类型: %s", c.Storage.Type)
	}
	if c.Storage.BlobDir == "" {
		c.Storage.BlobDir = "data/blobs"
	}

	if c.Queue.Type == "" {
		c.Queue.Type = "memory"
	}
	if c.Queue.BufferSize <= 0 {
		c.Queue.BufferSize = 100
	}
	if c.Queue.Type == "rabbitmq" && c.Queue.RabbitMQ.URL == "" {
		return fmt.Errorf("queue.type=rabbitmq 需要 rabbitmq.url")
	}
	if c.Queue.RabbitMQ.QueueName == "" {
		c.Queue.RabbitMQ.QueueName = "transcription_jobs"
	}

	if c.Redis.CacheTTL <= 0 {
		c.Redis.CacheTTL = 24 * time.Hour
	}
	if c.Storage.Type == "hybrid" && c.Redis.Addr == "" {
		return fmt.Errorf("storage.type=hybrid 需要 redis.addr")
	}

	if c.Auth.DownloadTTL <= 0 {
		c.Auth.DownloadTTL = 5 * time.Minute
	}

	return nil
}

func (c *Config) fillUpload() {
	u := &c.Upload
	if u.MaxSize <= 0 {
		u.MaxSize = 500 * 1024 * 1024
	}
	if u.ChunkSize <= 0 {
		u.ChunkSize = 5 * 1024 * 1024
	}
	if u.SessionTTL <= 0 {
		u.SessionTTL = 24 * time.Hour
	}
	if len(u.AllowedMimes) == 0 {
		u.AllowedMimes = DefaultMimeTypes
	}
}

func (c *Config) fillTranscriber() {
	t := &c.Transcriber
	if t.Model == "" {
		t.Model = "whisper-1"
	}
	if t.WorkerPoolSize <= 0 {
		t.WorkerPoolSize = 2 // 默认 2 个 Worker 实例
	}
	if t.SegmentConcurrency <= 0 {
		t.SegmentConcurrency = 1
	}
	if t.SegmentDuration <= 0 {
		t.SegmentDuration = 240
	}
	// overlap 为负数表示关闭重叠
	switch {
	case t.Overlap < 0:
		t.Overlap = 0
	case t.Overlap == 0:
		t.Overlap = 1
	}
	if t.Overlap >= t.SegmentDuration/2 {
		t.Overlap = 0
	}
	if t.MaxSegmentBytes <= 0 {
		t.MaxSegmentBytes = 25 * 1024 * 1024
	}
	if t.MaxDurationHours <= 0 {
		t.MaxDurationHours = 5
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 5
	}
	if t.BaseDelay <= 0 {
		t.BaseDelay = time.Second
	}
	if t.MaxDelay <= 0 {
		t.MaxDelay = 60 * time.Second
	}
	if t.InterSegmentDelay < 0 {
		t.InterSegmentDelay = 0
	}
	if t.CallTimeout <= 0 {
		t.CallTimeout = 5 * time.Minute
	}
	if t.FFmpegPath == "" {
		t.FFmpegPath = "ffmpeg"
	}
	if t.FFprobePath == "" {
		t.FFprobePath = "ffprobe"
	}
}

func (c *Config) fillDiarization() {
	d := &c.Diarization
	if d.Strategy == "" {
		d.Strategy = "heuristic"
	}
	if d.Model == "" {
		d.Model = "gpt-4o-mini"
	}
	if d.MaxSpeakers <= 0 {
		d.MaxSpeakers = 2
	}
	if d.MinConfidence <= 0 {
		d.MinConfidence = 0.6
	}
	if d.Timeout <= 0 {
		d.Timeout = 2 * time.Minute
	}
}

func (c *Config) fillPipeline() {
	p := &c.Pipeline
	if p.MaxConcurrentJobs <= 0 {
		p.MaxConcurrentJobs = 10
	}
	if p.JobTimeout <= 0 {
		p.JobTimeout = 60 * time.Minute
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.StaleAfter <= 0 {
		p.StaleAfter = 2 * time.Minute
	}
	if p.StageStaleAfter == nil {
		p.StageStaleAfter = map[string]time.Duration{}
	}
	if _, ok := p.StageStaleAfter["TRANSCRIBING"]; !ok {
		p.StageStaleAfter["TRANSCRIBING"] = 30 * time.Minute
	}
	if p.WatchdogInterval <= 0 {
		p.WatchdogInterval = time.Minute
	}
	if len(p.Formats) == 0 {
		p.Formats = []string{"txt", "json", "srt", "vtt", "docx"}
	}
}
