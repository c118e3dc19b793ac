package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/z-wentao/longscribe/pkg/api"
	"github.com/z-wentao/longscribe/pkg/blob"
	"github.com/z-wentao/longscribe/pkg/bootstrap"
	"github.com/z-wentao/longscribe/pkg/config"
	"github.com/z-wentao/longscribe/pkg/diarize"
	"github.com/z-wentao/longscribe/pkg/media"
	"github.com/z-wentao/longscribe/pkg/models"
	"github.com/z-wentao/longscribe/pkg/pipeline"
	"github.com/z-wentao/longscribe/pkg/retry"
	"github.com/z-wentao/longscribe/pkg/transcriber"
	"github.com/z-wentao/longscribe/pkg/upload"
	"github.com/z-wentao/longscribe/pkg/worker"
)

// App 应用上下文（依赖注入）
type App struct {
	config   *config.Config
	infra    *bootstrap.Infra
	blobs    *blob.FileStore
	uploads  *upload.Manager
	orch     *pipeline.Orchestrator
	worker   *worker.Worker
	server   *http.Server
	watchdog context.CancelFunc
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}
	log.Println("✓ 配置加载成功")

	app, err := newApp(cfg)
	if err != nil {
		log.Fatalf("❌ 初始化失败: %v", err)
	}

	// 2. 启动 Worker、看门狗和 HTTP 服务器
	app.start()

	log.Printf("🚀 LongScribe 服务器启动在 http://localhost:%d", cfg.Server.Port)
	log.Printf("📝 配置信息:")
	log.Printf("   - 并发 Worker: %d", cfg.Transcriber.WorkerPoolSize)
	log.Printf("   - 单任务片段并发: %d", cfg.Transcriber.SegmentConcurrency)
	log.Printf("   - 片段时长: %.0f 秒（重叠 %.1f 秒）", cfg.Transcriber.SegmentDuration, cfg.Transcriber.Overlap)
	log.Printf("   - 全局任务上限: %d", cfg.Pipeline.MaxConcurrentJobs)
	log.Printf("   - 存储: %s / 队列: %s", cfg.Storage.Type, cfg.Queue.Type)

	// 3. 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	app.shutdown()
}

func newApp(cfg *config.Config) (*App, error) {
	app := &App{config: cfg}

	blobs, err := blob.NewFileStore(cfg.Storage.BlobDir)
	if err != nil {
		return nil, err
	}
	app.blobs = blobs

	infra, err := bootstrap.Open(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	app.infra = infra

	formats, err := parseFormats(cfg.Pipeline.Formats)
	if err != nil {
		infra.Close()
		return nil, err
	}
	thresholds, err := bootstrap.StageThresholds(cfg.Pipeline.StageStaleAfter)
	if err != nil {
		infra.Close()
		return nil, err
	}

	app.uploads = upload.NewManager(infra.Store, blobs, upload.Config{
		MaxSize:      cfg.Upload.MaxSize,
		ChunkSize:    cfg.Upload.ChunkSize,
		TTL:          cfg.Upload.SessionTTL,
		AllowedMimes: cfg.Upload.AllowedMimes,
		MaxSpeakers:  cfg.Diarization.MaxSpeakers,
		Formats:      formats,
	})

	tc := cfg.Transcriber
	runner := media.ExecRunner{}
	transcoder := media.NewTranscoder(tc.FFmpegPath, runner)
	engine := transcriber.NewWhisperClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, tc.Model)
	policy := retry.Policy{
		MaxAttempts: tc.MaxAttempts,
		BaseDelay:   tc.BaseDelay,
		MaxDelay:    tc.MaxDelay,
		Jitter:      0.2,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			log.Printf("🔄 第 %d 次调用失败，%s 后重试: %v", attempt, delay.Round(time.Millisecond), err)
		},
	}
	log.Println("✓ 转写引擎初始化成功")

	app.orch = pipeline.New(pipeline.Deps{
		Store:      infra.Store,
		Blobs:      blobs,
		Queue:      infra.Queue,
		Limiter:    infra.Limiter,
		Uploads:    app.uploads,
		Prober:     media.NewProber(tc.FFprobePath, runner, tc.MaxDurationHours),
		Transcoder: transcoder,
		Segmenter:  transcriber.NewSegmenter(transcoder, blobs, tc.SegmentDuration, tc.Overlap, tc.MaxSegmentBytes),
		Detector:   transcriber.NewLanguageDetector(engine, blobs, policy),
		Pool: transcriber.NewPool(engine, blobs, infra.Store, transcoder, transcriber.PoolConfig{
			Concurrency:       tc.SegmentConcurrency,
			InterSegmentDelay: tc.InterSegmentDelay,
			CallTimeout:       tc.CallTimeout,
			MaxSegmentBytes:   tc.MaxSegmentBytes,
			Policy:            policy,
		}),
		Diarizer: newDiarizer(cfg, policy),
	}, pipeline.Config{
		Overlap:         tc.Overlap,
		JobTimeout:      cfg.Pipeline.JobTimeout,
		MaxRetries:      cfg.Pipeline.MaxRetries,
		StaleAfter:      cfg.Pipeline.StaleAfter,
		StageStaleAfter: thresholds,
	})

	app.worker = worker.NewWorker(infra.Queue, app.orch, tc.WorkerPoolSize, 5*time.Second, func(err error) bool {
		return errors.Is(err, pipeline.ErrAtCapacity)
	})

	auth := api.NewAuth(cfg.Auth.JWTSecret, cfg.Auth.AllowedIssuer, cfg.Auth.DownloadTTL)
	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(app.orch, app.uploads, auth)
	app.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.Router(),
	}
	return app, nil
}

func newDiarizer(cfg *config.Config, policy retry.Policy) diarize.Diarizer {
	d := cfg.Diarization
	if d.Strategy == "ai" {
		log.Printf("✓ 说话人分离: AI（%s，置信度下限 %.2f）", d.Model, d.MinConfidence)
		return diarize.NewAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, d.Model, d.MinConfidence, d.Timeout, policy)
	}
	log.Println("✓ 说话人分离: 启发式")
	return diarize.NewHeuristic()
}

func parseFormats(names []string) ([]models.OutputFormat, error) {
	formats := make([]models.OutputFormat, 0, len(names))
	for _, name := range names {
		f, ok := models.ParseFormat(name)
		if !ok {
			return nil, fmt.Errorf("pipeline.formats 包含不支持的格式: %s", name)
		}
		formats = append(formats, f)
	}
	return formats, nil
}

func (app *App) start() {
	app.worker.Start()
	log.Println("✓ Worker 已启动")

	ctx, cancel := context.WithCancel(context.Background())
	app.watchdog = cancel
	go app.orch.RunWatchdog(ctx, app.config.Pipeline.WatchdogInterval)

	go func() {
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ 服务器启动失败: %v", err)
		}
	}()
}

func (app *App) shutdown() {
	log.Println("🛑 正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
	defer cancel()
	if err := app.server.Shutdown(ctx); err != nil {
		log.Printf("⚠️ HTTP 服务器关闭超时: %v", err)
	}

	app.watchdog()
	// 进行中的任务在下一个检查点让出执行权，消息重新入队后从检查点续跑
	app.worker.Stop()
	app.infra.Close()
	log.Println("✓ 服务器已关闭")
}
