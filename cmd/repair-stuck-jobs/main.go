package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/z-wentao/longscribe/pkg/blob"
	"github.com/z-wentao/longscribe/pkg/bootstrap"
	"github.com/z-wentao/longscribe/pkg/config"
	"github.com/z-wentao/longscribe/pkg/pipeline"
	"github.com/z-wentao/longscribe/pkg/upload"
)

func main() {
	// 定义命令行参数
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	asJSON := flag.Bool("json", false, "以 JSON 输出巡检结果")
	timeout := flag.Duration("timeout", 2*time.Minute, "巡检超时时间")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("❌ 加载配置失败: %v\n", err)
		fmt.Println("\n使用方法：")
		fmt.Println("  go run cmd/repair-stuck-jobs/main.go -config=config/config.yaml")
		os.Exit(1)
	}
	if cfg.Storage.Type == "memory" || cfg.Queue.Type == "memory" {
		fmt.Println("❌ 内存存储和内存队列只存在于 API 进程中，请改用 POST /api/admin/maintenance/stuck-jobs")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	infra, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		fmt.Printf("❌ 初始化失败: %v\n", err)
		os.Exit(1)
	}
	defer infra.Close()

	blobs, err := blob.NewFileStore(cfg.Storage.BlobDir)
	if err != nil {
		fmt.Printf("❌ 打开文件存储失败: %v\n", err)
		os.Exit(1)
	}
	thresholds, err := bootstrap.StageThresholds(cfg.Pipeline.StageStaleAfter)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}

	uploads := upload.NewManager(infra.Store, blobs, upload.Config{
		MaxSize:   cfg.Upload.MaxSize,
		ChunkSize: cfg.Upload.ChunkSize,
		TTL:       cfg.Upload.SessionTTL,
	})
	// 巡检只用到存储、队列和槽位
	orch := pipeline.New(pipeline.Deps{
		Store:   infra.Store,
		Blobs:   blobs,
		Queue:   infra.Queue,
		Limiter: infra.Limiter,
		Uploads: uploads,
	}, pipeline.Config{
		JobTimeout:      cfg.Pipeline.JobTimeout,
		MaxRetries:      cfg.Pipeline.MaxRetries,
		StaleAfter:      cfg.Pipeline.StaleAfter,
		StageStaleAfter: thresholds,
	})

	fmt.Println("🔍 正在巡检停滞任务...")
	report, err := orch.RepairStuckJobs(ctx, time.Now())
	if err != nil {
		fmt.Printf("❌ 巡检失败: %v\n", err)
		os.Exit(1)
	}
	depth := bootstrap.QueueDepth(infra.Queue)

	if *asJSON {
		out := struct {
			*pipeline.RepairReport
			QueueDepth int `json:"queue_depth"`
		}{report, depth}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(out)
		return
	}

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("📊 停滞任务: %d\n", report.Scanned)
	printIDs("🔄 重新入队", report.Resumed)
	printIDs("❌ 标记失败", report.Failed)
	printIDs("⏱️  执行超时", report.TimedOut)
	printIDs("🚫 完成取消", report.Cancelled)
	printIDs("🧹 回收槽位", report.ReleasedSlots)
	fmt.Printf("🧹 过期上传会话: %d\n", report.ExpiredSessions)
	if depth >= 0 {
		fmt.Printf("📬 队列积压: %d\n", depth)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

func printIDs(label string, ids []string) {
	fmt.Printf("%s: %d\n", label, len(ids))
	for _, id := range ids {
		fmt.Printf("   - %s\n", id)
	}
}
