package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"kanshi/internal/app"
	"kanshi/internal/config"
)

func main() {
	// 設定を読み込む (KANSHI_CONFIG があればYAMLも読む)
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	logger, err := app.NewLogger(os.Stderr, cfg.Log)
	if err != nil {
		log.Fatalf("ロガーの作成に失敗しました: %v", err)
	}

	// SIGINT/SIGTERMで録画を確定してから終了する
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, logger); err != nil {
		logger.Error("監視サービスが異常終了しました", "error", err)
		stop()
		os.Exit(1)
	}
}
