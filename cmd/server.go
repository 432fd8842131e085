// Package main はkanshi監視サービスコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"kanshi/internal/app"
	"kanshi/internal/config"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイルのパス (デフォルト: $KANSHI_CONFIG)")
		host       = flag.String("host", "", "APIサーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "APIサーバーのポート (デフォルト: 8080)")
		noServer   = flag.Bool("no-server", false, "状態確認APIを起動しない")
		logLevel   = flag.String("log-level", "", "ログレベル (debug, info, warn, error)")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("kanshi - 動き検知マルチカメラ録画サービス")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *noServer {
		cfg.Server.Enabled = false
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("設定の検証に失敗しました: %v", err)
	}

	logger, err := app.NewLogger(os.Stderr, cfg.Log)
	if err != nil {
		log.Fatalf("ロガーの作成に失敗しました: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("kanshi を起動します", "api", cfg.ServerAddress(), "recordings", cfg.Recording.Dir)
	if err := app.Run(ctx, cfg, logger); err != nil {
		logger.Error("監視サービスが異常終了しました", "error", err)
		stop()
		os.Exit(1)
	}
}
