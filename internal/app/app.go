// Package app は設定から各コンポーネントを組み立てて録画サービスを実行する
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"kanshi/internal/camera"
	"kanshi/internal/config"
	"kanshi/internal/fleet"
	"kanshi/internal/notify"
	"kanshi/internal/publisher"
	"kanshi/internal/recording"
	"kanshi/internal/server"
)

// NewLogger はログ設定に従ってtintハンドラのロガーを作成する
func NewLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	return slog.New(
		tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: cfg.TimeFormat,
			NoColor:    cfg.NoColor,
		}),
	), nil
}

// NewRegistry は設定からカメラレジストリを選ぶ
// 設定ファイルにカメラが定義されていればそれを優先する
func NewRegistry(cfg config.RegistryConfig) camera.Registry {
	if len(cfg.Cameras) > 0 {
		return cfg.StaticCameras()
	}
	return camera.NewHTTPRegistry(cfg.URL, cfg.Timeout)
}

// Run は全カメラの監視と状態確認APIを実行する
//
// ctxがキャンセルされると全ワーカーを停止し、実行中の録画を確定・
// アップロードしてから戻る。全ワーカーが失敗した場合はそのエラーを返す。
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Recording.Format == recording.FormatAVI {
		if err := recording.ValidateFFmpeg(ctx, cfg.Recording.FFmpegPath); err != nil {
			return err
		}
	}

	notifier, err := notify.New(ctx, cfg.Notify, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := notifier.Close(); err != nil {
			logger.Warn("通知先のクローズに失敗しました", "error", err)
		}
	}()

	deps := fleet.Deps{
		Source:    camera.NewSchemeSource(cfg.Stream.ConnectTimeout, cfg.Stream.ReadTimeout),
		Sinks:     recording.NewFileSinkFactory(cfg.Recording),
		Publisher: publisher.New(cfg.Upload, logger),
		Notifier:  notifier,
		Logger:    logger,
	}
	workerCfg := fleet.WorkerConfig{
		Recording:     cfg.Recording,
		Reconnect:     cfg.Stream.Reconnect,
		ChunkSize:     cfg.Stream.ChunkSize,
		MaxBufferSize: cfg.Stream.MaxBufferSize,
	}

	supervisor := fleet.NewSupervisor(
		NewRegistry(cfg.Registry),
		fleet.NewWorkerFactory(deps, workerCfg, cfg.Detection),
		logger,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// ワーカーが全て終了したらAPIも止める
		defer cancel()
		if err := supervisor.Run(gctx); err != nil {
			return fmt.Errorf("監視を継続できません: %w", err)
		}
		return nil
	})

	if cfg.Server.Enabled {
		srv := server.New(cfg, supervisor, logger)
		g.Go(func() error {
			// APIが使えなくても録画は続ける
			if err := srv.Start(gctx); err != nil {
				logger.Error("状態確認APIを停止しました", "kind", "api", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}
