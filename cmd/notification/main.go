// 通知リレーサービスのエントリポイント。
// データストアの変更フィードを監視して通知を生成し、受信者ごとの通知一覧に保存したうえで
// WebSocketで接続中のクライアントへ配信する。チャットのルーム中継も担当する。
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/shopnotify/internal/app"
	"github.com/nao1215/shopnotify/internal/config"
	"github.com/nao1215/shopnotify/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("設定の読み込みに失敗しました", "error", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		slog.Error("通知サービスの初期化に失敗しました", "error", err)
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		slog.Error("通知サービスが異常終了しました", "error", err)
		os.Exit(1)
	}
	slog.Info("通知サービスを停止しました")
}
