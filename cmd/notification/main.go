// 通知サービスのエントリポイント。
// ビジネスイベントを通知として保存し、接続中のユーザーにライブ配信する。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/nao1215/marketplace/internal/config"
	"github.com/nao1215/marketplace/internal/notification"
	"github.com/nao1215/marketplace/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("通知サービスが異常終了しました")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("ロガーの初期化に失敗: %w", err)
	}
	entry := log.WithField("service", "notification")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := notification.NewServer(ctx, cfg, entry)
	if err != nil {
		return fmt.Errorf("通知サーバーの初期化に失敗: %w", err)
	}
	defer server.Close()

	if err := server.Run(ctx); err != nil {
		return err
	}
	entry.Info("通知サービスを停止しました")
	return nil
}
