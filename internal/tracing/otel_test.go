package tracing

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInit(t *testing.T) {
	t.Run("エンドポイントが空の場合は無効になること", func(t *testing.T) {
		core, logs := observer.New(zapcore.InfoLevel)
		shutdown, err := Init(context.Background(), "test", "", false, zap.New(core))
		if err != nil {
			t.Fatalf("初期化に失敗: %v", err)
		}
		shutdown()

		if logs.FilterMessage("トレーシングは無効です").Len() != 1 {
			t.Error("無効化のログが出力されていない")
		}

		_, span := Tracer().Start(context.Background(), "noop")
		span.End()
	})

	t.Run("エンドポイント指定時はプロバイダが設定されること", func(t *testing.T) {
		core, logs := observer.New(zapcore.InfoLevel)
		shutdown, err := Init(context.Background(), "test", "127.0.0.1:4317", true, zap.New(core))
		if err != nil {
			t.Fatalf("初期化に失敗: %v", err)
		}
		defer shutdown()

		if logs.FilterMessage("トレーシングを開始しました").Len() != 1 {
			t.Error("開始ログが出力されていない")
		}
	})
}
