// Package tracing はOpenTelemetryのトレーサーを初期化する。
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TracerName は各コンポーネントがスパンを作成するときのトレーサー名。
const TracerName = "github.com/nao1215/notifier"

// Tracer は共通のトレーサーを返す。プロバイダ未設定時は何もしないトレーサーになる。
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Init はOTLP gRPCエクスポーターでトレーサープロバイダを設定し、終了処理を返す。
// endpointが空の場合は何もせず、終了処理も何もしない。
func Init(ctx context.Context, serviceName, endpoint string, insecure bool, logger *zap.Logger) (func(), error) {
	if endpoint == "" {
		logger.Info("トレーシングは無効です")
		return func() {}, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("OTLPエクスポーターの生成に失敗: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("リソースの生成に失敗: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logger.Info("トレーシングを開始しました", zap.String("endpoint", endpoint))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("トレーサープロバイダの終了に失敗", zap.Error(err))
		}
	}, nil
}
