// Package metrics は通知配信のPrometheusメトリクスを定義する。
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nao1215/notifier/internal/queue"
)

const namespace = "notifier"

// Metrics は通知配信の各コンポーネントが記録するメトリクス。
type Metrics struct {
	NotificationsCreatedTotal *prometheus.CounterVec
	JobsEnqueuedTotal         *prometheus.CounterVec
	JobsProcessedTotal        *prometheus.CounterVec
	JobDuration               prometheus.Histogram
	DeliveriesRecordedTotal   prometheus.Counter
	RecipientFailuresTotal    prometheus.Counter
	PushTotal                 *prometheus.CounterVec
	QueueJobs                 *prometheus.GaugeVec
	UnsentNotifications       prometheus.Gauge
	LiveConnections           prometheus.Gauge
	IntakeMessagesTotal       *prometheus.CounterVec
	HTTPRequestsTotal         *prometheus.CounterVec
	HTTPRequestDuration       *prometheus.HistogramVec
}

// New はメトリクスを生成してregに登録する。regがnilの場合は登録しない。
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NotificationsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_created_total",
			Help:      "Total number of notifications created",
		}, []string{"kind", "source"}),
		JobsEnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of dispatch jobs enqueued, by trigger",
		}, []string{"trigger", "result"}),
		JobsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Total number of dispatch jobs processed, by result",
		}, []string{"result"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time taken to process a dispatch job",
			Buckets:   prometheus.DefBuckets,
		}),
		DeliveriesRecordedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_recorded_total",
			Help:      "Total number of delivery records written by workers",
		}),
		RecipientFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recipient_failures_total",
			Help:      "Total number of recipients skipped because of per-recipient errors",
		}),
		PushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_total",
			Help:      "Total number of live push attempts, by outcome",
		}, []string{"outcome"}),
		QueueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Number of dispatch jobs per state",
		}, []string{"state"}),
		UnsentNotifications: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unsent_notifications",
			Help:      "Number of non-deleted notifications whose fan-out has not completed",
		}),
		LiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Number of open live push connections",
		}),
		IntakeMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intake_messages_total",
			Help:      "Total number of producer messages consumed from Kafka, by result",
		}, []string{"topic", "result"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests received",
		}, []string{"endpoint", "status", "method"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "method"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.NotificationsCreatedTotal,
			m.JobsEnqueuedTotal,
			m.JobsProcessedTotal,
			m.JobDuration,
			m.DeliveriesRecordedTotal,
			m.RecipientFailuresTotal,
			m.PushTotal,
			m.QueueJobs,
			m.UnsentNotifications,
			m.LiveConnections,
			m.IntakeMessagesTotal,
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
		)
	}
	return m
}

// Counter はキューの件数を返すもの。
type Counter interface {
	Counts(ctx context.Context) (queue.Counts, error)
}

// UnsentCounter は未送信通知の件数を返すもの。
type UnsentCounter interface {
	CountUnsent(ctx context.Context) (int, error)
}

// ObserveQueue はキューの状態ごとの件数をゲージに反映する。
func (m *Metrics) ObserveQueue(c queue.Counts) {
	m.QueueJobs.WithLabelValues(string(queue.StateWaiting)).Set(float64(c.Waiting))
	m.QueueJobs.WithLabelValues(string(queue.StateDelayed)).Set(float64(c.Delayed))
	m.QueueJobs.WithLabelValues(string(queue.StateActive)).Set(float64(c.Active))
	m.QueueJobs.WithLabelValues(string(queue.StateCompleted)).Set(float64(c.Completed))
	m.QueueJobs.WithLabelValues(string(queue.StateFailed)).Set(float64(c.Failed))
}

// RunCollector はinterval毎にキューと未送信通知の件数を取得してゲージを更新する。
// ctxがキャンセルされるまで戻らない。
func (m *Metrics) RunCollector(ctx context.Context, interval time.Duration, q Counter, unsent UnsentCounter, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if c, err := q.Counts(ctx); err != nil {
			logger.Warn("キュー件数の取得に失敗", zap.Error(err))
		} else {
			m.ObserveQueue(c)
			if c.Failed > 0 {
				logger.Debug("失敗セットにジョブがあります", zap.Int("failed", c.Failed))
			}
		}
		if unsent != nil {
			if n, err := unsent.CountUnsent(ctx); err != nil {
				logger.Warn("未送信通知の件数取得に失敗", zap.Error(err))
			} else {
				m.UnsentNotifications.Set(float64(n))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
