package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics はリクエスト数と処理時間を記録するGinミドルウェアを返す。
// requestsのラベルは endpoint, status, method、durationは endpoint, method の順。
// ルートに一致しないリクエストは "unmatched" として集計する。
func Metrics(requests *prometheus.CounterVec, duration *prometheus.HistogramVec) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		method := c.Request.Method
		requests.WithLabelValues(endpoint, strconv.Itoa(c.Writer.Status()), method).Inc()
		duration.WithLabelValues(endpoint, method).Observe(time.Since(start).Seconds())
	}
}
