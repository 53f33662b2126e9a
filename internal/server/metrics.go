// metrics.go - Request and domain counters with a Prometheus text exporter.
package server

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
)

// Metrics holds process-local counters.
type Metrics struct {
	mu sync.RWMutex

	requestsTotal    int64
	requestErrors4xx int64
	requestErrors5xx int64

	loginsTotal       int64
	challengesTotal   int64
	uploadsBegun      int64
	uploadsCompleted  int64
	uploadBytesTotal  int64
	uploadErrorsTotal int64
	downloadsTotal    int64
}

// MetricsSnapshot is a copy of the counters at one instant.
type MetricsSnapshot struct {
	RequestsTotal     int64 `json:"requests_total"`
	RequestErrors4xx  int64 `json:"request_errors_4xx"`
	RequestErrors5xx  int64 `json:"request_errors_5xx"`
	LoginsTotal       int64 `json:"logins_total"`
	ChallengesTotal   int64 `json:"challenges_total"`
	UploadsBegun      int64 `json:"uploads_begun"`
	UploadsCompleted  int64 `json:"uploads_completed"`
	UploadBytesTotal  int64 `json:"upload_bytes_total"`
	UploadErrorsTotal int64 `json:"upload_errors_total"`
	DownloadsTotal    int64 `json:"downloads_total"`
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordRequest counts a finished request by status class.
func (m *Metrics) RecordRequest(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestsTotal++
	switch {
	case status >= 500:
		m.requestErrors5xx++
	case status >= 400:
		m.requestErrors4xx++
	}
}

// RecordLogin counts an issued session; challenged logins count separately.
func (m *Metrics) RecordLogin(challenged bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if challenged {
		m.challengesTotal++
		return
	}
	m.loginsTotal++
}

func (m *Metrics) RecordUploadBegun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadsBegun++
}

func (m *Metrics) RecordUploadComplete(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadsCompleted++
	m.uploadBytesTotal += bytes
}

func (m *Metrics) RecordUploadError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadErrorsTotal++
}

func (m *Metrics) RecordDownload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloadsTotal++
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MetricsSnapshot{
		RequestsTotal:     m.requestsTotal,
		RequestErrors4xx:  m.requestErrors4xx,
		RequestErrors5xx:  m.requestErrors5xx,
		LoginsTotal:       m.loginsTotal,
		ChallengesTotal:   m.challengesTotal,
		UploadsBegun:      m.uploadsBegun,
		UploadsCompleted:  m.uploadsCompleted,
		UploadBytesTotal:  m.uploadBytesTotal,
		UploadErrorsTotal: m.uploadErrorsTotal,
		DownloadsTotal:    m.downloadsTotal,
	}
}

// WritePrometheus renders the snapshot in the Prometheus text format.
func (ms MetricsSnapshot) WritePrometheus(b *strings.Builder, version string) {
	counter := func(name, help string, v int64) {
		fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n%s %d\n\n", name, help, name, name, v)
	}

	fmt.Fprintf(b, "# HELP dcss_info Application version info\n# TYPE dcss_info gauge\ndcss_info{version=%q} 1\n\n", version)
	counter("dcss_requests_total", "Total number of HTTP requests", ms.RequestsTotal)
	b.WriteString("# HELP dcss_request_errors_total HTTP error responses by class\n# TYPE dcss_request_errors_total counter\n")
	fmt.Fprintf(b, "dcss_request_errors_total{class=\"4xx\"} %d\n", ms.RequestErrors4xx)
	fmt.Fprintf(b, "dcss_request_errors_total{class=\"5xx\"} %d\n\n", ms.RequestErrors5xx)
	counter("dcss_logins_total", "Sessions issued", ms.LoginsTotal)
	counter("dcss_two_factor_challenges_total", "Logins that required a verification code", ms.ChallengesTotal)
	counter("dcss_uploads_begun_total", "Uploads announced", ms.UploadsBegun)
	counter("dcss_uploads_completed_total", "Uploads finalized", ms.UploadsCompleted)
	counter("dcss_upload_bytes_total", "Bytes in finalized uploads", ms.UploadBytesTotal)
	counter("dcss_upload_errors_total", "Failed part deliveries", ms.UploadErrorsTotal)
	counter("dcss_downloads_total", "File downloads started", ms.DownloadsTotal)
}

func (s *Server) handleMetrics(c *gin.Context) {
	var b strings.Builder
	s.metrics.Snapshot().WritePrometheus(&b, s.cfg.Version)
	c.Data(200, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
}
