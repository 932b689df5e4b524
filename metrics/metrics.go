// Package metrics exposes Prometheus instrumentation for the message
// pipeline and the upload coordinator. The recorder takes a registerer at
// construction so tests and embedders control registration scope.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder implements message.Metrics and upload.Metrics over Prometheus
// collectors. All methods are safe for concurrent use.
type Recorder struct {
	messagesSent    prometheus.Counter
	messagesFailed  prometheus.Counter
	uploadsFinished *prometheus.CounterVec
	chunksUploaded  prometheus.Counter
	uploadBytes     prometheus.Counter
	uploadsActive   prometheus.Gauge
}

// NewRecorder creates a recorder and registers its collectors with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsend_messages_sent_total",
			Help: "Messages persisted by the server.",
		}),
		messagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsend_messages_failed_total",
			Help: "Messages that failed to persist.",
		}),
		uploadsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsend_uploads_finished_total",
			Help: "Finished uploads by result.",
		}, []string{"result"}),
		chunksUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsend_upload_chunks_total",
			Help: "Chunks confirmed by the server.",
		}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsend_upload_bytes_total",
			Help: "Bytes confirmed by the server.",
		}),
		uploadsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsend_uploads_active",
			Help: "Uploads currently in flight.",
		}),
	}

	reg.MustRegister(
		r.messagesSent,
		r.messagesFailed,
		r.uploadsFinished,
		r.chunksUploaded,
		r.uploadBytes,
		r.uploadsActive,
	)
	return r
}

// MessageSent counts a server-persisted message.
func (r *Recorder) MessageSent() { r.messagesSent.Inc() }

// MessageFailed counts a failed persistence attempt.
func (r *Recorder) MessageFailed() { r.messagesFailed.Inc() }

// UploadStarted marks an upload as in flight.
func (r *Recorder) UploadStarted() { r.uploadsActive.Inc() }

// UploadFinished settles an in-flight upload.
func (r *Recorder) UploadFinished(success bool) {
	r.uploadsActive.Dec()
	result := "success"
	if !success {
		result = "failure"
	}
	r.uploadsFinished.WithLabelValues(result).Inc()
}

// ChunkUploaded counts one confirmed chunk of the given size.
func (r *Recorder) ChunkUploaded(bytes int) {
	r.chunksUploaded.Inc()
	r.uploadBytes.Add(float64(bytes))
}
