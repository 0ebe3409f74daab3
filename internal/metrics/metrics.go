// Package metrics holds the Prometheus collectors of the support chat service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transitions counts successful lifecycle changes: create, accept, auto_accept, close, reject, delete.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "support_chat_transitions_total",
		Help: "Support chat lifecycle transitions by kind",
	}, []string{"transition"})

	// AcceptConflicts counts accept attempts that lost the race to another acceptor.
	AcceptConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "support_chat_accept_conflicts_total",
		Help: "Accept attempts that found the chat no longer pending",
	}, []string{"source"})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "support_chat_messages_total",
		Help: "Messages appended to support chats",
	})

	AttachmentBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "support_chat_attachment_bytes",
		Help:    "Size of stored attachments in bytes",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 8), // 1KiB to 16MiB
	})

	// BlobCleanupFailures counts blobs that could not be removed after their rows were gone.
	BlobCleanupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "support_chat_blob_cleanup_failures_total",
		Help: "Attachment blobs left behind after a failed delete",
	})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "support_chat_http_request_duration_seconds",
		Help:    "HTTP request duration by route pattern and status",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	}, []string{"method", "route", "status"})
)
