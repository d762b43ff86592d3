// Package metrics holds the Prometheus collectors for both bots and the
// optional /metrics HTTP endpoint.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "codetravail"

var (
	// GenerationDuration covers one call to the inference backend.
	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Answer generation latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4min
		},
		[]string{"channel", "status"},
	)

	// GeneratedTokens counts tokens produced by the model.
	GeneratedTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generated_tokens_total",
			Help:      "Total number of tokens generated",
		},
		[]string{"channel"},
	)

	// ModelLoaded is 1 once a channel's model handle is loaded.
	ModelLoaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_loaded",
			Help:      "Whether the model handle of a channel is loaded",
		},
		[]string{"channel"},
	)

	// EmailsProcessed counts per-email outcomes.
	EmailsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_processed_total",
			Help:      "Emails handled by the poll loop, by outcome",
		},
		[]string{"status", "reason"}, // status: replied, skipped, failed
	)

	// PollCycles counts poll cycles by result.
	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mail_poll_cycles_total",
			Help:      "Mail poll cycles, by result",
		},
		[]string{"result"}, // result: ok, connect_error, error
	)

	// PollCycleDuration covers a whole poll cycle including generation.
	PollCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mail_poll_cycle_duration_seconds",
			Help:      "Mail poll cycle duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
		},
	)

	// ChatMessages counts Telegram updates by kind.
	ChatMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telegram_messages_total",
			Help:      "Telegram messages handled, by kind",
		},
		[]string{"kind"}, // kind: question, command, rate_limited, loading, send_error
	)
)

// RecordGeneration records one generation attempt.
func RecordGeneration(channel, status string, d time.Duration, tokens int) {
	GenerationDuration.WithLabelValues(channel, status).Observe(d.Seconds())
	if tokens > 0 {
		GeneratedTokens.WithLabelValues(channel).Add(float64(tokens))
	}
}

// SetModelLoaded flips the model_loaded gauge for a channel.
func SetModelLoaded(channel string, loaded bool) {
	v := 0.0
	if loaded {
		v = 1
	}
	ModelLoaded.WithLabelValues(channel).Set(v)
}

// RecordEmail records the outcome of one email. Reason is empty for
// replies.
func RecordEmail(status, reason string) {
	EmailsProcessed.WithLabelValues(status, reason).Inc()
}

// RecordPollCycle records a finished poll cycle.
func RecordPollCycle(result string, d time.Duration) {
	PollCycles.WithLabelValues(result).Inc()
	PollCycleDuration.Observe(d.Seconds())
}

// RecordChatMessage counts one Telegram message.
func RecordChatMessage(kind string) {
	ChatMessages.WithLabelValues(kind).Inc()
}

// Handler returns the scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
