package api

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPServerConfig configures one listener of walletd. The public wallet API
// and the operator unseal API each get their own.
type HTTPServerConfig struct {
	ListenAddr string
	Log        *slog.Logger

	// MetricsAddr and Gatherer together enable the Prometheus listener.
	// Leaving either unset disables it.
	MetricsAddr string
	Gatherer    prometheus.Gatherer

	EnablePprof bool

	// DrainDuration is how long Shutdown keeps serving after /readyz starts
	// failing.
	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}
