/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIRequestsTotal counts HTTP requests by method, route and status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_radio_api_requests_total",
		Help: "Total HTTP requests handled by the API.",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes HTTP request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ember_radio_api_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections tracks in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ember_radio_api_active_connections",
		Help: "Number of in-flight HTTP requests.",
	})

	// PullRequestsTotal counts /next-track pulls by outcome (served, empty, error).
	PullRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_radio_pull_requests_total",
		Help: "Next-track pulls from the streaming engine by outcome.",
	}, []string{"outcome"})

	// TrackTransitionsTotal counts real track transitions (one history row each).
	TrackTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_radio_track_transitions_total",
		Help: "Track transitions detected by the scheduler adapter.",
	}, []string{"source_type"})

	// TrackSkipsTotal counts daily skip exclusions by reason.
	TrackSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_radio_track_skips_total",
		Help: "Tracks marked skipped for the day.",
	}, []string{"reason"})

	// StreamResolutionsTotal counts permalink resolutions by result
	// (hit, miss, error).
	StreamResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_radio_stream_resolutions_total",
		Help: "Permalink-to-URL resolutions by cache result.",
	}, []string{"result"})

	// ConfigCacheTotal counts config cache lookups by result (hit, miss, bypass).
	ConfigCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_radio_config_cache_total",
		Help: "Station/track config cache lookups by result.",
	}, []string{"result"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
