// Package metrics defines the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks currently open WebSocket sessions.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentchat_connections_active",
		Help: "Number of open WebSocket sessions.",
	})

	// FramesIn counts accepted inbound frames by type.
	FramesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchat_frames_in_total",
		Help: "Inbound frames accepted by the router, by frame type.",
	}, []string{"type"})

	// FramesOut counts delivered outbound frames by type.
	FramesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchat_frames_out_total",
		Help: "Outbound frames delivered to sessions, by frame type.",
	}, []string{"type"})

	// Errors counts ERROR frames emitted, by error code.
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchat_errors_total",
		Help: "ERROR frames emitted, by code.",
	}, []string{"code"})

	// RateLimited counts frames rejected by the per-agent token bucket.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentchat_rate_limited_total",
		Help: "Frames rejected by per-agent rate limiting.",
	})

	// Proposals counts proposal lifecycle transitions by resulting status.
	Proposals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchat_proposals_total",
		Help: "Proposal transitions, by resulting status.",
	}, []string{"status"})

	// Disputes counts dispute terminals by outcome (verdict or fallback).
	Disputes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchat_disputes_total",
		Help: "Dispute terminals, by outcome.",
	}, []string{"outcome"})

	// CaptchaResults counts captcha grading outcomes.
	CaptchaResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentchat_captcha_results_total",
		Help: "Captcha grading outcomes.",
	}, []string{"result"})

	// CallbacksFired counts delivered scheduled callbacks.
	CallbacksFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentchat_callbacks_fired_total",
		Help: "Scheduled callbacks delivered.",
	})

	// RedactionHits counts secrets scrubbed from relayed content.
	RedactionHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentchat_redaction_hits_total",
		Help: "Secret patterns scrubbed from relayed content.",
	})
)
