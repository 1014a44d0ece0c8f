package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersPlacedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_orders_placed_total",
		Help: "Total number of orders placed",
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_order_transitions_total",
		Help: "Order-level transitions by event type",
	}, []string{"event"})

	LegTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_leg_transitions_total",
		Help: "Leg transitions by event type",
	}, []string{"event"})

	TransitionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_transitions_rejected_total",
		Help: "Operations refused by the state machine",
	}, []string{"operation", "reason"})

	LegsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_legs_expired_total",
		Help: "Pending legs rejected by the acceptance timeout",
	})

	VerificationsIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_verifications_issued_total",
		Help: "Verification records signed on delivery",
	})

	VerificationChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_verification_checks_total",
		Help: "Verification lookups by outcome",
	}, []string{"result"})

	SigningLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fulfillment_signing_latency_seconds",
		Help:    "Latency of hashing and signing a delivered order",
		Buckets: prometheus.DefBuckets,
	})

	CommandsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_commands_processed_total",
		Help: "Custody commands consumed by outcome",
	}, []string{"type", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
