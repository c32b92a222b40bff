package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by result.",
		},
		[]string{"result"},
	)

	rotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_rotations_total",
			Help: "Refresh token rotations by result.",
		},
		[]string{"result"},
	)

	sessionsRevokedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_sessions_revoked_total",
			Help: "Refresh token records deleted, by reason.",
		},
		[]string{"reason"},
	)
)
