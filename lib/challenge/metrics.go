package challenge

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TimeTaken = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "verifier_time_taken",
		Help:    "The time a requester took to answer a challenge (milliseconds)",
		Buckets: prometheus.ExponentialBucketsRange(1, math.Pow(2, 20), 20),
	}, []string{"kind"})

	Scored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verifier_challenges_scored",
		Help: "Automatic scoring results by kind and outcome",
	}, []string{"kind", "outcome"})
)
