package staging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsStaged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagedit_operations_staged_total",
		Help: "Total number of operations staged, by kind",
	}, []string{"kind"})

	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagedit_commits_total",
		Help: "Total number of commits, by outcome",
	}, []string{"outcome"})

	commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stagedit_commit_duration_seconds",
		Help:    "Duration of commits including the post-commit refetch",
		Buckets: prometheus.DefBuckets,
	})

	consolidationRatio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stagedit_consolidation_ratio",
		Help:    "Consolidated operation count divided by staged operation count",
		Buckets: []float64{0.1, 0.25, 0.5, 0.75, 0.9, 1},
	})

	conflictChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagedit_conflict_checks_total",
		Help: "Conflict checks, by result",
	}, []string{"result"})
)

// Commit outcomes recorded in stagedit_commits_total.
const (
	outcomeSuccess = "success"
	outcomePartial = "partial"
	outcomeFailed  = "failed"
	outcomeEmpty   = "empty"
)
