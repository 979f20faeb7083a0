package engine

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// dependencyMutations counts edge changes by operation and outcome
	dependencyMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskline_dependency_mutations_total",
		Help: "Dependency edge mutations by operation and result",
	}, []string{"operation", "result"})

	statusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskline_status_transitions_total",
		Help: "Task state changes written by the engine, by kind",
	}, []string{"kind"})

	cascadeSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskline_cascade_steps_total",
		Help: "Dependent re-evaluations by result",
	}, []string{"result"})

	cycleCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskline_cycle_check_duration_seconds",
		Help:    "Time spent searching for a path before adding an edge",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	})
)

func mutationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrSelfDependency):
		return "self_dependency"
	case errors.Is(err, ErrDuplicateEdge):
		return "duplicate"
	case errors.Is(err, ErrWouldCreateCycle):
		return "cycle"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return "error"
}
