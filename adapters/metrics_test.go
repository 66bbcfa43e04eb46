package adapters

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// observationCount returns how many durations the compute-time histogram
// registered in reg has observed.
func observationCount(t *testing.T, reg *prometheus.Registry) uint64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() == "rtm_subtask_compute_seconds" {
			return family.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	t.Fatalf("compute-time histogram not registered")
	return 0
}

func TestComputeTimersObservesElapsedDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	timers := NewComputeTimersWithRegisterer(reg)

	timers.Start("subtask-1")
	time.Sleep(5 * time.Millisecond)
	timers.Finish("subtask-1")

	if got := observationCount(t, reg); got != 1 {
		t.Fatalf("expected 1 observation, got %d", got)
	}
}

func TestComputeTimersIgnoresFinishWithoutStart(t *testing.T) {
	reg := prometheus.NewRegistry()
	timers := NewComputeTimersWithRegisterer(reg)

	timers.Finish("never-started")

	if got := observationCount(t, reg); got != 0 {
		t.Fatalf("expected no observations, got %d", got)
	}
}

func TestComputeTimersForgetsSubtaskAfterFinish(t *testing.T) {
	reg := prometheus.NewRegistry()
	timers := NewComputeTimersWithRegisterer(reg)

	timers.Start("subtask-1")
	timers.Finish("subtask-1")
	timers.Finish("subtask-1")

	if got := observationCount(t, reg); got != 1 {
		t.Fatalf("expected exactly 1 observation after duplicate finish, got %d", got)
	}
}
