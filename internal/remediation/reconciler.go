package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/tinkerbelle-io/tb-recovery/internal/metrics"
)

// DefaultRetention is how long a completed record is kept before purging.
const DefaultRetention = 24 * time.Hour

// TaskRunner is the set of external side effects the reconciler drives.
// *Orchestrator implements it.
type TaskRunner interface {
	StripFinalizers(ctx context.Context, podName, namespace string, pvcs []string) []ItemResult
	EnsureReplacementTask(ctx context.Context, spec TaskSpec) (bool, error)
	TaskOutcome(ctx context.Context, name, namespace string) (Outcome, error)
	DeleteTask(ctx context.Context, name, namespace string) error
}

// Reconciler advances every live record by at most one step per call.
type Reconciler struct {
	governor  *Governor
	tasks     TaskRunner
	breaker   *CircuitBreaker
	clock     clock.PassiveClock
	retention time.Duration
	log       *slog.Logger
}

// NewReconciler creates a reconciler. breaker may be nil.
func NewReconciler(governor *Governor, tasks TaskRunner, breaker *CircuitBreaker, clk clock.PassiveClock, log *slog.Logger) *Reconciler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		governor:  governor,
		tasks:     tasks,
		breaker:   breaker,
		clock:     clk,
		retention: DefaultRetention,
		log:       log.With("component", "reconciler"),
	}
}

// Reconcile walks all records in id order and returns the transitions made.
// A failure in one record marks only that record failed.
func (r *Reconciler) Reconcile(ctx context.Context, state *ControllerState) []Transition {
	var transitions []Transition
	for _, id := range state.SortedIDs() {
		rec := state.Remediations[id]
		from := rec.State
		if from == StateFailed || from == StateCancelled {
			continue
		}

		purged, err := r.step(ctx, state, rec)
		now := r.clock.Now().UTC()
		if err != nil {
			r.log.Error("remediation step failed", "id", id, "state", from, "error", err)
			if r.governor.Holds(state, rec) {
				r.governor.Release(state, rec)
			}
			rec.State = StateFailed
			rec.Error = err.Error()
		}
		if purged {
			delete(state.Remediations, id)
			r.log.Info("purged completed remediation", "id", id)
			continue
		}
		if rec.State != from {
			rec.UpdatedAt = now
			transitions = append(transitions, Transition{
				ID:        id,
				PodName:   rec.PodName,
				Namespace: rec.Namespace,
				From:      from,
				To:        rec.State,
				Error:     rec.Error,
				At:        now,
			})
			metrics.TransitionsTotal.WithLabelValues(string(from), string(rec.State)).Inc()
		}
	}
	return transitions
}

// step performs one transition for rec. Panics from a collaborator are
// turned into a record-level error.
func (r *Reconciler) step(ctx context.Context, state *ControllerState, rec *Record) (purged bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while reconciling: %v", p)
		}
	}()

	switch rec.State {
	case StatePendingApproval:
		return false, nil
	case StateApproved:
		r.handleApproved(ctx, state, rec)
		return false, nil
	case StateFinalizersRemoved:
		return false, r.handleFinalizersRemoved(ctx, rec)
	case StateTaskScheduled:
		return false, r.handleTaskScheduled(ctx, state, rec)
	case StateCompleted:
		return r.clock.Since(rec.UpdatedAt) > r.retention, nil
	default:
		return false, fmt.Errorf("unknown state %q", rec.State)
	}
}

func (r *Reconciler) handleApproved(ctx context.Context, state *ControllerState, rec *Record) {
	if r.breaker.IsOpen() {
		r.log.Warn("circuit breaker open, deferring replacement", "id", rec.ID)
		return
	}
	if r.breaker.IsOnCooldown(rec.NodeName) {
		r.log.Debug("node on cooldown, deferring replacement", "id", rec.ID, "node", rec.NodeName)
		return
	}
	if !r.governor.Admit(state, rec) {
		r.log.Debug("governor denied, retrying next tick", "id", rec.ID, "dc", rec.Datacenter, "rack", rec.Rack)
		return
	}

	r.governor.Register(state, rec)
	results := r.tasks.StripFinalizers(ctx, rec.PodName, rec.Namespace, rec.PVCs)
	r.breaker.Record(rec.NodeName)

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	rec.State = StateFinalizersRemoved
	r.log.Info("approved -> finalizers removed", "id", rec.ID, "pod", rec.PodName,
		"items", len(results), "skipped", failed)
}

func (r *Reconciler) handleFinalizersRemoved(ctx context.Context, rec *Record) error {
	spec := TaskSpec{
		Name:        TaskName(rec.NodeName, rec.PodName),
		Namespace:   rec.Namespace,
		ClusterName: rec.ClusterName,
		PodName:     rec.PodName,
		NodeName:    rec.NodeName,
		ApprovedBy:  rec.ApprovedBy,
	}
	if rec.ApprovedAt != nil {
		spec.ApprovedAt = *rec.ApprovedAt
	}

	created, err := r.tasks.EnsureReplacementTask(ctx, spec)
	if err != nil {
		return err
	}
	rec.TaskName = spec.Name
	rec.State = StateTaskScheduled
	r.log.Info("replacement task scheduled", "id", rec.ID, "task", spec.Name, "created", created)
	return nil
}

func (r *Reconciler) handleTaskScheduled(ctx context.Context, state *ControllerState, rec *Record) error {
	outcome, err := r.tasks.TaskOutcome(ctx, rec.TaskName, rec.Namespace)
	if err != nil {
		return err
	}
	switch outcome {
	case OutcomeSucceeded:
		r.governor.Release(state, rec)
		rec.State = StateCompleted
		r.log.Info("remediation completed", "id", rec.ID, "task", rec.TaskName)
	case OutcomeFailed:
		r.governor.Release(state, rec)
		rec.State = StateFailed
		rec.Error = "K8ssandraTask failed"
		r.log.Warn("replacement task failed", "id", rec.ID, "task", rec.TaskName)
	}
	return nil
}
