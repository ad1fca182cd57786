package remediation

import (
	"context"
	"fmt"

	"github.com/tinkerbelle-io/tb-recovery/internal/audit"
	"github.com/tinkerbelle-io/tb-recovery/internal/metrics"
)

// Approve moves a pending record to approved and persists immediately.
func (c *Controller) Approve(ctx context.Context, id, approvedBy string) error {
	err := c.do(ctx, func(ctx context.Context) error {
		state, err := c.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		rec, ok := state.Remediations[id]
		if !ok {
			return fmt.Errorf("remediation %s: %w", id, ErrNotFound)
		}
		if rec.State != StatePendingApproval {
			return fmt.Errorf("remediation %s is not pending approval (state: %s): %w", id, rec.State, ErrInvalidState)
		}

		now := c.clock.Now().UTC()
		rec.State = StateApproved
		rec.ApprovedAt = &now
		rec.ApprovedBy = approvedBy
		rec.UpdatedAt = now
		if err := c.store.Save(ctx, state); err != nil {
			return fmt.Errorf("save state: %w", err)
		}

		c.log.Info("remediation approved", "id", id, "approved_by", approvedBy)
		c.audit(audit.Entry{
			Action:        audit.ActionApprove,
			RemediationID: id,
			Actor:         approvedBy,
			FromState:     string(StatePendingApproval),
			ToState:       string(StateApproved),
		})
		c.afterSave(ctx, state, []Transition{{
			ID: id, PodName: rec.PodName, Namespace: rec.Namespace,
			From: StatePendingApproval, To: StateApproved, At: now,
		}})
		return nil
	})
	countAction("approve", err)
	return err
}

// Cancel stops a record that has not finished. A held governor slot is
// released and any replacement task is deleted before the state is persisted.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	err := c.do(ctx, func(ctx context.Context) error {
		state, err := c.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		rec, ok := state.Remediations[id]
		if !ok {
			return fmt.Errorf("remediation %s: %w", id, ErrNotFound)
		}
		if rec.State.Terminal() {
			return fmt.Errorf("cannot cancel remediation %s in state %s: %w", id, rec.State, ErrInvalidState)
		}

		from := rec.State
		if c.governor.Holds(state, rec) {
			c.governor.Release(state, rec)
		}
		if from.HoldsSlot() {
			name := rec.TaskName
			if name == "" {
				name = TaskName(rec.NodeName, rec.PodName)
			}
			if err := c.tasks.DeleteTask(ctx, name, rec.Namespace); err != nil {
				c.log.Warn("could not delete replacement task on cancel", "id", id, "task", name, "error", err)
			}
		}

		now := c.clock.Now().UTC()
		rec.State = StateCancelled
		rec.UpdatedAt = now
		if err := c.store.Save(ctx, state); err != nil {
			return fmt.Errorf("save state: %w", err)
		}

		c.log.Info("remediation cancelled", "id", id, "from", from)
		c.audit(audit.Entry{
			Action:        audit.ActionCancel,
			RemediationID: id,
			FromState:     string(from),
			ToState:       string(StateCancelled),
		})
		c.afterSave(ctx, state, []Transition{{
			ID: id, PodName: rec.PodName, Namespace: rec.Namespace,
			From: from, To: StateCancelled, At: now,
		}})
		return nil
	})
	countAction("cancel", err)
	return err
}

// Status returns every record with per-state counts. It never writes.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, func(ctx context.Context) error {
		state, err := c.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		st = BuildStatus(state)
		return nil
	})
	return st, err
}

// ScanNow runs detection outside the tick cadence and persists the new
// records. Reconciliation of them waits for the next tick.
func (c *Controller) ScanNow(ctx context.Context) (int, error) {
	var found int
	err := c.do(ctx, func(ctx context.Context) error {
		state, err := c.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		detected, err := c.detector.Detect(ctx, state)
		if err != nil {
			return err
		}
		for _, rec := range detected {
			state.Remediations[rec.ID] = rec
		}
		if err := c.store.Save(ctx, state); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
		found = len(detected)
		metrics.DetectionsTotal.Add(float64(found))
		c.log.Info("manual scan complete", "detected", found)
		c.audit(audit.Entry{Action: audit.ActionScan, Detail: fmt.Sprintf("detected=%d", found)})
		c.afterSave(ctx, state, nil)
		return nil
	})
	countAction("scan", err)
	return found, err
}

func countAction(action string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case isGatewayError(err):
		result = "rejected"
	default:
		result = "error"
	}
	metrics.OperatorActionsTotal.WithLabelValues(action, result).Inc()
}
