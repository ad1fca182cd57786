package remediation

import (
	"sort"
	"time"
)

// State is the lifecycle position of a remediation record.
type State string

const (
	StatePendingApproval   State = "pending-approval"
	StateApproved          State = "approved"
	StateFinalizersRemoved State = "finalizers-removed"
	StateTaskScheduled     State = "k8ssandra-task-scheduled"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
	StateCancelled         State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
// Completed records are terminal but still visited for the retention purge.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// HoldsSlot reports whether a record in this state occupies a governor slot.
func (s State) HoldsSlot() bool {
	return s == StateFinalizersRemoved || s == StateTaskScheduled
}

// Record tracks one detected failure through its repair workflow.
type Record struct {
	ID          string     `json:"id"`
	PodName     string     `json:"pod_name"`
	Namespace   string     `json:"namespace"`
	ClusterName string     `json:"cluster_name"`
	Datacenter  string     `json:"datacenter"`
	Rack        string     `json:"rack"`
	NodeName    string     `json:"node_name"`
	PVCs        []string   `json:"pvcs"`
	State       State      `json:"state"`
	TaskName    string     `json:"k8ssandra_task_name,omitempty"`
	DetectedAt  time.Time  `json:"detected_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	ApprovedBy  string     `json:"approved_by,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// GovernorEntry counts the remediations occupying one failure domain.
type GovernorEntry struct {
	Active int      `json:"active"`
	Jobs   []string `json:"jobs"`
}

func (e *GovernorEntry) has(id string) bool {
	for _, j := range e.Jobs {
		if j == id {
			return true
		}
	}
	return false
}

// ControllerState is the whole persisted data model. It is always read and
// written as one blob.
type ControllerState struct {
	Remediations map[string]*Record        `json:"remediations"`
	Governor     map[string]*GovernorEntry `json:"governor"`
}

// NewControllerState returns an empty state.
func NewControllerState() *ControllerState {
	return &ControllerState{
		Remediations: make(map[string]*Record),
		Governor:     make(map[string]*GovernorEntry),
	}
}

// Normalize fills nil maps left by decoding an older or empty blob and drops
// null records or governor entries.
func (s *ControllerState) Normalize() {
	if s.Remediations == nil {
		s.Remediations = make(map[string]*Record)
	}
	if s.Governor == nil {
		s.Governor = make(map[string]*GovernorEntry)
	}
	for id, r := range s.Remediations {
		if r == nil {
			delete(s.Remediations, id)
		}
	}
	for domain, e := range s.Governor {
		if e == nil {
			delete(s.Governor, domain)
		}
	}
}

// SortedIDs returns record ids in lexical order so a tick is deterministic.
func (s *ControllerState) SortedIDs() []string {
	ids := make([]string, 0, len(s.Remediations))
	for id := range s.Remediations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasPod reports whether any record already tracks the named pod.
func (s *ControllerState) HasPod(podName string) bool {
	for _, r := range s.Remediations {
		if r.PodName == podName {
			return true
		}
	}
	return false
}

// Status is the read-only projection served to operators.
type Status struct {
	Total           int       `json:"total"`
	PendingApproval int       `json:"pending_approval"`
	Active          int       `json:"active"`
	Completed       int       `json:"completed"`
	Failed          int       `json:"failed"`
	Cancelled       int       `json:"cancelled"`
	Jobs            []*Record `json:"jobs"`
}

// BuildStatus derives counts per state. Jobs are ordered by detection time.
func BuildStatus(s *ControllerState) Status {
	st := Status{Jobs: make([]*Record, 0, len(s.Remediations))}
	for _, id := range s.SortedIDs() {
		r := *s.Remediations[id]
		st.Jobs = append(st.Jobs, &r)
		switch r.State {
		case StatePendingApproval:
			st.PendingApproval++
		case StateCompleted:
			st.Completed++
		case StateFailed:
			st.Failed++
		case StateCancelled:
			st.Cancelled++
		default:
			st.Active++
		}
	}
	sort.SliceStable(st.Jobs, func(i, j int) bool {
		return st.Jobs[i].DetectedAt.Before(st.Jobs[j].DetectedAt)
	})
	st.Total = len(st.Jobs)
	return st
}
