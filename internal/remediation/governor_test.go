package remediation

import "testing"

func rec(id, dc, rack string, state State) *Record {
	return &Record{
		ID:         id,
		PodName:    "pod-" + id,
		Namespace:  "cass",
		Datacenter: dc,
		Rack:       rack,
		NodeName:   "node-1",
		State:      state,
		DetectedAt: t0,
		UpdatedAt:  t0,
	}
}

func TestGovernorAdmitRespectsDatacenterLimit(t *testing.T) {
	g := NewGovernor(1, 10)
	st := NewControllerState()

	a := rec("a", "dc1", "r1", StateApproved)
	b := rec("b", "dc1", "r2", StateApproved)
	c := rec("c", "dc2", "r1", StateApproved)

	if !g.Admit(st, a) {
		t.Fatal("empty governor should admit")
	}
	g.Register(st, a)

	if g.Admit(st, b) {
		t.Error("second record in dc1 should be denied with max_per_dc=1")
	}
	if !g.Admit(st, c) {
		t.Error("record in dc2 should still be admitted")
	}
}

func TestGovernorAdmitRespectsRackLimit(t *testing.T) {
	g := NewGovernor(10, 1)
	st := NewControllerState()

	a := rec("a", "dc1", "r1", StateApproved)
	b := rec("b", "dc1", "r1", StateApproved)
	g.Register(st, a)

	if g.Admit(st, b) {
		t.Error("second record in rack r1 should be denied with max_per_rack=1")
	}
}

func TestGovernorRegisterIsIdempotent(t *testing.T) {
	g := NewGovernor(5, 5)
	st := NewControllerState()
	a := rec("a", "dc1", "r1", StateApproved)

	g.Register(st, a)
	g.Register(st, a)

	if got := st.Governor["dc1"].Active; got != 1 {
		t.Errorf("dc1 active = %d, want 1", got)
	}
	if got := len(st.Governor["r1"].Jobs); got != 1 {
		t.Errorf("r1 jobs = %d, want 1", got)
	}
	if err := g.Check(st); err != nil {
		t.Error(err)
	}
}

func TestGovernorReleaseOnlyRemovesHeldSlot(t *testing.T) {
	g := NewGovernor(5, 5)
	st := NewControllerState()
	a := rec("a", "dc1", "r1", StateApproved)
	b := rec("b", "dc1", "r2", StateApproved)

	g.Register(st, a)
	// b never registered; releasing it must not touch a's slot.
	g.Release(st, b)
	if st.Governor["dc1"].Active != 1 {
		t.Fatalf("dc1 active = %d, want 1", st.Governor["dc1"].Active)
	}

	g.Release(st, a)
	g.Release(st, a)
	if st.Governor["dc1"].Active != 0 || st.Governor["r1"].Active != 0 {
		t.Errorf("governor not released: %+v %+v", st.Governor["dc1"], st.Governor["r1"])
	}
	if g.Holds(st, a) {
		t.Error("released record should not hold a slot")
	}
	if err := g.Check(st); err != nil {
		t.Error(err)
	}
}

func TestGovernorSameNamedDomainsCollapse(t *testing.T) {
	g := NewGovernor(2, 2)
	st := NewControllerState()
	a := rec("a", "east", "east", StateApproved)

	g.Register(st, a)
	if got := st.Governor["east"].Active; got != 1 {
		t.Errorf("shared domain active = %d, want 1", got)
	}
	g.Release(st, a)
	if got := st.Governor["east"].Active; got != 0 {
		t.Errorf("shared domain active after release = %d, want 0", got)
	}
}

func TestGovernorCheckDetectsDrift(t *testing.T) {
	g := NewGovernor(1, 1)
	st := NewControllerState()
	st.Governor["dc1"] = &GovernorEntry{Active: 2, Jobs: []string{"a"}}
	if err := g.Check(st); err == nil {
		t.Error("expected drift between active and jobs to be reported")
	}
}
