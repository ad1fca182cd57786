package remediation

import "fmt"

// Governor bounds how many remediations may hold a slot in one datacenter
// and in one rack at the same time. Counts live in ControllerState so they
// survive restarts together with the records.
type Governor struct {
	maxPerDC   int
	maxPerRack int
}

// NewGovernor creates a governor with the given per-domain limits.
func NewGovernor(maxPerDC, maxPerRack int) *Governor {
	return &Governor{maxPerDC: maxPerDC, maxPerRack: maxPerRack}
}

func active(state *ControllerState, domain string) int {
	if e, ok := state.Governor[domain]; ok {
		return e.Active
	}
	return 0
}

// Admit reports whether the record's datacenter and rack both have a free slot.
func (g *Governor) Admit(state *ControllerState, r *Record) bool {
	if active(state, r.Datacenter) >= g.maxPerDC {
		return false
	}
	if active(state, r.Rack) >= g.maxPerRack {
		return false
	}
	return true
}

// Register occupies a slot in both the datacenter and rack entries.
// Registering an id that already holds a slot is a no-op.
func (g *Governor) Register(state *ControllerState, r *Record) {
	for _, domain := range domains(r) {
		e, ok := state.Governor[domain]
		if !ok {
			e = &GovernorEntry{Jobs: []string{}}
			state.Governor[domain] = e
		}
		if e.has(r.ID) {
			continue
		}
		e.Jobs = append(e.Jobs, r.ID)
		e.Active++
	}
}

// Release frees the record's slot in both entries.
func (g *Governor) Release(state *ControllerState, r *Record) {
	for _, domain := range domains(r) {
		e, ok := state.Governor[domain]
		if !ok || !e.has(r.ID) {
			continue
		}
		jobs := e.Jobs[:0]
		for _, j := range e.Jobs {
			if j != r.ID {
				jobs = append(jobs, j)
			}
		}
		e.Jobs = jobs
		e.Active = max(0, e.Active-1)
	}
}

// Holds reports whether the record occupies a slot in any domain.
func (g *Governor) Holds(state *ControllerState, r *Record) bool {
	for _, domain := range domains(r) {
		if e, ok := state.Governor[domain]; ok && e.has(r.ID) {
			return true
		}
	}
	return false
}

// Check verifies active == len(jobs) for every domain.
func (g *Governor) Check(state *ControllerState) error {
	for domain, e := range state.Governor {
		if e.Active != len(e.Jobs) {
			return fmt.Errorf("governor domain %q: active=%d but %d jobs", domain, e.Active, len(e.Jobs))
		}
	}
	return nil
}

// domains lists the governor keys for a record. A datacenter and rack that
// share a name collapse to one entry.
func domains(r *Record) []string {
	if r.Datacenter == r.Rack {
		return []string{r.Datacenter}
	}
	return []string{r.Datacenter, r.Rack}
}
