// Package lifecycle implements the configurable state machine gating every
// session and record transition. Transition tables are loaded from YAML,
// guard predicates come from a closed built-in registry, and a Machine is
// immutable after construction, so one instance serves all goroutines.
package lifecycle

import (
	"fmt"
	"sort"
	"time"

	"github.com/wardenhq/warden/internal/errs"
	"github.com/wardenhq/warden/internal/models"
)

// SessionDomain is the domain name session transitions run under.
const SessionDomain = "session"

// Machine validates and applies state transitions.
type Machine struct {
	domains map[string]*domainTable
}

type domainTable struct {
	initial string
	states  map[string]StateSpec
	// edges[from][to] holds the resolved guards for that edge.
	edges map[string]map[string][]Guard
}

// NewMachine compiles a transition table against a guard registry. Every
// structural defect (no initial state, duplicate initials, undefined edge
// target, unknown guard name, edges out of a final state) is rejected here
// so runtime transitions only ever see a well-formed table.
func NewMachine(table *Table, guards map[string]Guard) (*Machine, error) {
	m := &Machine{domains: make(map[string]*domainTable, len(table.Domains))}

	for name, spec := range table.Domains {
		dt := &domainTable{
			states: spec.States,
			edges:  make(map[string]map[string][]Guard, len(spec.States)),
		}

		for state, ss := range spec.States {
			if ss.Initial {
				if dt.initial != "" {
					return nil, errs.ConfigInvalid(fmt.Sprintf(
						"domain %s declares more than one initial state (%s, %s)", name, dt.initial, state))
				}
				dt.initial = state
			}
			if ss.Final && len(ss.Transitions) > 0 {
				return nil, errs.ConfigInvalid(fmt.Sprintf(
					"domain %s: final state %s must not declare transitions", name, state))
			}

			targets := make(map[string][]Guard, len(ss.Transitions))
			for _, tr := range ss.Transitions {
				if _, ok := spec.States[tr.To]; !ok {
					return nil, errs.ConfigInvalid(fmt.Sprintf(
						"domain %s: state %s has an edge to undefined state %s", name, state, tr.To))
				}
				if _, dup := targets[tr.To]; dup {
					return nil, errs.ConfigInvalid(fmt.Sprintf(
						"domain %s: state %s declares the edge to %s twice", name, state, tr.To))
				}
				resolved := make([]Guard, 0, len(tr.Guards))
				for _, gname := range tr.Guards {
					g, ok := guards[gname]
					if !ok {
						return nil, errs.ConfigInvalid(fmt.Sprintf(
							"domain %s: edge %s -> %s references unknown guard %q", name, state, tr.To, gname))
					}
					resolved = append(resolved, g)
				}
				targets[tr.To] = resolved
			}
			dt.edges[state] = targets
		}

		if dt.initial == "" {
			return nil, errs.ConfigInvalid(fmt.Sprintf("domain %s declares no initial state", name))
		}
		m.domains[name] = dt
	}

	return m, nil
}

// NewDefaultMachine builds a Machine from the embedded table and built-in
// guards.
func NewDefaultMachine() (*Machine, error) {
	return NewMachine(DefaultTable(), DefaultGuards())
}

// Domains lists the configured domains, sorted.
func (m *Machine) Domains() []string {
	out := make([]string, 0, len(m.domains))
	for name := range m.domains {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// States lists a domain's states, sorted.
func (m *Machine) States(domain string) []string {
	dt, ok := m.domains[domain]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(dt.states))
	for name := range dt.states {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// InitialState returns the state new entities of the domain start in.
func (m *Machine) InitialState(domain string) (string, error) {
	dt, ok := m.domains[domain]
	if !ok {
		return "", errs.ConfigInvalid(fmt.Sprintf("domain %s is not configured", domain))
	}
	return dt.initial, nil
}

// IsFinal reports whether the state is terminal in its domain.
func (m *Machine) IsFinal(domain, state string) bool {
	dt, ok := m.domains[domain]
	if !ok {
		return false
	}
	return dt.states[state].Final
}

// KnownState reports whether the domain defines the state.
func (m *Machine) KnownState(domain, state string) bool {
	dt, ok := m.domains[domain]
	if !ok {
		return false
	}
	_, ok = dt.states[state]
	return ok
}

// ValidateTransition checks whether from -> to is permitted for the domain.
// Self-transitions are always allowed. Violations come back as state errors
// carrying the from/to pair and, when a guard rejected the move, the
// guard's name.
func (m *Machine) ValidateTransition(domain, from, to string, gctx GuardContext) error {
	if from == to {
		return nil
	}

	dt, ok := m.domains[domain]
	if !ok {
		return errs.TransitionDenied(from, to, "", fmt.Sprintf("domain %s is not configured", domain))
	}
	fromSpec, ok := dt.states[from]
	if !ok {
		return errs.TransitionDenied(from, to, "", fmt.Sprintf("unknown state %s in domain %s", from, domain))
	}
	if _, ok := dt.states[to]; !ok {
		return errs.TransitionDenied(from, to, "", fmt.Sprintf("unknown state %s in domain %s", to, domain))
	}
	if fromSpec.Final {
		return errs.TransitionDenied(from, to, "", fmt.Sprintf("%s is final, no transitions out", from))
	}

	guards, ok := dt.edges[from][to]
	if !ok {
		return errs.TransitionDenied(from, to, "", fmt.Sprintf("transition %s -> %s not configured", from, to))
	}
	for _, g := range guards {
		if ok, reason := g.Evaluate(gctx); !ok {
			return errs.TransitionDenied(from, to, g.Name(),
				fmt.Sprintf("guard %s rejected transition: %s", g.Name(), reason))
		}
	}
	return nil
}

// Apply validates and applies a session transition in memory: the state is
// updated and exactly one history entry is appended. Persistence is the
// caller's job. A self-transition passes validation but records nothing.
func (m *Machine) Apply(sess *models.Session, to, reason string, now time.Time, gctx GuardContext) error {
	if gctx.Session == nil {
		gctx.Session = sess
	}
	if err := m.ValidateTransition(SessionDomain, sess.State, to, gctx); err != nil {
		return err
	}
	if sess.State == to {
		return nil
	}
	from := sess.State
	sess.State = to
	sess.RecordTransition(from, to, now, reason)
	return nil
}
