package sequence

import (
	"fmt"
	"sort"

	"github.com/openhealth/conformance-harness/framework/runner"
)

// Sequence is an ordered group of checks that share setup and session context.
type Sequence struct {
	Name        string
	Title       string
	Description string

	// Requires lists the session keys that must be present before the sequence may start.
	Requires []string

	// Defines lists the session keys the sequence produces for later sequences.
	Defines []string

	Checks []runner.Check
}

// Registry holds validated, immutable sequence definitions.
type Registry struct {
	sequences map[string]Sequence
	order     []string
}

func NewRegistry() *Registry {
	return &Registry{sequences: make(map[string]Sequence)}
}

// Register validates a sequence and adds it. Check indexes are assigned here from the order of
// Checks. Validation makes key propagation statically checkable: every key a check reads must be
// required by the sequence or written by an earlier check, and every Defines key must be written
// by some check.
func (r *Registry) Register(seq Sequence) error {
	if seq.Name == "" {
		return fmt.Errorf("sequence has no name")
	}
	if _, exists := r.sequences[seq.Name]; exists {
		return fmt.Errorf("sequence %q is already registered", seq.Name)
	}

	available := make(map[string]bool)
	for _, k := range seq.Requires {
		available[k] = true
	}
	written := make(map[string]bool)
	ids := make(map[string]bool)
	checks := make([]runner.Check, len(seq.Checks))
	for i, c := range seq.Checks {
		if c.ID == "" {
			return fmt.Errorf("sequence %q: check %d has no ID", seq.Name, i)
		}
		if ids[c.ID] {
			return fmt.Errorf("sequence %q: duplicate check ID %q", seq.Name, c.ID)
		}
		ids[c.ID] = true
		for _, k := range c.Reads {
			if !available[k] {
				return fmt.Errorf("sequence %q: check %q reads %q, which is neither required by the sequence nor written by an earlier check",
					seq.Name, c.ID, k)
			}
		}
		for _, k := range c.Writes {
			available[k] = true
			written[k] = true
		}
		c.Index = i
		c.Reads = append([]string(nil), c.Reads...)
		c.Writes = append([]string(nil), c.Writes...)
		checks[i] = c
	}
	for _, k := range seq.Defines {
		if !written[k] {
			return fmt.Errorf("sequence %q defines %q, but no check writes it", seq.Name, k)
		}
	}

	seq.Checks = checks
	seq.Requires = append([]string(nil), seq.Requires...)
	seq.Defines = append([]string(nil), seq.Defines...)
	r.sequences[seq.Name] = seq
	r.order = append(r.order, seq.Name)
	return nil
}

// MustRegister is like Register but panics on error; it is meant for static definitions.
func (r *Registry) MustRegister(seqs ...Sequence) *Registry {
	for _, s := range seqs {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Get(name string) (Sequence, bool) {
	s, ok := r.sequences[name]
	return s, ok
}

// Names returns sequence names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Producers returns, for each key, the names of the sequences that define it.
func (r *Registry) Producers() map[string][]string {
	ret := make(map[string][]string)
	for _, name := range r.order {
		for _, k := range r.sequences[name].Defines {
			ret[k] = append(ret[k], name)
		}
	}
	for _, names := range ret {
		sort.Strings(names)
	}
	return ret
}
