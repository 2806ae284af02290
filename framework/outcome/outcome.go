package outcome

// Kind is the outcome of a single check, or the aggregate verdict of a sequence.
type Kind string

const (
	Pass   Kind = "pass"
	Fail   Kind = "fail"
	Error  Kind = "error"
	Skip   Kind = "skip"
	Omit   Kind = "omit"
	Todo   Kind = "todo"
	Wait   Kind = "wait"
	Cancel Kind = "cancel"
)

// AllKinds lists every outcome kind in display order.
var AllKinds = []Kind{Pass, Fail, Error, Skip, Omit, Todo, Wait, Cancel}

func (k Kind) String() string { return string(k) }

// Terminal returns true for the verdicts that end a sequence run for good.
func (k Kind) Terminal() bool {
	return k == Pass || k == Fail || k == Error
}

// Valid returns true if k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Entry is the minimum information the aggregation fold needs about one check result.
type Entry struct {
	Kind     Kind
	Required bool
}

// Tally holds the aggregate counters and the running verdict of a sequence. The zero value is
// an empty tally whose verdict is undefined.
//
// Tally is a pure fold over entries in execution order: the same entries always produce the same
// tally. The algebra is not commutative, so callers must add entries in the order the checks ran.
type Tally struct {
	RequiredTotal   int  `json:"requiredTotal"`
	OptionalTotal   int  `json:"optionalTotal"`
	RequiredPassed  int  `json:"requiredPassed"`
	OptionalPassed  int  `json:"optionalPassed"`
	RequiredOmitted int  `json:"requiredOmitted"`
	OptionalOmitted int  `json:"optionalOmitted"`
	RequiredFailed  int  `json:"requiredFailed"`
	Errored         int  `json:"errored"`
	Skipped         int  `json:"skipped"`
	Todo            int  `json:"todo"`
	Running         Kind `json:"verdict,omitempty"`
}

// Add folds one result into the tally.
func (t *Tally) Add(kind Kind, required bool) {
	if required {
		t.RequiredTotal++
	} else {
		t.OptionalTotal++
	}

	switch kind {
	case Pass:
		if required {
			t.RequiredPassed++
		} else {
			t.OptionalPassed++
		}
		if t.Running != Error && t.Running != Fail && t.Running != Skip {
			t.Running = Pass
		}
	case Omit:
		if required {
			t.RequiredOmitted++
		} else {
			t.OptionalOmitted++
		}
	case Todo:
		t.Todo++
	case Fail:
		if !required {
			return
		}
		t.RequiredFailed++
		if t.Running != Error {
			t.Running = Fail
		}
	case Error:
		if !required {
			return
		}
		t.Errored++
		t.Running = Error
	case Skip:
		if !required {
			return
		}
		t.Skipped++
		if t.Running == Pass || t.Running == "" {
			t.Running = Skip
		}
	case Wait:
		t.Running = Wait
	case Cancel:
		t.Running = Cancel
	}
}

// Verdict returns the aggregate outcome. An empty tally, or one containing only entries that never
// touch the verdict, counts as Pass.
func (t Tally) Verdict() Kind {
	if t.Running == "" {
		return Pass
	}
	return t.Running
}

// Total is the number of entries that have been folded into the tally.
func (t Tally) Total() int {
	return t.RequiredTotal + t.OptionalTotal
}

// Fold replays entries from scratch.
func Fold(entries []Entry) Tally {
	var t Tally
	for _, e := range entries {
		t.Add(e.Kind, e.Required)
	}
	return t
}
