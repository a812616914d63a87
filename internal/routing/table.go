package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/matrixctl/internal/crosspoint"
)

type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseConfirmed Phase = "confirmed"
	PhaseCorrected Phase = "corrected"
)

// Entry is the state of one output. Asserted is the input last routed
// locally, or zero if the entry only ever came from the router.
type Entry struct {
	Output    int       `json:"output"`
	Input     int       `json:"input"`
	Phase     Phase     `json:"phase"`
	Asserted  int       `json:"asserted,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Correction records a pending assert the router disagreed with. Confirmed
// is zero when the router reported nothing for the output.
type Correction struct {
	Output    int `json:"output"`
	Asserted  int `json:"asserted"`
	Confirmed int `json:"confirmed"`
}

// Table holds asserted and confirmed routing state per output.
type Table struct {
	mu        sync.RWMutex
	entries   map[int]Entry
	confirmed crosspoint.Map
	now       func() time.Time
}

func NewTable() *Table {
	return &Table{
		entries:   make(map[int]Entry),
		confirmed: make(crosspoint.Map),
		now:       time.Now,
	}
}

// Assert records a locally applied route as pending confirmation.
func (t *Table) Assert(output, input int) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := Entry{
		Output:    output,
		Input:     input,
		Phase:     PhasePending,
		Asserted:  input,
		UpdatedAt: t.now(),
	}
	t.entries[output] = e
	return e
}

// Reconcile applies a router status observed at observedAt, which should be
// taken before the status request was issued. Pending entries asserted after
// observedAt stay pending. Other pending entries become confirmed or
// corrected, and every settled entry takes the router's value. Outputs the
// router does not report are dropped.
func (t *Table) Reconcile(confirmed crosspoint.Map, observedAt time.Time) []Correction {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.confirmed = confirmed.Clone()

	var corrections []Correction
	for out, e := range t.entries {
		if e.Phase == PhasePending && e.UpdatedAt.After(observedAt) {
			continue
		}
		input, reported := confirmed[out]
		if e.Phase == PhasePending {
			if reported && input == e.Input {
				e.Phase = PhaseConfirmed
			} else {
				e.Phase = PhaseCorrected
				corrections = append(corrections, Correction{Output: out, Asserted: e.Asserted, Confirmed: input})
			}
		}
		if !reported {
			delete(t.entries, out)
			continue
		}
		e.Input = input
		e.UpdatedAt = now
		t.entries[out] = e
	}
	for out, input := range confirmed {
		if _, ok := t.entries[out]; ok {
			continue
		}
		t.entries[out] = Entry{Output: out, Input: input, Phase: PhaseConfirmed, UpdatedAt: now}
	}
	sort.Slice(corrections, func(i, j int) bool { return corrections[i].Output < corrections[j].Output })
	return corrections
}

// View is the UI-facing map: asserted routes layered over confirmed ones.
func (t *Table) View() crosspoint.Map {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(crosspoint.Map, len(t.entries))
	for k, e := range t.entries {
		out[k] = e.Input
	}
	return out
}

// Confirmed returns the last status the router reported.
func (t *Table) Confirmed() crosspoint.Map {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.confirmed.Clone()
}

func (t *Table) Entry(output int) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[output]
	return e, ok
}

// Entries returns every entry ordered by output.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Output < out[j].Output })
	return out
}

func (t *Table) Pending() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, e := range t.entries {
		if e.Phase == PhasePending {
			n++
		}
	}
	return n
}
