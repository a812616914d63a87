package crosspoint

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

var ErrInvalidPair = errors.New("crosspoint: invalid output:input pair")

// Map is routing state keyed by output, valued by the input feeding it.
type Map map[int]int

func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Outputs returns the routed outputs in ascending order.
func (m Map) Outputs() []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func (m Map) Equal(other Map) bool {
	if len(m) != len(other) {
		return false
	}
	for k, v := range m {
		if got, ok := other[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// Crosspoint is a single output-to-input assignment.
type Crosspoint struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

func (c Crosspoint) String() string {
	return fmt.Sprintf("%d:%d", c.Output, c.Input)
}

// ParsePair parses "output:input".
func ParsePair(raw string) (Crosspoint, error) {
	out, in, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return Crosspoint{}, fmt.Errorf("%w: %q", ErrInvalidPair, raw)
	}
	output, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return Crosspoint{}, fmt.Errorf("%w: %q", ErrInvalidPair, raw)
	}
	input, err := strconv.Atoi(strings.TrimSpace(in))
	if err != nil {
		return Crosspoint{}, fmt.Errorf("%w: %q", ErrInvalidPair, raw)
	}
	return Crosspoint{Input: input, Output: output}, nil
}

// Fan routes one input to every listed output, in order.
func Fan(input int, outputs []int) []Crosspoint {
	out := make([]Crosspoint, 0, len(outputs))
	for _, o := range outputs {
		out = append(out, Crosspoint{Input: input, Output: o})
	}
	return out
}

// ParseRange expands "1,3,5-10" into its members in written order.
// Descending spans count down; unparseable parts are skipped.
func ParseRange(raw string) []int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err1 := strconv.Atoi(strings.TrimSpace(lo))
			end, err2 := strconv.Atoi(strings.TrimSpace(hi))
			if err1 != nil || err2 != nil {
				continue
			}
			if start <= end {
				for n := start; n <= end; n++ {
					out = append(out, n)
				}
			} else {
				for n := start; n >= end; n-- {
					out = append(out, n)
				}
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// FormatRange renders numbers as a sorted, deduplicated range string like "1-3, 5".
func FormatRange(numbers []int) string {
	if len(numbers) == 0 {
		return ""
	}
	set := make(map[int]struct{}, len(numbers))
	uniq := make([]int, 0, len(numbers))
	for _, n := range numbers {
		if _, ok := set[n]; ok {
			continue
		}
		set[n] = struct{}{}
		uniq = append(uniq, n)
	}
	sort.Ints(uniq)

	var parts []string
	start, end := uniq[0], uniq[0]
	flush := func() {
		if start == end {
			parts = append(parts, strconv.Itoa(start))
			return
		}
		parts = append(parts, fmt.Sprintf("%d-%d", start, end))
	}
	for _, n := range uniq[1:] {
		if n == end+1 {
			end = n
			continue
		}
		flush()
		start, end = n, n
	}
	flush()
	return strings.Join(parts, ", ")
}

// WriteCSV writes m as Output,Input rows sorted by output.
func WriteCSV(w io.Writer, m Map) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Output", "Input"}); err != nil {
		return err
	}
	for _, out := range m.Outputs() {
		if err := cw.Write([]string{strconv.Itoa(out), strconv.Itoa(m[out])}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
