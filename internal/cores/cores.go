package cores

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Set is a canonical core set: strictly ascending, no duplicates, never
// empty. Built once by Parse and not mutated afterwards.
type Set []int

// InvalidSpecError reports a core specification that failed to parse.
// Token carries the offending piece of the input.
type InvalidSpecError struct {
	Spec   string
	Token  string
	Reason string
}

func (e *InvalidSpecError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("invalid core spec %q: %s", e.Spec, e.Reason)
	}
	return fmt.Sprintf("invalid core spec %q: token %q: %s", e.Spec, e.Token, e.Reason)
}

// Parse turns core specification strings like "0", "0,2,4", or "9-16"
// into a canonical Set. Whitespace around tokens is ignored. Any
// malformed token aborts the whole parse; no partial set is returned.
// The same grammar covers kernel cpulist files such as
// /sys/devices/system/cpu/online.
func Parse(spec string) (Set, error) {
	var cpus []int
	seen := make(map[int]bool)

	parts := strings.Split(spec, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, &InvalidSpecError{Spec: spec, Token: part, Reason: "empty token"}
		}

		if strings.Contains(part, "-") {
			rangeParts := strings.Split(part, "-")
			if len(rangeParts) != 2 {
				return nil, &InvalidSpecError{Spec: spec, Token: part, Reason: "malformed range"}
			}

			start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
			if err != nil {
				return nil, &InvalidSpecError{Spec: spec, Token: part, Reason: "malformed range start"}
			}

			end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
			if err != nil {
				return nil, &InvalidSpecError{Spec: spec, Token: part, Reason: "malformed range end"}
			}

			if start > end {
				return nil, &InvalidSpecError{
					Spec:   spec,
					Token:  part,
					Reason: fmt.Sprintf("start > end (%d > %d)", start, end),
				}
			}

			for i := start; i <= end; i++ {
				if !seen[i] {
					cpus = append(cpus, i)
					seen[i] = true
				}
			}
		} else {
			cpu, err := strconv.Atoi(part)
			if err != nil {
				return nil, &InvalidSpecError{Spec: spec, Token: part, Reason: "not a core id"}
			}

			if !seen[cpu] {
				cpus = append(cpus, cpu)
				seen[cpu] = true
			}
		}
	}

	if len(cpus) == 0 {
		return nil, &InvalidSpecError{Spec: spec, Reason: "no cores specified"}
	}

	sort.Ints(cpus)
	return Set(cpus), nil
}

// String renders the set as a comma list of single ids, so that
// Parse(s.String()) always reproduces the same set.
func (s Set) String() string {
	parts := make([]string, len(s))
	for i, c := range s {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}

// Ranges renders the set in compressed cpulist form ("1-3,5") for
// display and for kernel cpulist writes.
func (s Set) Ranges() string {
	if len(s) == 0 {
		return ""
	}

	var b strings.Builder
	start := s[0]
	prev := s[0]
	flush := func(end int) {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if start == end {
			b.WriteString(strconv.Itoa(start))
		} else {
			b.WriteString(strconv.Itoa(start))
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(end))
		}
	}

	for _, c := range s[1:] {
		if c == prev+1 {
			prev = c
			continue
		}
		flush(prev)
		start = c
		prev = c
	}
	flush(prev)

	return b.String()
}

func (s Set) Contains(core int) bool {
	i := sort.SearchInts(s, core)
	return i < len(s) && s[i] == core
}

// Max returns the highest core id in the set.
func (s Set) Max() int {
	return s[len(s)-1]
}
