// Package psi parses Linux Pressure Stall Information from the
// /proc/pressure pseudo-files.
package psi

import "fmt"

// System-wide pressure files, one per resource.
const (
	MemoryPressurePath = "/proc/pressure/memory"
	IOPressurePath     = "/proc/pressure/io"
	CPUPressurePath    = "/proc/pressure/cpu"
)

// Kind identifies the resource a pressure file reports on.
type Kind int

const (
	Memory Kind = iota + 1
	IO
	CPU
)

// Kinds lists every resource in the order status output prints them.
var Kinds = []Kind{Memory, IO, CPU}

// Path returns the pressure file for k, or "" for an unknown kind.
func (k Kind) Path() string {
	switch k {
	case Memory:
		return MemoryPressurePath
	case IO:
		return IOPressurePath
	case CPU:
		return CPUPressurePath
	default:
		return ""
	}
}

// Valid reports whether k is one of the known resources.
func (k Kind) Valid() bool {
	return k.Path() != ""
}

func (k Kind) String() string {
	switch k {
	case Memory:
		return "memory"
	case IO:
		return "io"
	case CPU:
		return "cpu"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps "memory", "io" or "cpu" to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "memory":
		return Memory, nil
	case "io":
		return IO, nil
	case "cpu":
		return CPU, nil
	default:
		return 0, fmt.Errorf("unknown psi kind %q", s)
	}
}

// Line selects one aggregation line of a pressure file. Some means at least
// one task was stalled, Full means all non-idle tasks were stalled at once.
type Line int

const (
	Some Line = iota + 1
	Full
)

// Valid reports whether l is Some or Full.
func (l Line) Valid() bool {
	return l == Some || l == Full
}

func (l Line) String() string {
	switch l {
	case Some:
		return "some"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("line(%d)", int(l))
	}
}

// ParseLine maps the leading term of a pressure line to a Line. Matching is
// case-sensitive.
func ParseLine(s string) (Line, error) {
	switch s {
	case "some":
		return Some, nil
	case "full":
		return Full, nil
	default:
		return 0, &ParseError{Kind: UnexpectedTerm, Term: s}
	}
}
