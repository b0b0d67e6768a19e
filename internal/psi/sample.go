package psi

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Sample is one parsed line of a pressure file.
type Sample struct {
	Line Line
	// Rolling stall percentages over 10s, 60s and 300s windows.
	Avg10  float64
	Avg60  float64
	Avg300 float64
	// Total is the cumulative stall time since boot.
	Total time.Duration
}

// String renders s in the kernel's own format.
func (s Sample) String() string {
	return fmt.Sprintf("%s avg10=%s avg60=%s avg300=%s total=%d",
		s.Line,
		formatAvg(s.Avg10),
		formatAvg(s.Avg60),
		formatAvg(s.Avg300),
		s.Total.Microseconds(),
	)
}

func formatAvg(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// SampleSet holds both lines of one pressure file read.
type SampleSet struct {
	Some Sample
	Full Sample
}

// Select returns the sample for line l.
func (s SampleSet) Select(kind Kind, l Line) (Sample, error) {
	switch l {
	case Some:
		return s.Some, nil
	case Full:
		return s.Full, nil
	default:
		return Sample{}, &UnexpectedTriggerEventError{Kind: kind, Line: l}
	}
}

func (s SampleSet) String() string {
	return s.Some.String() + "\n" + s.Full.String()
}

// Parse parses a single pressure line such as
//
//	full avg10=0.16 avg60=0.00 avg300=0.00 total=27787674
//
// The four key=value terms must appear in exactly this order.
func Parse(line string) (Sample, error) {
	terms := strings.Fields(line)
	if len(terms) == 0 {
		return Sample{}, &ParseError{Kind: UnexpectedTerm, Term: line}
	}

	l, err := ParseLine(terms[0])
	if err != nil {
		return Sample{}, err
	}
	if len(terms) != 5 {
		return Sample{}, &ParseError{Kind: UnexpectedTerm, Term: line}
	}

	s := Sample{Line: l}
	if s.Avg10, err = parseAvg("avg10", terms[1]); err != nil {
		return Sample{}, err
	}
	if s.Avg60, err = parseAvg("avg60", terms[2]); err != nil {
		return Sample{}, err
	}
	if s.Avg300, err = parseAvg("avg300", terms[3]); err != nil {
		return Sample{}, err
	}
	if s.Total, err = parseTotal(terms[4]); err != nil {
		return Sample{}, err
	}
	return s, nil
}

// statValue splits "key=value" and checks the key.
func statValue(key, term string) (string, error) {
	k, v, ok := strings.Cut(term, "=")
	if !ok || k != key {
		return "", &ParseError{Kind: UnexpectedTerm, Term: term}
	}
	return v, nil
}

func parseAvg(key, term string) (float64, error) {
	v, err := statValue(key, term)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, &ParseError{Kind: AvgParse, Term: term, Err: err}
	}
	return f, nil
}

func parseTotal(term string) (time.Duration, error) {
	v, err := statValue("total", term)
	if err != nil {
		return 0, err
	}
	us, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, &ParseError{Kind: TotalParse, Term: term, Err: err}
	}
	if us > math.MaxInt64/uint64(time.Microsecond) {
		return 0, &ParseError{Kind: TotalParse, Term: term, Err: strconv.ErrRange}
	}
	return time.Duration(us) * time.Microsecond, nil
}

// ParseAll parses the full content of a pressure file. Both the some and the
// full line must be present; blank lines are ignored and a repeated line
// replaces the earlier one.
func ParseAll(text string) (SampleSet, error) {
	var set SampleSet
	var haveSome, haveFull bool

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		s, err := Parse(line)
		if err != nil {
			return SampleSet{}, err
		}
		switch s.Line {
		case Some:
			set.Some, haveSome = s, true
		case Full:
			set.Full, haveFull = s, true
		}
	}

	if !haveSome {
		return SampleSet{}, &ParseError{Kind: MissingLine, Line: Some}
	}
	if !haveFull {
		return SampleSet{}, &ParseError{Kind: MissingLine, Line: Full}
	}
	return set, nil
}

// ReadFile reads and parses the pressure file at path.
func ReadFile(path string) (SampleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SampleSet{}, fmt.Errorf("reading %s: %w", path, err)
	}
	set, err := ParseAll(string(data))
	if err != nil {
		return SampleSet{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return set, nil
}

// Read takes a snapshot of the system-wide pressure file for kind.
func Read(kind Kind) (SampleSet, error) {
	if !kind.Valid() {
		return SampleSet{}, fmt.Errorf("unknown psi kind %d", int(kind))
	}
	return ReadFile(kind.Path())
}
