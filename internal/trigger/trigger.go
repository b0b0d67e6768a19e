// Package trigger describes PSI threshold triggers and encodes them into the
// control string the kernel expects on the pressure file.
package trigger

import (
	"fmt"
	"strconv"
	"time"

	"github.com/setevik/psiwatch/internal/psi"
)

// Threshold asks the kernel to signal once Stall worth of stall time has
// accumulated within any Window.
type Threshold struct {
	Stall  time.Duration
	Window time.Duration
}

// Validate checks the constraints the kernel would otherwise reject.
func (t Threshold) Validate() error {
	if t.Stall < 0 || t.Window < 0 {
		return fmt.Errorf("%w: negative duration in %s", psi.ErrInvalidThreshold, t)
	}
	if t.Stall > t.Window {
		return fmt.Errorf("%w: stall exceeds window in %s", psi.ErrInvalidThreshold, t)
	}
	return nil
}

func (t Threshold) String() string {
	return fmt.Sprintf("%dus stall in %dus window", t.Stall.Microseconds(), t.Window.Microseconds())
}

// Descriptor is a complete trigger definition. Obtain one from New; the zero
// value has no target and is rejected by Validate.
type Descriptor struct {
	kind      psi.Kind
	line      psi.Line
	path      string
	threshold Threshold
}

func (d Descriptor) Kind() psi.Kind       { return d.kind }
func (d Descriptor) Line() psi.Line       { return d.line }
func (d Descriptor) Path() string         { return d.path }
func (d Descriptor) Threshold() Threshold { return d.threshold }

// Encode returns the NUL-terminated control string that arms the trigger,
// e.g. "full 50000 500000\x00".
func (d Descriptor) Encode() []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, d.line.String()...)
	buf = append(buf, ' ')
	buf = strconv.AppendInt(buf, d.threshold.Stall.Microseconds(), 10)
	buf = append(buf, ' ')
	buf = strconv.AppendInt(buf, d.threshold.Window.Microseconds(), 10)
	return append(buf, 0)
}

// Validate reports whether d can be registered.
func (d Descriptor) Validate() error {
	if !d.kind.Valid() || d.path == "" {
		return fmt.Errorf("%w: trigger has no target resource", psi.ErrInvalidThreshold)
	}
	if !d.line.Valid() {
		return fmt.Errorf("%w: trigger has no aggregation line", psi.ErrInvalidThreshold)
	}
	return d.threshold.Validate()
}

func (d Descriptor) String() string {
	return fmt.Sprintf("psi %s trigger on '%s' line with threshold: %s", d.kind, d.line, d.threshold)
}

// Builder is the first step of building a Descriptor. Each step returns the
// next builder type so a descriptor cannot be built with a field missing:
//
//	trigger.New().Memory().Full().Stall(50*time.Millisecond).Window(500*time.Millisecond).Build()
type Builder struct{}

// New starts building a trigger.
func New() Builder {
	return Builder{}
}

// Kind selects the resource and with it the pressure file.
func (Builder) Kind(kind psi.Kind) KindBuilder {
	return KindBuilder{kind: kind, path: kind.Path()}
}

func (b Builder) Memory() KindBuilder { return b.Kind(psi.Memory) }
func (b Builder) IO() KindBuilder     { return b.Kind(psi.IO) }
func (b Builder) CPU() KindBuilder    { return b.Kind(psi.CPU) }

// KindBuilder has a resource and needs an aggregation line.
type KindBuilder struct {
	kind psi.Kind
	path string
}

func (b KindBuilder) Line(line psi.Line) LineBuilder {
	return LineBuilder{kind: b.kind, path: b.path, line: line}
}

func (b KindBuilder) Some() LineBuilder { return b.Line(psi.Some) }
func (b KindBuilder) Full() LineBuilder { return b.Line(psi.Full) }

// LineBuilder has a resource and line and needs a threshold.
type LineBuilder struct {
	kind psi.Kind
	path string
	line psi.Line
}

func (b LineBuilder) Stall(stall time.Duration) StallBuilder {
	return StallBuilder{kind: b.kind, path: b.path, line: b.line, stall: stall}
}

// Threshold supplies stall and window in one step.
func (b LineBuilder) Threshold(t Threshold) StagedBuilder {
	return StagedBuilder{d: Descriptor{kind: b.kind, path: b.path, line: b.line, threshold: t}}
}

// StallBuilder needs the window the stall is measured over.
type StallBuilder struct {
	kind  psi.Kind
	path  string
	line  psi.Line
	stall time.Duration
}

func (b StallBuilder) Window(window time.Duration) StagedBuilder {
	return StagedBuilder{d: Descriptor{
		kind:      b.kind,
		path:      b.path,
		line:      b.line,
		threshold: Threshold{Stall: b.stall, Window: window},
	}}
}

// StagedBuilder holds a complete descriptor.
type StagedBuilder struct {
	d Descriptor
}

func (b StagedBuilder) Build() Descriptor {
	return b.d
}
