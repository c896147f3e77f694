package capability

import (
	"bytes"
	"encoding/json"
	"reflect"
	"regexp"
	"time"

	"xrt/internal/domain"
)

type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// DefaultStepName is used for capabilities registered without a step list.
const DefaultStepName = "execute"

var intentTypePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

type StepSpec struct {
	Name        string `json:"name" yaml:"name"`
	Compensable bool   `json:"compensable" yaml:"compensable"`
}

// Definition describes a capability as registered by its owning component.
// IntentType is the registry key.
type Definition struct {
	IntentType      string          `json:"intent_type" yaml:"intent_type"`
	OwningComponent string          `json:"owning_component" yaml:"owning_component"`
	HandlerRef      string          `json:"handler_reference" yaml:"handler_reference"`
	InputSchema     json.RawMessage `json:"input_schema,omitempty" yaml:"-"`
	OutputSchema    json.RawMessage `json:"output_schema,omitempty" yaml:"-"`
	Deterministic   bool            `json:"deterministic" yaml:"deterministic"`
	Mode            Mode            `json:"mode,omitempty" yaml:"mode"`
	TimeoutMillis   int64           `json:"timeout_ms,omitempty" yaml:"timeout_ms"`
	Steps           []StepSpec      `json:"steps,omitempty" yaml:"steps"`
}

// Timeout is the per-step bound, zero when unset.
func (d Definition) Timeout() time.Duration {
	return time.Duration(d.TimeoutMillis) * time.Millisecond
}

func (d Definition) Async() bool { return d.Mode == ModeAsync }

// StepNames returns the declared step sequence.
func (d Definition) StepNames() []string {
	out := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		out[i] = s.Name
	}
	return out
}

// Step returns the declared spec for name.
func (d Definition) Step(name string) (StepSpec, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepSpec{}, false
}

// Normalize fills defaults: sync mode and a single non-compensable step.
func (d Definition) Normalize() Definition {
	if d.Mode == "" {
		d.Mode = ModeSync
	}
	if len(d.Steps) == 0 {
		d.Steps = []StepSpec{{Name: DefaultStepName}}
	}
	d.InputSchema = compact(d.InputSchema)
	d.OutputSchema = compact(d.OutputSchema)
	return d
}

// Validate checks a normalized definition.
func (d Definition) Validate() error {
	if !intentTypePattern.MatchString(d.IntentType) {
		return domain.Errorf(domain.KindInvalidIntent, "invalid intent_type %q", d.IntentType)
	}
	if d.OwningComponent == "" {
		return domain.Errorf(domain.KindInvalidIntent, "owning_component is required for %s", d.IntentType)
	}
	if d.Mode != ModeSync && d.Mode != ModeAsync {
		return domain.Errorf(domain.KindInvalidIntent, "mode must be sync or async, got %q", d.Mode)
	}
	if d.TimeoutMillis < 0 {
		return domain.Errorf(domain.KindInvalidIntent, "timeout_ms must not be negative")
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" {
			return domain.Errorf(domain.KindInvalidIntent, "%s declares a step without a name", d.IntentType)
		}
		if seen[s.Name] {
			return domain.Errorf(domain.KindInvalidIntent, "%s declares step %q twice", d.IntentType, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Equal compares two definitions; schemas are compared by JSON value, not
// by formatting.
func (d Definition) Equal(o Definition) bool {
	a, b := d.Normalize(), o.Normalize()
	if !sameJSON(a.InputSchema, b.InputSchema) || !sameJSON(a.OutputSchema, b.OutputSchema) {
		return false
	}
	a.InputSchema, a.OutputSchema, b.InputSchema, b.OutputSchema = nil, nil, nil, nil
	return reflect.DeepEqual(a, b)
}

func sameJSON(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return bytes.Equal(a, b)
	}
	return reflect.DeepEqual(va, vb)
}

func compact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
