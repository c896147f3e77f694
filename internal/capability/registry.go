package capability

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"xrt/internal/domain"
)

// Capability is a registered definition bound to its handler, with
// schemas resolved once at registration.
type Capability struct {
	Definition
	Handler Handler

	input  *jsonschema.Resolved
	output *jsonschema.Resolved
}

// ValidateInput checks an intent payload against the input schema.
func (c *Capability) ValidateInput(payload json.RawMessage) error {
	if err := validate(c.input, payload); err != nil {
		return domain.Wrap(domain.KindInvalidIntent, err, fmt.Sprintf("payload rejected by %s input schema", c.IntentType))
	}
	return nil
}

// ValidateOutput checks a step result against the output schema.
func (c *Capability) ValidateOutput(output json.RawMessage) error {
	if err := validate(c.output, output); err != nil {
		return domain.Wrap(domain.KindStepFailed, err, fmt.Sprintf("output rejected by %s output schema", c.IntentType))
	}
	return nil
}

func validate(rs *jsonschema.Resolved, raw json.RawMessage) error {
	if rs == nil {
		return nil
	}
	var instance any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &instance); err != nil {
			return fmt.Errorf("decode instance: %w", err)
		}
	}
	return rs.Validate(instance)
}

func resolveSchema(raw json.RawMessage) (*jsonschema.Resolved, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return s.Resolve(nil)
}

// Registry maps intent types to capabilities. It owns no goroutines and
// executes nothing; its lifecycle belongs to whoever constructs it.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]*Capability
	log  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{caps: make(map[string]*Capability), log: logger}
}

// Register adds def bound to h. Re-registering an identical definition is a
// no-op that keeps the original handler; a differing definition under the
// same intent type is ConflictingDefinition.
func (r *Registry) Register(def Definition, h Handler) error {
	def = def.Normalize()
	if err := def.Validate(); err != nil {
		return err
	}
	if h == nil {
		return domain.Errorf(domain.KindInvalidIntent, "%s registered without a handler", def.IntentType)
	}
	in, err := resolveSchema(def.InputSchema)
	if err != nil {
		return domain.Wrap(domain.KindInvalidIntent, err, "invalid input_schema for "+def.IntentType)
	}
	out, err := resolveSchema(def.OutputSchema)
	if err != nil {
		return domain.Wrap(domain.KindInvalidIntent, err, "invalid output_schema for "+def.IntentType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.caps[def.IntentType]; ok {
		if existing.Definition.Equal(def) {
			return nil
		}
		return domain.Errorf(domain.KindConflictingDefinition, "%s is already registered by %s with a different definition",
			def.IntentType, existing.OwningComponent).WithDetail("intent_type", def.IntentType)
	}
	r.caps[def.IntentType] = &Capability{Definition: def, Handler: h, input: in, output: out}
	r.log.Info("capability registered", "intent_type", def.IntentType, "owning_component", def.OwningComponent,
		"mode", def.Mode, "steps", len(def.Steps))
	return nil
}

// Deregister removes intentType.
func (r *Registry) Deregister(intentType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.caps[intentType]; !ok {
		return notFound(intentType)
	}
	delete(r.caps, intentType)
	r.log.Info("capability deregistered", "intent_type", intentType)
	return nil
}

// Lookup resolves intentType to its capability.
func (r *Registry) Lookup(intentType string) (*Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[intentType]
	if !ok {
		return nil, notFound(intentType)
	}
	return c, nil
}

// List returns definitions sorted by intent type, optionally restricted to
// one owning component.
func (r *Registry) List(owningComponent string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.caps))
	for _, c := range r.caps {
		if owningComponent != "" && c.OwningComponent != owningComponent {
			continue
		}
		out = append(out, c.Definition)
	}
	slices.SortFunc(out, func(a, b Definition) int { return strings.Compare(a.IntentType, b.IntentType) })
	return out
}

func notFound(intentType string) error {
	return domain.Errorf(domain.KindCapabilityNotFound, "no capability registered for intent %q", intentType).
		WithDetail("intent_type", intentType)
}
