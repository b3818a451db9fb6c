// Package schema detects response-shape drift per backend: each backend's
// first successful response establishes a field-path-to-JSON-type baseline,
// and every later response is diffed against it. Mismatches are logged, not
// enforced — a shape change never blocks a response from reaching the
// client, since the proxy's job is to forward bytes, not to validate them.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MismatchKind classifies one structural difference from a backend's
// learned baseline.
type MismatchKind string

const (
	// MismatchKindMissing: a baseline field is absent from the current response.
	MismatchKindMissing MismatchKind = "missing_field"
	// MismatchKindAdded: a field not in the baseline appeared in the current response.
	MismatchKindAdded MismatchKind = "added_field"
	// MismatchKindTypeChange: a field's JSON type changed from the baseline.
	MismatchKindTypeChange MismatchKind = "type_change"
)

// Mismatch describes a single structural difference.
type Mismatch struct {
	Kind         MismatchKind
	Field        string
	BaselineType string
	CurrentType  string
}

// String renders a one-line, log-ready description of m.
func (m Mismatch) String() string {
	switch m.Kind {
	case MismatchKindMissing:
		return fmt.Sprintf("schema drift [%s] field %q missing (baseline was %s)", m.Kind, m.Field, m.BaselineType)
	case MismatchKindAdded:
		return fmt.Sprintf("schema drift [%s] field %q added (type %s)", m.Kind, m.Field, m.CurrentType)
	case MismatchKindTypeChange:
		return fmt.Sprintf("schema drift [%s] field %q type changed %s -> %s", m.Kind, m.Field, m.BaselineType, m.CurrentType)
	default:
		return fmt.Sprintf("schema drift [%s] field %q", m.Kind, m.Field)
	}
}

// fieldTypes maps dot-separated field paths to their JSON type names.
type fieldTypes map[string]string

// Registry holds one baseline per backend id.
type Registry struct {
	mu        sync.RWMutex
	baselines map[string]fieldTypes
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{baselines: make(map[string]fieldTypes)}
}

// Observe compares body against backendID's baseline and returns any
// mismatches found. If backendID has no baseline yet, body's shape becomes
// the baseline and an empty (nil) mismatch slice is returned. A body that
// does not parse as a JSON object is ignored (no baseline change, no
// mismatches, no error) — SSE event payloads and plain-text error bodies
// are common and are not schema-drift candidates.
func (r *Registry) Observe(backendID string, body []byte) []Mismatch {
	current, ok := extractTypes(body)
	if !ok {
		return nil
	}

	r.mu.Lock()
	baseline, exists := r.baselines[backendID]
	if !exists {
		r.baselines[backendID] = current
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	return diff(baseline, current)
}

// Reset clears backendID's baseline so the next Observe call relearns it.
// Used when an operator knows a backend's API version changed and wants to
// avoid a flood of stale mismatches.
func (r *Registry) Reset(backendID string) {
	r.mu.Lock()
	delete(r.baselines, backendID)
	r.mu.Unlock()
}

// HasBaseline reports whether backendID has an established baseline.
func (r *Registry) HasBaseline(backendID string) bool {
	r.mu.RLock()
	_, ok := r.baselines[backendID]
	r.mu.RUnlock()
	return ok
}

// BaselineFields returns a sorted list of backendID's learned field paths,
// or nil if no baseline has been established.
func (r *Registry) BaselineFields(backendID string) []string {
	r.mu.RLock()
	b := r.baselines[backendID]
	r.mu.RUnlock()
	if b == nil {
		return nil
	}
	fields := make([]string, 0, len(b))
	for k := range b {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

func extractTypes(data []byte) (fieldTypes, bool) {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, false
	}
	types := make(fieldTypes)
	flatten(obj, "", types)
	return types, true
}

func flatten(obj map[string]interface{}, prefix string, out fieldTypes) {
	for k, v := range obj {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]interface{}:
			out[path] = "object"
			flatten(val, path, out)
		case []interface{}:
			out[path] = "array"
		case string:
			out[path] = "string"
		case float64:
			out[path] = "number"
		case bool:
			out[path] = "bool"
		case nil:
			out[path] = "null"
		default:
			out[path] = "unknown"
		}
	}
}

func diff(baseline, current fieldTypes) []Mismatch {
	var mismatches []Mismatch

	for field, bType := range baseline {
		cType, ok := current[field]
		if !ok {
			mismatches = append(mismatches, Mismatch{Kind: MismatchKindMissing, Field: field, BaselineType: bType})
			continue
		}
		if cType != bType {
			mismatches = append(mismatches, Mismatch{Kind: MismatchKindTypeChange, Field: field, BaselineType: bType, CurrentType: cType})
		}
	}
	for field, cType := range current {
		if _, ok := baseline[field]; !ok {
			mismatches = append(mismatches, Mismatch{Kind: MismatchKindAdded, Field: field, CurrentType: cType})
		}
	}

	sort.Slice(mismatches, func(i, j int) bool {
		if mismatches[i].Field != mismatches[j].Field {
			return mismatches[i].Field < mismatches[j].Field
		}
		return string(mismatches[i].Kind) < string(mismatches[j].Kind)
	})
	return mismatches
}

// FormatMismatches joins mismatches into a multi-line, log-ready string.
// Returns "" for an empty slice.
func FormatMismatches(mismatches []Mismatch) string {
	if len(mismatches) == 0 {
		return ""
	}
	lines := make([]string, len(mismatches))
	for i, m := range mismatches {
		lines[i] = m.String()
	}
	return strings.Join(lines, "\n")
}
