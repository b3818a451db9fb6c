package schema_test

import (
	"testing"

	"github.com/firasghr/anyclaude-proxy/internal/schema"
)

func TestObserve_FirstCallLearnsBaselineWithNoMismatches(t *testing.T) {
	r := schema.NewRegistry()
	body := []byte(`{"id":"1","usage":{"input_tokens":1,"output_tokens":2}}`)
	mismatches := r.Observe("a", body)
	if len(mismatches) != 0 {
		t.Errorf("expected no mismatches on the learning call, got %+v", mismatches)
	}
	if !r.HasBaseline("a") {
		t.Error("expected a baseline to be recorded after the first Observe")
	}
}

func TestObserve_DetectsMissingField(t *testing.T) {
	r := schema.NewRegistry()
	r.Observe("a", []byte(`{"id":"1","usage":{"input_tokens":1}}`))

	mismatches := r.Observe("a", []byte(`{"id":"1"}`))
	found := false
	for _, m := range mismatches {
		if m.Kind == schema.MismatchKindMissing && m.Field == "usage" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a missing-field mismatch for 'usage', got %+v", mismatches)
	}
}

func TestObserve_DetectsAddedField(t *testing.T) {
	r := schema.NewRegistry()
	r.Observe("a", []byte(`{"id":"1"}`))

	mismatches := r.Observe("a", []byte(`{"id":"1","new_field":"x"}`))
	found := false
	for _, m := range mismatches {
		if m.Kind == schema.MismatchKindAdded && m.Field == "new_field" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an added-field mismatch for 'new_field', got %+v", mismatches)
	}
}

func TestObserve_DetectsTypeChange(t *testing.T) {
	r := schema.NewRegistry()
	r.Observe("a", []byte(`{"count":1}`))

	mismatches := r.Observe("a", []byte(`{"count":"1"}`))
	if len(mismatches) != 1 || mismatches[0].Kind != schema.MismatchKindTypeChange {
		t.Errorf("expected one type-change mismatch, got %+v", mismatches)
	}
}

func TestObserve_BackendsHaveIndependentBaselines(t *testing.T) {
	r := schema.NewRegistry()
	r.Observe("a", []byte(`{"id":"1"}`))
	r.Observe("b", []byte(`{"completely":"different","shape":true}`))

	mismatches := r.Observe("b", []byte(`{"completely":"different","shape":true}`))
	if len(mismatches) != 0 {
		t.Errorf("expected backend b's own baseline to match its own response, got %+v", mismatches)
	}
}

func TestObserve_NonObjectBodyIsIgnored(t *testing.T) {
	r := schema.NewRegistry()
	mismatches := r.Observe("a", []byte(`not json`))
	if mismatches != nil {
		t.Errorf("expected nil mismatches for an unparseable body, got %+v", mismatches)
	}
	if r.HasBaseline("a") {
		t.Error("an unparseable body must not establish a baseline")
	}

	mismatches = r.Observe("a", []byte(`[1,2,3]`))
	if mismatches != nil || r.HasBaseline("a") {
		t.Error("a JSON array body must not establish a baseline")
	}
}

func TestReset_ClearsBaselineForRelearning(t *testing.T) {
	r := schema.NewRegistry()
	r.Observe("a", []byte(`{"id":"1"}`))
	r.Reset("a")
	if r.HasBaseline("a") {
		t.Error("expected no baseline immediately after Reset")
	}
	r.Observe("a", []byte(`{"totally":"different"}`))
	mismatches := r.Observe("a", []byte(`{"totally":"different"}`))
	if len(mismatches) != 0 {
		t.Errorf("expected the relearned baseline to match, got %+v", mismatches)
	}
}

func TestFormatMismatches_EmptyReturnsEmptyString(t *testing.T) {
	if got := schema.FormatMismatches(nil); got != "" {
		t.Errorf("expected empty string for no mismatches, got %q", got)
	}
}

func TestBaselineFields_ReturnsSortedPaths(t *testing.T) {
	r := schema.NewRegistry()
	r.Observe("a", []byte(`{"b":1,"a":2,"nested":{"z":3}}`))
	fields := r.BaselineFields("a")
	if len(fields) == 0 {
		t.Fatal("expected baseline fields to be recorded")
	}
	for i := 1; i < len(fields); i++ {
		if fields[i-1] > fields[i] {
			t.Errorf("expected sorted fields, got %v", fields)
		}
	}
}
