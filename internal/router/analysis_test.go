package router

import (
	"testing"

	"github.com/firasghr/anyclaude-proxy/internal/config"
)

func TestAnalyzeRequest_ExtractsModelMessagesToolsAndThinking(t *testing.T) {
	body := []byte(`{
		"model": "claude-3-opus-20240229",
		"messages": [
			{"role":"user","content":[{"type":"text","text":"hello there"},{"type":"image","source":{}}]},
			{"role":"assistant","content":"plain reply"}
		],
		"tools": [{"name":"get_weather"},{"name":"search"}],
		"thinking": {"type":"enabled","budget_tokens":1024}
	}`)
	a := analyzeRequest(body)
	if a == nil {
		t.Fatal("expected a non-nil analysis")
	}
	if a.Model != "claude-3-opus-20240229" {
		t.Errorf("unexpected model: %q", a.Model)
	}
	if a.MessageCount != 2 {
		t.Errorf("expected 2 messages, got %d", a.MessageCount)
	}
	if a.ImageCount != 1 {
		t.Errorf("expected 1 image, got %d", a.ImageCount)
	}
	if !a.ThinkingEnabled {
		t.Error("expected thinking enabled to be detected from type=enabled")
	}
	if len(a.ToolNames) != 2 || a.ToolNames[0] != "get_weather" || a.ToolNames[1] != "search" {
		t.Errorf("unexpected tool names: %v", a.ToolNames)
	}
	if a.EstimatedInputTokens == 0 {
		t.Error("expected a non-zero estimated token count")
	}
}

func TestAnalyzeRequest_NonJSONReturnsNil(t *testing.T) {
	if a := analyzeRequest([]byte("not json")); a != nil {
		t.Errorf("expected nil for non-JSON body, got %+v", a)
	}
}

func TestAnalyzeResponse_ExtractsUsageAndComputesCost(t *testing.T) {
	body := []byte(`{"stop_reason":"end_turn","usage":{"input_tokens":1000,"output_tokens":500}}`)
	pricing := &config.Pricing{InputPerMillionUSD: 3, OutputPerMillionUSD: 15}
	a := analyzeResponse(body, pricing)
	if a == nil {
		t.Fatal("expected a non-nil analysis")
	}
	if a.InputTokens != 1000 || a.OutputTokens != 500 {
		t.Errorf("unexpected token counts: %+v", a)
	}
	if a.StopReason != "end_turn" {
		t.Errorf("unexpected stop reason: %q", a.StopReason)
	}
	wantCost := 1000.0/1e6*3 + 500.0/1e6*15
	if a.CostUSD != wantCost {
		t.Errorf("expected cost %.6f, got %.6f", wantCost, a.CostUSD)
	}
}

func TestAnalyzeResponse_NilPricingLeavesCostZero(t *testing.T) {
	body := []byte(`{"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":5}}`)
	a := analyzeResponse(body, nil)
	if a == nil {
		t.Fatal("expected a non-nil analysis")
	}
	if a.CostUSD != 0 {
		t.Errorf("expected zero cost with no pricing table, got %f", a.CostUSD)
	}
}

func TestAnalyzeResponseSSE_AccumulatesUsageAcrossEvents(t *testing.T) {
	raw := []byte(`event: message_start
data: {"type":"message_start","message":{"usage":{"input_tokens":42,"output_tokens":0}}}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":17}}

`)
	a := analyzeResponseSSE(raw, nil)
	if a == nil {
		t.Fatal("expected a non-nil analysis")
	}
	if a.InputTokens != 42 {
		t.Errorf("expected input tokens from message_start, got %d", a.InputTokens)
	}
	if a.OutputTokens != 17 {
		t.Errorf("expected output tokens from message_delta, got %d", a.OutputTokens)
	}
	if a.StopReason != "end_turn" {
		t.Errorf("expected stop reason from message_delta, got %q", a.StopReason)
	}
}

func TestAnalyzeResponseSSE_NoUsageEventsReturnsNil(t *testing.T) {
	raw := []byte(`event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}

`)
	if a := analyzeResponseSSE(raw, nil); a != nil {
		t.Errorf("expected nil when no usage-bearing event is present, got %+v", a)
	}
}
