package router

import (
	"encoding/json"

	"github.com/firasghr/anyclaude-proxy/internal/config"
	"github.com/firasghr/anyclaude-proxy/internal/observability"
	"github.com/firasghr/anyclaude-proxy/internal/sse"
)

// charsPerTokenEstimate and imageTokenEstimate feed a rough chars-per-token
// heuristic for EstimatedInputTokens; this proxy never vendors a real
// tokenizer, so the estimate is for the debug/metrics surface only, never
// for anything billing-accurate.
const (
	charsPerTokenEstimate = 4
	imageTokenEstimate    = 1500
)

type analyzedMessage struct {
	Content json.RawMessage `json:"content"`
}

type analyzedRequestBody struct {
	Model    string             `json:"model"`
	Messages []analyzedMessage  `json:"messages"`
	Tools    []analyzedToolSpec `json:"tools"`
	Thinking *analyzedThinking  `json:"thinking"`
}

type analyzedToolSpec struct {
	Name string `json:"name"`
}

type analyzedThinking struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

type analyzedContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// analyzeRequest parses a forwarded request body on a best-effort basis.
// Returns nil for anything that does not decode as a JSON object.
func analyzeRequest(body []byte) *observability.RequestAnalysis {
	var parsed analyzedRequestBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}

	a := &observability.RequestAnalysis{
		Model:        parsed.Model,
		MessageCount: len(parsed.Messages),
	}
	if parsed.Thinking != nil && (parsed.Thinking.Enabled || parsed.Thinking.Type == "enabled") {
		a.ThinkingEnabled = true
	}
	for _, t := range parsed.Tools {
		if t.Name != "" {
			a.ToolNames = append(a.ToolNames, t.Name)
		}
	}

	var textChars int
	for _, m := range parsed.Messages {
		var blocks []analyzedContentBlock
		if err := json.Unmarshal(m.Content, &blocks); err == nil {
			for _, b := range blocks {
				if b.Type == "image" {
					a.ImageCount++
				}
				textChars += len(b.Text)
			}
			continue
		}
		var plain string
		if err := json.Unmarshal(m.Content, &plain); err == nil {
			textChars += len(plain)
		}
	}
	a.EstimatedInputTokens = textChars/charsPerTokenEstimate + a.ImageCount*imageTokenEstimate
	return a
}

type analyzedUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type analyzedResponseBody struct {
	StopReason string        `json:"stop_reason"`
	Usage      analyzedUsage `json:"usage"`
}

// analyzeResponse parses a buffered (non-streaming) response body on a
// best-effort basis and applies pricing, if the resolved backend has a
// cost table configured, to estimate CostUSD.
func analyzeResponse(body []byte, pricing *config.Pricing) *observability.ResponseAnalysis {
	var parsed analyzedResponseBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}
	a := &observability.ResponseAnalysis{
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
		StopReason:   parsed.StopReason,
	}
	a.CostUSD = estimateCost(a.InputTokens, a.OutputTokens, pricing)
	return a
}

type analyzedMessageStart struct {
	Message struct {
		Usage analyzedUsage `json:"usage"`
	} `json:"message"`
}

type analyzedMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage analyzedUsage `json:"usage"`
}

// analyzeResponseSSE walks a full accumulated SSE response body (the same
// bytes the thinking registry sees via RegisterFromSSE) for the
// message_start/message_delta events that carry usage and stop_reason,
// since a streamed response never carries one top-level JSON object the
// way a buffered one does. Returns nil if no usage-bearing event was found
// (e.g. a stream that was cut off before message_start).
func analyzeResponseSSE(raw []byte, pricing *config.Pricing) *observability.ResponseAnalysis {
	events := sse.ParseLines(raw)
	a := &observability.ResponseAnalysis{}
	found := false

	for _, ev := range events {
		switch ev.Type {
		case "message_start":
			var ms analyzedMessageStart
			if err := json.Unmarshal(ev.Data, &ms); err == nil {
				a.InputTokens = ms.Message.Usage.InputTokens
				if ms.Message.Usage.OutputTokens > 0 {
					a.OutputTokens = ms.Message.Usage.OutputTokens
				}
				found = true
			}
		case "message_delta":
			var md analyzedMessageDelta
			if err := json.Unmarshal(ev.Data, &md); err == nil {
				if md.Delta.StopReason != "" {
					a.StopReason = md.Delta.StopReason
				}
				if md.Usage.OutputTokens > 0 {
					a.OutputTokens = md.Usage.OutputTokens
				}
				found = true
			}
		}
	}
	if !found {
		return nil
	}
	a.CostUSD = estimateCost(a.InputTokens, a.OutputTokens, pricing)
	return a
}

// estimateCost applies pricing's per-million-token rates to the observed
// token counts. A nil pricing (no cost table configured for this backend)
// leaves CostUSD at zero.
func estimateCost(inputTokens, outputTokens int, pricing *config.Pricing) float64 {
	if pricing == nil {
		return 0
	}
	return float64(inputTokens)/1e6*pricing.InputPerMillionUSD + float64(outputTokens)/1e6*pricing.OutputPerMillionUSD
}
