package vision

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shezan57/intelligent-ppe-monitoring/internal/model"
	"github.com/Shezan57/intelligent-ppe-monitoring/internal/resilience"
)

func messageServer(t *testing.T, status int, text string, inspect func(body map[string]any)) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if inspect != nil {
			inspect(body)
		}

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
				"type":  "error",
				"error": map[string]any{"type": "overloaded_error", "message": "Overloaded"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":          "msg_test_001",
			"type":        "message",
			"role":        "assistant",
			"content":     []map[string]any{{"type": "text", "text": text}},
			"model":       "claude-haiku-4-5-20251001",
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 420, "output_tokens": 12},
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestVerifier_VerifyRegion(t *testing.T) {
	ts := messageServer(t, http.StatusOK, `{"found": true, "confidence": 0.92}`, func(body map[string]any) {
		msgs := body["messages"].([]any)
		require.Len(t, msgs, 1)
		content := msgs[0].(map[string]any)["content"].([]any)
		require.Len(t, content, 2)
		img := content[0].(map[string]any)
		assert.Equal(t, "image", img["type"])
		src := img["source"].(map[string]any)
		assert.Equal(t, "base64", src["type"])
		assert.Equal(t, "image/png", src["media_type"])
		assert.NotEmpty(t, src["data"])
		txt := content[1].(map[string]any)
		assert.Contains(t, txt["text"], "hard hat")
	})

	v := NewVerifier(NewClient("test-key", option.WithBaseURL(ts.URL)), "claude-haiku-4-5-20251001", 0)
	f, err := v.VerifyRegion(context.Background(), image.NewRGBA(image.Rect(0, 0, 32, 32)), model.RegionHead)
	require.NoError(t, err)
	assert.True(t, f.Found)
	assert.InDelta(t, 0.92, f.Confidence, 1e-9)
}

func TestVerifier_OverloadIsTransient(t *testing.T) {
	ts := messageServer(t, 529, "", nil)

	v := NewVerifier(NewClient("test-key", option.WithBaseURL(ts.URL)), "claude-haiku-4-5-20251001", 64)
	_, err := v.VerifyRegion(context.Background(), image.NewRGBA(image.Rect(0, 0, 32, 32)), model.RegionTorso)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestVerifier_UnparseableReply(t *testing.T) {
	ts := messageServer(t, http.StatusOK, "I cannot tell.", nil)

	v := NewVerifier(NewClient("test-key", option.WithBaseURL(ts.URL)), "claude-haiku-4-5-20251001", 64)
	_, err := v.VerifyRegion(context.Background(), image.NewRGBA(image.Rect(0, 0, 32, 32)), model.RegionTorso)
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "torso region")
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		found   bool
		conf    float64
		wantErr bool
	}{
		{"plain", `{"found": false, "confidence": 0.1}`, false, 0.1, false},
		{"fenced", "```json\n{\"found\": true, \"confidence\": 0.7}\n```", true, 0.7, false},
		{"clamped", `{"found": true, "confidence": 3}`, true, 1, false},
		{"missing found", `{"confidence": 0.4}`, false, 0, true},
		{"no object", "yes", false, 0, true},
		{"broken", `{"found": tru}`, false, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseReply(tt.text)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.found, f.Found)
			assert.InDelta(t, tt.conf, f.Confidence, 1e-9)
		})
	}
}

func TestPrompt(t *testing.T) {
	assert.Contains(t, Prompt(model.RegionHead), "head")
	assert.Contains(t, Prompt(model.RegionTorso), "safety vest")
}

func TestTokenUsage_EstimateCost(t *testing.T) {
	u := TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	assert.InDelta(t, 4.80, u.EstimateCost("claude-haiku-4-5-20251001"), 1e-9)
	assert.Zero(t, u.EstimateCost("unknown"))
}
