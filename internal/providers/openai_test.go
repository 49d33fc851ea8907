package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewOpenAIImageRequiresKey(t *testing.T) {
	if _, err := NewOpenAIImage(OpenAIImageConfig{}); err == nil {
		t.Fatal("NewOpenAIImage without API key returned nil error")
	}
}

func TestOpenAIGenerate(t *testing.T) {
	imageBytes := []byte("not-really-a-png-but-fine-for-transport")

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/images/generations") {
			http.NotFound(w, r)
			return
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q, want Bearer test-key", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"created": 1700000000,
			"data": []map[string]any{
				{"b64_json": base64.StdEncoding.EncodeToString(imageBytes)},
			},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encoding response: %v", err)
		}
	}))
	defer srv.Close()

	p, err := NewOpenAIImage(OpenAIImageConfig{
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Logger:     discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewOpenAIImage: %v", err)
	}

	res, err := p.Generate(context.Background(), &GenerateRequest{
		Prompt: "a friendly octopus",
		Style:  "cartoon",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if !bytes.Equal(res.Data, imageBytes) {
		t.Error("decoded image does not match server payload")
	}
	if res.Model != "gpt-image-1" {
		t.Errorf("Model = %q, want gpt-image-1", res.Model)
	}
	if res.CostUSD != defaultOpenAICostUSD {
		t.Errorf("CostUSD = %v, want %v", res.CostUSD, defaultOpenAICostUSD)
	}

	prompt, _ := gotBody["prompt"].(string)
	if !strings.Contains(prompt, "a friendly octopus") || !strings.Contains(prompt, "cartoon") {
		t.Errorf("request prompt missing subject or style: %q", prompt)
	}
	if model, _ := gotBody["model"].(string); model != "gpt-image-1" {
		t.Errorf("request model = %q, want gpt-image-1", model)
	}
	if _, ok := gotBody["response_format"]; ok {
		t.Error("gpt-image-1 request should not set response_format")
	}
}

func TestOpenAIGenerateDallESetsResponseFormat(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"created": 1700000000,
			"data": []map[string]any{
				{"b64_json": base64.StdEncoding.EncodeToString([]byte("img"))},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p, err := NewOpenAIImage(OpenAIImageConfig{
		APIKey:     "test-key",
		Model:      "dall-e-3",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Logger:     discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewOpenAIImage: %v", err)
	}
	if _, err := p.Generate(context.Background(), &GenerateRequest{Prompt: "a castle"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if rf, _ := gotBody["response_format"].(string); rf != "b64_json" {
		t.Errorf("response_format = %q, want b64_json for dall-e models", rf)
	}
}

func TestOpenAIGenerateAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		body := map[string]any{
			"error": map[string]any{
				"message": "Incorrect API key provided",
				"type":    "invalid_request_error",
			},
		}
		json.NewEncoder(w).Encode(body)
	}))
	defer srv.Close()

	p, err := NewOpenAIImage(OpenAIImageConfig{
		APIKey:     "bad-key",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Logger:     discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewOpenAIImage: %v", err)
	}

	_, err = p.Generate(context.Background(), &GenerateRequest{Prompt: "anything"})
	if err == nil {
		t.Fatal("Generate against 401 server returned nil error")
	}

	httpErr, ok := AsHTTPError(err)
	if !ok {
		t.Fatalf("error %v is not an HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", httpErr.StatusCode)
	}
	if !IsFatal(err) {
		t.Error("401 should be fatal")
	}
	if got := FatalReason(err); got != "authentication failed" {
		t.Errorf("FatalReason = %q, want %q", got, "authentication failed")
	}
}

func TestNormalizeOpenAISize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"256x256", "256x256"},
		{"512x512", "512x512"},
		{"1024x1024", "1024x1024"},
		{"1536x1024", "1536x1024"},
		{"4096x4096", "1024x1024"},
		{"", "1024x1024"},
		{"huge", "1024x1024"},
	}
	for _, tt := range tests {
		if got := string(normalizeOpenAISize(tt.in)); got != tt.want {
			t.Errorf("normalizeOpenAISize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
