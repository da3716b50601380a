package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/zibochat/engine/internal/catalog"
	"github.com/zibochat/engine/internal/chat"
	"github.com/zibochat/engine/internal/config"
	"github.com/zibochat/engine/internal/conversation"
	"github.com/zibochat/engine/internal/embed"
	"github.com/zibochat/engine/internal/genai"
	"github.com/zibochat/engine/internal/memory"
	"github.com/zibochat/engine/internal/observability"
	"github.com/zibochat/engine/internal/profile"
	"github.com/zibochat/engine/internal/queue"
	"github.com/zibochat/engine/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	backend := storage.NewInMemoryBackend()
	metrics := observability.NewMetricsWithRegistry("test", prometheus.NewRegistry())
	logger := zerolog.Nop()

	profiles, err := profile.NewCache(backend, 128, time.Minute, metrics, logger)
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	t.Cleanup(profiles.Close)

	q := queue.New(queue.Config{Workers: 2, Depth: 64, MaxRetries: 2, RetryInterval: time.Millisecond}, metrics, logger)
	t.Cleanup(q.Close)

	engine := chat.NewEngine(
		chat.Options{HistoryWindow: 20, TopK: 5, AssembleTimeout: 5 * time.Second},
		conversation.NewLog(backend, 200, logger),
		profiles,
		memory.NewSummarizer(backend, logger),
		catalog.NewIndex(embed.NewLocal(64), false, metrics, logger),
		q,
		genai.NewMockGenerator(),
		backend,
		metrics,
		logger,
	)
	return New(config.Config{BindAddr: ":0"}, engine, logger)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChatEndpoint(t *testing.T) {
	h := newTestServer(t).Router()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/chat", map[string]string{
		"user_id": "u1",
		"message": "سلام، یه ضد آفتاب میخوام",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.Response == "" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.UserID != "u1" || resp.ChatRoomID != conversation.DefaultRoom {
		t.Fatalf("key fields = %q/%q", resp.UserID, resp.ChatRoomID)
	}
	if resp.RecommendedProducts == nil {
		t.Fatalf("recommended_products must be an empty array, not null")
	}
}

func TestChatEndpointValidation(t *testing.T) {
	h := newTestServer(t).Router()

	tests := []struct {
		name string
		body map[string]string
		code string
	}{
		{"missing user", map[string]string{"message": "سلام"}, "invalid_input"},
		{"empty message", map[string]string{"user_id": "u1", "message": "  "}, "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/api/v1/chat", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var er errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &er); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if er.Code != tt.code {
				t.Fatalf("code = %q, want %q", er.Code, tt.code)
			}
		})
	}
}

func TestProfileRoundTrip(t *testing.T) {
	h := newTestServer(t).Router()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/profile/u1", map[string]any{
		"skin_type": "oily",
		"age":       27,
		"concerns":  []string{"acne"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/profile/u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var p profile.Profile
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if p.SkinType != "oily" || p.Age != 27 || len(p.Concerns) != 1 {
		t.Fatalf("profile = %+v", p)
	}
}

func TestConversationEndpoints(t *testing.T) {
	h := newTestServer(t).Router()

	// New user: empty history, not an error.
	rec := doJSON(t, h, http.MethodGet, "/api/v1/conversation/u1?limit=50", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", rec.Code, rec.Body)
	}
	var conv conversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	if conv.TotalCount != 0 {
		t.Fatalf("TotalCount = %d, want 0", conv.TotalCount)
	}

	// One chat turn produces a user and an assistant message.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/chat", map[string]string{
		"user_id": "u1", "message": "سلام",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/conversation/u1", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	if conv.TotalCount != 2 {
		t.Fatalf("TotalCount = %d, want 2", conv.TotalCount)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/conversation/u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"removed":2`) {
		t.Fatalf("delete body = %s", rec.Body)
	}
}

func TestConversationLimitValidation(t *testing.T) {
	h := newTestServer(t).Router()

	rec := doJSON(t, h, http.MethodGet, "/api/v1/conversation/u1?limit=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAdminProductEndpoints(t *testing.T) {
	h := newTestServer(t).Router()

	records := []map[string]any{
		{"product_id": "p1", "name": "کرم ضد آفتاب", "description": "ضد آفتاب پوست چرب"},
		{"product_id": "p2", "name": "آبرسان", "description": "مرطوب کننده"},
	}
	rec := doJSON(t, h, http.MethodPost, "/api/v1/admin/index-products", records)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("index status = %d, body = %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"accepted":2`) {
		t.Fatalf("index body = %s", rec.Body)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/admin/products/p2", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("delete status = %d", rec.Code)
	}

	// The rebuild is async; poll stats until it lands.
	deadline := time.Now().Add(3 * time.Second)
	for {
		rec = doJSON(t, h, http.MethodGet, "/api/v1/stats", nil)
		var stats chat.Stats
		if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
			t.Fatalf("decode stats: %v", err)
		}
		if stats.IndexGeneration > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("index never built, stats = %+v", stats)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryEndpointUnknownUser(t *testing.T) {
	h := newTestServer(t).Router()

	rec := doJSON(t, h, http.MethodGet, "/api/v1/memory/stranger", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with empty summary", rec.Code)
	}
	var sum memory.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.EvidenceCount != 0 {
		t.Fatalf("EvidenceCount = %d, want 0", sum.EvidenceCount)
	}
}

func TestHealthEndpoints(t *testing.T) {
	h := newTestServer(t).Router()

	for _, path := range []string{"/healthz", "/readyz", "/"} {
		rec := doJSON(t, h, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, rec.Code)
		}
	}
}
