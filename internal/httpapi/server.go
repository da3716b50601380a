package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zibochat/engine/internal/catalog"
	"github.com/zibochat/engine/internal/chat"
	"github.com/zibochat/engine/internal/config"
	"github.com/zibochat/engine/internal/conversation"
	"github.com/zibochat/engine/internal/genai"
	"github.com/zibochat/engine/internal/observability"
	"github.com/zibochat/engine/internal/profile"
	"github.com/zibochat/engine/internal/storage"
)

// Server is the thin routing layer over the chat engine.
type Server struct {
	cfg      config.Config
	engine   *chat.Engine
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, engine *chat.Engine, logger zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		engine: engine,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly
				// opened up; non-browser clients omit Origin and pass.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{
			"message":   "zibochat engine is running",
			"status":    "healthy",
			"timestamp": time.Now().UTC(),
		})
	})
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/api/v1/profile/{userID}", s.handleGetProfile)
	r.Post("/api/v1/profile/{userID}", s.handleUpdateProfile)
	r.Post("/api/v1/chat", s.handleChat)
	r.Get("/api/v1/chat/ws", s.handleChatWS)
	r.Get("/api/v1/conversation/{userID}", s.handleGetConversation)
	r.Delete("/api/v1/conversation/{userID}", s.handleClearConversation)
	r.Get("/api/v1/memory/{userID}", s.handleGetMemory)
	r.Post("/api/v1/admin/index-products", s.handleIndexProducts)
	r.Post("/api/v1/admin/products", s.handleUpsertProducts)
	r.Delete("/api/v1/admin/products/{productID}", s.handleDeleteProduct)
	r.Get("/api/v1/stats", s.handleStats)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.engine.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"index_generation":     stats.IndexGeneration,
		"active_conversations": stats.ActiveConversations,
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_input", "missing user id")
		return
	}
	p, err := s.engine.GetProfile(r.Context(), userID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_input", "missing user id")
		return
	}
	var partial profile.Partial
	if err := decodeJSON(r, &partial); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	p, err := s.engine.SetProfile(r.Context(), userID, partial)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// chatRequest accepts both the current chat_room_id and the legacy
// chat_id; the engine normalizes them into one key.
type chatRequest struct {
	UserID     string `json:"user_id"`
	ChatID     string `json:"chat_id"`
	ChatRoomID string `json:"chat_room_id"`
	Message    string `json:"message"`
}

type recommendedProduct struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Score     float32 `json:"score"`
}

type chatResponse struct {
	UserID              string               `json:"user_id"`
	ChatID              string               `json:"chat_id"`
	ChatRoomID          string               `json:"chat_room_id"`
	Response            string               `json:"response"`
	RecommendedProducts []recommendedProduct `json:"recommended_products"`
	Timestamp           time.Time            `json:"timestamp"`
	Success             bool                 `json:"success"`
	Error               string               `json:"error,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_input", "user_id is required")
		return
	}

	asm, reply, err := s.engine.Chat(r.Context(), req.UserID, req.ChatID, req.ChatRoomID, req.Message)
	if err != nil {
		if errors.Is(err, genai.ErrGenerationUnavailable) {
			// The context was assembled; hand it back so the caller can
			// retry generation without paying for re-assembly.
			respondJSON(w, http.StatusBadGateway, map[string]any{
				"error":   err.Error(),
				"code":    "generation_unavailable",
				"context": asm,
			})
			return
		}
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, buildChatResponse(asm, reply, ""))
}

func buildChatResponse(asm chat.Context, reply, errMsg string) chatResponse {
	recs := make([]recommendedProduct, 0, len(asm.Retrieved))
	for _, m := range asm.Retrieved {
		recs = append(recs, recommendedProduct{ProductID: m.Product.ID, Name: m.Product.Name, Score: m.Score})
	}
	return chatResponse{
		UserID:              asm.UserID,
		ChatID:              asm.ChatRoomID,
		ChatRoomID:          asm.ChatRoomID,
		Response:            reply,
		RecommendedProducts: recs,
		Timestamp:           time.Now().UTC(),
		Success:             errMsg == "",
		Error:               errMsg,
	}
}

type conversationResponse struct {
	UserID     string              `json:"user_id"`
	ChatRoomID string              `json:"chat_room_id"`
	Messages   []conversation.Turn `json:"messages"`
	TotalCount int                 `json:"total_count"`
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	key := conversation.NormalizeKey(userID, r.URL.Query().Get("chat_id"), r.URL.Query().Get("chat_room_id"))

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_input", "limit must be an integer")
			return
		}
		limit = n
	}

	turns, err := s.engine.GetHistory(r.Context(), key, limit)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conversationResponse{
		UserID:     key.UserID,
		ChatRoomID: key.ChatRoomID,
		Messages:   turns,
		TotalCount: len(turns),
	})
}

func (s *Server) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	key := conversation.NormalizeKey(userID, r.URL.Query().Get("chat_id"), r.URL.Query().Get("chat_room_id"))

	removed, err := s.engine.ClearHistory(r.Context(), key)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":      key.UserID,
		"chat_room_id": key.ChatRoomID,
		"removed":      removed,
	})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	sum, err := s.engine.GetMemory(r.Context(), userID)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (s *Server) handleIndexProducts(w http.ResponseWriter, r *http.Request) {
	var records []catalog.Product
	if err := decodeJSON(r, &records); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	s.engine.Reindex(records)
	respondJSON(w, http.StatusAccepted, map[string]any{"accepted": len(records)})
}

func (s *Server) handleUpsertProducts(w http.ResponseWriter, r *http.Request) {
	var records []catalog.Product
	if err := decodeJSON(r, &records); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	s.engine.UpsertProducts(records)
	respondJSON(w, http.StatusAccepted, map[string]any{"accepted": len(records)})
}

func (s *Server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		respondError(w, http.StatusBadRequest, "invalid_input", "missing product id")
		return
	}
	s.engine.DeleteProduct(productID)
	respondJSON(w, http.StatusAccepted, map[string]any{"product_id": productID})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, chat.ErrContextUnavailable),
		errors.Is(err, catalog.ErrIndexNotBuilt),
		errors.Is(err, catalog.ErrIndexUnavailable):
		respondError(w, http.StatusServiceUnavailable, "context_unavailable", err.Error())
	case errors.Is(err, storage.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		s.log.Error().Err(err).Msg("unhandled engine error")
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
