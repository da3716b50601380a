package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/zibochat/engine/internal/genai"
)

// handleChatWS runs a request/reply chat loop over one websocket
// connection. Each inbound frame is a chatRequest; the user_id from the
// query string applies when a frame omits it.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	defaultUserID := strings.TrimSpace(r.URL.Query().Get("user_id"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		return nil
	})

	for {
		var req chatRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		if strings.TrimSpace(req.UserID) == "" {
			req.UserID = defaultUserID
		}

		resp := s.chatOverWS(r, req)
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

const wsIdleTimeout = 120 * time.Second

func (s *Server) chatOverWS(r *http.Request, req chatRequest) chatResponse {
	if strings.TrimSpace(req.UserID) == "" {
		return chatResponse{Timestamp: time.Now().UTC(), Error: "user_id is required"}
	}

	asm, reply, err := s.engine.Chat(r.Context(), req.UserID, req.ChatID, req.ChatRoomID, req.Message)
	if err != nil {
		if errors.Is(err, genai.ErrGenerationUnavailable) {
			return buildChatResponse(asm, "", err.Error())
		}
		return chatResponse{
			UserID:     req.UserID,
			ChatRoomID: req.ChatRoomID,
			Timestamp:  time.Now().UTC(),
			Error:      err.Error(),
		}
	}
	return buildChatResponse(asm, reply, "")
}
