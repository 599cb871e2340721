package handlers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/examprep/backend/internal/marking"
	"github.com/examprep/backend/internal/metrics"
	"github.com/examprep/backend/internal/middleware/validation"
	"github.com/examprep/backend/pkg/logger"
)

const defaultMarkTimeout = 2 * time.Minute

type jsonConn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
}

type markMessage struct {
	Type string `json:"type"`
	marking.Request
}

type WebSocketHandler struct {
	marker  Marker
	timeout time.Duration
}

func NewWebSocketHandler(marker Marker, timeout time.Duration) *WebSocketHandler {
	if timeout <= 0 {
		timeout = defaultMarkTimeout
	}
	return &WebSocketHandler{
		marker:  marker,
		timeout: timeout,
	}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	h.serve(c)
}

// serve answers "mark" messages until the client goes away. Each answer is
// streamed word by word and closed with a "complete" message.
func (h *WebSocketHandler) serve(c jsonConn) {
	for {
		var msg markMessage
		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			return
		}

		if msg.Type != "mark" {
			continue
		}

		msg.Question = validation.Sanitize(msg.Question)
		msg.Answer = validation.Sanitize(msg.Answer)

		if err := h.streamFeedback(c, msg.Request); err != nil {
			logger.Error("Failed to stream feedback", zap.Error(err))
			if errors.Is(err, marking.ErrInvalidRequest) {
				metrics.MarkingRequests.WithLabelValues("websocket", "invalid").Inc()
				h.sendError(c, err.Error())
				continue
			}
			metrics.MarkingRequests.WithLabelValues("websocket", "error").Inc()
			h.sendError(c, "Failed to generate feedback")
		}
	}
}

func (h *WebSocketHandler) streamFeedback(c jsonConn, req marking.Request) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.sendChunk(c, "status", "Marking answer..."); err != nil {
		return err
	}

	feedback, err := h.marker.Mark(ctx, req)
	if err != nil {
		return err
	}

	words := splitIntoWords(feedback.Feedback)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 && word != "\n" && words[i+1] != "\n" {
			chunk += " "
		}

		if err := h.sendChunk(c, "chunk", chunk); err != nil {
			return err
		}
	}

	metrics.MarkingRequests.WithLabelValues("websocket", "ok").Inc()
	return h.sendComplete(c, feedback)
}

func (h *WebSocketHandler) sendChunk(c jsonConn, msgType, content string) error {
	return c.WriteJSON(map[string]interface{}{
		"type":    msgType,
		"content": content,
	})
}

func (h *WebSocketHandler) sendComplete(c jsonConn, feedback *marking.Feedback) error {
	return c.WriteJSON(map[string]interface{}{
		"type":           "complete",
		"context_source": feedback.ContextSource,
		"context_chunks": feedback.ContextChunks,
		"usage":          feedback.Usage,
	})
}

func (h *WebSocketHandler) sendError(c jsonConn, errorMsg string) {
	if err := c.WriteJSON(map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}); err != nil {
		logger.Debug("Failed to send WebSocket error", zap.Error(err))
	}
}

// splitIntoWords splits on spaces, keeping line breaks as their own tokens.
func splitIntoWords(text string) []string {
	words := []string{}
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			words = append(words, "\n")
		}
		words = append(words, strings.Fields(line)...)
	}
	return words
}
