package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/counsel-labs/internal/convai"
	"github.com/ashureev/counsel-labs/internal/domain"
	"github.com/ashureev/counsel-labs/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// Frame types sent to the client.
const (
	FrameSystem   = "system"
	FrameTyping   = "typing"
	FrameResponse = "response"
	FrameError    = "error"
)

const (
	connectedText    = "Connected to AI counselor. You can start your conversation now."
	loopErrorText    = "An error occurred during the conversation."
	notFoundText     = "Session not found"
	unauthorizedText = "Not authorized to access this session"
	closedText       = "This session is no longer active"

	writeTimeout = 10 * time.Second
)

// Frame is the client-facing wire format.
type Frame struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Status bool   `json:"status,omitempty"`
	Audio  string `json:"audio,omitempty"`
}

// Orchestrator is the part of the counseling pipeline the channel drives.
type Orchestrator interface {
	Session(ctx context.Context, sessionID int64) (*domain.Session, error)
	OpenSession(ctx context.Context, sessionID int64) (*domain.Session, error)
	HandleMessage(ctx context.Context, sessionID int64, message string) (convai.Reply, error)
}

// Handler serves GET /api/counseling/ws/{sessionID}.
type Handler struct {
	orch           Orchestrator
	conns          *ConnManager
	allowedOrigins []string
	logger         *slog.Logger
}

// NewHandler creates a realtime channel handler.
// An empty allowedOrigins list accepts any origin.
func NewHandler(orch Orchestrator, conns *ConnManager, allowedOrigins []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{orch: orch, conns: conns, allowedOrigins: allowedOrigins, logger: logger}
}

// ServeHTTP upgrades the request and runs the conversation loop until the client leaves.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil {
		http.Error(w, `{"error":"invalid session id"}`, http.StatusBadRequest)
		return
	}
	caller, _ := identity.CallerFromContext(r.Context())
	logger := h.logger.With("session_id", sessionID, "user_id", caller.UserID)
	logger.Info("Counseling channel request", "ip", identity.IPFromRequest(r))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns()})
	if err != nil {
		logger.Warn("Failed to accept websocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "conversation ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx := r.Context()

	sess, err := h.orch.Session(ctx, sessionID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.write(ctx, ws, Frame{Type: FrameError, Text: notFoundText})
		return
	case err != nil:
		logger.Error("Failed to load session", "error", err)
		h.write(ctx, ws, Frame{Type: FrameError, Text: loopErrorText})
		return
	case !sess.OwnedBy(caller.UserID):
		h.write(ctx, ws, Frame{Type: FrameError, Text: unauthorizedText})
		return
	}

	if _, err := h.orch.OpenSession(ctx, sessionID); err != nil {
		text := loopErrorText
		if errors.Is(err, domain.ErrSessionClosed) {
			text = closedText
		} else {
			logger.Error("Failed to start session", "error", err)
		}
		h.write(ctx, ws, Frame{Type: FrameError, Text: text})
		return
	}

	h.conns.Register(caller.UserID, sessionID, ws)
	defer h.conns.Unregister(sessionID, ws)

	if err := h.write(ctx, ws, Frame{Type: FrameSystem, Text: connectedText}); err != nil {
		return
	}

	h.loop(ctx, ws, sessionID, logger)
	logger.Info("Counseling channel ended")
}

func (h *Handler) loop(ctx context.Context, ws *websocket.Conn, sessionID int64, logger *slog.Logger) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				logger.Debug("Counseling channel closed by client")
			} else {
				logger.Warn("Websocket read error", "error", err)
			}
			return
		}

		message := parseInbound(data)
		if message == "" {
			continue
		}

		if err := h.write(ctx, ws, Frame{Type: FrameTyping, Status: true}); err != nil {
			return
		}

		reply, err := h.orch.HandleMessage(ctx, sessionID, message)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, domain.ErrSessionClosed) {
				_ = h.write(ctx, ws, Frame{Type: FrameError, Text: closedText})
				return
			}
			logger.Error("Failed to handle message", "error", err)
			if err := h.write(ctx, ws, Frame{Type: FrameError, Text: loopErrorText}); err != nil {
				return
			}
			continue
		}

		frame := Frame{Type: FrameResponse, Text: reply.Text}
		if reply.HasAudio() {
			frame.Audio = base64.StdEncoding.EncodeToString(reply.Audio)
		}
		if err := h.write(ctx, ws, frame); err != nil {
			return
		}
	}
}

// parseInbound accepts raw text or a JSON object with a text or message field.
func parseInbound(data []byte) string {
	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, "{") {
		var msg struct {
			Text    string `json:"text"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &msg); err == nil {
			if msg.Text != "" {
				return strings.TrimSpace(msg.Text)
			}
			return strings.TrimSpace(msg.Message)
		}
	}
	return raw
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, f Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ws, f); err != nil {
		h.logger.Debug("Websocket write failed", "type", f.Type, "error", err)
		return err
	}
	return nil
}

func (h *Handler) originPatterns() []string {
	if len(h.allowedOrigins) == 0 {
		return []string{"*"}
	}
	patterns := make([]string, 0, len(h.allowedOrigins))
	for _, o := range h.allowedOrigins {
		if o == "*" {
			return []string{"*"}
		}
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		patterns = append(patterns, o)
	}
	return patterns
}
