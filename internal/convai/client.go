// Package convai is a client for the ElevenLabs Conversational AI streaming endpoint.
package convai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/counsel-labs/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// DefaultBaseURL is the public conversation endpoint.
	DefaultBaseURL = "wss://api.elevenlabs.io/v1/convai/conversation"
	// DefaultReceiveTimeout bounds the whole receive phase of one call.
	DefaultReceiveTimeout = 60 * time.Second

	placeholderAPIKey  = "your-elevenlabs-api-key"
	placeholderAgentID = "your-agent-id"

	// FallbackText is returned whenever a vendor call fails.
	FallbackText = "I'm sorry, I encountered an error processing your request. Please try again."
)

// Config holds vendor credentials and endpoint settings.
type Config struct {
	APIKey         string
	AgentID        string
	BaseURL        string
	ReceiveTimeout time.Duration
}

// Reply is the result of one vendor call. Audio is nil when no audio arrived.
type Reply struct {
	Text           string
	Audio          []byte
	ConversationID string
}

// HasAudio reports whether the reply carries audio bytes.
func (r Reply) HasAudio() bool {
	return len(r.Audio) > 0
}

// Client talks to the vendor. It holds no per-conversation state; every
// ProcessMessage call dials, converses and closes its own connection.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewClient creates a vendor client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// Configured returns false when credentials are missing or still placeholders.
func (c *Client) Configured() bool {
	key := strings.TrimSpace(c.cfg.APIKey)
	agent := strings.TrimSpace(c.cfg.AgentID)
	return key != "" && key != placeholderAPIKey && agent != "" && agent != placeholderAgentID
}

// PlaceholderText is the reply given when the vendor is not configured.
func PlaceholderText(message string) string {
	return "I'm a career counselor AI. You asked: " + message +
		"\n\nTo get personalized responses, please configure ElevenLabs API key."
}

// ProcessMessage sends one message to the vendor agent and collects its reply.
// It never returns an error: failures are logged and turned into FallbackText.
func (c *Client) ProcessMessage(ctx context.Context, message string, userID int64, uc *domain.UserContext) Reply {
	if !c.Configured() {
		c.logger.Warn("Vendor credentials not configured, using placeholder reply", "user_id", userID)
		return Reply{Text: PlaceholderText(message)}
	}

	conversationID := uuid.NewString()
	logger := c.logger.With("user_id", userID, "conversation_id", conversationID)

	reply, err := c.converse(ctx, conversationID, message, userID, uc)
	if err != nil {
		logger.Error("Vendor conversation failed", "error", err)
		return Reply{Text: FallbackText, ConversationID: conversationID}
	}

	logger.Info("Vendor conversation completed", "text_len", len(reply.Text), "audio_bytes", len(reply.Audio))
	return reply
}

func (c *Client) converse(ctx context.Context, conversationID, message string, userID int64, uc *domain.UserContext) (Reply, error) {
	wsURL, err := c.endpoint()
	if err != nil {
		return Reply{}, err
	}

	header := http.Header{}
	header.Set("xi-api-key", strings.TrimSpace(c.cfg.APIKey))

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return Reply{}, fmt.Errorf("dial vendor: %w", err)
	}
	defer conn.Close()

	// Unblock reads and writes if the caller goes away mid-conversation.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	deadline := time.Now().Add(c.cfg.ReceiveTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return Reply{}, fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return Reply{}, fmt.Errorf("set read deadline: %w", err)
	}

	hello := outboundFrame{
		Type: frameClientData,
		Data: clientData{
			ConversationID: conversationID,
			UserID:         strconv.FormatInt(userID, 10),
			Context:        buildContext(message, uc),
		},
	}
	if err := conn.WriteJSON(hello); err != nil {
		return Reply{}, fmt.Errorf("send client data: %w", err)
	}

	var first inboundFrame
	if err := conn.ReadJSON(&first); err != nil {
		return Reply{}, fmt.Errorf("read metadata: %w", err)
	}
	if first.Type != frameMetadata {
		return Reply{}, fmt.Errorf("protocol violation: expected %s frame, got %q", frameMetadata, first.Type)
	}

	chunk := outboundFrame{Type: frameUserAudioChunk, Data: userChunk{IsFinal: true, Text: message}}
	if err := conn.WriteJSON(chunk); err != nil {
		return Reply{}, fmt.Errorf("send message: %w", err)
	}

	var text strings.Builder
	var audio bytes.Buffer
	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return Reply{}, fmt.Errorf("read response: %w", err)
		}

		var data inboundData
		if len(frame.Data) > 0 {
			if err := json.Unmarshal(frame.Data, &data); err != nil {
				if frame.Type == frameAgentResponse || frame.Type == frameAudioResponse {
					return Reply{}, fmt.Errorf("decode %s frame: %w", frame.Type, err)
				}
				continue
			}
		}

		switch frame.Type {
		case frameAgentResponse:
			text.WriteString(data.Text)
		case frameAudioResponse:
			if data.Audio != "" {
				raw, err := base64.StdEncoding.DecodeString(data.Audio)
				if err != nil {
					return Reply{}, fmt.Errorf("decode audio: %w", err)
				}
				audio.Write(raw)
			}
		}

		if data.IsFinal {
			break
		}
	}

	reply := Reply{Text: text.String(), ConversationID: conversationID}
	if audio.Len() > 0 {
		reply.Audio = audio.Bytes()
	}
	return reply, nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse vendor url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", strings.TrimSpace(c.cfg.AgentID))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
