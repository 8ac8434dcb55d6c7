package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"tg_vpn_shop_bot/internal/logging"
	"tg_vpn_shop_bot/internal/notify"
	"tg_vpn_shop_bot/internal/panel"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Remnawave-Signature"

// EventHandler reacts to one panel webhook event.
type EventHandler interface {
	HandleEvent(ctx context.Context, event string, rec panel.User) (bool, error)
}

type webhookEnvelope struct {
	Event   string          `json:"event"`
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handlePanelWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.String(http.StatusBadRequest, "bad_request")
		return
	}

	if s.secret != "" {
		sig := c.GetHeader(SignatureHeader)
		if sig == "" {
			c.String(http.StatusForbidden, "no_signature")
			return
		}
		if !validSignature(s.secret, body, sig) {
			s.logger.WithField("event", "panel_webhook_bad_signature").Warn("panel webhook signature mismatch")
			c.String(http.StatusForbidden, "invalid_signature")
			return
		}
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.String(http.StatusBadRequest, "bad_request")
		return
	}

	event := env.Name
	if event == "" {
		event = env.Event
	}
	if event == "" {
		c.String(http.StatusOK, "ok_no_event")
		return
	}

	rec, err := decodeWebhookUser(env)
	if err != nil {
		c.String(http.StatusBadRequest, "bad_request")
		return
	}

	log := logging.Enrich(s.logger, logging.Context{PanelUUID: rec.UUID, Event: "panel_webhook"}).
		WithField("panel_event", event)
	log.Info("panel webhook event received")

	if _, err := s.events.HandleEvent(c.Request.Context(), event, rec); err != nil && !errors.Is(err, notify.ErrUnknownEvent) {
		log.WithError(err).Error("panel webhook event failed")
	}
	c.String(http.StatusOK, "ok")
}

// decodeWebhookUser accepts the user either directly in the payload or nested
// under a "user" key.
func decodeWebhookUser(env webhookEnvelope) (panel.User, error) {
	raw := env.Payload
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = env.Data
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return panel.User{}, nil
	}

	var nested struct {
		User *panel.User `json:"user"`
	}
	if err := json.Unmarshal(raw, &nested); err != nil {
		return panel.User{}, err
	}
	if nested.User != nil {
		return *nested.User, nil
	}

	var rec panel.User
	if err := json.Unmarshal(raw, &rec); err != nil {
		return panel.User{}, err
	}
	return rec, nil
}

func validSignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
