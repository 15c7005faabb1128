package httpapi

import (
	"context"
	"errors"
	"net/http"

	"copy-signal-router/internal/gateway"
	"copy-signal-router/internal/models"
	"copy-signal-router/internal/trader"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Acceptor authenticates and normalizes an alert.
type Acceptor interface {
	Accept(ctx context.Context, p *gateway.Payload) (*gateway.Draft, error)
}

// Submitter records and resolves a draft.
type Submitter interface {
	Submit(ctx context.Context, draft *gateway.Draft) (*trader.Result, error)
}

type webhookResponse struct {
	Success     bool                `json:"success"`
	SignalID    string              `json:"signal_id,omitempty"`
	Status      string              `json:"status,omitempty"`
	Message     string              `json:"message,omitempty"`
	Error       string              `json:"error,omitempty"`
	CopyResults *models.CopyResults `json:"copyResults,omitempty"`
	Duplicate   bool                `json:"duplicate,omitempty"`
}

type WebhookHandler struct {
	Gateway Acceptor
	Engine  Submitter
	Logger  *zap.Logger
}

func (h *WebhookHandler) Register(r *gin.Engine) {
	r.POST("/webhook", h.receive)
}

// receive answers 401/400 for rejected alerts. Once an alert is accepted the
// reply is always 200; a failed resolution is reported in the body.
func (h *WebhookHandler) receive(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, webhookResponse{Error: gateway.ErrMalformed.Error()})
		return
	}
	payload, err := gateway.DecodePayload(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, webhookResponse{Error: gateway.ErrMalformed.Error(), Message: err.Error()})
		return
	}

	draft, err := h.Gateway.Accept(c.Request.Context(), payload)
	if err != nil {
		status, code := rejection(err)
		if status >= http.StatusInternalServerError {
			h.Logger.Error("Failed to authenticate alert", zap.Error(err))
		} else {
			h.Logger.Info("Alert rejected", zap.String("reason", code), zap.String("client_ip", c.ClientIP()))
		}
		c.JSON(status, webhookResponse{Error: code, Message: err.Error()})
		return
	}

	res, err := h.Engine.Submit(c.Request.Context(), draft)
	if err != nil {
		h.Logger.Error("Failed to record alert", zap.String("action", draft.Action), zap.String("symbol", draft.Symbol), zap.Error(err))
		c.JSON(http.StatusOK, webhookResponse{Status: models.SignalError, Message: "failed to record signal", Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, webhookResponse{
		Success:     res.Status != models.SignalError,
		SignalID:    res.SignalID,
		Status:      res.Status,
		Message:     res.Message,
		Error:       res.Error,
		CopyResults: res.CopyResults,
		Duplicate:   res.Duplicate,
	})
}

func rejection(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrInvalidSecret):
		return http.StatusUnauthorized, gateway.ErrInvalidSecret.Error()
	case errors.Is(err, gateway.ErrMissingFields):
		return http.StatusBadRequest, gateway.ErrMissingFields.Error()
	case errors.Is(err, gateway.ErrInvalidAction):
		return http.StatusBadRequest, gateway.ErrInvalidAction.Error()
	case errors.Is(err, gateway.ErrInvalidField):
		return http.StatusBadRequest, gateway.ErrInvalidField.Error()
	case errors.Is(err, gateway.ErrMalformed):
		return http.StatusBadRequest, gateway.ErrMalformed.Error()
	default:
		return http.StatusServiceUnavailable, "unavailable"
	}
}
