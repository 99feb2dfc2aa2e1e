package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"
	"github.com/zulandar/garage/internal/models"
	"github.com/zulandar/garage/internal/orders"
	"github.com/zulandar/garage/internal/whatsapp"
)

// qrSize is the edge length in pixels of the rendered pairing code.
const qrSize = 256

type handlers struct {
	reg       *whatsapp.Registry
	outbox    *outbox
	eventPoll time.Duration
	log       *slog.Logger
}

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthz", h.healthz)

	wa := router.Group("/api/whatsapp")
	wa.POST("/start/:operatorID", h.start)
	wa.GET("/status/:operatorID", h.status)
	wa.GET("/pairing-code/:operatorID", h.pairingCode)
	wa.POST("/logout/:operatorID", h.logout)
	wa.GET("/sessions", h.sessions)
	wa.GET("/events", h.events)
	wa.POST("/send-message", h.sendMessage)
	wa.POST("/send-media", h.sendMedia)
	wa.POST("/send-for-order", h.sendForOrder)
	if h.outbox.db != nil {
		wa.GET("/messages", h.messages)
	}
}

type sendMessageRequest struct {
	OperatorID  string `json:"operatorId"`
	Destination string `json:"destination"`
	Text        string `json:"text"`
	MediaURL    string `json:"mediaUrl"`
}

type sendForOrderRequest struct {
	OrderID     json.Number `json:"orderId"`
	Destination string      `json:"destination"`
	Text        string      `json:"text"`
}

func (h *handlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": len(h.reg.ListAll())})
}

func (h *handlers) start(c *gin.Context) {
	op := c.Param("operatorID")
	sess, err := h.reg.Start(c.Request.Context(), op)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, whatsapp.ErrRegistryClosed) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message":    "initialization started",
		"operatorId": op,
		"state":      sess.State().String(),
	})
}

func (h *handlers) status(c *gin.Context) {
	sess := h.reg.Get(c.Param("operatorID"))
	if sess == nil {
		c.JSON(http.StatusOK, gin.H{
			"exists":         false,
			"isConnected":    false,
			"identity":       nil,
			"pairingPending": false,
		})
		return
	}
	info := sess.Info()
	var identity any
	if info.Identity != "" {
		identity = info.Identity
	}
	c.JSON(http.StatusOK, gin.H{
		"exists":          true,
		"isConnected":     info.Connected,
		"identity":        identity,
		"pairingPending":  info.PairingPending,
		"state":           info.State,
		"lastHeartbeatAt": info.LastHeartbeatAt,
	})
}

func (h *handlers) pairingCode(c *gin.Context) {
	sess := h.reg.Get(c.Param("operatorID"))
	if sess == nil {
		c.JSON(http.StatusOK, gin.H{"code": nil, "isConnected": false})
		return
	}
	code, ok := sess.PairingCode()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"code": nil, "isConnected": sess.Connected()})
		return
	}
	img, err := pairingImage(code)
	if err != nil {
		h.log.Error("api: render pairing code", "operator", sess.OperatorID(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not render pairing code"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": img, "isConnected": false})
}

func (h *handlers) logout(c *gin.Context) {
	err := h.reg.Stop(c.Request.Context(), c.Param("operatorID"))
	switch {
	case errors.Is(err, whatsapp.ErrSessionNotFound):
		c.JSON(http.StatusOK, gin.H{"success": true, "existed": false})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "existed": true})
	}
}

func (h *handlers) sessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.reg.ListAll()})
}

func (h *handlers) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if !bindSend(c, &req) {
		return
	}
	id, err := h.reg.Send(c.Request.Context(), req.OperatorID, req.Destination, req.Text)
	h.outbox.record(outboundRecord(req.OperatorID, nil, req, id, err))
	if err != nil {
		sendFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "messageId": id})
}

func (h *handlers) sendMedia(c *gin.Context) {
	var req sendMessageRequest
	if !bindSend(c, &req) {
		return
	}
	if req.MediaURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mediaUrl is required"})
		return
	}
	id, err := h.reg.SendMedia(c.Request.Context(), req.OperatorID, req.Destination, req.Text, req.MediaURL)
	h.outbox.record(outboundRecord(req.OperatorID, nil, req, id, err))
	if err != nil {
		sendFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "messageId": id})
}

func (h *handlers) sendForOrder(c *gin.Context) {
	var req sendForOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.OrderID == "" || req.Destination == "" || req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "orderId, destination and text are required"})
		return
	}
	if !addressable(req.Destination) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "destination must be a phone number or chat id"})
		return
	}

	orderID := req.OrderID.String()
	op, id, err := h.reg.SendForOrder(c.Request.Context(), orderID, req.Destination, req.Text)

	var orderRef *uint
	if n, perr := strconv.ParseUint(orderID, 10, 64); perr == nil {
		u := uint(n)
		orderRef = &u
	}
	if !errors.Is(err, orders.ErrOrderNotFound) {
		h.outbox.record(outboundRecord(op, orderRef, sendMessageRequest{Destination: req.Destination, Text: req.Text}, id, err))
	}

	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		sendFailure(c, err)
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "messageId": id, "operatorId": op})
	}
}

func (h *handlers) messages(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	rows, err := h.outbox.recent(c.Request.Context(), c.Query("operatorId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": rows})
}

// bindSend decodes a send request and writes a 400 when it is incomplete.
func bindSend(c *gin.Context, req *sendMessageRequest) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return false
	}
	var missing []string
	if req.OperatorID == "" {
		missing = append(missing, "operatorId")
	}
	if req.Destination == "" {
		missing = append(missing, "destination")
	}
	if req.Text == "" && req.MediaURL == "" {
		missing = append(missing, "text")
	}
	if len(missing) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + strings.Join(missing, ", ")})
		return false
	}
	if !addressable(req.Destination) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "destination must be a phone number or chat id"})
		return false
	}
	return true
}

// addressable reports whether destination can become a chat id: either a
// pre-addressed id or something holding at least one digit.
func addressable(destination string) bool {
	return strings.Contains(destination, "@") || strings.ContainsAny(destination, "0123456789")
}

// sendFailure maps a send error to the "unavailable, fallback required"
// shape callers degrade on.
func sendFailure(c *gin.Context, err error) {
	switch {
	case errors.Is(err, whatsapp.ErrNotConnected):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "fallback": true})
	case errors.Is(err, whatsapp.ErrSendFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "fallback": true})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func outboundRecord(operatorID string, orderID *uint, req sendMessageRequest, messageID string, err error) models.OutboundMessage {
	msg := models.OutboundMessage{
		OperatorID:  operatorID,
		OrderID:     orderID,
		Destination: req.Destination,
		Kind:        "text",
		Body:        req.Text,
		MediaURL:    req.MediaURL,
		MessageID:   messageID,
		Status:      statusSent,
	}
	if req.MediaURL != "" {
		msg.Kind = "media"
	}
	switch {
	case err == nil:
	case errors.Is(err, whatsapp.ErrNotConnected):
		msg.Status = statusUnavailable
		msg.Error = err.Error()
	default:
		msg.Status = statusFailed
		msg.Error = err.Error()
	}
	return msg
}

// pairingImage renders a pairing code as a PNG data URL.
func pairingImage(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
