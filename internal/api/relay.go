package api

import (
	"bufio"
	"encoding/json"
	"fmt"

	"github.com/creditgate/creditgate/internal/models"
	"github.com/creditgate/creditgate/internal/services/admission"
	"github.com/creditgate/creditgate/internal/services/gate"
	"github.com/creditgate/creditgate/internal/services/middleware"
	"github.com/creditgate/creditgate/internal/services/openai"
	"github.com/gofiber/fiber/v2"
	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

// RelayHandler gates chat and image requests through admission and
// streams chat completions back as server-sent events.
type RelayHandler struct {
	gate     *gate.Gate
	provider *openai.Provider
}

func NewRelayHandler(g *gate.Gate, provider *openai.Provider) *RelayHandler {
	return &RelayHandler{gate: g, provider: provider}
}

// ChatRelayRequest represents one gated chat completion request
type ChatRelayRequest struct {
	Model    string               `json:"model,omitempty"`
	Messages []openai.ChatMessage `json:"messages"`
}

// ImageRelayRequest represents one gated image generation request
type ImageRelayRequest struct {
	Prompt  string `json:"prompt"`
	Quality string `json:"quality,omitempty"`
}

// relayPayload is what gets stashed while a cost warning awaits the
// user's answer.
type relayPayload struct {
	Chat  *ChatRelayRequest  `json:"chat,omitempty"`
	Image *ImageRelayRequest `json:"image,omitempty"`
}

// Chat admits and executes one chat completion. Allowed requests stream
// tokens back immediately; costly ones return the pending decision.
func (h *RelayHandler) Chat(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	var req ChatRelayRequest
	if err := c.BodyParser(&req); err != nil || len(req.Messages) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "messages are required",
		})
	}

	payload, err := json.Marshal(relayPayload{Chat: &req})
	if err != nil {
		return renderError(c, models.NewInternalError("failed to encode request", err))
	}

	ticket, err := h.gate.CheckAndReserve(c.Context(), userID, models.OperationChatMessage, req.Model, payload)
	if err != nil {
		return renderError(c, err)
	}

	switch ticket.Decision.Verdict {
	case admission.VerdictDeny:
		return c.Status(fiber.StatusPaymentRequired).JSON(CheckResponse{Decision: ticket.Decision})
	case admission.VerdictNeedsConfirmation:
		return c.Status(fiber.StatusAccepted).JSON(CheckResponse{
			Decision:      ticket.Decision,
			CorrelationID: ticket.CorrelationID,
		})
	}

	return h.streamChat(c, ticket.Handle, &req)
}

// Image admits and executes one image generation.
func (h *RelayHandler) Image(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	var req ImageRelayRequest
	if err := c.BodyParser(&req); err != nil || req.Prompt == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "prompt is required",
		})
	}

	payload, err := json.Marshal(relayPayload{Image: &req})
	if err != nil {
		return renderError(c, models.NewInternalError("failed to encode request", err))
	}

	ticket, err := h.gate.CheckAndReserve(c.Context(), userID, models.OperationImage, req.Quality, payload)
	if err != nil {
		return renderError(c, err)
	}

	switch ticket.Decision.Verdict {
	case admission.VerdictDeny:
		return c.Status(fiber.StatusPaymentRequired).JSON(CheckResponse{Decision: ticket.Decision})
	case admission.VerdictNeedsConfirmation:
		return c.Status(fiber.StatusAccepted).JSON(CheckResponse{
			Decision:      ticket.Decision,
			CorrelationID: ticket.CorrelationID,
		})
	}

	return h.executeImage(c, ticket.Handle, &req)
}

// ConfirmRequest represents the user's answer to a cost warning
type ConfirmRequest struct {
	CorrelationID string `json:"correlation_id"`
	Answer        string `json:"answer"`
}

// Confirm resolves a pending cost warning and, on yes, runs the stashed
// request exactly as if it had been allowed directly.
func (h *RelayHandler) Confirm(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	var req ConfirmRequest
	if err := c.BodyParser(&req); err != nil || req.CorrelationID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "correlation_id and answer are required",
		})
	}

	handle, payload, err := h.gate.Confirm(c.Context(), userID, req.CorrelationID, req.Answer == "yes")
	if err != nil {
		return renderError(c, err)
	}
	if handle == nil {
		return c.JSON(fiber.Map{
			"cancelled": true,
		})
	}

	var stashed relayPayload
	if err := json.Unmarshal(payload, &stashed); err != nil {
		return renderError(c, models.NewInternalError("stashed request is unreadable", err))
	}

	switch {
	case stashed.Chat != nil:
		return h.streamChat(c, handle, stashed.Chat)
	case stashed.Image != nil:
		return h.executeImage(c, handle, stashed.Image)
	default:
		return renderError(c, models.NewInternalError("stashed request is empty", nil))
	}
}

// streamChat runs the reserved chat call and relays deltas as SSE. The
// final event reports what was charged; errors after the stream opened
// arrive as an error event since the status line is already sent.
func (h *RelayHandler) streamChat(c *fiber.Ctx, handle *gate.Handle, req *ChatRelayRequest) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	// The request ctx is cancelled when the client disconnects, which
	// aborts the upstream call and refunds the reservation.
	reqCtx := c.Context()
	reqCtx.SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		emit := func(delta string) {
			buf := bytebufferpool.Get()
			defer bytebufferpool.Put(buf)

			data, err := json.Marshal(fiber.Map{"delta": delta})
			if err != nil {
				return
			}
			buf.WriteString("data: ")
			buf.Write(data)
			buf.WriteString("\n\n")
			if _, err := w.Write(buf.B); err != nil {
				return
			}
			w.Flush()
		}

		call := h.provider.ChatCall(req.Messages, req.Model, emit)
		outcome, err := h.gate.Execute(reqCtx, handle, call)
		if err != nil {
			appErr := models.SanitizeError(err)
			data, _ := json.Marshal(fiber.Map{"error": appErr.Message, "type": appErr.Type})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
			w.Flush()
			return
		}

		data, _ := json.Marshal(fiber.Map{
			"charged":        outcome.Charged,
			"correlation_id": outcome.CorrelationID,
		})
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", data)
		w.Flush()
	}))

	return nil
}

func (h *RelayHandler) executeImage(c *fiber.Ctx, handle *gate.Handle, req *ImageRelayRequest) error {
	call := h.provider.ImageCall(req.Prompt, req.Quality)
	outcome, err := h.gate.Execute(c.Context(), handle, call)
	if err != nil {
		return renderError(c, err)
	}

	return c.JSON(fiber.Map{
		"url":            outcome.Artifact,
		"charged":        outcome.Charged,
		"correlation_id": outcome.CorrelationID,
	})
}
