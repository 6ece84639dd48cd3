package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/example/chat-delivery/domain/chat"
)

// Codes that exist only at the edge.
const (
	codeRateLimited  = "RATE_LIMITED"
	codeBadFrame     = "BAD_FRAME"
	codeUnauthorized = "UNAUTHORIZED"
)

// statusOf maps a domain error to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, chat.ErrRoomNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, chat.ErrNotAMember), errors.Is(err, chat.ErrNotRoomOwner):
		return fiber.StatusForbidden
	case errors.Is(err, chat.ErrNoAvailableSlot):
		return fiber.StatusConflict
	case errors.Is(err, chat.ErrInvalidMessageType), chat.IsValidation(err):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

// fail writes err as an ErrorResponse. Internal errors are logged and their
// text withheld.
func (m *APIModule) fail(c *fiber.Ctx, err error) error {
	status := statusOf(err)
	if status == fiber.StatusInternalServerError {
		m.logger.Error("Request failed", "method", c.Method(), "path", c.Path(), "error", err)
		return c.Status(status).JSON(ErrorResponse{
			Error:   chat.CodeInternal,
			Message: "Internal Server Error",
		})
	}
	return c.Status(status).JSON(ErrorResponse{
		Error:   chat.ErrorCode(err),
		Message: err.Error(),
	})
}

// customErrorHandler handles Fiber errors.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   "server_error",
		Message: message,
	})
}
