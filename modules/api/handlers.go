package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/example/chat-delivery/domain/chat"
)

// headerUserID carries the user id established by the auth layer in front
// of this service.
const headerUserID = "X-User-ID"

const localsUserID = "user_id"

// requireUser rejects requests without a valid user id header.
func requireUser(c *fiber.Ctx) error {
	userID := c.Get(headerUserID)
	if err := chat.ValidateUserID(userID); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
			Error:   codeUnauthorized,
			Message: "missing or invalid " + headerUserID + " header",
		})
	}
	c.Locals(localsUserID, userID)
	return c.Next()
}

func currentUser(c *fiber.Ctx) string {
	userID, _ := c.Locals(localsUserID).(string)
	return userID
}

func badRequest(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Error:   "invalid_request",
		Message: "Invalid request body",
	})
}

// createRoom handles POST /api/v1/rooms.
func (m *APIModule) createRoom(c *fiber.Ctx) error {
	var req CreateRoomRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c)
	}

	summary, err := m.rooms.CreateRoom(c.UserContext(), currentUser(c), req.Name, req.Capacity)
	if err != nil {
		return m.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(summary)
}

// listRooms handles GET /api/v1/rooms.
func (m *APIModule) listRooms(c *fiber.Ctx) error {
	rooms, err := m.rooms.ListRooms(c.UserContext(), currentUser(c))
	if err != nil {
		return m.fail(c, err)
	}
	if rooms == nil {
		rooms = []chat.RoomSummary{}
	}
	return c.JSON(RoomListResponse{Rooms: rooms})
}

// getRoom handles GET /api/v1/rooms/:id.
func (m *APIModule) getRoom(c *fiber.Ctx) error {
	detail, err := m.rooms.GetRoomInfo(c.UserContext(), c.Params("id"))
	if err != nil {
		return m.fail(c, err)
	}
	return c.JSON(detail)
}

// joinRoom handles POST /api/v1/rooms/:id/join. The body is optional.
func (m *APIModule) joinRoom(c *fiber.Ctx) error {
	var req JoinRoomRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c)
		}
	}

	summary, err := m.rooms.JoinRoom(c.UserContext(), currentUser(c), c.Params("id"), req.Position)
	if err != nil {
		return m.fail(c, err)
	}
	return c.JSON(summary)
}

// leaveRoom handles POST /api/v1/rooms/:id/leave.
func (m *APIModule) leaveRoom(c *fiber.Ctx) error {
	if err := m.rooms.LeaveRoom(c.UserContext(), currentUser(c), c.Params("id")); err != nil {
		return m.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// kickMember handles POST /api/v1/rooms/:id/kick.
func (m *APIModule) kickMember(c *fiber.Ctx) error {
	var req KickRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c)
	}
	if err := m.rooms.KickMember(c.UserContext(), currentUser(c), c.Params("id"), req.UserID); err != nil {
		return m.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// deleteRoom handles DELETE /api/v1/rooms/:id.
func (m *APIModule) deleteRoom(c *fiber.Ctx) error {
	if err := m.rooms.DeleteRoom(c.UserContext(), currentUser(c), c.Params("id")); err != nil {
		return m.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// getHistory handles GET /api/v1/rooms/:id/history?before=&limit=.
func (m *APIModule) getHistory(c *fiber.Ctx) error {
	limit := 0
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Error:   "invalid_request",
				Message: "limit must be a non-negative integer",
			})
		}
		limit = parsed
	}

	page, err := m.rooms.History(c.UserContext(), currentUser(c), c.Params("id"), c.Query("before"), limit)
	if err != nil {
		return m.fail(c, err)
	}
	return c.JSON(page)
}

// sendMessage handles POST /api/v1/rooms/:id/messages.
func (m *APIModule) sendMessage(c *fiber.Ctx) error {
	var req SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c)
	}

	msg, err := m.sender.Send(c.UserContext(), currentUser(c), c.Params("id"), req.Body)
	if err != nil {
		return m.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}
