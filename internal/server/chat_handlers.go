package server

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/example/roomsync/internal/chat"
	"github.com/example/roomsync/internal/core"
	"github.com/example/roomsync/pkg/models"
)

// depsFor resolves the per-tenant reconciliation dependencies for one
// request, or writes the error response and returns ok=false.
func (s *Server) depsFor(c *fiber.Ctx) (core.Deps, bool) {
	tenant := models.Tenant(c.Params("tenant"))
	client, err := s.chatMgr.GetClient(tenant)
	if err != nil {
		_ = SendErrorWithType(c, fiber.StatusNotFound, "Unknown tenant", models.NotFoundErrorType)
		return core.Deps{}, false
	}
	return core.Deps{
		Tenant: tenant,
		Store:  s.sqlite,
		Chat:   client,
		Log:    s.log.With("tenant", tenant),
	}, true
}

// handleEnsureMember is the explicit "add this user to the entity's
// room" action. Unlike the event path, failures surface to the caller.
// URL: POST /api/v1/tenants/:tenant/entities/:kind/:key/members
func (s *Server) handleEnsureMember(c *fiber.Ctx) error {
	entity, err := parseEntityRef(c)
	if err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, err.Error(), models.ValidationErrorType)
	}

	var req models.EnsureMemberRequest
	if err := c.BodyParser(&req); err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid request body", models.ValidationErrorType)
	}
	if req.User == "" {
		return SendErrorWithType(c, fiber.StatusBadRequest, "user is required", models.ValidationErrorType)
	}

	deps, ok := s.depsFor(c)
	if !ok {
		return nil
	}

	scope := core.NewScope()
	if err := core.EnsureMember(c.Context(), deps, scope, entity, req.User); err != nil {
		return s.sendCoreError(c, "Failed to ensure membership", err)
	}
	return SendSuccess(c, fiber.StatusOK, fiber.Map{"entity": entity.StorageKey(), "user": req.User})
}

// handleRemoveMember removes the user from the entity's room.
// URL: DELETE /api/v1/tenants/:tenant/entities/:kind/:key/members/:user
func (s *Server) handleRemoveMember(c *fiber.Ctx) error {
	entity, err := parseEntityRef(c)
	if err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, err.Error(), models.ValidationErrorType)
	}
	user, err := decodeParam(c, "user")
	if err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, err.Error(), models.ValidationErrorType)
	}

	deps, ok := s.depsFor(c)
	if !ok {
		return nil
	}

	scope := core.NewScope()
	if err := core.RemoveMember(c.Context(), deps, scope, entity, models.UserKey(user)); err != nil {
		return s.sendCoreError(c, "Failed to remove membership", err)
	}
	return SendSuccess(c, fiber.StatusOK, fiber.Map{"entity": entity.StorageKey(), "user": user})
}

// handleSendMessage posts a message to the entity's room as the user.
// URL: POST /api/v1/tenants/:tenant/entities/:kind/:key/messages
func (s *Server) handleSendMessage(c *fiber.Ctx) error {
	entity, err := parseEntityRef(c)
	if err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, err.Error(), models.ValidationErrorType)
	}

	var req models.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, "Invalid request body", models.ValidationErrorType)
	}
	if req.User == "" || req.Content == "" {
		return SendErrorWithType(c, fiber.StatusBadRequest, "user and content are required", models.ValidationErrorType)
	}

	deps, ok := s.depsFor(c)
	if !ok {
		return nil
	}

	scope := core.NewScope()
	msgID, err := core.SendMessage(c.Context(), deps, scope, entity, req.User, req.Content, req.FormattedBody)
	if err != nil {
		return s.sendCoreError(c, "Failed to send message", err)
	}
	return SendSuccess(c, fiber.StatusCreated, fiber.Map{"message_id": msgID})
}

// handleFetchMessages reads one page of room history as the user.
// URL: GET /api/v1/tenants/:tenant/entities/:kind/:key/messages?user=&limit=&page_token=
func (s *Server) handleFetchMessages(c *fiber.Ctx) error {
	entity, err := parseEntityRef(c)
	if err != nil {
		return SendErrorWithType(c, fiber.StatusBadRequest, err.Error(), models.ValidationErrorType)
	}
	user := models.UserKey(c.Query("user"))
	if user == "" {
		return SendErrorWithType(c, fiber.StatusBadRequest, "user query parameter is required", models.ValidationErrorType)
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return SendErrorWithType(c, fiber.StatusBadRequest, "limit must be a positive integer", models.ValidationErrorType)
		}
		limit = n
	}

	deps, ok := s.depsFor(c)
	if !ok {
		return nil
	}

	scope := core.NewScope()
	page, err := core.FetchMessages(c.Context(), deps, scope, entity, user, limit, c.Query("page_token"))
	if err != nil {
		return s.sendCoreError(c, "Failed to fetch messages", err)
	}
	return SendSuccess(c, fiber.StatusOK, page)
}

// sendCoreError maps reconciliation errors onto HTTP statuses. Transient
// backend failures and lock-pressure skips are marked retryable so
// clients know a repeat attempt is reasonable.
func (s *Server) sendCoreError(c *fiber.Ctx, message string, err error) error {
	switch {
	case errors.Is(err, core.ErrEntityNotFound):
		return SendErrorWithType(c, fiber.StatusNotFound, "Entity not found", models.NotFoundErrorType)
	case errors.Is(err, core.ErrRoomUnavailable):
		return SendRetryableError(c, fiber.StatusServiceUnavailable, "Chat room unavailable, retry shortly")
	case chat.IsTimeout(err):
		s.log.Error(message, "error", err)
		return SendRetryableError(c, fiber.StatusGatewayTimeout, "Chat backend timed out")
	default:
		var be *chat.BackendError
		if errors.As(err, &be) {
			s.log.Error(message, "error", err)
			return SendRetryableError(c, fiber.StatusBadGateway, "Chat backend request failed")
		}
		s.log.Error(message, "error", err)
		return SendError(c, fiber.StatusInternalServerError, message)
	}
}
