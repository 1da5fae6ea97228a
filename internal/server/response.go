package server

import (
	"github.com/gofiber/fiber/v2"

	"github.com/example/roomsync/pkg/models"
)

// SendSuccess writes a success envelope.
func SendSuccess(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(models.APIResponse{
		Status: "success",
		Data:   data,
	})
}

// SendError writes a general error envelope.
func SendError(c *fiber.Ctx, status int, message string) error {
	return SendErrorWithType(c, status, message, models.GeneralErrorType)
}

// SendErrorWithType writes an error envelope with an explicit type.
func SendErrorWithType(c *fiber.Ctx, status int, message string, errType models.ErrorType) error {
	return c.Status(status).JSON(models.APIResponse{
		Status: "error",
		Error:  &models.Error{Type: errType, Message: message},
	})
}

// SendRetryableError writes an upstream error envelope marked retryable,
// used when the chat backend failed transiently or a room is mid-recovery.
func SendRetryableError(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(models.APIResponse{
		Status: "error",
		Error:  &models.Error{Type: models.UpstreamErrorType, Message: message, Retryable: true},
	})
}
