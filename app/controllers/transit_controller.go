package controllers

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/kutay-ship-it/capsulenote-sub006/app/models"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/transit"
)

type arriveByQuery struct {
	Target  string `query:"target" validate:"required"`
	Class   string `query:"class" validate:"omitempty,oneof=first_class standard"`
	Country string `query:"country" validate:"omitempty,len=2,alpha"`
}

// TransitController answers arrive-by scheduling questions.
type TransitController struct {
	validate *validator.Validate
	now      func() time.Time
}

func NewTransitController() *TransitController {
	return &TransitController{validate: validator.New(), now: time.Now}
}

// HandleArriveBy returns when a letter must be sent to arrive by ?target
// (RFC 3339 or YYYY-MM-DD).
func (tc *TransitController) HandleArriveBy(c *fiber.Ctx) error {
	var q arriveByQuery
	if err := c.QueryParser(&q); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_query"})
	}
	if err := tc.validate.Struct(q); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_query", "message": err.Error()})
	}

	target, err := parseTarget(q.Target)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_target", "message": "target must be RFC 3339 or YYYY-MM-DD"})
	}
	class := q.Class
	if class == "" {
		class = models.MailClassFirstClass
	}

	result, err := transit.CalculateArriveByTo(tc.now().UTC(), target, class, q.Country)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_query", "message": err.Error()})
	}
	return c.JSON(result)
}

func parseTarget(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", raw)
}
