package middleware

import (
	"context"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
)

// RequestValidator checks requests against the OpenAPI document. Operations
// the document does not describe pass through unchecked.
type RequestValidator struct {
	router routers.Router
}

// LoadRequestValidator reads and validates the document at path.
func LoadRequestValidator(ctx context.Context, path string) (*RequestValidator, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi router: %w", err)
	}
	return &RequestValidator{router: router}, nil
}

// Handler answers 400 for a request that breaks its operation's parameters
// or body schema. Security schemes are left to the route's own auth.
// A nil validator returns a pass-through handler.
func (v *RequestValidator) Handler() fiber.Handler {
	if v == nil {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return func(c *fiber.Ctx) error {
		req, err := adaptor.ConvertRequest(c, false)
		if err != nil {
			log.Warnf("[OpenAPI] Could not convert request %s: %v", c.OriginalURL(), err)
			return c.Next()
		}
		route, pathParams, err := v.router.FindRoute(req)
		if err != nil {
			return c.Next()
		}
		input := &openapi3filter.RequestValidationInput{
			Request:    req,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		}
		if err := openapi3filter.ValidateRequest(c.UserContext(), input); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   "invalid_request",
				"message": err.Error(),
			})
		}
		return c.Next()
	}
}
