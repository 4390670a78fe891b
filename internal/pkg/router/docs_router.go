package router

import (
	"os"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// DefaultOpenAPIPath is where the trigger API document is read from.
const DefaultOpenAPIPath = "./docs/openapi.yml"

// DocsRouter serves the OpenAPI document and its UI under /docs/api/v1.
type DocsRouter struct {
	FilePath string
}

func (h DocsRouter) InstallRouter(app *fiber.App) {
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: h.FilePath,
		Path:     "v1",
		Title:    "Capsule Note reconciliation API",
	}))
}

// NewDocsRouter returns nil when the document is missing, because the
// swagger middleware refuses to start without it.
func NewDocsRouter(filePath string) *DocsRouter {
	if _, err := os.Stat(filePath); err != nil {
		log.Warnf("[Router] OpenAPI document %s not found, docs disabled", filePath)
		return nil
	}
	return &DocsRouter{FilePath: filePath}
}
