package router

import (
	"github.com/gofiber/fiber/v2"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter installs the API routes and, when the OpenAPI document is
// present, the documentation routes.
func InstallRouter(app *fiber.App, api *ApiRouter, docs *DocsRouter) {
	routers := []Router{api}
	if docs != nil {
		routers = append(routers, docs)
	}
	setup(app, routers...)
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
