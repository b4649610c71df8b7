package handlers

import (
	"github.com/gofiber/fiber/v3"
	"github.com/swaggo/swag"
)

// DocsHandler serves API documentation
type DocsHandler struct{}

// NewDocsHandler creates a new docs handler
func NewDocsHandler() *DocsHandler {
	return &DocsHandler{}
}

// RegisterRoutes registers documentation routes
func (h *DocsHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/docs", h.SwaggerUI)
	app.Get("/docs/swagger.json", h.SwaggerJSON)
}

// SwaggerUI serves the Swagger UI page
// @Summary API Documentation
// @Description Interactive API documentation using Swagger UI
// @Tags docs
// @Produce html
// @Router /docs [get]
func (h *DocsHandler) SwaggerUI(c fiber.Ctx) error {
	html := `<!DOCTYPE html>
<html>
<head>
    <title>Permagate API Documentation</title>
    <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5.17.14/swagger-ui.css">
    <style>
        html { box-sizing: border-box; overflow-y: scroll; }
        *, *:before, *:after { box-sizing: inherit; }
        body { margin: 0; background: #fafafa; }
        .swagger-ui .topbar { display: none; }
    </style>
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.17.14/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: "/docs/swagger.json",
                dom_id: '#swagger-ui',
                presets: [
                    SwaggerUIBundle.presets.apis,
                    SwaggerUIBundle.SwaggerUIStandalonePreset
                ],
                layout: "BaseLayout",
                deepLinking: true,
                docExpansion: "list",
                defaultModelsExpandDepth: -1
            });
        };
    </script>
</body>
</html>`
	c.Set("Content-Type", "text/html")
	return c.SendString(html)
}

// SwaggerJSON serves the OpenAPI specification
// @Summary OpenAPI Specification
// @Description Returns the OpenAPI specification generated by swag init.
// @Tags docs
// @Produce json
// @Router /docs/swagger.json [get]
func (h *DocsHandler) SwaggerJSON(c fiber.Ctx) error {
	doc, err := swag.ReadDoc()
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "OpenAPI document is not generated",
		})
	}
	c.Set("Content-Type", "application/json")
	return c.SendString(doc)
}
