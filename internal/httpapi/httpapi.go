// Package httpapi exposes the agent loop over HTTP: POST /api/enrich runs a
// research request end to end (agent loop -> finalize -> summarize) and
// GET /api/health reports liveness.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/otel"

	"enrichd/internal/finalize"
	"enrichd/internal/observability"
	"enrichd/internal/orchestrator"
	"enrichd/internal/summarize"
)

var tracer = otel.Tracer("enrichd/httpapi")

// New builds the echo server wired to svc.
func New(svc *orchestrator.Services) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(traceMiddleware)

	e.GET("/api/health", healthHandler)
	e.POST("/api/enrich", enrichHandler(svc))

	return e
}

// traceMiddleware opens a span for every request, named after the route, so
// observability.LoggerWithTrace picks up a trace_id inside handlers.
func traceMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, span := tracer.Start(c.Request().Context(), c.Request().Method+" "+c.Path())
		defer span.End()
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func healthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

type enrichRequestBody = orchestrator.Request

type errorResponse struct {
	Error string `json:"error"`
}

func enrichHandler(svc *orchestrator.Services) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req enrichRequestBody
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		}
		if len(strings.TrimSpace(req.Query)) < 2 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "query must be at least 2 characters"})
		}

		ctx := c.Request().Context()
		logger := observability.LoggerWithTrace(ctx)

		finalText, _, sessionID, err := orchestrator.Run(ctx, svc, req)
		if err != nil {
			logger.Error().Err(err).Msg("httpapi: agent loop failed")
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		}

		// finalize.Run never fails: a model that produced unparsable final
		// JSON still gets an empty-variables result with an explanatory
		// note (§4.9/§7) rather than an HTTP error.
		result, _ := finalize.Run(ctx, svc, req, finalText)

		summarize.Run(ctx, svc, sessionID, req.Username)

		return c.JSON(http.StatusOK, result)
	}
}
