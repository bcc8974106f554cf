package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lyzr/sitesync/cmd/sync-server/container"
	"github.com/lyzr/sitesync/cmd/sync-server/handlers"
	"github.com/lyzr/sitesync/cmd/sync-server/routes"
	"github.com/lyzr/sitesync/common/bootstrap"
	"github.com/lyzr/sitesync/common/server"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (DB + migrations, logger, redis, cache, telemetry)
	components, err := bootstrap.Setup(ctx, "sync-server")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap sync-server: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		components.Logger.Error("Failed to initialize service container", "error", err)
		os.Exit(1)
	}

	// Initialize Echo server
	e := setupEcho(components)

	// Setup middleware
	setupMiddleware(e)

	// Setup health check
	setupHealthCheck(e, components)

	// Register all routes
	registerRoutes(e, serviceContainer)

	// Start server
	startServer(ctx, e, serviceContainer)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho(components *bootstrap.Components) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handlers.HTTPErrorHandler(components.Logger)
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(503, map[string]string{
				"status":  "unhealthy",
				"service": "sync-server",
				"error":   err.Error(),
			})
		}
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "sync-server",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterSyncRoutes(e, serviceContainer)
	routes.RegisterDocumentRoutes(e, serviceContainer)
	routes.RegisterAdminRoutes(e, serviceContainer)
}

// startServer runs the pruner and serves until SIGINT/SIGTERM
func startServer(ctx context.Context, e *echo.Echo, serviceContainer *container.Container) {
	components := serviceContainer.Components

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go serviceContainer.Pruner.Run(ctx)

	srv := server.New("sync-server", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(ctx); err != nil {
		components.Logger.Error("Server error", "error", err)
		cancel()
		components.Shutdown(context.Background())
		os.Exit(1)
	}
}
