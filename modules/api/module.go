// Package api serves the REST endpoints and the WebSocket live channel.
package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/chat-delivery/config"
	"github.com/example/chat-delivery/metrics"
	"github.com/example/chat-delivery/modules/activity"
	"github.com/example/chat-delivery/modules/broadcast"
	"github.com/example/chat-delivery/modules/gateway"
	"github.com/example/chat-delivery/modules/ratelimit"
	"github.com/example/chat-delivery/modules/room"
)

// ActivityFeed lists recent room lifecycle events. *activity.Module
// implements it.
type ActivityFeed interface {
	Recent() []activity.Entry
}

type healthCheck struct {
	name   string
	module mono.HealthCheckableModule
}

// APIModule is the HTTP API module with WebSocket support.
type APIModule struct {
	cfg        config.HTTPConfig
	sessionCfg config.SessionConfig

	app     *fiber.App
	rooms   room.RoomPort
	sender  gateway.SendPort
	hub     *broadcast.Hub
	feed    ActivityFeed
	limiter ratelimit.Limiter
	checks  []healthCheck
	metrics *metrics.Metrics
	logger  types.Logger
}

// Compile-time interface checks.
var _ mono.Module = (*APIModule)(nil)
var _ mono.DependentModule = (*APIModule)(nil)
var _ mono.HealthCheckableModule = (*APIModule)(nil)

// NewModule creates a new APIModule.
func NewModule(cfg config.HTTPConfig, sessionCfg config.SessionConfig, m *metrics.Metrics, logger types.Logger) *APIModule {
	return &APIModule{
		cfg:        cfg,
		sessionCfg: sessionCfg,
		metrics:    m,
		logger:     logger,
	}
}

// Name returns the module name.
func (m *APIModule) Name() string {
	return "api"
}

// Dependencies returns the list of module dependencies.
func (m *APIModule) Dependencies() []string {
	return []string{"room", "gateway"}
}

// SetDependencyServiceContainer receives service containers from dependencies.
func (m *APIModule) SetDependencyServiceContainer(dependency string, container mono.ServiceContainer) {
	switch dependency {
	case "room":
		m.rooms = room.NewRoomAdapter(container)
	case "gateway":
		m.sender = gateway.NewAdapter(container)
	}
}

// SetHub sets the session hub (called from main.go).
func (m *APIModule) SetHub(hub *broadcast.Hub) {
	m.hub = hub
}

// SetActivityFeed sets the feed served at /api/v1/activity.
func (m *APIModule) SetActivityFeed(feed ActivityFeed) {
	m.feed = feed
}

// SetRequestLimiter charges each REST room request to the caller's budget.
// Without one, REST requests are not limited.
func (m *APIModule) SetRequestLimiter(l ratelimit.Limiter) {
	m.limiter = l
}

// AddHealthCheck includes a module in GET /health.
func (m *APIModule) AddHealthCheck(name string, module mono.HealthCheckableModule) {
	m.checks = append(m.checks, healthCheck{name: name, module: module})
}

// Start initializes the Fiber HTTP server.
func (m *APIModule) Start(_ context.Context) error {
	if m.rooms == nil {
		return fmt.Errorf("room adapter dependency not set")
	}
	if m.sender == nil {
		return fmt.Errorf("gateway adapter dependency not set")
	}
	if m.hub == nil {
		return fmt.Errorf("session hub dependency not set")
	}

	m.app = m.newApp()

	go func() {
		if err := m.app.Listen(m.cfg.Addr); err != nil {
			m.logger.Error("HTTP server error", "error", err)
		}
	}()

	m.logger.Info("HTTP server started", "addr", m.cfg.Addr)
	return nil
}

// newApp builds the Fiber app with middleware and routes.
func (m *APIModule) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          60 * time.Second,
		IdleTimeout:           120 * time.Second,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		Next: func(c *fiber.Ctx) bool {
			return strings.EqualFold(c.Get(fiber.HeaderUpgrade), "websocket")
		},
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: m.cfg.AllowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, X-User-ID",
	}))

	m.setupRoutes(app)
	return app
}

// Stop shuts down the Fiber HTTP server.
func (m *APIModule) Stop(_ context.Context) error {
	if m.app == nil {
		return nil
	}
	m.logger.Info("Shutting down HTTP server")
	return m.app.Shutdown()
}

// Health returns the health status.
func (m *APIModule) Health(_ context.Context) mono.HealthStatus {
	details := map[string]any{"addr": m.cfg.Addr}
	if m.hub != nil {
		details["sessions"] = m.hub.SessionCount()
	}
	return mono.HealthStatus{
		Healthy: m.app != nil,
		Message: "operational",
		Details: details,
	}
}

// setupRoutes configures all HTTP routes.
func (m *APIModule) setupRoutes(app *fiber.App) {
	app.Get("/health", m.healthHandler)
	if m.metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(m.metrics.Registry, promhttp.HandlerOpts{})))
	}

	app.Use("/ws", m.upgradeMiddleware)
	app.Get("/ws", m.websocketHandler())

	v1 := app.Group("/api/v1")
	v1.Get("/activity", m.listActivity)

	guards := []fiber.Handler{requireUser}
	if m.limiter != nil {
		guards = append(guards, ratelimit.Middleware(m.limiter, currentUser, m.metrics, m.logger))
	}
	rooms := v1.Group("/rooms", guards...)
	rooms.Post("/", m.createRoom)
	rooms.Get("/", m.listRooms)
	rooms.Get("/:id", m.getRoom)
	rooms.Delete("/:id", m.deleteRoom)
	rooms.Post("/:id/join", m.joinRoom)
	rooms.Post("/:id/leave", m.leaveRoom)
	rooms.Post("/:id/kick", m.kickMember)
	rooms.Get("/:id/history", m.getHistory)
	rooms.Post("/:id/messages", m.sendMessage)
}

// healthHandler handles GET /health. It reports 503 when any checked module
// is unhealthy.
func (m *APIModule) healthHandler(c *fiber.Ctx) error {
	resp := HealthResponse{Status: "healthy", Modules: make(map[string]ModuleHealth, len(m.checks))}
	for _, check := range m.checks {
		h := check.module.Health(c.UserContext())
		resp.Modules[check.name] = ModuleHealth{Healthy: h.Healthy, Message: h.Message, Details: h.Details}
		if !h.Healthy {
			resp.Status = "unhealthy"
		}
	}
	if resp.Status != "healthy" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	return c.JSON(resp)
}

// listActivity handles GET /api/v1/activity.
func (m *APIModule) listActivity(c *fiber.Ctx) error {
	if m.feed == nil {
		return c.JSON(fiber.Map{"entries": []activity.Entry{}})
	}
	return c.JSON(fiber.Map{"entries": m.feed.Recent()})
}
