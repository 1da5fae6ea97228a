// Package server exposes the HTTP surface: health, metrics, and the
// direct user actions (ensure membership, remove membership, send and
// fetch messages). Room CRUD is deliberately absent; rooms exist only
// as a side effect of reconciliation.
package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/example/roomsync/internal/chat"
	"github.com/example/roomsync/internal/config"
	"github.com/example/roomsync/internal/metrics"
	"github.com/example/roomsync/internal/sqlite"
	"github.com/example/roomsync/pkg/models"
)

// Server is the HTTP server.
type Server struct {
	app     *fiber.App
	config  *config.Config
	log     *slog.Logger
	sqlite  *sqlite.DB
	chatMgr *chat.Manager
	version string
}

// Options configures a Server.
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	SQLite  *sqlite.DB
	ChatMgr *chat.Manager
	Version string
}

// New builds the server and registers all routes.
func New(opts Options) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:           opts.Config.Server.HTTPServerTimeout,
		WriteTimeout:          opts.Config.Server.HTTPServerTimeout,
		DisableStartupMessage: true,
	})

	s := &Server{
		app:     app,
		config:  opts.Config,
		log:     opts.Logger.With("component", "server"),
		sqlite:  opts.SQLite,
		chatMgr: opts.ChatMgr,
		version: opts.Version,
	}

	app.Use(recover.New())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/metrics", s.handleMetrics)

	api := s.app.Group("/api/v1")
	tenant := api.Group("/tenants/:tenant")

	entity := tenant.Group("/entities/:kind/:key")
	entity.Post("/members", s.handleEnsureMember)
	entity.Delete("/members/:user", s.handleRemoveMember)
	entity.Post("/messages", s.handleSendMessage)
	entity.Get("/messages", s.handleFetchMessages)
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.log.Info("starting HTTP server", "address", addr)
	return s.app.Listen(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

type tenantHealthResponse struct {
	Tenant      models.Tenant `json:"tenant"`
	Status      string        `json:"status"`
	LastChecked string        `json:"last_checked,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// handleHealth reports the server version and the cached health of every
// tenant's chat backend. An unhealthy backend does not fail the check:
// the service itself is still up and reconciliation degrades per tenant.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	tenants := make([]tenantHealthResponse, 0)
	for _, t := range s.chatMgr.Tenants() {
		h := s.chatMgr.GetCachedHealth(t)
		resp := tenantHealthResponse{
			Tenant: h.Tenant,
			Status: string(h.Status),
			Error:  h.Error,
		}
		if !h.LastChecked.IsZero() {
			resp.LastChecked = h.LastChecked.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
		tenants = append(tenants, resp)
	}
	return SendSuccess(c, fiber.StatusOK, fiber.Map{
		"version": s.version,
		"tenants": tenants,
	})
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	metrics.WritePrometheus(c.Response().BodyWriter())
	return nil
}

// parseEntityRef builds the entity reference from the :kind and :key
// path params. Direct rooms encode the unordered pair as "userA|userB".
func parseEntityRef(c *fiber.Ctx) (models.EntityRef, error) {
	kind := models.RoomKind(c.Params("kind"))
	key, err := decodeParam(c, "key")
	if err != nil {
		return models.EntityRef{}, err
	}

	var ref models.EntityRef
	switch kind {
	case models.RoomKindEvent:
		ref = models.EventRef(key)
	case models.RoomKindGroup:
		ref = models.GroupRef(key)
	case models.RoomKindDirect:
		a, b, ok := strings.Cut(key, "|")
		if !ok {
			return models.EntityRef{}, fmt.Errorf("direct room key must be \"userA|userB\"")
		}
		ref = models.DirectRef(models.UserKey(a), models.UserKey(b))
	default:
		return models.EntityRef{}, fmt.Errorf("unknown room kind %q", kind)
	}
	if err := ref.Validate(); err != nil {
		return models.EntityRef{}, err
	}
	return ref, nil
}

func decodeParam(c *fiber.Ctx, name string) (string, error) {
	raw := c.Params(name)
	if raw == "" {
		return "", fmt.Errorf("missing %s parameter", name)
	}
	v, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("invalid %s parameter", name)
	}
	return v, nil
}
