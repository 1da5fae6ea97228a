package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/roomsync/internal/config"
	"github.com/example/roomsync/pkg/models"
)

const (
	healthCheckTimeout         = 2 * time.Second
	defaultHealthCheckInterval = 30 * time.Second
)

// HealthStatus of one tenant's backend connection.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// TenantHealth is the cached health of one tenant's backend.
type TenantHealth struct {
	Tenant      models.Tenant `json:"tenant"`
	Status      HealthStatus  `json:"status"`
	LastChecked time.Time     `json:"last_checked"`
	Error       string        `json:"error,omitempty"`
}

// Manager holds one chat backend client per tenant and runs background
// health checks against them. Event handlers resolve their tenant's
// client through it; an unconfigured tenant is a terminal per-event
// failure.
type Manager struct {
	clients    map[models.Tenant]Client
	clientsMux sync.RWMutex
	health     map[models.Tenant]TenantHealth
	healthMux  sync.RWMutex
	logger     *slog.Logger
	stopHealth chan struct{}
	healthWG   sync.WaitGroup
}

// NewManager builds a manager with one client per configured tenant.
func NewManager(cfg config.ChatConfig, log *slog.Logger) (*Manager, error) {
	m := &Manager{
		clients:    make(map[models.Tenant]Client),
		health:     make(map[models.Tenant]TenantHealth),
		logger:     log.With("component", "chat_manager"),
		stopHealth: make(chan struct{}),
	}

	for _, tc := range cfg.Tenants {
		client, err := NewHTTPClient(ClientOptions{
			URL:         tc.URL,
			AdminToken:  tc.AdminToken,
			CallTimeout: cfg.CallTimeout,
		}, m.logger.With("tenant", tc.Name))
		if err != nil {
			return nil, fmt.Errorf("creating chat client for tenant %q: %w", tc.Name, err)
		}
		tenant := models.Tenant(tc.Name)
		m.clients[tenant] = client
		m.health[tenant] = TenantHealth{
			Tenant: tenant,
			Status: HealthStatusUnhealthy,
			Error:  "initial check pending",
		}
	}

	return m, nil
}

// GetClient returns the client for the tenant, or ErrTenantNotConfigured.
func (m *Manager) GetClient(tenant models.Tenant) (Client, error) {
	m.clientsMux.RLock()
	defer m.clientsMux.RUnlock()

	client, ok := m.clients[tenant]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotConfigured, tenant)
	}
	return client, nil
}

// Tenants lists the configured tenants.
func (m *Manager) Tenants() []models.Tenant {
	m.clientsMux.RLock()
	defer m.clientsMux.RUnlock()

	out := make([]models.Tenant, 0, len(m.clients))
	for t := range m.clients {
		out = append(out, t)
	}
	return out
}

// StartBackgroundHealthChecks launches the periodic ping loop.
func (m *Manager) StartBackgroundHealthChecks(interval time.Duration) {
	if interval <= 0 {
		interval = defaultHealthCheckInterval
	}
	m.logger.Debug("starting background health checks", "interval", interval)

	ticker := time.NewTicker(interval)
	m.healthWG.Add(1)

	go func() {
		defer ticker.Stop()
		defer m.healthWG.Done()
		m.checkAllTenants()

		for {
			select {
			case <-ticker.C:
				m.checkAllTenants()
			case <-m.stopHealth:
				m.logger.Debug("stopping background health checks")
				return
			}
		}
	}()
}

func (m *Manager) checkAllTenants() {
	m.clientsMux.RLock()
	tenants := make([]models.Tenant, 0, len(m.clients))
	for t := range m.clients {
		tenants = append(tenants, t)
	}
	m.clientsMux.RUnlock()

	var wg sync.WaitGroup
	for _, t := range tenants {
		wg.Add(1)
		go func(tenant models.Tenant) {
			defer wg.Done()
			m.checkTenant(tenant)
		}(t)
	}
	wg.Wait()
}

func (m *Manager) checkTenant(tenant models.Tenant) {
	client, err := m.GetClient(tenant)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	pingErr := client.Ping(ctx)
	cancel()

	m.healthMux.Lock()
	defer m.healthMux.Unlock()

	prev, existed := m.health[tenant]
	status := HealthStatusHealthy
	errMsg := ""
	if pingErr != nil {
		status = HealthStatusUnhealthy
		errMsg = pingErr.Error()
	}
	m.health[tenant] = TenantHealth{
		Tenant:      tenant,
		Status:      status,
		LastChecked: time.Now(),
		Error:       errMsg,
	}

	if !existed || prev.Status != status {
		if pingErr != nil {
			m.logger.Warn("chat backend unhealthy", "tenant", tenant, "error", pingErr)
		} else {
			m.logger.Debug("chat backend healthy", "tenant", tenant)
		}
	}
}

// GetCachedHealth returns the last known health for a tenant.
func (m *Manager) GetCachedHealth(tenant models.Tenant) TenantHealth {
	m.healthMux.RLock()
	defer m.healthMux.RUnlock()

	health, ok := m.health[tenant]
	if !ok {
		return TenantHealth{
			Tenant: tenant,
			Status: HealthStatusUnhealthy,
			Error:  "tenant not configured",
		}
	}
	return health
}

// Close stops the health loop and closes all clients.
func (m *Manager) Close() error {
	close(m.stopHealth)
	m.healthWG.Wait()

	m.clientsMux.Lock()
	defer m.clientsMux.Unlock()

	var lastErr error
	for tenant, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Error("error closing chat client", "tenant", tenant, "error", err)
			lastErr = err
		}
	}
	m.clients = make(map[models.Tenant]Client)
	return lastErr
}
