package events

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/roomsync/internal/chat"
	"github.com/example/roomsync/internal/core"
	"github.com/example/roomsync/internal/metrics"
	"github.com/example/roomsync/pkg/models"
)

// ErrTenantMissing indicates an event arrived without a tenant. This is
// an emitter bug and terminal for the event: no client lookup, no retry.
var ErrTenantMissing = errors.New("event is missing a tenant")

// ClientResolver resolves the chat backend client for a tenant.
// *chat.Manager implements it.
type ClientResolver interface {
	GetClient(tenant models.Tenant) (chat.Client, error)
}

// Adapter turns domain events into reconciliation calls. One adapter
// serves all tenants; each event gets a fresh operation scope and its
// tenant's client, so events never share cached state.
type Adapter struct {
	store   core.Store
	clients ClientResolver
	log     *slog.Logger
}

// NewAdapter builds the event adapter.
func NewAdapter(store core.Store, clients ClientResolver, log *slog.Logger) *Adapter {
	return &Adapter{
		store:   store,
		clients: clients,
		log:     log.With("component", "events"),
	}
}

// depsFor resolves the per-tenant reconciliation dependencies. The
// tenant check runs before any client lookup so that a missing tenant
// never reaches the backend layer.
func (a *Adapter) depsFor(tenant models.Tenant) (core.Deps, error) {
	if tenant == "" {
		return core.Deps{}, ErrTenantMissing
	}
	client, err := a.clients.GetClient(tenant)
	if err != nil {
		return core.Deps{}, err
	}
	return core.Deps{
		Tenant: tenant,
		Store:  a.store,
		Chat:   client,
		Log:    a.log.With("tenant", tenant),
	}, nil
}

// HandleMemberAdded ensures the user is in the entity's room.
func (a *Adapter) HandleMemberAdded(ctx context.Context, ev MemberAdded) Outcome {
	const handler = "member_added"

	deps, err := a.depsFor(ev.Tenant)
	if err != nil {
		return a.fail(handler, ev.Entity, ev.User, err)
	}

	scope := core.NewScope()
	if err := core.EnsureMember(ctx, deps, scope, ev.Entity, ev.User); err != nil {
		if errors.Is(err, core.ErrEntityNotFound) {
			// The entity vanished between emission and handling. Nothing
			// to converge onto.
			a.log.Debug("skipping member add, entity gone", "entity", ev.Entity, "user", ev.User)
			metrics.IncEventOutcome(handler, string(OutcomeSkippedNoop))
			return OutcomeSkippedNoop
		}
		return a.fail(handler, ev.Entity, ev.User, err)
	}
	metrics.IncEventOutcome(handler, string(OutcomeApplied))
	return OutcomeApplied
}

// HandleMemberRemoved removes the user from the entity's room.
func (a *Adapter) HandleMemberRemoved(ctx context.Context, ev MemberRemoved) Outcome {
	const handler = "member_removed"

	deps, err := a.depsFor(ev.Tenant)
	if err != nil {
		return a.fail(handler, ev.Entity, ev.User, err)
	}

	scope := core.NewScope()
	if err := core.RemoveMember(ctx, deps, scope, ev.Entity, ev.User); err != nil {
		return a.fail(handler, ev.Entity, ev.User, err)
	}
	metrics.IncEventOutcome(handler, string(OutcomeApplied))
	return OutcomeApplied
}

// HandleRoleChanged pushes the new power level to the entity's rooms.
func (a *Adapter) HandleRoleChanged(ctx context.Context, ev RoleChanged) Outcome {
	const handler = "role_changed"

	deps, err := a.depsFor(ev.Tenant)
	if err != nil {
		return a.fail(handler, ev.Entity, ev.User, err)
	}

	pushed, err := core.SyncRolePermissions(ctx, deps, models.RoleChange{
		Tenant:  ev.Tenant,
		User:    ev.User,
		Entity:  ev.Entity,
		NewRole: ev.NewRole,
		OldRole: ev.OldRole,
		Action:  ev.Action,
	})
	if err != nil {
		return a.fail(handler, ev.Entity, ev.User, err)
	}
	if !pushed {
		metrics.IncEventOutcome(handler, string(OutcomeSkippedNoop))
		return OutcomeSkippedNoop
	}
	metrics.IncEventOutcome(handler, string(OutcomeApplied))
	return OutcomeApplied
}

// HandleEntityCreated refreshes the entity mirror and provisions the
// room. Room creation re-checks the mirror first, so an entity deleted
// between emission and handling comes back as a noop rather than a
// recreated room.
func (a *Adapter) HandleEntityCreated(ctx context.Context, ev EntityCreated) Outcome {
	const handler = "entity_created"

	if ev.Entity.Kind == models.RoomKindDirect {
		// Direct rooms exist only between two users; there is no entity
		// record to mirror and nothing to provision ahead of time.
		metrics.IncEventOutcome(handler, string(OutcomeSkippedNoop))
		return OutcomeSkippedNoop
	}

	deps, err := a.depsFor(ev.Tenant)
	if err != nil {
		return a.fail(handler, ev.Entity, "", err)
	}

	if err := core.MirrorEntity(ctx, deps, ev.Entity, ev.Slug, ev.DisplayName, ev.Visibility); err != nil {
		return a.fail(handler, ev.Entity, "", err)
	}

	scope := core.NewScope()
	room, err := core.EnsureRoom(ctx, deps, scope, ev.Entity, ev.Creator)
	if err != nil {
		if errors.Is(err, core.ErrEntityNotFound) {
			a.log.Debug("skipping room provisioning, entity gone", "entity", ev.Entity)
			metrics.IncEventOutcome(handler, string(OutcomeSkippedNoop))
			return OutcomeSkippedNoop
		}
		return a.fail(handler, ev.Entity, "", err)
	}
	if room == nil {
		metrics.IncEventOutcome(handler, string(OutcomeSkippedNoop))
		return OutcomeSkippedNoop
	}
	metrics.IncEventOutcome(handler, string(OutcomeApplied))
	return OutcomeApplied
}

// HandleEntityDeleting tears down the entity's rooms. Whatever happens
// here, the emitting deletion workflow already moved on; failures only
// surface through logs and counters.
func (a *Adapter) HandleEntityDeleting(ctx context.Context, ev EntityDeleting) Outcome {
	const handler = "entity_deleting"

	if ev.SkipChatCleanup {
		a.log.Debug("skipping chat cleanup on entity deletion", "tenant", ev.Tenant, "entity", ev.Entity)
		metrics.IncEventOutcome(handler, string(OutcomeSkippedNoop))
		return OutcomeSkippedNoop
	}

	deps, err := a.depsFor(ev.Tenant)
	if err != nil {
		return a.fail(handler, ev.Entity, "", err)
	}

	if err := core.DeleteEntityRooms(ctx, deps, ev.Entity); err != nil {
		return a.fail(handler, ev.Entity, "", err)
	}
	metrics.IncEventOutcome(handler, string(OutcomeApplied))
	return OutcomeApplied
}

func (a *Adapter) fail(handler string, entity models.EntityRef, user models.UserKey, err error) Outcome {
	a.log.Error("event handler failed", "handler", handler, "entity", entity, "user", user, "error", err)
	metrics.IncEventOutcome(handler, string(OutcomeSkippedError))
	return OutcomeSkippedError
}
