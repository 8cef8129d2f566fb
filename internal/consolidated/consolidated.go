// Package consolidated routes messages of many tenants that share one paired
// messaging worker.
package consolidated

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/botfleet/internal/domain"
	"github.com/talkincode/botfleet/internal/router"
	"github.com/talkincode/botfleet/internal/store"
	"github.com/talkincode/botfleet/pkg/common"
	"go.uber.org/zap"
)

var (
	ErrUnroutable    = errors.New("no tenant for counterparty")
	ErrNotRegistered = errors.New("tenant not registered on shared worker")
)

// Binding is the fallback tenant of the shared worker: either Unbound or
// BoundTo a tenant id.
type Binding struct {
	tenantID int64
}

func Unbound() Binding { return Binding{} }

func BoundTo(tenantID int64) Binding { return Binding{tenantID: tenantID} }

// Tenant returns the bound tenant id and whether there is one.
func (b Binding) Tenant() (int64, bool) {
	return b.tenantID, b.tenantID != 0
}

// Pipeline processes a message for an already resolved tenant.
type Pipeline interface {
	Process(ctx context.Context, tenant *domain.Tenant, in router.Inbound) (router.Result, error)
}

// Status is the admin view of the shared worker routing table.
type Status struct {
	BoundTenantID  int64                      `json:"bound_tenant_id,string"`
	BoundPhone     string                     `json:"bound_phone"`
	Registered     int                        `json:"registered"`
	Associations   []*domain.PhoneAssociation `json:"associations"`
	AutoBindActive bool                       `json:"auto_bind_first_active"`
}

// Router keeps the active tenant set and the fallback binding of one shared
// worker. Explicit phone associations live in the store.
type Router struct {
	store    *store.Store
	pipeline Pipeline
	worker   string
	autoBind bool

	mu       sync.RWMutex
	active   map[int64]*domain.Tenant
	fallback Binding
	phone    string
}

func New(st *store.Store, pipeline Pipeline, autoBind bool) *Router {
	return &Router{
		store:    st,
		pipeline: pipeline,
		worker:   domain.DefaultSharedWorker,
		autoBind: autoBind,
		active:   make(map[int64]*domain.Tenant),
	}
}

// Load registers every active tenant and restores the persisted binding.
func (r *Router) Load(ctx context.Context) error {
	tenants, err := r.store.Tenants.ListByStatus(ctx, domain.TenantStatusActive)
	if err != nil {
		return errors.Wrap(err, "list active tenants")
	}
	r.mu.Lock()
	for _, t := range tenants {
		r.active[t.ID] = t
	}
	r.mu.Unlock()

	b, err := r.store.Associations.GetBinding(ctx, r.worker)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return errors.Wrap(err, "load shared binding")
	default:
		r.mu.Lock()
		if _, ok := r.active[b.TenantID]; ok {
			r.fallback = BoundTo(b.TenantID)
			r.phone = b.Phone
		}
		r.mu.Unlock()
	}
	zap.L().Info("consolidated: routing table loaded", zap.Int("tenants", len(tenants)))
	return nil
}

func (r *Router) Register(t *domain.Tenant) {
	cp := *t
	r.mu.Lock()
	r.active[t.ID] = &cp
	r.mu.Unlock()
	zap.L().Info("consolidated: tenant registered", zap.Int64("tenant_id", t.ID), zap.String("tenant", t.Name))
}

// Unregister removes the tenant, its phone associations and the fallback
// binding when it pointed at the tenant.
func (r *Router) Unregister(ctx context.Context, tenantID int64) error {
	r.mu.Lock()
	delete(r.active, tenantID)
	clearFallback := false
	if id, ok := r.fallback.Tenant(); ok && id == tenantID {
		r.fallback = Unbound()
		r.phone = ""
		clearFallback = true
	}
	r.mu.Unlock()

	n, err := r.store.Associations.DeleteByTenant(ctx, tenantID)
	if err != nil {
		return errors.Wrap(err, "purge phone associations")
	}
	if clearFallback {
		if err := r.store.Associations.SetBinding(ctx, r.worker, 0, ""); err != nil {
			return errors.Wrap(err, "clear shared binding")
		}
	}
	zap.L().Info("consolidated: tenant unregistered",
		zap.Int64("tenant_id", tenantID),
		zap.Int64("associations", n),
		zap.Bool("was_bound", clearFallback))
	return nil
}

// Associate binds counterparty to tenantID and makes the tenant the fallback.
func (r *Router) Associate(ctx context.Context, counterparty string, tenantID int64) (*domain.Tenant, error) {
	counterparty = common.NormalizePhone(counterparty)
	if counterparty == "" {
		return nil, errors.New("empty counterparty")
	}
	r.mu.RLock()
	_, ok := r.active[tenantID]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotRegistered, "tenant %d", tenantID)
	}

	if err := r.store.Associations.Upsert(ctx, counterparty, tenantID); err != nil {
		return nil, errors.Wrap(err, "save phone association")
	}
	if err := r.store.Associations.SetBinding(ctx, r.worker, tenantID, counterparty); err != nil {
		zap.L().Warn("consolidated: persist binding failed", zap.Error(err))
	}
	if err := r.store.Tenants.Updates(ctx, tenantID, map[string]interface{}{"connected_phone": counterparty}); err != nil {
		zap.L().Warn("consolidated: update connected phone failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
	}

	// registered tenants are replaced, never modified
	r.mu.Lock()
	cur, ok := r.active[tenantID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.Wrapf(ErrNotRegistered, "tenant %d unregistered while associating", tenantID)
	}
	t := *cur
	t.ConnectedPhone = counterparty
	r.active[tenantID] = &t
	r.fallback = BoundTo(tenantID)
	r.phone = counterparty
	r.mu.Unlock()

	zap.L().Info("consolidated: phone associated",
		zap.String("counterparty", counterparty),
		zap.Int64("tenant_id", tenantID))
	out := t
	return &out, nil
}

// PhoneConnected handles the pairing callback of the shared worker. With no
// tenant named, the oldest active tenant is bound only when auto binding is on.
func (r *Router) PhoneConnected(ctx context.Context, phone string, tenantID int64) (*domain.Tenant, error) {
	if tenantID == 0 {
		if !r.autoBind {
			return nil, errors.Wrap(ErrUnroutable, "pairing callback names no tenant")
		}
		first := r.firstActive()
		if first == nil {
			return nil, errors.Wrap(ErrUnroutable, "no active tenants")
		}
		tenantID = first.ID
		zap.L().Warn("consolidated: auto binding paired phone to first active tenant",
			zap.String("phone", phone),
			zap.Int64("tenant_id", tenantID))
	}
	return r.Associate(ctx, phone, tenantID)
}

func (r *Router) firstActive() *domain.Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var first *domain.Tenant
	for _, t := range r.active {
		if first == nil || t.CreatedAt.Before(first.CreatedAt) ||
			(t.CreatedAt.Equal(first.CreatedAt) && t.ID < first.ID) {
			first = t
		}
	}
	return first
}

// Resolve returns the tenant serving counterparty. An explicit association
// always wins over the fallback binding.
func (r *Router) Resolve(ctx context.Context, counterparty string) (*domain.Tenant, error) {
	counterparty = common.NormalizePhone(counterparty)
	a, err := r.store.Associations.Get(ctx, counterparty)
	switch {
	case err == nil:
		r.mu.RLock()
		t, ok := r.active[a.TenantID]
		r.mu.RUnlock()
		if !ok {
			return nil, errors.Wrapf(ErrUnroutable, "%s is associated with inactive tenant %d", counterparty, a.TenantID)
		}
		cp := *t
		return &cp, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, errors.Wrap(err, "lookup phone association")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.fallback.Tenant(); ok {
		if t, ok := r.active[id]; ok {
			cp := *t
			return &cp, nil
		}
	}
	return nil, errors.Wrapf(ErrUnroutable, "%s", counterparty)
}

// Route resolves the tenant and runs the shared message pipeline.
func (r *Router) Route(ctx context.Context, counterparty, text, messageID string, ts time.Time) (router.Result, error) {
	t, err := r.Resolve(ctx, counterparty)
	if err != nil {
		zap.L().Warn("consolidated: unroutable message", zap.String("counterparty", counterparty), zap.Error(err))
		return router.Result{}, err
	}
	return r.pipeline.Process(ctx, t, router.Inbound{
		TenantID:     t.ID,
		Counterparty: common.NormalizePhone(counterparty),
		Text:         text,
		MessageID:    messageID,
		Timestamp:    ts,
	})
}

// Binding returns the current fallback binding.
func (r *Router) Binding() Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

// Tenants lists the registered tenants ordered by name.
func (r *Router) Tenants() []*domain.Tenant {
	r.mu.RLock()
	items := make([]*domain.Tenant, 0, len(r.active))
	for _, t := range r.active {
		cp := *t
		items = append(items, &cp)
	}
	r.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}

func (r *Router) Status(ctx context.Context) (*Status, error) {
	assocs, err := r.store.Associations.List(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, _ := r.fallback.Tenant()
	return &Status{
		BoundTenantID:  id,
		BoundPhone:     r.phone,
		Registered:     len(r.active),
		Associations:   assocs,
		AutoBindActive: r.autoBind,
	}, nil
}
