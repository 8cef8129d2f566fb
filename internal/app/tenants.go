package app

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/botfleet/internal/domain"
	"github.com/talkincode/botfleet/internal/mailer"
	"github.com/talkincode/botfleet/pkg/common"
	"go.uber.org/zap"
)

// ErrInvalidTenant is returned when a tenant is missing a required field.
var ErrInvalidTenant = errors.New("invalid tenant")

// CreateTenant stores a new pending tenant with a fresh landing token and
// mails the invitation in the background. With autoStart the worker is
// provisioned right away.
func (a *Application) CreateTenant(ctx context.Context, t *domain.Tenant, autoStart bool) error {
	t.Name = strings.TrimSpace(t.Name)
	t.Email = strings.TrimSpace(t.Email)
	if t.Name == "" || t.Email == "" {
		return errors.Wrap(ErrInvalidTenant, "name and email are required")
	}
	if t.OpenAIKey == "" || t.AssistantID == "" {
		return errors.Wrap(ErrInvalidTenant, "assistant credentials are required")
	}

	t.ID = common.UUIDint64()
	t.UniqueURL = common.ShortToken()
	t.Status = domain.TenantStatusPending
	t.WhatsAppPort = 0
	t.ConnectedPhone = ""
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	if err := a.store.Tenants.Create(ctx, t); err != nil {
		return err
	}
	zap.L().Info("tenant created", zap.Int64("tenant_id", t.ID), zap.String("tenant", t.Name))

	if a.mailer.Enabled() {
		go func(id int64) {
			defer func() {
				if err := recover(); err != nil {
					zap.S().Errorf("invitation panic: %v", err)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := a.SendInvitation(ctx, id); err != nil {
				zap.L().Warn("invitation not sent", zap.Int64("tenant_id", id), zap.Error(err))
			}
		}(t.ID)
	}

	if autoStart {
		started, err := a.ConnectTenant(ctx, t.ID)
		if err != nil {
			return errors.Wrap(err, "auto start")
		}
		*t = *started
	}
	return nil
}

// ConnectTenant starts the tenant's worker and marks it active. On a shared
// worker deployment only the routing table changes.
func (a *Application) ConnectTenant(ctx context.Context, id int64) (*domain.Tenant, error) {
	t, err := a.store.Tenants.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.appConfig.IsConsolidated() {
		if _, err := a.supervisor.Provision(ctx, t); err != nil {
			return nil, err
		}
	}
	if err := a.setStatus(ctx, id, domain.TenantStatusActive); err != nil {
		return nil, err
	}
	return a.store.Tenants.Get(ctx, id)
}

// DisconnectTenant marks the tenant inactive and then stops its worker. The
// status is written first so a monitor sweep running meanwhile does not
// start the worker again.
func (a *Application) DisconnectTenant(ctx context.Context, id int64) (*domain.Tenant, error) {
	if _, err := a.store.Tenants.Get(ctx, id); err != nil {
		return nil, err
	}
	if err := a.setStatus(ctx, id, domain.TenantStatusInactive); err != nil {
		return nil, err
	}
	if !a.appConfig.IsConsolidated() {
		if err := a.supervisor.Teardown(ctx, id); err != nil {
			return nil, err
		}
	}
	return a.store.Tenants.Get(ctx, id)
}

// DeleteTenant removes the tenant with all of its rows, then stops the worker.
func (a *Application) DeleteTenant(ctx context.Context, id int64) error {
	if _, err := a.store.Tenants.Get(ctx, id); err != nil {
		return err
	}
	if err := a.store.Tenants.Delete(ctx, id); err != nil {
		return err
	}
	if err := a.supervisor.Teardown(ctx, id); err != nil {
		zap.L().Warn("teardown after delete failed", zap.Int64("tenant_id", id), zap.Error(err))
	}
	if err := a.consolidated.Unregister(ctx, id); err != nil {
		zap.L().Warn("unregister after delete failed", zap.Int64("tenant_id", id), zap.Error(err))
	}
	zap.L().Info("tenant deleted", zap.Int64("tenant_id", id))
	return nil
}

// RestartTenant replaces a running worker so it picks up new credentials.
// A tenant without a live worker is left alone.
func (a *Application) RestartTenant(ctx context.Context, id int64) error {
	if a.appConfig.IsConsolidated() || !a.supervisor.Status(id).Running {
		return nil
	}
	t, err := a.store.Tenants.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := a.supervisor.Teardown(ctx, id); err != nil {
		return err
	}
	_, err = a.supervisor.Provision(ctx, t)
	return err
}

// SendInvitation mails the landing link and records the send time.
func (a *Application) SendInvitation(ctx context.Context, id int64) error {
	t, err := a.store.Tenants.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := a.mailer.SendInvitation(ctx, t); err != nil {
		if errors.Is(err, mailer.ErrDisabled) {
			return err
		}
		return errors.Wrapf(err, "tenant %d", id)
	}
	return a.store.Tenants.Updates(ctx, id, map[string]interface{}{
		"email_sent":    true,
		"email_sent_at": time.Now(),
	})
}

// BindOwner records the identity paired to the tenant's worker and activates
// the tenant.
func (a *Application) BindOwner(ctx context.Context, id int64, identity string) (*domain.Tenant, error) {
	identity = common.NormalizePhone(identity)
	if identity == "" {
		return nil, errors.Wrap(ErrInvalidTenant, "empty identity")
	}
	t, err := a.store.Tenants.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	values := map[string]interface{}{"connected_phone": identity}
	if t.Status != domain.TenantStatusActive {
		values["status"] = domain.TenantStatusActive
	}
	if err := a.store.Tenants.Updates(ctx, id, values); err != nil {
		return nil, err
	}
	a.supervisor.MarkRunning(id)
	if t.Status != domain.TenantStatusActive {
		a.publishStatus(id, domain.TenantStatusActive)
	}
	zap.L().Info("tenant paired", zap.Int64("tenant_id", id), zap.String("identity", identity))
	return a.store.Tenants.Get(ctx, id)
}

// ClearOwner forgets the paired identity after the worker logged out.
func (a *Application) ClearOwner(ctx context.Context, id int64) error {
	if err := a.store.Tenants.Updates(ctx, id, map[string]interface{}{"connected_phone": ""}); err != nil {
		return err
	}
	zap.L().Info("tenant unpaired", zap.Int64("tenant_id", id))
	return nil
}

func (a *Application) setStatus(ctx context.Context, id int64, status string) error {
	if err := a.store.Tenants.Updates(ctx, id, map[string]interface{}{"status": status}); err != nil {
		return err
	}
	a.publishStatus(id, status)
	return nil
}
