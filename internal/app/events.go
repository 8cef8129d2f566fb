package app

import (
	"context"
	"time"

	"github.com/talkincode/botfleet/internal/domain"
	"github.com/talkincode/botfleet/internal/supervisor"
	"go.uber.org/zap"
)

// TopicTenantStatus is published with (tenantID int64, status string) after a
// tenant status change is persisted.
const TopicTenantStatus = "tenant:status"

func (a *Application) subscribeEvents() {
	if err := a.bus.Subscribe(supervisor.TopicState, a.onWorkerState); err != nil {
		zap.L().Error("subscribe worker state failed", zap.Error(err))
	}
	if err := a.bus.Subscribe(TopicTenantStatus, a.onTenantStatus); err != nil {
		zap.L().Error("subscribe tenant status failed", zap.Error(err))
	}
}

func (a *Application) onWorkerState(tenantID int64, state supervisor.State) {
	if state == supervisor.StateFailed {
		zap.L().Warn("worker failed", zap.Int64("tenant_id", tenantID))
		return
	}
	zap.L().Debug("worker state changed", zap.Int64("tenant_id", tenantID), zap.String("state", state.String()))
}

// onTenantStatus keeps the shared worker routing table in step with the
// tenant table.
func (a *Application) onTenantStatus(tenantID int64, status string) {
	if !a.appConfig.IsConsolidated() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if status != domain.TenantStatusActive {
		if err := a.consolidated.Unregister(ctx, tenantID); err != nil {
			zap.L().Error("consolidated: unregister failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		}
		return
	}
	t, err := a.store.Tenants.Get(ctx, tenantID)
	if err != nil {
		zap.L().Error("consolidated: register lookup failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		return
	}
	a.consolidated.Register(t)
}

func (a *Application) publishStatus(tenantID int64, status string) {
	a.bus.Publish(TopicTenantStatus, tenantID, status)
}
