package pause

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/botfleet/internal/domain"
	"github.com/talkincode/botfleet/internal/store"
	"go.uber.org/zap"
)

const (
	msgPaused         = "✅ Conversación pausada. Ahora puedes responder directamente a este usuario."
	msgAlreadyPaused  = "✅ Esta conversación ya estaba pausada. Puedes responder directamente."
	msgResumed        = "✅ Conversación reactivada. El bot volverá a responder automáticamente."
	msgNotPaused      = "ℹ️ Esta conversación no estaba pausada."
	msgAllPaused      = "✅ Bot completamente pausado. No responderá a ningún usuario automáticamente."
	msgAlreadyAll     = "✅ El bot ya estaba completamente pausado."
	msgAllResumedFmt  = "✅ Bot completamente reactivado. Se eliminaron %d pausas."
	msgNothingToClear = "ℹ️ El bot no tenía conversaciones pausadas."
	msgCommandError   = "❌ Error procesando el comando. Intenta nuevamente."
)

// Status is the pause view of one conversation.
type Status struct {
	GlobalPaused           bool  `json:"global_paused"`
	ThisConversationPaused bool  `json:"this_conversation_paused"`
	OtherPausedCount       int64 `json:"other_paused_count"`
}

// Result is the outcome of a state changing command.
type Result struct {
	Changed bool
	Message string
}

// Machine holds per tenant mute state in the pause repository. It keeps no
// state of its own.
type Machine struct {
	repo store.PauseRepository
	now  func() time.Time
}

func NewMachine(repo store.PauseRepository) *Machine {
	return &Machine{repo: repo, now: time.Now}
}

func (m *Machine) PauseThis(ctx context.Context, tenantID int64, counterparty string) (Result, error) {
	return m.insert(ctx, tenantID, counterparty, domain.PauseScopeSingle, domain.PausedByClient, msgPaused, msgAlreadyPaused)
}

func (m *Machine) PauseAll(ctx context.Context, tenantID int64) (Result, error) {
	return m.insert(ctx, tenantID, domain.PauseAllSentinel, domain.PauseScopeGlobal, domain.PausedByGlobal, msgAllPaused, msgAlreadyAll)
}

func (m *Machine) insert(ctx context.Context, tenantID int64, counterparty, scope, by, done, already string) (Result, error) {
	_, err := m.repo.Find(ctx, tenantID, counterparty)
	switch {
	case err == nil:
		return Result{Message: already}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Result{}, errors.Wrap(err, "lookup pause record")
	}

	err = m.repo.Create(ctx, &domain.PauseRecord{
		TenantID:     tenantID,
		Counterparty: counterparty,
		Scope:        scope,
		PausedBy:     by,
		PausedAt:     m.now(),
	})
	if err != nil {
		// a concurrent insert of the same key lost the race on the unique index
		if _, ferr := m.repo.Find(ctx, tenantID, counterparty); ferr == nil {
			return Result{Message: already}, nil
		}
		return Result{}, errors.Wrap(err, "create pause record")
	}
	zap.L().Info("pause: conversation paused",
		zap.Int64("tenant_id", tenantID),
		zap.String("counterparty", counterparty),
		zap.String("scope", scope))
	return Result{Changed: true, Message: done}, nil
}

func (m *Machine) ResumeThis(ctx context.Context, tenantID int64, counterparty string) (Result, error) {
	n, err := m.repo.Delete(ctx, tenantID, counterparty)
	if err != nil {
		return Result{}, errors.Wrap(err, "delete pause record")
	}
	if n == 0 {
		return Result{Message: msgNotPaused}, nil
	}
	zap.L().Info("pause: conversation resumed", zap.Int64("tenant_id", tenantID), zap.String("counterparty", counterparty))
	return Result{Changed: true, Message: msgResumed}, nil
}

// ResumeAll removes every pause of the tenant and returns how many rows went away.
func (m *Machine) ResumeAll(ctx context.Context, tenantID int64) (int64, Result, error) {
	n, err := m.repo.DeleteAll(ctx, tenantID)
	if err != nil {
		return 0, Result{}, errors.Wrap(err, "delete pause records")
	}
	if n == 0 {
		return 0, Result{Message: msgNothingToClear}, nil
	}
	zap.L().Info("pause: all conversations resumed", zap.Int64("tenant_id", tenantID), zap.Int64("removed", n))
	return n, Result{Changed: true, Message: fmt.Sprintf(msgAllResumedFmt, n)}, nil
}

func (m *Machine) QueryStatus(ctx context.Context, tenantID int64, counterparty string) (Status, error) {
	var st Status
	var err error
	if st.GlobalPaused, err = m.exists(ctx, tenantID, domain.PauseAllSentinel); err != nil {
		return st, err
	}
	if st.ThisConversationPaused, err = m.exists(ctx, tenantID, counterparty); err != nil {
		return st, err
	}
	total, err := m.repo.CountSingle(ctx, tenantID)
	if err != nil {
		return st, errors.Wrap(err, "count pause records")
	}
	st.OtherPausedCount = total
	if st.ThisConversationPaused && counterparty != domain.PauseAllSentinel {
		st.OtherPausedCount--
	}
	return st, nil
}

func (m *Machine) exists(ctx context.Context, tenantID int64, counterparty string) (bool, error) {
	_, err := m.repo.Find(ctx, tenantID, counterparty)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return false, errors.Wrap(err, "lookup pause record")
}

// IsPaused is true when the tenant is globally paused or this conversation is.
func (m *Machine) IsPaused(ctx context.Context, tenantID int64, counterparty string) (bool, error) {
	return m.repo.AnyOf(ctx, tenantID, domain.PauseAllSentinel, counterparty)
}

// Handle runs text as a command for tenant. handled is false when text is not
// a command or the sender is not the tenant owner; such messages follow the
// normal conversation path and the command has no effect.
func (m *Machine) Handle(ctx context.Context, tenant *domain.Tenant, counterparty, text string) (reply string, handled bool) {
	cmd := ParseCommand(text)
	if cmd == CmdNone || !tenant.IsOwner(counterparty) {
		return "", false
	}

	var (
		res Result
		err error
	)
	switch cmd {
	case CmdPauseThis:
		res, err = m.PauseThis(ctx, tenant.ID, counterparty)
	case CmdResumeThis:
		res, err = m.ResumeThis(ctx, tenant.ID, counterparty)
	case CmdPauseAll:
		res, err = m.PauseAll(ctx, tenant.ID)
	case CmdResumeAll:
		_, res, err = m.ResumeAll(ctx, tenant.ID)
	case CmdStatus:
		var st Status
		st, err = m.QueryStatus(ctx, tenant.ID, counterparty)
		res.Message = FormatStatus(st)
	}
	if err != nil {
		zap.L().Error("pause: command failed",
			zap.Int64("tenant_id", tenant.ID),
			zap.Stringer("command", cmd),
			zap.Error(err))
		return msgCommandError, true
	}
	return res.Message, true
}

// FormatStatus renders a Status as the chat reply for the status command.
func FormatStatus(st Status) string {
	var b strings.Builder
	b.WriteString("📊 Estado del Bot:\n")
	switch {
	case st.GlobalPaused:
		b.WriteString("🔴 Bot: COMPLETAMENTE PAUSADO\n")
	case st.ThisConversationPaused:
		b.WriteString("🟡 Esta conversación: PAUSADA\n")
		b.WriteString("🟢 Bot: ACTIVO para otras conversaciones\n")
	default:
		b.WriteString("🟢 Esta conversación: ACTIVA\n")
		b.WriteString("🟢 Bot: FUNCIONANDO NORMAL\n")
	}
	if st.OtherPausedCount > 0 {
		fmt.Fprintf(&b, "📱 Otras conversaciones pausadas: %d\n", st.OtherPausedCount)
	}
	b.WriteString("\nComandos: pausar, reactivar, pausar todo, activar todo, estado")
	return b.String()
}
