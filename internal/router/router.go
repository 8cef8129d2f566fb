// Package router runs an inbound chat message through the pause check and
// the assistant, and records the transcript.
package router

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/botfleet/internal/assistant"
	"github.com/talkincode/botfleet/internal/domain"
	"github.com/talkincode/botfleet/internal/metrics"
	"github.com/talkincode/botfleet/internal/pause"
	"github.com/talkincode/botfleet/internal/store"
	"github.com/talkincode/botfleet/pkg/common"
	"go.uber.org/zap"
)

// Replies sent to the customer when the assistant could not answer.
const (
	FallbackError   = "Lo siento, hubo un error procesando tu mensaje. Por favor intenta nuevamente."
	FallbackTimeout = "Lo siento, la respuesta está tomando más tiempo del esperado. ¿Puedes intentar de nuevo?"
	FallbackEmpty   = "Lo siento, no pude procesar tu mensaje correctamente. ¿Puedes intentar de nuevo?"
)

var ErrUnknownTenant = errors.New("unknown tenant")

// Inbound is one message received by a worker.
type Inbound struct {
	// TenantID is zero when the tenant has to be resolved from the counterparty.
	TenantID     int64
	Counterparty string
	Text         string
	MessageID    string
	Timestamp    time.Time
}

type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeCommand
	OutcomePaused
	OutcomeReplied
	OutcomeFallback
)

var outcomeNames = [...]string{"ignored", "command", "paused", "replied", "fallback"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

// Result is what goes back to the worker. An empty Reply means stay silent.
type Result struct {
	TenantID int64
	Reply    string
	Outcome  Outcome
}

// HasReply reports whether the worker should send something back.
func (r Result) HasReply() bool {
	return r.Reply != ""
}

// Resolver finds the tenant serving a counterparty when the message arrived
// on a shared worker.
type Resolver interface {
	Resolve(ctx context.Context, counterparty string) (*domain.Tenant, error)
}

// Router is the inbound message pipeline shared by dedicated and shared workers.
type Router struct {
	store     *store.Store
	pauses    *pause.Machine
	assistant assistant.Generator
	resolver  Resolver
	now       func() time.Time
}

func New(st *store.Store, pauses *pause.Machine, gen assistant.Generator) *Router {
	return &Router{
		store:     st,
		pauses:    pauses,
		assistant: gen,
		now:       time.Now,
	}
}

// SetResolver installs the counterparty resolver used for messages without a tenant id.
func (r *Router) SetResolver(res Resolver) {
	r.resolver = res
}

// HandleInbound resolves the tenant of in and processes the message.
func (r *Router) HandleInbound(ctx context.Context, in Inbound) (Result, error) {
	in.Counterparty = common.NormalizePhone(in.Counterparty)

	var (
		tenant *domain.Tenant
		err    error
	)
	switch {
	case in.TenantID != 0:
		tenant, err = r.store.Tenants.Get(ctx, in.TenantID)
		if errors.Is(err, store.ErrNotFound) {
			err = errors.Wrapf(ErrUnknownTenant, "tenant %d", in.TenantID)
		}
	case r.resolver != nil:
		tenant, err = r.resolver.Resolve(ctx, in.Counterparty)
	default:
		err = errors.Wrap(ErrUnknownTenant, "no resolver for shared worker")
	}
	if err != nil {
		metrics.InboundMessages.WithLabelValues("unroutable").Inc()
		return Result{}, err
	}
	return r.Process(ctx, tenant, in)
}

// Process runs the pipeline for a resolved tenant. Only a failure to read the
// pause state is returned as an error; assistant failures become fallback
// replies and transcript write failures are logged and skipped.
func (r *Router) Process(ctx context.Context, tenant *domain.Tenant, in Inbound) (Result, error) {
	res := Result{TenantID: tenant.ID}
	text := strings.TrimSpace(in.Text)
	if text == "" || in.Counterparty == "" {
		res.Outcome = OutcomeIgnored
		return res, nil
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = r.now()
	}

	if reply, handled := r.pauses.Handle(ctx, tenant, in.Counterparty, text); handled {
		r.record(ctx, tenant.ID, in, domain.DirectionInbound, domain.SourceCustomer, text)
		r.record(ctx, tenant.ID, in, domain.DirectionOutbound, domain.SourceCommand, reply)
		res.Reply, res.Outcome = reply, OutcomeCommand
		return r.finish(ctx, tenant, res), nil
	}

	paused, err := r.pauses.IsPaused(ctx, tenant.ID, in.Counterparty)
	if err != nil {
		return res, errors.Wrap(err, "check pause state")
	}
	r.record(ctx, tenant.ID, in, domain.DirectionInbound, domain.SourceCustomer, text)
	if paused {
		zap.L().Debug("router: conversation paused",
			zap.Int64("tenant_id", tenant.ID),
			zap.String("counterparty", in.Counterparty))
		res.Outcome = OutcomePaused
		return r.finish(ctx, tenant, res), nil
	}

	reply, source := r.generate(ctx, tenant, in.Counterparty, text)
	r.record(ctx, tenant.ID, in, domain.DirectionOutbound, source, reply)
	res.Reply = reply
	res.Outcome = OutcomeReplied
	if source == domain.SourceFallback {
		res.Outcome = OutcomeFallback
	}
	return r.finish(ctx, tenant, res), nil
}

func (r *Router) finish(ctx context.Context, tenant *domain.Tenant, res Result) Result {
	metrics.InboundMessages.WithLabelValues(res.Outcome.String()).Inc()
	if err := r.store.Tenants.TouchActivity(ctx, tenant.ID, r.now()); err != nil {
		zap.L().Warn("router: touch activity failed", zap.Int64("tenant_id", tenant.ID), zap.Error(err))
	}
	return res
}

// generate asks the assistant for a reply and maps every failure to a fallback text.
func (r *Router) generate(ctx context.Context, tenant *domain.Tenant, counterparty, text string) (string, string) {
	creds := assistant.Credentials{APIKey: tenant.OpenAIKey, AssistantID: tenant.AssistantID}
	start := time.Now()
	defer func() {
		metrics.AssistantLatency.Observe(time.Since(start).Seconds())
	}()

	thread, err := r.thread(ctx, tenant.ID, creds, counterparty, false)
	if err != nil {
		return r.fallback(tenant, err), domain.SourceFallback
	}
	reply, err := r.assistant.Generate(ctx, creds, thread.ThreadID, text)
	if errors.Is(err, assistant.ErrThreadNotFound) {
		zap.L().Info("router: assistant thread vanished, recreating",
			zap.Int64("tenant_id", tenant.ID),
			zap.String("thread_id", thread.ThreadID))
		if thread, err = r.thread(ctx, tenant.ID, creds, counterparty, true); err == nil {
			reply, err = r.assistant.Generate(ctx, creds, thread.ThreadID, text)
		}
	}
	if err != nil {
		return r.fallback(tenant, err), domain.SourceFallback
	}
	return reply, domain.SourceAssistant
}

func (r *Router) fallback(tenant *domain.Tenant, err error) string {
	zap.L().Warn("router: assistant failed, sending fallback",
		zap.Int64("tenant_id", tenant.ID),
		zap.String("tenant", tenant.Name),
		zap.Error(err))
	switch {
	case errors.Is(err, assistant.ErrTimeout):
		return FallbackTimeout
	case errors.Is(err, assistant.ErrEmptyReply):
		return FallbackEmpty
	default:
		return FallbackError
	}
}

// thread returns the assistant thread of the conversation, creating one when
// none is stored, when the stored one is gone remotely, or when fresh is set.
func (r *Router) thread(ctx context.Context, tenantID int64, creds assistant.Credentials, counterparty string, fresh bool) (*domain.ConversationThread, error) {
	now := r.now()
	if !fresh {
		th, err := r.store.Threads.Get(ctx, tenantID, counterparty)
		switch {
		case err == nil:
			exists, cerr := r.assistant.ThreadExists(ctx, creds, th.ThreadID)
			if cerr != nil {
				zap.L().Debug("router: thread check failed, reusing", zap.String("thread_id", th.ThreadID), zap.Error(cerr))
				exists = true
			}
			if exists {
				if err := r.store.Threads.Touch(ctx, th.ID, now); err != nil {
					zap.L().Warn("router: touch thread failed", zap.Int64("thread", th.ID), zap.Error(err))
				}
				th.LastUsed = now
				return th, nil
			}
		case !errors.Is(err, store.ErrNotFound):
			zap.L().Warn("router: load thread failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		}
	}

	id, err := r.assistant.CreateThread(ctx, creds)
	if err != nil {
		return nil, err
	}
	th := &domain.ConversationThread{
		ID:           common.UUIDint64(),
		TenantID:     tenantID,
		Counterparty: counterparty,
		ThreadID:     id,
		CreatedAt:    now,
		LastUsed:     now,
	}
	if err := r.store.Threads.Save(ctx, th); err != nil {
		zap.L().Warn("router: save thread failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
	}
	return th, nil
}

func (r *Router) record(ctx context.Context, tenantID int64, in Inbound, direction, source, text string) {
	ts := in.Timestamp
	msgID := in.MessageID
	if direction == domain.DirectionOutbound {
		ts = r.now()
		msgID = ""
	}
	err := r.store.Messages.Append(ctx, &domain.MessageRecord{
		ID:           common.UUIDint64(),
		TenantID:     tenantID,
		Counterparty: in.Counterparty,
		Direction:    direction,
		Source:       source,
		Text:         text,
		MessageID:    msgID,
		Timestamp:    ts,
		CreatedAt:    r.now(),
	})
	if err != nil {
		zap.L().Error("router: transcript write dropped",
			zap.Int64("tenant_id", tenantID),
			zap.String("direction", direction),
			zap.Error(err))
	}
}
