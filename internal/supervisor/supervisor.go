package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/asaskevich/EventBus"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/talkincode/botfleet/internal/domain"
	"github.com/talkincode/botfleet/internal/metrics"
	"github.com/talkincode/botfleet/internal/store"
	"go.uber.org/zap"
)

// ErrTenantInactive is returned by ProvisionIfActive for a tenant that is no
// longer active.
var ErrTenantInactive = errors.New("tenant not active")

// TopicState is published on every worker state change with (tenantID int64, state State).
const TopicState = "worker:state"

// Options configures worker spawning.
type Options struct {
	BasePort      int
	Command       string
	Args          []string
	RootDir       string
	CallbackURL   string
	CallbackToken string
	GracePeriod   time.Duration
	SpawnSettle   time.Duration
}

// WorkerRecord is the supervisor's bookkeeping for one tenant worker.
type WorkerRecord struct {
	TenantID  int64
	Port      int
	Dir       string
	State     State
	StartedAt time.Time
	proc      Process
}

func (r *WorkerRecord) pid() int {
	if r.proc == nil {
		return 0
	}
	return r.proc.PID()
}

func (r *WorkerRecord) alive() bool {
	return r.proc != nil && r.proc.Alive()
}

// WorkerInfo is a read only snapshot of a WorkerRecord.
type WorkerInfo struct {
	TenantID  int64     `json:"tenant_id,string"`
	Running   bool      `json:"running"`
	State     string    `json:"state"`
	Status    string    `json:"status"`
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	Dir       string    `json:"dir,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Supervisor provisions, stops and reports per tenant worker processes.
// Provision and Teardown for the same tenant are serialized; port allocation
// is serialized across all tenants.
type Supervisor struct {
	opts     Options
	tenants  store.TenantRepository
	launcher Launcher
	ledger   *Ledger
	bus      EventBus.Bus
	locks    *keyedMutex

	mu      sync.RWMutex
	workers map[int64]*WorkerRecord

	portMu   sync.Mutex
	portFree func(port int) bool
}

// New builds a supervisor. ledger and bus may be nil.
func New(opts Options, tenants store.TenantRepository, launcher Launcher, ledger *Ledger, bus EventBus.Bus) *Supervisor {
	if opts.BasePort <= 0 {
		opts.BasePort = 3001
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 10 * time.Second
	}
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	return &Supervisor{
		opts:     opts,
		tenants:  tenants,
		launcher: launcher,
		ledger:   ledger,
		bus:      bus,
		locks:    newKeyedMutex(),
		workers:  make(map[int64]*WorkerRecord),
		portFree: canListen,
	}
}

func canListen(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Provision starts a worker for t. A tenant that already has a live worker is
// left untouched and its current record is returned.
func (s *Supervisor) Provision(ctx context.Context, t *domain.Tenant) (WorkerInfo, error) {
	unlock := s.locks.Lock(t.ID)
	defer unlock()
	return s.provision(ctx, t)
}

// ProvisionIfActive reloads the tenant while holding its lock and provisions
// only if it is still active. A tenant deleted or disconnected after the
// caller looked at it yields ErrTenantInactive or store.ErrNotFound.
func (s *Supervisor) ProvisionIfActive(ctx context.Context, tenantID int64) (WorkerInfo, error) {
	unlock := s.locks.Lock(tenantID)
	defer unlock()

	t, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return WorkerInfo{}, err
	}
	if !t.IsActive() {
		return WorkerInfo{}, errors.Wrapf(ErrTenantInactive, "tenant %d is %s", tenantID, t.Status)
	}
	return s.provision(ctx, t)
}

func (s *Supervisor) provision(ctx context.Context, t *domain.Tenant) (WorkerInfo, error) {
	if rec := s.record(t.ID); rec != nil {
		if info := s.snapshot(rec); info.Running {
			return info, nil
		}
		zap.L().Info("supervisor: replacing dead worker record",
			zap.Int64("tenant_id", t.ID),
			zap.Stringer("state", rec.State))
		s.discard(rec)
	}

	rec, err := s.reserve(ctx, t)
	if err != nil {
		metrics.WorkerProvisions.WithLabelValues("no_port").Inc()
		return WorkerInfo{}, err
	}

	if err := s.spawn(ctx, t, rec); err != nil {
		s.discard(rec)
		metrics.WorkerProvisions.WithLabelValues("failed").Inc()
		zap.L().Error("supervisor: provision failed",
			zap.Int64("tenant_id", t.ID),
			zap.Int("port", rec.Port),
			zap.Error(err))
		return WorkerInfo{}, err
	}

	metrics.WorkerProvisions.WithLabelValues("ok").Inc()
	zap.L().Info("supervisor: worker provisioned",
		zap.Int64("tenant_id", t.ID),
		zap.Int("port", rec.Port),
		zap.Int("pid", rec.pid()))
	return s.snapshot(rec), nil
}

// reserve picks a port and inserts a provisioning record holding it.
func (s *Supervisor) reserve(ctx context.Context, t *domain.Tenant) (*WorkerRecord, error) {
	s.portMu.Lock()
	defer s.portMu.Unlock()

	persisted, err := s.tenants.UsedPorts(ctx, t.ID)
	if err != nil {
		return nil, errors.Wrap(err, "load persisted ports")
	}
	used := newPortSet(persisted...)
	s.mu.RLock()
	for id, r := range s.workers {
		if id != t.ID {
			used.add(r.Port)
		}
	}
	s.mu.RUnlock()

	port := 0
	if t.WhatsAppPort >= s.opts.BasePort && !used.has(t.WhatsAppPort) && s.portFree(t.WhatsAppPort) {
		port = t.WhatsAppPort
	}
	for port == 0 {
		candidate, err := used.lowestFree(s.opts.BasePort)
		if err != nil {
			return nil, err
		}
		if s.portFree(candidate) {
			port = candidate
			break
		}
		zap.L().Warn("supervisor: port busy outside the fleet, skipping", zap.Int("port", candidate))
		used.add(candidate)
	}

	rec := &WorkerRecord{
		TenantID: t.ID,
		Port:     port,
		Dir:      filepath.Join(s.opts.RootDir, fmt.Sprintf("client-%d", t.ID)),
		State:    StateProvisioning,
	}
	s.mu.Lock()
	s.workers[t.ID] = rec
	s.mu.Unlock()
	s.publish(t.ID, StateProvisioning)
	return rec, nil
}

type workerFile struct {
	TenantID      int64     `json:"tenant_id,string"`
	Name          string    `json:"name"`
	Port          int       `json:"port"`
	APIKey        string    `json:"openai_api_key"`
	AssistantID   string    `json:"openai_assistant_id"`
	CallbackURL   string    `json:"callback_url"`
	CallbackToken string    `json:"callback_token,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Supervisor) spawn(ctx context.Context, t *domain.Tenant, rec *WorkerRecord) error {
	if err := os.MkdirAll(rec.Dir, 0o755); err != nil {
		return errors.Wrapf(err, "create worker dir %s", rec.Dir)
	}
	data, err := jsoniter.MarshalIndent(workerFile{
		TenantID:      t.ID,
		Name:          t.Name,
		Port:          rec.Port,
		APIKey:        t.OpenAIKey,
		AssistantID:   t.AssistantID,
		CallbackURL:   s.opts.CallbackURL,
		CallbackToken: s.opts.CallbackToken,
		CreatedAt:     time.Now(),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(rec.Dir, "worker.json"), data, 0o600); err != nil {
		return errors.Wrap(err, "write worker config")
	}

	proc, err := s.launcher.Launch(ctx, LaunchSpec{
		TenantID: t.ID,
		Port:     rec.Port,
		Dir:      rec.Dir,
		Command:  s.opts.Command,
		Args:     s.opts.Args,
		Env:      s.env(t, rec),
	})
	if err != nil {
		return err
	}

	if s.opts.SpawnSettle > 0 {
		select {
		case <-proc.Done():
			return errors.Wrapf(ErrSpawn, "worker exited within %s", s.opts.SpawnSettle)
		case <-time.After(s.opts.SpawnSettle):
		}
	}

	s.mu.Lock()
	rec.proc = proc
	rec.StartedAt = time.Now()
	s.mu.Unlock()

	if err := s.tenants.Updates(ctx, t.ID, map[string]interface{}{"whatsapp_port": rec.Port}); err != nil {
		zap.L().Warn("supervisor: failed to persist worker port", zap.Int64("tenant_id", t.ID), zap.Error(err))
	}
	s.remember(rec)
	go s.watch(rec, proc)
	return nil
}

func (s *Supervisor) env(t *domain.Tenant, rec *WorkerRecord) []string {
	return []string{
		"CLIENT_ID=" + strconv.FormatInt(t.ID, 10),
		"CLIENT_PORT=" + strconv.Itoa(rec.Port),
		"CLIENT_NAME=" + t.Name,
		"OPENAI_API_KEY=" + t.OpenAIKey,
		"OPENAI_ASSISTANT_ID=" + t.AssistantID,
		"FASTAPI_URL=" + s.opts.CallbackURL,
		"BOTFLEET_CALLBACK_TOKEN=" + s.opts.CallbackToken,
		"WORKER_DIR=" + rec.Dir,
	}
}

// watch marks the record failed when its process exits on its own.
func (s *Supervisor) watch(rec *WorkerRecord, proc Process) {
	<-proc.Done()
	s.mu.Lock()
	current, ok := s.workers[rec.TenantID]
	unexpected := ok && current == rec && rec.State.Live()
	if unexpected {
		rec.State = StateFailed
	}
	s.mu.Unlock()
	if unexpected {
		zap.L().Warn("supervisor: worker exited unexpectedly",
			zap.Int64("tenant_id", rec.TenantID),
			zap.Int("port", rec.Port))
		s.publish(rec.TenantID, StateFailed)
	}
}

// Teardown stops the tenant's worker and removes its directory. A tenant with
// no worker is already stopped and Teardown returns nil.
func (s *Supervisor) Teardown(ctx context.Context, tenantID int64) error {
	unlock := s.locks.Lock(tenantID)
	defer unlock()

	rec := s.record(tenantID)
	if rec == nil {
		s.forget(tenantID)
		return nil
	}

	s.setState(rec, StateStopping)
	if rec.alive() {
		s.stopProcess(ctx, rec)
	}
	if err := os.RemoveAll(rec.Dir); err != nil {
		zap.L().Warn("supervisor: failed to remove worker dir", zap.String("dir", rec.Dir), zap.Error(err))
	}

	s.mu.Lock()
	rec.State = StateStopped
	delete(s.workers, tenantID)
	s.mu.Unlock()
	s.forget(tenantID)
	s.publish(tenantID, StateStopped)

	metrics.WorkerTeardowns.Inc()
	zap.L().Info("supervisor: worker stopped", zap.Int64("tenant_id", tenantID), zap.Int("port", rec.Port))
	return nil
}

// stopProcess sends SIGTERM, waits the grace period, then kills.
func (s *Supervisor) stopProcess(ctx context.Context, rec *WorkerRecord) {
	proc := rec.proc
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		zap.L().Debug("supervisor: sigterm failed, killing", zap.Int("pid", proc.PID()), zap.Error(err))
		_ = proc.Kill()
	}

	grace := time.NewTimer(s.opts.GracePeriod)
	defer grace.Stop()
	select {
	case <-proc.Done():
		return
	case <-grace.C:
	case <-ctx.Done():
	}

	zap.L().Warn("supervisor: worker ignored sigterm, killing",
		zap.Int64("tenant_id", rec.TenantID),
		zap.Int("pid", proc.PID()))
	_ = proc.Kill()
	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		zap.L().Error("supervisor: worker still alive after kill", zap.Int("pid", proc.PID()))
	}
}

// Status reports the tenant's worker. Running requires a live process.
func (s *Supervisor) Status(tenantID int64) WorkerInfo {
	rec := s.record(tenantID)
	if rec == nil {
		return WorkerInfo{TenantID: tenantID, State: StateStopped.String(), Status: StateStopped.Status()}
	}
	return s.snapshot(rec)
}

// MarkRunning promotes a provisioning worker once it answered a probe.
func (s *Supervisor) MarkRunning(tenantID int64) {
	rec := s.record(tenantID)
	if rec == nil || rec.State != StateProvisioning {
		return
	}
	s.setState(rec, StateRunning)
}

// List returns a snapshot of every record ordered by tenant id.
func (s *Supervisor) List() []WorkerInfo {
	s.mu.RLock()
	recs := make([]*WorkerRecord, 0, len(s.workers))
	for _, r := range s.workers {
		recs = append(recs, r)
	}
	s.mu.RUnlock()

	out := make([]WorkerInfo, 0, len(recs))
	for _, r := range recs {
		out = append(out, s.snapshot(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// LiveCount returns the number of provisioning or running workers.
func (s *Supervisor) LiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.workers {
		if r.State.Live() {
			n++
		}
	}
	return n
}

// Rehydrate rebuilds worker records after a restart: live processes from the
// ledger are re-adopted, remaining active tenants are provisioned again, and
// ledger entries of tenants that are no longer active are stopped.
func (s *Supervisor) Rehydrate(ctx context.Context) error {
	active, err := s.tenants.ListByStatus(ctx, domain.TenantStatusActive)
	if err != nil {
		return errors.Wrap(err, "list active tenants")
	}
	wanted := make(map[int64]*domain.Tenant, len(active))
	for _, t := range active {
		wanted[t.ID] = t
	}

	var entries []LedgerEntry
	if s.ledger != nil {
		if entries, err = s.ledger.All(); err != nil {
			zap.L().Error("supervisor: failed to read worker ledger", zap.Error(err))
		}
	}

	adopted := 0
	for _, e := range entries {
		if _, ok := wanted[e.TenantID]; !ok {
			s.reapOrphan(e)
			continue
		}
		proc, err := s.launcher.Adopt(e.PID)
		if err != nil {
			zap.L().Info("supervisor: ledger worker gone, will provision",
				zap.Int64("tenant_id", e.TenantID), zap.Int("pid", e.PID))
			s.forget(e.TenantID)
			continue
		}
		rec := &WorkerRecord{
			TenantID:  e.TenantID,
			Port:      e.Port,
			Dir:       e.Dir,
			State:     StateRunning,
			StartedAt: e.StartedAt,
			proc:      proc,
		}
		s.mu.Lock()
		s.workers[e.TenantID] = rec
		s.mu.Unlock()
		s.publish(e.TenantID, StateRunning)
		go s.watch(rec, proc)
		adopted++
	}

	provisioned := 0
	for _, t := range active {
		if s.record(t.ID) != nil {
			continue
		}
		if _, err := s.Provision(ctx, t); err != nil {
			zap.L().Error("supervisor: rehydrate provision failed", zap.Int64("tenant_id", t.ID), zap.Error(err))
			continue
		}
		provisioned++
	}

	zap.L().Info("supervisor: rehydrated workers",
		zap.Int("active_tenants", len(active)),
		zap.Int("adopted", adopted),
		zap.Int("provisioned", provisioned))
	return nil
}

func (s *Supervisor) reapOrphan(e LedgerEntry) {
	if proc, err := s.launcher.Adopt(e.PID); err == nil {
		zap.L().Info("supervisor: stopping worker of inactive tenant",
			zap.Int64("tenant_id", e.TenantID), zap.Int("pid", e.PID))
		s.stopProcess(context.Background(), &WorkerRecord{TenantID: e.TenantID, proc: proc})
	}
	if e.Dir != "" {
		_ = os.RemoveAll(e.Dir)
	}
	s.forget(e.TenantID)
}

func (s *Supervisor) record(tenantID int64) *WorkerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workers[tenantID]
}

func (s *Supervisor) snapshot(rec *WorkerRecord) WorkerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return WorkerInfo{
		TenantID:  rec.TenantID,
		Running:   rec.State.Live() && rec.alive(),
		State:     rec.State.String(),
		Status:    rec.State.Status(),
		Port:      rec.Port,
		PID:       rec.pid(),
		Dir:       rec.Dir,
		StartedAt: rec.StartedAt,
	}
}

func (s *Supervisor) setState(rec *WorkerRecord, to State) {
	s.mu.Lock()
	from := rec.State
	if !CanTransition(from, to) {
		s.mu.Unlock()
		zap.L().Warn("supervisor: ignoring state change",
			zap.Int64("tenant_id", rec.TenantID),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.Error(ErrInvalidTransition))
		return
	}
	rec.State = to
	s.mu.Unlock()
	s.publish(rec.TenantID, to)
}

// discard drops a record that never became (or no longer is) a live worker.
func (s *Supervisor) discard(rec *WorkerRecord) {
	if rec.alive() {
		_ = rec.proc.Kill()
	}
	s.mu.Lock()
	if s.workers[rec.TenantID] == rec {
		delete(s.workers, rec.TenantID)
	}
	s.mu.Unlock()
	if rec.Dir != "" {
		_ = os.RemoveAll(rec.Dir)
	}
	s.forget(rec.TenantID)
	s.publish(rec.TenantID, StateStopped)
}

func (s *Supervisor) remember(rec *WorkerRecord) {
	if s.ledger == nil {
		return
	}
	err := s.ledger.Put(LedgerEntry{
		TenantID:  rec.TenantID,
		Port:      rec.Port,
		PID:       rec.pid(),
		Dir:       rec.Dir,
		StartedAt: rec.StartedAt,
	})
	if err != nil {
		zap.L().Warn("supervisor: ledger write failed", zap.Int64("tenant_id", rec.TenantID), zap.Error(err))
	}
}

func (s *Supervisor) forget(tenantID int64) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.Delete(tenantID); err != nil {
		zap.L().Warn("supervisor: ledger delete failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
	}
}

func (s *Supervisor) publish(tenantID int64, state State) {
	metrics.LiveWorkers.Set(float64(s.LiveCount()))
	if s.bus != nil {
		s.bus.Publish(TopicState, tenantID, state)
	}
}
