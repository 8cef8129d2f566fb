// Package retention removes transcripts and idle assistant threads older than
// the retention window.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/talkincode/botfleet/internal/metrics"
	"github.com/talkincode/botfleet/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	CategoryMessages = "messages"
	CategoryThreads  = "threads"
	CategoryLegacy   = "legacy"
)

// ErrSweepFailed is returned when no category could be swept.
var ErrSweepFailed = errors.New("retention sweep failed")

// Result reports one sweep. Errors is keyed by category.
type Result struct {
	Cutoff   time.Time         `json:"cutoff"`
	Messages int64             `json:"messages"`
	Threads  int64             `json:"threads"`
	Legacy   int64             `json:"legacy"`
	Errors   map[string]string `json:"errors,omitempty"`
}

type category struct {
	name  string
	purge func(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper deletes expired rows on a cron schedule and on demand.
type Sweeper struct {
	window     time.Duration
	retry      time.Duration
	categories []category
	now        func() time.Time
	group      singleflight.Group

	mu         sync.Mutex
	retryTimer *time.Timer
	stopped    bool
}

func New(st *store.Store, window, retry time.Duration) *Sweeper {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if retry <= 0 {
		retry = time.Hour
	}
	return &Sweeper{
		window: window,
		retry:  retry,
		now:    time.Now,
		categories: []category{
			{CategoryMessages, st.Messages.DeleteBefore},
			{CategoryThreads, st.Threads.DeleteIdleBefore},
			{CategoryLegacy, st.Messages.DeleteLegacyBefore},
		},
	}
}

// Run sweeps every category once. Each category fails on its own; an error is
// returned only when all of them failed.
func (s *Sweeper) Run(ctx context.Context) (*Result, error) {
	res := &Result{Cutoff: s.now().Add(-s.window)}
	failed := 0
	for _, c := range s.categories {
		n, err := s.purge(ctx, c, res.Cutoff)
		if err != nil {
			failed++
			if res.Errors == nil {
				res.Errors = make(map[string]string)
			}
			res.Errors[c.name] = err.Error()
			zap.L().Error("retention: category failed", zap.String("category", c.name), zap.Error(err))
			continue
		}
		metrics.RetentionDeleted.WithLabelValues(c.name).Add(float64(n))
		switch c.name {
		case CategoryMessages:
			res.Messages = n
		case CategoryThreads:
			res.Threads = n
		case CategoryLegacy:
			res.Legacy = n
		}
	}

	zap.L().Info("retention: sweep finished",
		zap.Time("cutoff", res.Cutoff),
		zap.Int64("messages", res.Messages),
		zap.Int64("threads", res.Threads),
		zap.Int64("legacy", res.Legacy),
		zap.Int("failed_categories", failed))

	if failed > 0 && failed == len(s.categories) {
		return res, errors.Wrapf(ErrSweepFailed, "all %d categories failed", failed)
	}
	return res, nil
}

func (s *Sweeper) purge(ctx context.Context, c category, cutoff time.Time) (n int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.purge(ctx, cutoff)
}

// Force runs a sweep now. Concurrent callers share one run.
func (s *Sweeper) Force(ctx context.Context) (*Result, error) {
	v, err, _ := s.group.Do("sweep", func() (interface{}, error) {
		return s.Run(ctx)
	})
	res, _ := v.(*Result)
	return res, err
}

// Register adds the periodic sweep to c.
func (s *Sweeper) Register(c *cron.Cron, schedule string) (cron.EntryID, error) {
	if schedule == "" {
		schedule = "@daily"
	}
	id, err := c.AddFunc(schedule, s.scheduled)
	if err != nil {
		return 0, errors.Wrapf(err, "schedule retention %q", schedule)
	}
	return id, nil
}

// scheduled is the cron entry point. A failed sweep is retried after the
// shorter retry interval instead of waiting for the next period.
func (s *Sweeper) scheduled() {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("retention panic: %v", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		_, err = s.Force(ctx)
	}()
	if err != nil {
		zap.L().Error("retention: scheduled sweep failed, will retry",
			zap.Duration("retry_in", s.retry),
			zap.Error(err))
		s.scheduleRetry()
		return
	}
	s.mu.Lock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()
}

func (s *Sweeper) scheduleRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(s.retry, s.scheduled)
}

// RetryPending reports whether a fallback retry is armed.
func (s *Sweeper) RetryPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryTimer != nil && !s.stopped
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
}
