package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"whatsflow/internal/store"
	"whatsflow/internal/telemetry"
	logx "whatsflow/pkg/logx"
)

type Config struct {
	Enabled  bool
	Interval time.Duration // poll interval; default 60s
}

// Dispatcher sends one message to one group on one gateway instance.
// It reports success as a plain bool; failures stay on its side of the
// boundary (logged there, never raised here).
type Dispatcher interface {
	Dispatch(ctx context.Context, instanceID, groupID, content, mediaType, mediaRef string) bool
}

// Store is the slice of the persistence API the loop needs.
type Store interface {
	ListDue(ctx context.Context, now time.Time) ([]store.DueMessage, error)
	GroupsForCampaign(ctx context.Context, campaignID string) ([]store.CampaignGroup, error)
	Rearm(ctx context.Context, id string, next time.Time) error
	DeleteScheduled(ctx context.Context, id string) error
	AppendDispatch(ctx context.Context, rec store.DispatchRecord) error
}

// Service polls the store for due scheduled messages and fans each one out
// to its campaign's groups.
//
// Ticks are driven by a cron "@every" entry and each invocation runs in its
// own goroutine, so a tick that outlives the poll interval may overlap the
// next one. Dispatch within a tick is sequential: every group of one entry
// is attempted (and the entry re-armed or retired) before the next entry.
type Service struct {
	mu  sync.Mutex
	cfg Config

	store    Store
	dispatch Dispatcher
	metrics  *telemetry.Metrics
	log      logx.Logger

	parser cron.Parser
	c      *cron.Cron
	runCtx context.Context

	// now is the tick clock; swapped in tests.
	now func() time.Time
}

func New(cfg Config, st Store, d Dispatcher, m *telemetry.Metrics, log logx.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		store:    st,
		dispatch: d,
		metrics:  m,
		log:      log,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:      time.Now,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the scheduler settings at runtime. Interval changes restart
// the cron driver; flipping Enabled starts or stops it. Before Start (and
// after Stop) only the config is recorded.
func (s *Service) Apply(cfg Config) {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := cfg.Interval != s.cfg.Interval || cfg.Enabled != s.cfg.Enabled
	s.cfg = cfg
	if s.runCtx == nil || !changed {
		return
	}
	s.stopCronLocked()
	if cfg.Enabled {
		s.startCronLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Remember the run context even when disabled so a later Apply can
	// bring the loop up.
	s.runCtx = ctx
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.startCronLocked()

	// First poll right away; the cron entry only fires after one interval.
	go s.Tick(ctx, s.now())
}

func (s *Service) startCronLocked() {
	c := cron.New(cron.WithParser(s.parser))
	spec := fmt.Sprintf("@every %s", s.cfg.Interval)
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := c.AddFunc(spec, func() { s.Tick(ctx, s.now()) }); err != nil {
		s.log.Error("scheduler spec rejected", logx.String("spec", spec), logx.Err(err))
		return
	}
	c.Start()
	s.c = c
	s.log.Info("scheduler started", logx.Duration("interval", s.cfg.Interval))
}

func (s *Service) stopCronLocked() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
}

// Stop halts the cron driver and waits for an in-flight tick to finish,
// bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.runCtx = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Tick runs one polling cycle against the given now.
//
// A store failure while listing due entries skips the whole cycle; a
// failure on one entry skips that entry only. The loop itself never
// returns an error: it has no caller to escalate to.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	start := time.Now()
	if s.metrics != nil {
		// A tick that aborts on a store failure still counts.
		s.metrics.Ticks.Inc()
		defer func() { s.metrics.TickDuration.Observe(time.Since(start).Seconds()) }()
	}

	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		s.log.Error("tick aborted: listing due messages failed", logx.Err(err))
		return
	}
	if s.metrics != nil {
		s.metrics.DueEntries.Add(float64(len(due)))
	}
	if len(due) == 0 {
		return
	}

	s.log.Debug("processing due messages", logx.Int("count", len(due)), logx.Time("now", now))

	for i := range due {
		s.processEntry(ctx, &due[i], now)
	}

	s.log.Info("tick completed",
		logx.Int("due", len(due)),
		logx.Duration("took", time.Since(start)))
}
