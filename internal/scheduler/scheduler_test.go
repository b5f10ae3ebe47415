package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"whatsflow/internal/recurrence"
	"whatsflow/internal/store"
	"whatsflow/internal/telemetry"
	logx "whatsflow/pkg/logx"
)

type fakeStore struct {
	mu sync.Mutex

	due       []store.DueMessage
	dueErr    error
	dueCalls  int
	groups    map[string][]store.CampaignGroup
	groupsErr error

	rearmed   map[string]time.Time
	deleted   []string
	dispatch  []store.DispatchRecord
	rearmErr  error
	deleteErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		groups:  make(map[string][]store.CampaignGroup),
		rearmed: make(map[string]time.Time),
	}
}

func (f *fakeStore) ListDue(ctx context.Context, now time.Time) ([]store.DueMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dueCalls++
	if f.dueErr != nil {
		return nil, f.dueErr
	}
	out := make([]store.DueMessage, len(f.due))
	copy(out, f.due)
	return out, nil
}

func (f *fakeStore) GroupsForCampaign(ctx context.Context, campaignID string) ([]store.CampaignGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groupsErr != nil {
		return nil, f.groupsErr
	}
	return f.groups[campaignID], nil
}

func (f *fakeStore) Rearm(ctx context.Context, id string, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rearmErr != nil {
		return f.rearmErr
	}
	f.rearmed[id] = next
	return nil
}

func (f *fakeStore) DeleteScheduled(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) AppendDispatch(ctx context.Context, rec store.DispatchRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatch = append(f.dispatch, rec)
	return nil
}

func (f *fakeStore) listDueCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dueCalls
}

type call struct {
	instanceID, groupID, content, mediaType, mediaRef string
}

// fakeDispatcher records every call and answers from a scripted outcome
// list (true when exhausted).
type fakeDispatcher struct {
	mu       sync.Mutex
	calls    []call
	outcomes []bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, instanceID, groupID, content, mediaType, mediaRef string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{instanceID, groupID, content, mediaType, mediaRef})
	if len(f.outcomes) == 0 {
		return true
	}
	ok := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	return ok
}

func dueMsg(id, campaignID string, kind recurrence.Kind) store.DueMessage {
	return store.DueMessage{
		ScheduledMessage: store.ScheduledMessage{
			ID:         id,
			CampaignID: campaignID,
			Content:    "hello",
			Status:     store.StatusPending,
		},
		Recurrence: kind,
		SendTime:   "10:00",
	}
}

func TestTickFansOutToEveryGroup(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fs.due = []store.DueMessage{dueMsg("m1", "c1", recurrence.Daily)}
	fs.groups["c1"] = []store.CampaignGroup{
		{CampaignID: "c1", InstanceID: "a", GroupID: "g1"},
		{CampaignID: "c1", InstanceID: "a", GroupID: "g2"},
		{CampaignID: "c1", InstanceID: "b", GroupID: "g3"},
	}
	fd := &fakeDispatcher{outcomes: []bool{true, false, true}}

	svc := New(Config{Enabled: true}, fs, fd, nil, logx.Nop())
	now := time.Date(2024, 1, 2, 10, 30, 0, 0, time.UTC)
	svc.Tick(context.Background(), now)

	if len(fd.calls) != 3 {
		t.Fatalf("dispatch calls = %d, want 3", len(fd.calls))
	}
	// A mid-cycle failure never stops the fan-out.
	if fd.calls[2].groupID != "g3" {
		t.Fatalf("last call targeted %q, want g3", fd.calls[2].groupID)
	}
	if len(fs.dispatch) != 3 {
		t.Fatalf("dispatch records = %d, want 3", len(fs.dispatch))
	}
	var failed int
	for _, rec := range fs.dispatch {
		if !rec.OK {
			failed++
			if rec.Error == "" {
				t.Fatal("failed record has empty error")
			}
		}
		if !rec.At.Equal(now) {
			t.Fatalf("record At = %v, want %v", rec.At, now)
		}
	}
	if failed != 1 {
		t.Fatalf("failed records = %d, want 1", failed)
	}
}

func TestTickRetiresOnceEntries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		outcomes []bool
	}{
		{"all sends succeed", []bool{true}},
		{"all sends fail", []bool{false}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore()
			fs.due = []store.DueMessage{dueMsg("m1", "c1", recurrence.Once)}
			fs.groups["c1"] = []store.CampaignGroup{{CampaignID: "c1", InstanceID: "a", GroupID: "g1"}}
			fd := &fakeDispatcher{outcomes: tt.outcomes}

			svc := New(Config{Enabled: true}, fs, fd, nil, logx.Nop())
			svc.Tick(context.Background(), time.Date(2024, 1, 2, 11, 0, 0, 0, time.UTC))

			if len(fs.deleted) != 1 || fs.deleted[0] != "m1" {
				t.Fatalf("deleted = %v, want [m1]", fs.deleted)
			}
			if len(fs.rearmed) != 0 {
				t.Fatalf("one-shot entry was re-armed: %v", fs.rearmed)
			}
		})
	}
}

func TestTickRearmsDailyEvenWhenAllDispatchesFail(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fs.due = []store.DueMessage{dueMsg("m1", "c1", recurrence.Daily)}
	fs.groups["c1"] = []store.CampaignGroup{
		{CampaignID: "c1", InstanceID: "a", GroupID: "g1"},
		{CampaignID: "c1", InstanceID: "a", GroupID: "g2"},
	}
	fd := &fakeDispatcher{outcomes: []bool{false, false}}

	svc := New(Config{Enabled: true}, fs, fd, nil, logx.Nop())
	now := time.Date(2024, 1, 2, 10, 30, 0, 0, time.UTC)
	svc.Tick(context.Background(), now)

	next, ok := fs.rearmed["m1"]
	if !ok {
		t.Fatal("entry was not re-armed")
	}
	want := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next_run = %v, want %v", next, want)
	}
	if !next.After(now) {
		t.Fatalf("next_run %v not after now %v", next, now)
	}
	if len(fs.deleted) != 0 {
		t.Fatalf("daily entry was deleted: %v", fs.deleted)
	}
}

func TestTickRearmsWeeklyOnCampaignWeekday(t *testing.T) {
	t.Parallel()
	weekday := 3 // Wednesday
	msg := dueMsg("m1", "c1", recurrence.Weekly)
	msg.Weekday = &weekday
	msg.SendTime = "12:00"

	fs := newFakeStore()
	fs.due = []store.DueMessage{msg}
	fs.groups["c1"] = []store.CampaignGroup{{CampaignID: "c1", InstanceID: "a", GroupID: "g1"}}
	fd := &fakeDispatcher{}

	svc := New(Config{Enabled: true}, fs, fd, nil, logx.Nop())
	// 2024-01-01 is a Monday.
	svc.Tick(context.Background(), time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC))

	next, ok := fs.rearmed["m1"]
	if !ok {
		t.Fatal("entry was not re-armed")
	}
	want := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next_run = %v, want %v", next, want)
	}
}

func TestTickAdvancesCampaignWithNoGroups(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fs.due = []store.DueMessage{dueMsg("m1", "c1", recurrence.Daily)}
	fd := &fakeDispatcher{}

	svc := New(Config{Enabled: true}, fs, fd, nil, logx.Nop())
	svc.Tick(context.Background(), time.Date(2024, 1, 2, 10, 30, 0, 0, time.UTC))

	if len(fd.calls) != 0 {
		t.Fatalf("dispatch calls = %d, want 0", len(fd.calls))
	}
	if _, ok := fs.rearmed["m1"]; !ok {
		t.Fatal("empty campaign did not advance")
	}
}

func TestTickSkipsEntryWhenGroupLookupFails(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fs.due = []store.DueMessage{dueMsg("m1", "c1", recurrence.Daily)}
	fs.groupsErr = errors.New("db gone")
	fd := &fakeDispatcher{}

	svc := New(Config{Enabled: true}, fs, fd, nil, logx.Nop())
	svc.Tick(context.Background(), time.Date(2024, 1, 2, 10, 30, 0, 0, time.UTC))

	if len(fd.calls) != 0 {
		t.Fatalf("dispatch calls = %d, want 0", len(fd.calls))
	}
	if len(fs.rearmed) != 0 || len(fs.deleted) != 0 {
		t.Fatal("entry advanced despite group lookup failure")
	}
}

func TestTickLeavesEntryOnMalformedRecurrence(t *testing.T) {
	t.Parallel()
	msg := dueMsg("m1", "c1", recurrence.Weekly) // weekly without weekday
	fs := newFakeStore()
	fs.due = []store.DueMessage{msg}
	fs.groups["c1"] = []store.CampaignGroup{{CampaignID: "c1", InstanceID: "a", GroupID: "g1"}}
	fd := &fakeDispatcher{}

	svc := New(Config{Enabled: true}, fs, fd, nil, logx.Nop())
	svc.Tick(context.Background(), time.Date(2024, 1, 2, 10, 30, 0, 0, time.UTC))

	if len(fd.calls) != 1 {
		t.Fatalf("dispatch calls = %d, want 1", len(fd.calls))
	}
	if len(fs.rearmed) != 0 || len(fs.deleted) != 0 {
		t.Fatal("malformed entry should have been left untouched")
	}
}

func TestTickSurvivesListDueFailure(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fs.dueErr = errors.New("db gone")
	fd := &fakeDispatcher{}

	svc := New(Config{Enabled: true}, fs, fd, nil, logx.Nop())
	svc.Tick(context.Background(), time.Now())

	if len(fd.calls) != 0 {
		t.Fatalf("dispatch calls = %d, want 0", len(fd.calls))
	}
}

func TestTickUnknownTimezoneFallsBackToUTC(t *testing.T) {
	t.Parallel()
	msg := dueMsg("m1", "c1", recurrence.Daily)
	msg.Timezone = "Mars/Olympus_Mons"
	fs := newFakeStore()
	fs.due = []store.DueMessage{msg}
	fs.groups["c1"] = []store.CampaignGroup{{CampaignID: "c1", InstanceID: "a", GroupID: "g1"}}
	fd := &fakeDispatcher{}

	svc := New(Config{Enabled: true}, fs, fd, nil, logx.Nop())
	now := time.Date(2024, 1, 2, 10, 30, 0, 0, time.UTC)
	svc.Tick(context.Background(), now)

	next, ok := fs.rearmed["m1"]
	if !ok {
		t.Fatal("entry was not re-armed")
	}
	want := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next_run = %v, want %v", next, want)
	}
}

func TestApplyEnablesStoppedScheduler(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	svc := New(Config{Enabled: false, Interval: 20 * time.Millisecond}, fs, &fakeDispatcher{}, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	if n := fs.listDueCalls(); n != 0 {
		t.Fatalf("disabled scheduler polled the store %d times", n)
	}

	svc.Apply(Config{Enabled: true, Interval: 20 * time.Millisecond})

	deadline := time.Now().Add(5 * time.Second)
	for fs.listDueCalls() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fs.listDueCalls() == 0 {
		t.Fatal("enabling via Apply did not start the loop")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	svc.Stop(stopCtx)

	// A stopped service records config changes but stays down.
	svc.Apply(Config{Enabled: true, Interval: 20 * time.Millisecond})
	after := fs.listDueCalls()
	time.Sleep(50 * time.Millisecond)
	if fs.listDueCalls() != after {
		t.Fatal("Apply restarted the loop after Stop")
	}
}

func TestApplyDisablesRunningScheduler(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	svc := New(Config{Enabled: true, Interval: 20 * time.Millisecond}, fs, &fakeDispatcher{}, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for fs.listDueCalls() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fs.listDueCalls() == 0 {
		t.Fatal("started scheduler never polled")
	}

	svc.Apply(Config{Enabled: false, Interval: 20 * time.Millisecond})
	if svc.Enabled() {
		t.Fatal("Apply did not record the disable")
	}
	// Let any in-flight tick drain before sampling.
	time.Sleep(50 * time.Millisecond)
	settled := fs.listDueCalls()
	time.Sleep(100 * time.Millisecond)
	if n := fs.listDueCalls(); n != settled {
		t.Fatalf("disabled scheduler still polling (%d -> %d)", settled, n)
	}
}

func TestTickCountsAbortedTicks(t *testing.T) {
	t.Parallel()
	fs := newFakeStore()
	fs.dueErr = errors.New("db gone")
	m := telemetry.New()

	svc := New(Config{Enabled: true}, fs, &fakeDispatcher{}, m, logx.Nop())
	svc.Tick(context.Background(), time.Now())

	if got := testutil.ToFloat64(m.Ticks); got != 1 {
		t.Fatalf("ticks counter = %v, want 1", got)
	}
}

func TestApplyDefaultsInterval(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true, Interval: -1}, newFakeStore(), &fakeDispatcher{}, nil, logx.Nop())
	if svc.cfg.Interval != 60*time.Second {
		t.Fatalf("interval = %v, want 60s", svc.cfg.Interval)
	}
	svc.Apply(Config{Enabled: false})
	if svc.Enabled() {
		t.Fatal("Apply did not disable the scheduler")
	}
	if svc.cfg.Interval != 60*time.Second {
		t.Fatalf("interval after Apply = %v, want 60s", svc.cfg.Interval)
	}
}
