package store

import (
	"context"
	"errors"
	"time"

	"whatsflow/internal/recurrence"
)

var (
	// ErrNotFound is returned when a campaign or scheduled message id
	// does not exist.
	ErrNotFound = errors.New("not found")
)

// Campaign is a named recurring-message definition. The recurrence rule
// lives here; scheduled messages inherit it through their campaign_id.
type Campaign struct {
	ID          string
	Name        string
	Description string
	Recurrence  recurrence.Kind
	Weekday     *int // 0=Sunday..6=Saturday, required iff Recurrence is weekly
	SendTime    string // "HH:MM"
	Timezone    string // IANA name
	CreatedAt   time.Time
}

// CampaignGroup maps a campaign to one target group on one gateway instance.
type CampaignGroup struct {
	CampaignID string
	InstanceID string
	GroupID    string
}

// Message statuses. Status is informational bookkeeping; it never gates
// rescheduling.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// ScheduledMessage is one schedulable unit of content belonging to a campaign.
type ScheduledMessage struct {
	ID         string
	CampaignID string
	Content    string
	MediaType  string // "", "image", "audio" or "video"
	MediaPath  string
	NextRun    time.Time // stored normalized to UTC
	Status     string
}

// DueMessage is a scheduled message joined with its campaign's recurrence
// fields, as returned by ListDue.
type DueMessage struct {
	ScheduledMessage
	Recurrence recurrence.Kind
	Weekday    *int
	SendTime   string
	Timezone   string
}

// ScheduledView is a scheduled message joined with its campaign name,
// for operator listings.
type ScheduledView struct {
	ScheduledMessage
	CampaignName string
}

// DispatchRecord is the per-(entry, group) outcome of one dispatch attempt.
type DispatchRecord struct {
	ID                 string
	ScheduledMessageID string
	CampaignID         string
	InstanceID         string
	GroupID            string
	OK                 bool
	Error              string
	At                 time.Time
}

// Stats is a small operator-facing summary.
type Stats struct {
	Campaigns      int
	Scheduled      int
	DispatchedOK   int
	DispatchedFail int
}

// Store is the persistence API used by the scheduler and the operator API.
type Store interface {
	CreateCampaign(ctx context.Context, c *Campaign) error
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	ListCampaigns(ctx context.Context) ([]Campaign, error)
	DeleteCampaign(ctx context.Context, id string) error

	AddGroup(ctx context.Context, g CampaignGroup) error
	RemoveGroup(ctx context.Context, g CampaignGroup) error
	GroupsForCampaign(ctx context.Context, campaignID string) ([]CampaignGroup, error)

	CreateScheduled(ctx context.Context, m *ScheduledMessage) error
	ListScheduled(ctx context.Context) ([]ScheduledView, error)
	// ListDue returns pending scheduled messages with next_run <= now,
	// joined with their campaign's recurrence fields.
	ListDue(ctx context.Context, now time.Time) ([]DueMessage, error)
	// Rearm writes a new next_run for a daily/weekly entry after a cycle.
	Rearm(ctx context.Context, id string, next time.Time) error
	DeleteScheduled(ctx context.Context, id string) error

	AppendDispatch(ctx context.Context, rec DispatchRecord) error
	Stats(ctx context.Context) (Stats, error)

	Close() error
}
