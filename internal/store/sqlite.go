package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"whatsflow/internal/recurrence"
	logx "whatsflow/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store, creating the database file and
// schema as needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Instants are stored as UTC RFC3339 text. Fixed width and a trailing 'Z'
// keep lexicographic ordering equal to chronological ordering, which the
// next_run index relies on.
func fmtTime(t time.Time) string { return t.UTC().Truncate(time.Second).Format(time.RFC3339) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339, s) }

// ---- campaigns ----

func (s *sqliteStore) CreateCampaign(ctx context.Context, c *Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(id, name, description, recurrence, weekday, send_time, timezone, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		c.ID, c.Name, nullStr(c.Description), string(c.Recurrence), nullIntPtr(c.Weekday),
		c.SendTime, c.Timezone, fmtTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, recurrence, weekday, send_time, timezone, created_at
		 FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *sqliteStore) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, recurrence, weekday, send_time, timezone, created_at
		 FROM campaigns ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// DeleteCampaign removes a campaign together with its group mappings and
// scheduled messages, atomically.
func (s *sqliteStore) DeleteCampaign(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_groups WHERE campaign_id = ?`, id); err != nil {
		return fmt.Errorf("delete campaign groups: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_messages WHERE campaign_id = ?`, id); err != nil {
		return fmt.Errorf("delete campaign messages: %w", err)
	}
	return tx.Commit()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanCampaign(row rowScanner) (*Campaign, error) {
	var (
		c         Campaign
		desc      sql.NullString
		weekday   sql.NullInt64
		rec       string
		createdAt string
	)
	err := row.Scan(&c.ID, &c.Name, &desc, &rec, &weekday, &c.SendTime, &c.Timezone, &createdAt)
	if err != nil {
		return nil, err
	}
	c.Description = desc.String
	c.Recurrence = recurrence.Kind(rec)
	if weekday.Valid {
		w := int(weekday.Int64)
		c.Weekday = &w
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("campaign %s: bad created_at: %w", c.ID, err)
	}
	return &c, nil
}

// ---- campaign groups ----

func (s *sqliteStore) AddGroup(ctx context.Context, g CampaignGroup) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaign_groups(campaign_id, instance_id, group_id) VALUES(?,?,?)
		 ON CONFLICT(campaign_id, instance_id, group_id) DO NOTHING`,
		g.CampaignID, g.InstanceID, g.GroupID)
	if err != nil {
		return fmt.Errorf("add group: %w", err)
	}
	return nil
}

func (s *sqliteStore) RemoveGroup(ctx context.Context, g CampaignGroup) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM campaign_groups WHERE campaign_id = ? AND instance_id = ? AND group_id = ?`,
		g.CampaignID, g.InstanceID, g.GroupID)
	if err != nil {
		return fmt.Errorf("remove group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) GroupsForCampaign(ctx context.Context, campaignID string) ([]CampaignGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT campaign_id, instance_id, group_id FROM campaign_groups
		 WHERE campaign_id = ? ORDER BY instance_id, group_id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("groups for campaign: %w", err)
	}
	defer rows.Close()

	var out []CampaignGroup
	for rows.Next() {
		var g CampaignGroup
		if err := rows.Scan(&g.CampaignID, &g.InstanceID, &g.GroupID); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ---- scheduled messages ----

func (s *sqliteStore) CreateScheduled(ctx context.Context, m *ScheduledMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_messages(id, campaign_id, content, media_type, media_path, next_run, status)
		 VALUES(?,?,?,?,?,?,?)`,
		m.ID, m.CampaignID, m.Content, m.MediaType, nullStr(m.MediaPath), fmtTime(m.NextRun), m.Status)
	if err != nil {
		return fmt.Errorf("insert scheduled message: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListScheduled(ctx context.Context) ([]ScheduledView, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sm.id, sm.campaign_id, c.name, sm.content, sm.media_type, sm.media_path, sm.next_run, sm.status
		 FROM scheduled_messages sm
		 JOIN campaigns c ON c.id = sm.campaign_id
		 ORDER BY sm.next_run ASC`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled: %w", err)
	}
	defer rows.Close()

	var out []ScheduledView
	for rows.Next() {
		var (
			v         ScheduledView
			mediaPath sql.NullString
			nextRun   string
		)
		if err := rows.Scan(&v.ID, &v.CampaignID, &v.CampaignName, &v.Content,
			&v.MediaType, &mediaPath, &nextRun, &v.Status); err != nil {
			return nil, err
		}
		v.MediaPath = mediaPath.String
		if v.NextRun, err = parseTime(nextRun); err != nil {
			return nil, fmt.Errorf("scheduled %s: bad next_run: %w", v.ID, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListDue(ctx context.Context, now time.Time) ([]DueMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sm.id, sm.campaign_id, sm.content, sm.media_type, sm.media_path, sm.next_run, sm.status,
		        c.recurrence, c.weekday, c.send_time, c.timezone
		 FROM scheduled_messages sm
		 JOIN campaigns c ON c.id = sm.campaign_id
		 WHERE sm.next_run <= ? AND sm.status = ?
		 ORDER BY sm.next_run ASC`,
		fmtTime(now), StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list due: %w", err)
	}
	defer rows.Close()

	var out []DueMessage
	for rows.Next() {
		var (
			d         DueMessage
			mediaPath sql.NullString
			nextRun   string
			rec       string
			weekday   sql.NullInt64
		)
		if err := rows.Scan(&d.ID, &d.CampaignID, &d.Content, &d.MediaType, &mediaPath,
			&nextRun, &d.Status, &rec, &weekday, &d.SendTime, &d.Timezone); err != nil {
			return nil, err
		}
		d.MediaPath = mediaPath.String
		d.Recurrence = recurrence.Kind(rec)
		if weekday.Valid {
			w := int(weekday.Int64)
			d.Weekday = &w
		}
		if d.NextRun, err = parseTime(nextRun); err != nil {
			return nil, fmt.Errorf("scheduled %s: bad next_run: %w", d.ID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Rearm(ctx context.Context, id string, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_messages SET next_run = ?, status = ? WHERE id = ?`,
		fmtTime(next), StatusPending, id)
	if err != nil {
		return fmt.Errorf("rearm scheduled message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteScheduled(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- dispatch log ----

func (s *sqliteStore) AppendDispatch(ctx context.Context, rec DispatchRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	ok := 0
	if rec.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_log(id, scheduled_message_id, campaign_id, instance_id, group_id, ok, err, at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		rec.ID, rec.ScheduledMessageID, rec.CampaignID, rec.InstanceID, rec.GroupID,
		ok, nullStr(rec.Error), fmtTime(rec.At))
	if err != nil {
		return fmt.Errorf("append dispatch record: %w", err)
	}
	return nil
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT
		  (SELECT COUNT(*) FROM campaigns),
		  (SELECT COUNT(*) FROM scheduled_messages),
		  (SELECT COUNT(*) FROM dispatch_log WHERE ok = 1),
		  (SELECT COUNT(*) FROM dispatch_log WHERE ok = 0)`)
	if err := row.Scan(&st.Campaigns, &st.Scheduled, &st.DispatchedOK, &st.DispatchedFail); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
