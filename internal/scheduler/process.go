package scheduler

import (
	"context"
	"time"

	"whatsflow/internal/recurrence"
	"whatsflow/internal/store"
	logx "whatsflow/pkg/logx"
)

// processEntry handles one due scheduled message: dispatch to every mapped
// group, then retire (once) or re-arm (daily/weekly).
//
// Re-arming does not depend on dispatch outcomes. A cycle where every send
// failed still moves next_run to the next natural occurrence; there is no
// earlier retry.
func (s *Service) processEntry(ctx context.Context, msg *store.DueMessage, now time.Time) {
	log := s.log.With(
		logx.String("message", msg.ID),
		logx.String("campaign", msg.CampaignID),
	)

	groups, err := s.store.GroupsForCampaign(ctx, msg.CampaignID)
	if err != nil {
		// Skip this entry for this tick; the next tick picks it up again.
		log.Error("resolving campaign groups failed", logx.Err(err))
		return
	}
	if len(groups) == 0 {
		// A campaign with no mappings dispatches to nobody but still
		// advances below.
		log.Debug("campaign has no target groups")
	}

	var sent, failed int
	for _, g := range groups {
		ok := s.dispatch.Dispatch(ctx, g.InstanceID, g.GroupID, msg.Content, msg.MediaType, msg.MediaPath)
		if ok {
			sent++
		} else {
			failed++
		}
		if s.metrics != nil {
			s.metrics.ObserveDispatch(ok)
		}

		rec := store.DispatchRecord{
			ScheduledMessageID: msg.ID,
			CampaignID:         msg.CampaignID,
			InstanceID:         g.InstanceID,
			GroupID:            g.GroupID,
			OK:                 ok,
			At:                 now,
		}
		if !ok {
			rec.Error = "dispatch failed"
		}
		if err := s.store.AppendDispatch(ctx, rec); err != nil {
			log.Warn("recording dispatch outcome failed", logx.Err(err))
		}
	}
	if failed > 0 {
		log.Warn("cycle had failed dispatches", logx.Int("sent", sent), logx.Int("failed", failed))
	}

	if msg.Recurrence == recurrence.Once {
		if err := s.store.DeleteScheduled(ctx, msg.ID); err != nil {
			log.Error("retiring one-shot message failed", logx.Err(err))
		}
		return
	}

	loc := time.UTC
	if msg.Timezone != "" {
		l, err := time.LoadLocation(msg.Timezone)
		if err != nil {
			log.Warn("unknown campaign timezone, using UTC", logx.String("tz", msg.Timezone))
		} else {
			loc = l
		}
	}

	weekday := -1
	if msg.Weekday != nil {
		weekday = *msg.Weekday
	}
	next, err := recurrence.NextRun(msg.Recurrence, weekday, msg.SendTime, loc, now)
	if err != nil {
		// Malformed recurrence data. Leave next_run alone rather than
		// guessing; the entry stays visible and the problem stays loud.
		log.Error("computing next run failed", logx.Err(err))
		return
	}

	if err := s.store.Rearm(ctx, msg.ID, next); err != nil {
		log.Error("re-arming message failed", logx.Err(err))
		return
	}
	log.Debug("re-armed", logx.Time("next_run", next), logx.Int("sent", sent), logx.Int("failed", failed))
}
