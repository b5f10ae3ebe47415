package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"whatsflow/internal/recurrence"
	"whatsflow/internal/store"
	logx "whatsflow/pkg/logx"
)

// Handler holds the dependencies for the operator HTTP endpoints.
type Handler struct {
	Store     store.Store
	DefaultTZ string
	Log       logx.Logger

	// now feeds initial next_run computation; swapped in tests.
	now func() time.Time
}

func NewHandler(st store.Store, defaultTZ string, log logx.Logger) *Handler {
	if strings.TrimSpace(defaultTZ) == "" {
		defaultTZ = "UTC"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{Store: st, DefaultTZ: defaultTZ, Log: log, now: time.Now}
}

// ---- campaigns ----

type campaignPayload struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Recurrence  string `json:"recurrence"`
	Weekday     *int   `json:"weekday,omitempty"`
	SendTime    string `json:"send_time"`
	Timezone    string `json:"timezone,omitempty"`
}

type campaignResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Recurrence  string    `json:"recurrence"`
	Weekday     *int      `json:"weekday,omitempty"`
	SendTime    string    `json:"send_time"`
	Timezone    string    `json:"timezone"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *Handler) createCampaign(w http.ResponseWriter, r *http.Request) {
	var p campaignPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(p.Name) == "" {
		writeErr(w, http.StatusBadRequest, "name is required")
		return
	}

	kind, err := recurrence.ParseKind(p.Recurrence)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, _, err := recurrence.ParseHHMM(p.SendTime); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if kind == recurrence.Weekly {
		if p.Weekday == nil || *p.Weekday < 0 || *p.Weekday > 6 {
			writeErr(w, http.StatusBadRequest, "weekly campaigns need weekday 0..6 (0=Sunday)")
			return
		}
	}

	tz := strings.TrimSpace(p.Timezone)
	if tz == "" {
		tz = h.DefaultTZ
	}
	if _, err := time.LoadLocation(tz); err != nil {
		writeErr(w, http.StatusBadRequest, "unknown timezone "+tz)
		return
	}

	c := &store.Campaign{
		Name:        p.Name,
		Description: p.Description,
		Recurrence:  kind,
		Weekday:     p.Weekday,
		SendTime:    p.SendTime,
		Timezone:    tz,
		CreatedAt:   h.now(),
	}
	if err := h.Store.CreateCampaign(r.Context(), c); err != nil {
		h.Log.Error("create campaign failed", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "create campaign failed")
		return
	}
	writeJSON(w, http.StatusCreated, toCampaignResponse(c))
}

func (h *Handler) listCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := h.Store.ListCampaigns(r.Context())
	if err != nil {
		h.Log.Error("list campaigns failed", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "list campaigns failed")
		return
	}
	out := make([]campaignResponse, 0, len(campaigns))
	for i := range campaigns {
		out = append(out, toCampaignResponse(&campaigns[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondStoreErr(w, err, "get campaign")
		return
	}
	writeJSON(w, http.StatusOK, toCampaignResponse(c))
}

func (h *Handler) deleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteCampaign(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondStoreErr(w, err, "delete campaign")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toCampaignResponse(c *store.Campaign) campaignResponse {
	return campaignResponse{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		Recurrence:  string(c.Recurrence),
		Weekday:     c.Weekday,
		SendTime:    c.SendTime,
		Timezone:    c.Timezone,
		CreatedAt:   c.CreatedAt,
	}
}

// ---- campaign groups ----

type groupPayload struct {
	InstanceID string `json:"instance_id"`
	GroupID    string `json:"group_id"`
}

func (h *Handler) addGroup(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")
	var p groupPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(p.InstanceID) == "" || strings.TrimSpace(p.GroupID) == "" {
		writeErr(w, http.StatusBadRequest, "instance_id and group_id are required")
		return
	}

	if _, err := h.Store.GetCampaign(r.Context(), campaignID); err != nil {
		h.respondStoreErr(w, err, "get campaign")
		return
	}
	g := store.CampaignGroup{CampaignID: campaignID, InstanceID: p.InstanceID, GroupID: p.GroupID}
	if err := h.Store.AddGroup(r.Context(), g); err != nil {
		h.Log.Error("add group failed", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "add group failed")
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *Handler) removeGroup(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")
	var p groupPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	g := store.CampaignGroup{CampaignID: campaignID, InstanceID: p.InstanceID, GroupID: p.GroupID}
	if err := h.Store.RemoveGroup(r.Context(), g); err != nil {
		h.respondStoreErr(w, err, "remove group")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.Store.GroupsForCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.Log.Error("list groups failed", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "list groups failed")
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

// ---- scheduled messages ----

type schedulePayload struct {
	CampaignID string `json:"campaign_id"`
	Content    string `json:"content"`
	MediaType  string `json:"media_type,omitempty"`
	MediaPath  string `json:"media_path,omitempty"`
}

type scheduledResponse struct {
	ID           string    `json:"id"`
	CampaignID   string    `json:"campaign_id"`
	CampaignName string    `json:"campaign_name,omitempty"`
	Content      string    `json:"content"`
	MediaType    string    `json:"media_type,omitempty"`
	MediaPath    string    `json:"media_path,omitempty"`
	NextRun      time.Time `json:"next_run"`
	Status       string    `json:"status"`
}

func (h *Handler) scheduleMessage(w http.ResponseWriter, r *http.Request) {
	var p schedulePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	switch p.MediaType {
	case "", "image", "audio", "video":
	default:
		writeErr(w, http.StatusBadRequest, "media_type must be image, audio or video")
		return
	}
	if p.MediaType != "" && strings.TrimSpace(p.MediaPath) == "" {
		writeErr(w, http.StatusBadRequest, "media_path is required when media_type is set")
		return
	}

	c, err := h.Store.GetCampaign(r.Context(), p.CampaignID)
	if err != nil {
		h.respondStoreErr(w, err, "get campaign")
		return
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		loc = time.UTC
	}
	weekday := -1
	if c.Weekday != nil {
		weekday = *c.Weekday
	}
	nextRun, err := recurrence.NextRun(c.Recurrence, weekday, c.SendTime, loc, h.now())
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	m := &store.ScheduledMessage{
		CampaignID: c.ID,
		Content:    p.Content,
		MediaType:  p.MediaType,
		MediaPath:  p.MediaPath,
		NextRun:    nextRun,
		Status:     store.StatusPending,
	}
	if err := h.Store.CreateScheduled(r.Context(), m); err != nil {
		h.Log.Error("schedule message failed", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "schedule message failed")
		return
	}
	writeJSON(w, http.StatusCreated, scheduledResponse{
		ID:         m.ID,
		CampaignID: m.CampaignID,
		Content:    m.Content,
		MediaType:  m.MediaType,
		MediaPath:  m.MediaPath,
		NextRun:    m.NextRun,
		Status:     m.Status,
	})
}

func (h *Handler) listScheduled(w http.ResponseWriter, r *http.Request) {
	items, err := h.Store.ListScheduled(r.Context())
	if err != nil {
		h.Log.Error("list scheduled failed", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "list scheduled failed")
		return
	}
	out := make([]scheduledResponse, 0, len(items))
	for _, it := range items {
		out = append(out, scheduledResponse{
			ID:           it.ID,
			CampaignID:   it.CampaignID,
			CampaignName: it.CampaignName,
			Content:      it.Content,
			MediaType:    it.MediaType,
			MediaPath:    it.MediaPath,
			NextRun:      it.NextRun,
			Status:       it.Status,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) deleteScheduled(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteScheduled(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondStoreErr(w, err, "delete scheduled message")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- stats / health ----

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Store.Stats(r.Context())
	if err != nil {
		h.Log.Error("stats failed", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"campaigns":       st.Campaigns,
		"scheduled":       st.Scheduled,
		"dispatched_ok":   st.DispatchedOK,
		"dispatched_fail": st.DispatchedFail,
	})
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---- helpers ----

func (h *Handler) respondStoreErr(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, store.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	h.Log.Error(op+" failed", logx.Err(err))
	writeErr(w, http.StatusInternalServerError, op+" failed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
