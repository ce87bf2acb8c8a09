package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/moniwatch/moniwatch/internal/alert"
	"github.com/moniwatch/moniwatch/internal/models"
	"github.com/moniwatch/moniwatch/internal/notify"
)

// ListLogs handles GET /api/v1/logs.
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.LogFilter{
		Kind:   models.JobKind(q.Get("kind")),
		Status: models.LogStatus(q.Get("status")),
	}

	var err error
	if v := q.Get("job_id"); v != "" {
		if filter.JobID, err = strconv.ParseInt(v, 10, 64); err != nil {
			h.WriteAPIError(w, NewValidationError("job_id must be an integer"))
			return
		}
	}
	if filter.Limit, err = parseLimit(q.Get("limit")); err != nil {
		h.WriteAPIError(w, NewValidationError(err.Error()))
		return
	}
	if filter.Since, err = parseTime(q.Get("since")); err != nil {
		h.WriteAPIError(w, NewValidationError("since must be RFC3339"))
		return
	}
	if filter.Until, err = parseTime(q.Get("until")); err != nil {
		h.WriteAPIError(w, NewValidationError("until must be RFC3339"))
		return
	}

	logs, err := h.store.ListLogs(r.Context(), filter)
	if h.HandleError(w, err, "list logs") {
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]interface{}{
		"logs":  logs,
		"total": len(logs),
	}})
}

// GetLog handles GET /api/v1/logs/{id}.
func (h *Handler) GetLog(w http.ResponseWriter, r *http.Request) {
	log, err := h.store.GetLog(r.Context(), chi.URLParam(r, "id"))
	if h.HandleError(w, err, "get log") {
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: log})
}

// DeleteLogs handles DELETE /api/v1/logs?ids=a,b.
func (h *Handler) DeleteLogs(w http.ResponseWriter, r *http.Request) {
	ids := splitIDs(r.URL.Query().Get("ids"))
	if len(ids) == 0 {
		h.WriteAPIError(w, NewValidationError("ids is required"))
		return
	}
	n, err := h.store.DeleteLogs(r.Context(), ids)
	if h.HandleError(w, err, "delete logs") {
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]int{"deleted": n}})
}

// CleanLogs handles POST /api/v1/logs/clean?kind=.
func (h *Handler) CleanLogs(w http.ResponseWriter, r *http.Request) {
	kind := models.JobKind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		h.WriteAPIError(w, NewValidationError("unknown kind "+string(kind)))
		return
	}
	n, err := h.store.CleanLogs(r.Context(), kind)
	if h.HandleError(w, err, "clean logs") {
		return
	}
	h.logger.Info().
		Str("kind", string(kind)).
		Int("deleted", n).
		Str("operator", OperatorFromContext(r.Context())).
		Msg("Execution logs cleaned")
	writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]int{"deleted": n}})
}

// ListPushes handles GET /api/v1/pushes.
func (h *Handler) ListPushes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.PushFilter{
		Kind:     models.PushKind(q.Get("kind")),
		Reporter: q.Get("reporter"),
	}
	var err error
	if filter.Limit, err = parseLimit(q.Get("limit")); err != nil {
		h.WriteAPIError(w, NewValidationError(err.Error()))
		return
	}

	recs, err := h.store.ListPushes(r.Context(), filter)
	if h.HandleError(w, err, "list push records") {
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]interface{}{
		"pushes": recs,
		"total":  len(recs),
	}})
}

// GetPush handles GET /api/v1/pushes/{id}.
func (h *Handler) GetPush(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetPush(r.Context(), chi.URLParam(r, "id"))
	if h.HandleError(w, err, "get push record") {
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: rec})
}

// DeletePushes handles DELETE /api/v1/pushes?ids=a,b.
func (h *Handler) DeletePushes(w http.ResponseWriter, r *http.Request) {
	ids := splitIDs(r.URL.Query().Get("ids"))
	if len(ids) == 0 {
		h.WriteAPIError(w, NewValidationError("ids is required"))
		return
	}
	n, err := h.store.DeletePushes(r.Context(), ids)
	if h.HandleError(w, err, "delete push records") {
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]int{"deleted": n}})
}

// ChannelRequest is the body of PUT /channels/{ref}.
type ChannelRequest struct {
	Value string `json:"value"`
}

// ChannelResponse describes a configured chat group. The bot token is
// masked.
type ChannelResponse struct {
	Ref     string `json:"ref"`
	Token   string `json:"token"`
	ChatID  string `json:"chat_id"`
	Webhook bool   `json:"webhook_only"`
}

// GetChannel handles GET /api/v1/channels/{ref}.
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	raw, err := h.store.GetConfig(r.Context(), alert.GroupKey(ref))
	if h.HandleError(w, err, "get channel") {
		return
	}
	ch, err := alert.ParseChannel(raw, true)
	if h.HandleError(w, err, "get channel") {
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: ChannelResponse{
		Ref:     ref,
		Token:   maskToken(ch.Token),
		ChatID:  ch.ChatID,
		Webhook: strings.Count(raw, ";") == 2,
	}})
}

// SetChannel handles PUT /api/v1/channels/{ref}.
func (h *Handler) SetChannel(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	var req ChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.WriteAPIError(w, ErrInvalidJSON)
		return
	}
	value := strings.TrimSpace(req.Value)
	if _, err := alert.ParseChannel(value, true); err != nil {
		h.WriteAPIError(w, NewValidationError(err.Error()))
		return
	}
	if h.HandleError(w, h.store.SetConfig(r.Context(), alert.GroupKey(ref), value), "set channel") {
		return
	}
	h.logger.Info().Str("channel", ref).Str("operator", OperatorFromContext(r.Context())).Msg("Channel configured")
	writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]string{"ref": ref}})
}

// DeleteChannel handles DELETE /api/v1/channels/{ref}.
func (h *Handler) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if h.HandleError(w, h.store.DeleteConfig(r.Context(), alert.GroupKey(ref)), "delete channel") {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TemplateRequest is the body of PUT /templates/{channel}.
type TemplateRequest struct {
	Template string `json:"template"`
}

// GetTemplate handles GET /api/v1/templates/{channel}.
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	channel, ok := h.templateChannel(w, r)
	if !ok {
		return
	}
	tmpl, err := h.templates.Get(r.Context(), channel)
	if h.HandleError(w, err, "get template") {
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]string{
		"channel":  string(channel),
		"template": tmpl,
	}})
}

// SetTemplate handles PUT /api/v1/templates/{channel}.
func (h *Handler) SetTemplate(w http.ResponseWriter, r *http.Request) {
	channel, ok := h.templateChannel(w, r)
	if !ok {
		return
	}
	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.WriteAPIError(w, ErrInvalidJSON)
		return
	}
	if strings.TrimSpace(req.Template) == "" {
		h.WriteAPIError(w, NewValidationError("template is required"))
		return
	}
	if h.HandleError(w, h.templates.Set(r.Context(), channel, req.Template), "set template") {
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]string{
		"channel":  string(channel),
		"template": req.Template,
	}})
}

func (h *Handler) templateChannel(w http.ResponseWriter, r *http.Request) (notify.ChannelType, bool) {
	channel := notify.ChannelType(chi.URLParam(r, "channel"))
	switch channel {
	case notify.ChannelTelegram, notify.ChannelMail:
		return channel, true
	}
	h.WriteAPIError(w, NewValidationError("templates exist for tg and mail only"))
	return "", false
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func splitIDs(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func maskToken(token string) string {
	if len(token) <= 6 {
		return "***"
	}
	return token[:6] + "***"
}
