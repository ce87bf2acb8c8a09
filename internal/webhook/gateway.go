// Package webhook serves the inbound surface external systems use to push
// ad-hoc messages and to trigger checks on demand.
//
//	GET|POST /push   fan a message out to the channels named by type
//	GET|POST /cb     run the referenced jobs now
//
// Every request is recorded as a models.PushRecord.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/moniwatch/moniwatch/internal/metrics"
	"github.com/moniwatch/moniwatch/internal/models"
	"github.com/moniwatch/moniwatch/internal/notify"
	"github.com/moniwatch/moniwatch/internal/storage"
	"github.com/moniwatch/moniwatch/pkg/clock"
	"github.com/rs/zerolog"
)

// maxBodyBytes bounds webhook request bodies.
const maxBodyBytes = 1 << 20

// Dispatcher fans a push out to channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, types []string, push *notify.Push) map[string]models.ChannelResult
}

// JobRunner fires jobs on demand.
type JobRunner interface {
	RunNowKind(ctx context.Context, id int64, kind models.JobKind, operator string) error
}

// PushRequest is the body of /push.
type PushRequest struct {
	Type     string `json:"type"`
	Asid     string `json:"asid,omitempty"`
	Title    string `json:"title,omitempty"`
	Descr    string `json:"descr,omitempty"`
	Remark   string `json:"remark,omitempty"`
	TgID     string `json:"tgId,omitempty"`
	Reporter string `json:"reporter,omitempty"`
	MailAdd  string `json:"mailAdd,omitempty"`
}

// CallbackRequest is the body of /cb.
type CallbackRequest struct {
	Reporter string `json:"reporter,omitempty"`
	Job      JobRef `json:"job,omitempty"`
	Elastic  JobRef `json:"elastic,omitempty"`
	API      JobRef `json:"api,omitempty"`
}

// JobRef is a job id sent as a JSON number, a string or null. Blank
// strings and null leave it empty.
type JobRef string

func (r *JobRef) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	switch {
	case raw == "null":
		*r = ""
	case strings.HasPrefix(raw, `"`):
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = JobRef(strings.TrimSpace(s))
	default:
		*r = JobRef(raw)
	}
	return nil
}

func (r JobRef) String() string {
	return string(r)
}

// callbackTarget binds a callback field to the kind it must reference.
type callbackTarget struct {
	field string
	kind  models.JobKind
	value JobRef
}

func (r *CallbackRequest) targets() []callbackTarget {
	all := []callbackTarget{
		{"job", models.KindSQL, r.Job},
		{"elastic", models.KindElastic, r.Elastic},
		{"api", models.KindAPI, r.API},
	}
	out := make([]callbackTarget, 0, len(all))
	for _, t := range all {
		if strings.TrimSpace(t.value.String()) != "" {
			out = append(out, t)
		}
	}
	return out
}

// Response is the webhook response envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Gateway handles webhook requests.
type Gateway struct {
	hub     Dispatcher
	runner  JobRunner
	pushes  storage.PushStore
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  zerolog.Logger
}

// New creates a Gateway.
func New(hub Dispatcher, runner JobRunner, pushes storage.PushStore, m *metrics.Metrics, clk clock.Clock, logger zerolog.Logger) *Gateway {
	if clk == nil {
		clk = clock.New()
	}
	return &Gateway{
		hub:     hub,
		runner:  runner,
		pushes:  pushes,
		metrics: m,
		clock:   clk,
		logger:  logger.With().Str("component", "webhook").Logger(),
	}
}

// Routes returns the webhook router. middlewares run before every route,
// which is where per-client rate limiting is attached.
func (g *Gateway) Routes(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middlewares...)
	r.Get("/push", g.HandlePush)
	r.Post("/push", g.HandlePush)
	r.Get("/cb", g.HandleCallback)
	r.Post("/cb", g.HandleCallback)
	return r
}

// HandlePush handles /push.
func (g *Gateway) HandlePush(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	payload, err := decodeRequest(w, r, &req, pushFromValues)
	if err != nil {
		g.metrics.RecordWebhook("push", "invalid")
		writeJSON(w, http.StatusBadRequest, Response{Error: err.Error()})
		return
	}

	types := notify.ParseTypes(req.Type)
	if len(types) == 0 {
		g.metrics.RecordWebhook("push", "invalid")
		writeJSON(w, http.StatusBadRequest, Response{Error: "type is required"})
		return
	}

	push := &notify.Push{
		Asid:     req.Asid,
		Title:    req.Title,
		Descr:    req.Descr,
		Remark:   req.Remark,
		Reporter: req.Reporter,
		TgID:     req.TgID,
		MailAddr: req.MailAdd,
		Time:     g.clock.Now(),
	}
	results := g.hub.Dispatch(r.Context(), types, push)

	target := strings.Trim(strings.Join([]string{req.TgID, req.MailAdd}, " "), " ")
	g.record(r, models.PushDirect, strings.Join(types, "/"), req.Reporter, payload, target, results)

	outcome := summarize(results)
	g.metrics.RecordWebhook("push", outcome)
	g.logger.Info().
		Str("reporter", req.Reporter).
		Strs("types", types).
		Str("result", outcome).
		Msg("Push handled")

	writeJSON(w, http.StatusOK, Response{Success: outcome != "failed", Data: results})
}

// HandleCallback handles /cb.
func (g *Gateway) HandleCallback(w http.ResponseWriter, r *http.Request) {
	var req CallbackRequest
	payload, err := decodeRequest(w, r, &req, callbackFromValues)
	if err != nil {
		g.metrics.RecordWebhook("cb", "invalid")
		writeJSON(w, http.StatusBadRequest, Response{Error: err.Error()})
		return
	}

	targets := req.targets()
	if len(targets) == 0 {
		g.metrics.RecordWebhook("cb", "invalid")
		writeJSON(w, http.StatusBadRequest, Response{Error: "one of job, elastic or api is required"})
		return
	}

	results := make(map[string]models.ChannelResult, len(targets))
	refs := make([]string, 0, len(targets))
	for _, t := range targets {
		refs = append(refs, t.field+"="+t.value.String())
		id, err := strconv.ParseInt(t.value.String(), 10, 64)
		if err != nil {
			results[t.field] = models.ChannelResult{Message: fmt.Sprintf("invalid id %q", t.value)}
			continue
		}
		if err := g.runner.RunNowKind(r.Context(), id, t.kind, req.Reporter); err != nil {
			results[t.field] = models.ChannelResult{Message: callbackError(err)}
			continue
		}
		results[t.field] = models.ChannelResult{OK: true, Message: "triggered"}
	}

	g.record(r, models.PushCallback, "", req.Reporter, payload, strings.Join(refs, ","), results)

	outcome := summarize(results)
	g.metrics.RecordWebhook("cb", outcome)
	g.logger.Info().
		Str("reporter", req.Reporter).
		Strs("targets", refs).
		Str("result", outcome).
		Msg("Callback handled")

	writeJSON(w, http.StatusOK, Response{Success: outcome != "failed", Data: results})
}

func (g *Gateway) record(r *http.Request, kind models.PushKind, typ, reporter, payload, target string, results map[string]models.ChannelResult) {
	rec := &models.PushRecord{
		ID:         uuid.New().String(),
		Kind:       kind,
		Type:       typ,
		Reporter:   reporter,
		Payload:    payload,
		Target:     target,
		Results:    results,
		RemoteAddr: r.RemoteAddr,
		CreatedAt:  g.clock.Now(),
	}
	// The response does not depend on the audit write.
	if err := g.pushes.RecordPush(context.WithoutCancel(r.Context()), rec); err != nil {
		g.logger.Error().Err(err).Str("kind", string(kind)).Msg("Failed to record push")
	}
}

func callbackError(err error) string {
	switch {
	case errors.Is(err, models.ErrJobNotFound):
		return "job not found"
	case errors.Is(err, models.ErrJobKindMismatch):
		return err.Error()
	case errors.Is(err, models.ErrFiringInFlight):
		return "job is already running"
	}
	return err.Error()
}

// summarize reduces per-target results to ok, partial or failed.
func summarize(results map[string]models.ChannelResult) string {
	ok := 0
	for _, res := range results {
		if res.OK {
			ok++
		}
	}
	switch {
	case ok == len(results):
		return "ok"
	case ok == 0:
		return "failed"
	}
	return "partial"
}

// decodeRequest fills dst from a JSON body, a form body or the query
// string, and returns the payload to record.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}, fromValues func(map[string]string, interface{})) (string, error) {
	if r.Method == http.MethodPost && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err := dec.Decode(dst); err != nil {
			return "", fmt.Errorf("invalid JSON body: %w", err)
		}
		return payloadOf(dst), nil
	}

	if r.Method == http.MethodPost {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	}
	if err := r.ParseForm(); err != nil {
		return "", fmt.Errorf("invalid form: %w", err)
	}
	values := make(map[string]string, len(r.Form))
	for k := range r.Form {
		values[k] = r.Form.Get(k)
	}
	fromValues(values, dst)
	return payloadOf(dst), nil
}

// payloadOf renders a decoded request for the audit record.
func payloadOf(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(raw)
}

func pushFromValues(v map[string]string, dst interface{}) {
	req := dst.(*PushRequest)
	req.Type = v["type"]
	req.Asid = v["asid"]
	req.Title = v["title"]
	req.Descr = v["descr"]
	req.Remark = v["remark"]
	req.TgID = v["tgId"]
	req.Reporter = v["reporter"]
	req.MailAdd = v["mailAdd"]
}

func callbackFromValues(v map[string]string, dst interface{}) {
	req := dst.(*CallbackRequest)
	req.Reporter = v["reporter"]
	req.Job = JobRef(strings.TrimSpace(v["job"]))
	req.Elastic = JobRef(strings.TrimSpace(v["elastic"]))
	req.API = JobRef(strings.TrimSpace(v["api"]))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
