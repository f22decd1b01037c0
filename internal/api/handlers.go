package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/example/verify-campaigns/internal/model"
	"github.com/example/verify-campaigns/internal/repo"
	"github.com/example/verify-campaigns/internal/scheduler"
	"github.com/example/verify-campaigns/internal/service"
)

// CampaignDispatcher starts one outbound campaign run.
type CampaignDispatcher interface {
	Dispatch(ctx context.Context, candidates []service.Candidate) (*service.DispatchReport, error)
}

// EventReconciler absorbs provider callbacks.
type EventReconciler interface {
	HandleDeliveryStatus(ctx context.Context, ev service.DeliveryStatusEvent) (service.Outcome, error)
	HandleResponse(ctx context.Context, ev service.ResponseEvent) (service.Outcome, error)
}

// StatsProvider serves verification-status breakdowns.
type StatsProvider interface {
	StatusCountsByRange(ctx context.Context, from, to time.Time, useCache bool) (*service.StatusCounts, error)
}

type Handler struct {
	dispatcher CampaignDispatcher
	reconciler EventReconciler
	stats      StatsProvider
	store      repo.Store
	sched      *scheduler.Scheduler
}

func NewHandler(d CampaignDispatcher, rec EventReconciler, st StatsProvider, store repo.Store, s *scheduler.Scheduler) *Handler {
	return &Handler{dispatcher: d, reconciler: rec, stats: st, store: store, sched: s}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

type dispatchRequest struct {
	PhoneNumbers []struct {
		PhoneNumber string `json:"phoneNumber"`
		Status      string `json:"status"`
	} `json:"phoneNumbers"`
}

// CreateCampaign validates the batch and runs the dispatch on a context
// detached from the request, so a client disconnect never abandons a run
// halfway through its sends.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(req.PhoneNumbers) == 0 {
		http.Error(w, "phoneNumbers must not be empty", http.StatusBadRequest)
		return
	}

	candidates := make([]service.Candidate, 0, len(req.PhoneNumbers))
	for _, p := range req.PhoneNumbers {
		status, err := parseVerificationStatus(p.Status)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		candidates = append(candidates, service.Candidate{Number: p.PhoneNumber, Status: status})
	}

	report, err := h.dispatcher.Dispatch(context.WithoutCancel(r.Context()), candidates)
	switch {
	case errors.Is(err, service.ErrNoCandidates), errors.Is(err, service.ErrNoEligibleNumbers):
		body := map[string]any{"error": err.Error()}
		if report != nil {
			body["rejectedNumbers"] = report.Rejected
		}
		writeJSON(w, http.StatusBadRequest, body)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, report)
}

func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	campaign, err := h.store.Campaigns().Get(r.Context(), id)
	if errors.Is(err, repo.ErrNotFound) {
		http.Error(w, "campaign not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	messages, err := h.store.Messages().ListByCampaign(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"campaign": campaign,
		"messages": messages,
	})
}

// DeliveryStatusWebhook handles the provider's delivery-state callback. The
// provider retries anything that is not a 2xx, so every absorbed outcome is
// acknowledged with 200 even when the event was stale.
func (h *Handler) DeliveryStatusWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	ev := service.DeliveryStatusEvent{
		To:            r.PostFormValue("To"),
		MessageSID:    r.PostFormValue("MessageSid"),
		MessageStatus: r.PostFormValue("MessageStatus"),
	}
	if ev.MessageSID == "" || ev.MessageStatus == "" {
		http.Error(w, "MessageSid and MessageStatus are required", http.StatusBadRequest)
		return
	}
	if raw := r.PostFormValue("ErrorCode"); raw != "" {
		code, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid ErrorCode", http.StatusBadRequest)
			return
		}
		ev.ErrorCode = &code
	}

	outcome, err := h.reconciler.HandleDeliveryStatus(r.Context(), ev)
	writeOutcome(w, outcome, err)
}

// ResponseWebhook handles an inbound user reply callback.
func (h *Handler) ResponseWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	ev := service.ResponseEvent{
		From:                      r.PostFormValue("From"),
		ButtonText:                r.PostFormValue("ButtonText"),
		MessageType:               r.PostFormValue("MessageType"),
		OriginalRepliedMessageSID: r.PostFormValue("OriginalRepliedMessageSid"),
	}
	if ev.From == "" {
		http.Error(w, "From is required", http.StatusBadRequest)
		return
	}

	outcome, err := h.reconciler.HandleResponse(r.Context(), ev)
	writeOutcome(w, outcome, err)
}

func (h *Handler) ListPhones(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, total, err := h.store.Phones().List(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"pagination": map[string]any{
			"totalItems": total,
			"limit":      limit,
			"offset":     offset,
		},
	})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	from, err := parseDate(r.URL.Query().Get("start"), now)
	if err != nil {
		http.Error(w, "invalid start date, want YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	to, err := parseDate(r.URL.Query().Get("end"), now)
	if err != nil {
		http.Error(w, "invalid end date, want YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	useCache := true
	if raw := r.URL.Query().Get("cached"); raw != "" {
		useCache, err = strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "invalid cached flag", http.StatusBadRequest)
			return
		}
	}

	counts, err := h.stats.StatusCountsByRange(r.Context(), from, to, useCache)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, counts)
}

func parseVerificationStatus(raw string) (model.VerificationStatus, error) {
	switch model.VerificationStatus(raw) {
	case "":
		return model.VerificationPending, nil
	case model.VerificationPending, model.VerificationVerified,
		model.VerificationNotVerified, model.VerificationInvalid:
		return model.VerificationStatus(raw), nil
	}
	return "", errors.New("unknown status: " + raw)
}

func parseDate(raw string, def time.Time) (time.Time, error) {
	if raw == "" {
		return def, nil
	}
	return time.Parse("2006-01-02", raw)
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeOutcome(w http.ResponseWriter, outcome service.Outcome, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if outcome == service.OutcomeNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]any{"outcome": outcome})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
