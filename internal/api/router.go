package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("POST /v1/campaigns", h.CreateCampaign)
	mux.HandleFunc("GET /v1/campaigns/{id}", h.GetCampaign)

	mux.HandleFunc("POST /v1/webhooks/status", h.DeliveryStatusWebhook)
	mux.HandleFunc("POST /v1/webhooks/response", h.ResponseWebhook)

	mux.HandleFunc("GET /v1/phones", h.ListPhones)
	mux.HandleFunc("GET /v1/stats", h.Stats)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("verify-campaigns"))
	})

	return mux
}
