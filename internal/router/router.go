package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fairexpo/tilda-bitrix-bridge/internal/handler"
	mw "github.com/fairexpo/tilda-bitrix-bridge/internal/middleware"
)

func New(
	webhookH *handler.WebhookHandler,
	bitrixH *handler.BitrixHandler,
	tildaH *handler.TildaHandler,
) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Recovery)
	r.Use(mw.Logger)

	// Submission intake
	r.Post("/webhook/tilda", webhookH.HandleTilda)
	r.Post("/webhook/tilda/{formKey}", webhookH.HandleTilda)

	// CRM event intake
	r.Post("/webhook/b24", bitrixH.HandleEvent)

	// Cached CRM deal field schema
	r.Get("/bitrix/fields", bitrixH.Fields)

	// Tilda form metadata proxy
	r.Get("/tilda/forms", tildaH.ListForms)
	r.Get("/tilda/forms/{formID}", tildaH.GetForm)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	return r
}
