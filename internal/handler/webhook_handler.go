package handler

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fairexpo/tilda-bitrix-bridge/internal/auditlog"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/bitrix"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/config"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/mapping"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/models"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/service"
)

const maxSubmissionBytes = 32 << 20

// WebhookHandler is the submission-intake boundary for Tilda form posts.
type WebhookHandler struct {
	deals *service.DealService
	audit *auditlog.Logger
	cfg   *config.Config
}

func NewWebhookHandler(deals *service.DealService, audit *auditlog.Logger, cfg *config.Config) *WebhookHandler {
	return &WebhookHandler{deals: deals, audit: audit, cfg: cfg}
}

// HandleTilda accepts a form post, with an optional path-supplied form
// identity override.
func (h *WebhookHandler) HandleTilda(w http.ResponseWriter, r *http.Request) {
	override := chi.URLParam(r, "formKey")

	if err := r.ParseMultipartForm(maxSubmissionBytes); err != nil {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "unparseable form body")
			return
		}
	}
	payload := service.FormDataToPayload(r.Form)

	stagingDir, uploads, err := service.StageUploads(r, h.cfg.UploadTmpDir, h.cfg.RecompressFields)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sub := &models.Submission{Payload: payload, Uploads: uploads, StagingDir: stagingDir}
	defer sub.Cleanup()

	for _, u := range uploads {
		appendFileName(payload, u.Field, u.FileName)
	}

	formKey, err := service.DetectFormKey(payload, override, h.cfg.FormAliases)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub.FormKey = formKey

	result, err := h.deals.Process(r.Context(), sub)
	if err != nil {
		h.respondError(w, sub, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// respondError maps pipeline failures onto the boundary taxonomy: malformed
// mapping file is fatal to the request, upstream CRM failures surface as a
// gateway error after the attempted payload is logged, and validation
// failures reject the submission as a client error.
func (h *WebhookHandler) respondError(w http.ResponseWriter, sub *models.Submission, err error) {
	var validationErr *service.ValidationError
	var configErr *mapping.ConfigError
	var upstreamErr *bitrix.Error

	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Msg)
	case errors.As(err, &configErr):
		log.Printf("mapping config error: %v", configErr)
		writeError(w, http.StatusInternalServerError, configErr.Error())
	case errors.As(err, &upstreamErr):
		auditErr := h.audit.Write(auditlog.Entry{
			Source:     sub.FormKey,
			PayloadRaw: sub.Payload,
			Extra:      map[string]any{"error": upstreamErr.Error()},
		})
		if auditErr != nil {
			log.Printf("audit write failed: %v", auditErr)
		}
		writeError(w, http.StatusBadGateway, upstreamErr.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// appendFileName records an uploaded file's name under its form key, the
// same way repeated text values accumulate.
func appendFileName(payload map[string]any, field, name string) {
	switch existing := payload[field].(type) {
	case nil:
		payload[field] = []any{name}
	case []any:
		payload[field] = append(existing, name)
	default:
		payload[field] = []any{existing, name}
	}
}
