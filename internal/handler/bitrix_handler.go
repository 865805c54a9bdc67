package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/fairexpo/tilda-bitrix-bridge/internal/auditlog"
	"github.com/fairexpo/tilda-bitrix-bridge/internal/service"
)

// BitrixHandler covers the CRM-event intake and the deal field schema read.
type BitrixHandler struct {
	audit     *auditlog.Logger
	forwarder *service.Forwarder
	fields    *service.FieldsService
}

func NewBitrixHandler(audit *auditlog.Logger, forwarder *service.Forwarder, fields *service.FieldsService) *BitrixHandler {
	return &BitrixHandler{audit: audit, forwarder: forwarder, fields: fields}
}

// HandleEvent accepts a CRM outbound event as JSON or a form-encoded body,
// logs it, and forwards it without blocking the caller's response.
func (h *BitrixHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if ct := r.Header.Get("Content-Type"); strings.Contains(ct, "application/json") {
		if err := readJSON(r, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "unparseable form body")
			return
		}
		payload = service.FormDataToPayload(r.PostForm)
	}
	if payload == nil {
		payload = map[string]any{}
	}

	if err := h.audit.Write(auditlog.Entry{Source: "bitrix", PayloadRaw: payload}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Forwarding is detached; its failure never reaches this caller.
	h.forwarder.Dispatch(payload)
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// Fields serves the cached deal field schema, refetching when ?refresh=true.
func (h *BitrixHandler) Fields(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "true" {
		if err := h.fields.Refresh(r.Context()); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}
	fields, err := h.fields.Cached()
	if err != nil {
		if errors.Is(err, service.ErrFieldsNotCached) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fields)
}
