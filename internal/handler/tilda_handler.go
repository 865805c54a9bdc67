package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fairexpo/tilda-bitrix-bridge/internal/tilda"
)

// TildaHandler proxies form metadata reads from the Tilda API.
type TildaHandler struct {
	client *tilda.Client
}

func NewTildaHandler(client *tilda.Client) *TildaHandler {
	return &TildaHandler{client: client}
}

func (h *TildaHandler) ListForms(w http.ResponseWriter, r *http.Request) {
	projectID, _ := strconv.Atoi(r.URL.Query().Get("project_id"))
	forms, err := h.client.ListForms(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"forms": forms})
}

func (h *TildaHandler) GetForm(w http.ResponseWriter, r *http.Request) {
	formID, err := strconv.Atoi(chi.URLParam(r, "formID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "form id must be numeric")
		return
	}
	form, err := h.client.GetForm(r.Context(), formID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, form)
}
