package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kumasuke/dura/internal/fault"
	"github.com/kumasuke/dura/internal/storage"
	"github.com/rs/zerolog/log"
)

// FaultRoutes returns the admin router for fault switches, mounted at
// fault.AdminPath:
//
//	GET    /{mode}  current state
//	PUT    /{mode}  enable, answers with the new state
//	DELETE /{mode}  disable
func (h *Handler) FaultRoutes() http.Handler {
	r := chi.NewRouter()
	r.Get("/{mode}", h.GetFault)
	r.Put("/{mode}", h.PutFault)
	r.Delete("/{mode}", h.DeleteFault)
	return r
}

func (h *Handler) writeFault(w http.ResponseWriter, mode string) {
	on, err := h.storage.Fault(mode)
	if err != nil {
		writeFaultError(w, err, mode)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(fault.Status{Mode: fault.Mode(mode), Enabled: on}); err != nil {
		log.Error().Err(err).Msg("Failed to encode fault status")
	}
}

func writeFaultError(w http.ResponseWriter, err error, mode string) {
	if errors.Is(err, storage.ErrUnknownFault) {
		WriteErrorWithResource(w, ErrNoSuchFault, fault.AdminPath+mode)
		return
	}
	log.Error().Err(err).Str("mode", mode).Msg("Fault switch failed")
	WriteError(w, ErrInternalError)
}

// GetFault handles GET /_admin/faults/{mode}.
func (h *Handler) GetFault(w http.ResponseWriter, r *http.Request) {
	h.writeFault(w, chi.URLParam(r, "mode"))
}

// PutFault handles PUT /_admin/faults/{mode}.
func (h *Handler) PutFault(w http.ResponseWriter, r *http.Request) {
	mode := chi.URLParam(r, "mode")
	if err := h.storage.SetFault(mode, true); err != nil {
		writeFaultError(w, err, mode)
		return
	}
	h.writeFault(w, mode)
}

// DeleteFault handles DELETE /_admin/faults/{mode}.
func (h *Handler) DeleteFault(w http.ResponseWriter, r *http.Request) {
	mode := chi.URLParam(r, "mode")
	if err := h.storage.SetFault(mode, false); err != nil {
		writeFaultError(w, err, mode)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
