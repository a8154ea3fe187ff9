package handlers

import (
	"encoding/json"
	"net/http"

	"solary/internal/service"
)

type casierView struct {
	Index     int    `json:"index"`
	Available bool   `json:"available"`
	Statut    string `json:"statut"`
}

// NewHealthHandler returns GET /health.
func NewHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// NewListCasiersHandler returns GET /casiers.
func NewListCasiersHandler(coord *service.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records := coord.Records()
		views := make([]casierView, 0, len(records))
		for _, rec := range records {
			views = append(views, casierView{
				Index:     rec.Index,
				Available: rec.Status.Available(),
				Statut:    string(rec.Status),
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"casiers": views})
	}
}

// NewReserveHandler returns POST /casiers/{index}/reserve.
func NewReserveHandler(coord *service.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := casierIndex(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "index invalide")
			return
		}
		if !coord.Reserve(r.Context(), index) {
			writeError(w, http.StatusConflict, "casier indisponible")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// NewUnlockHandler returns POST /casiers/{index}/unlock. Every failure
// surfaces as the same generic message, whatever validation path was
// consulted.
func NewUnlockHandler(coord *service.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := casierIndex(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "index invalide")
			return
		}

		var body struct {
			Code string `json:"code"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "requete invalide")
			return
		}

		if !coord.VerifyAndUnlock(r.Context(), index, body.Code) {
			writeError(w, http.StatusForbidden, "code incorrect")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// NewReleaseHandler returns POST /casiers/{index}/release, the operator
// surface for freeing a casier without a code.
func NewReleaseHandler(coord *service.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := casierIndex(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "index invalide")
			return
		}
		if !coord.Release(r.Context(), index) {
			writeError(w, http.StatusNotFound, "casier inconnu")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// NewSyncHandler returns POST /sync, forcing an immediate reconciliation.
func NewSyncHandler(coord *service.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": coord.Reconcile(r.Context())})
	}
}
