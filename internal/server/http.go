package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/labsync/labsync/internal/core/collab"
	"github.com/labsync/labsync/internal/core/observability/log"
	"github.com/labsync/labsync/internal/storage"
)

// API is the request/response persistence surface the edit sessions write
// through. It never emits broadcast events: emitting the ChangeEvent after a
// successful write is the committing client's job.
type API struct {
	store    storage.RecordStore
	verifier *TokenVerifier
	logger   log.Log
}

func NewAPI(store storage.RecordStore, verifier *TokenVerifier, logger log.Log) *API {
	return &API{
		store:    store,
		verifier: verifier,
		logger:   logger.With(log.String("component", "api")),
	}
}

// NewRouter wires the websocket hub and the REST surface onto one listener.
func NewRouter(hub *Hub, api *API) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", hub.HandleWS)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"status":"ok"}`)
	}).Methods(http.MethodGet)

	s := r.PathPrefix("/api").Subrouter()
	s.Use(api.requireToken)
	s.HandleFunc("/records", api.listRecords).Methods(http.MethodGet)
	s.HandleFunc("/records/{id:[0-9]+}", api.getRecord).Methods(http.MethodGet)
	s.HandleFunc("/records/{id:[0-9]+}", api.patchRecord).Methods(http.MethodPatch)
	s.HandleFunc("/options", api.getOptions).Methods(http.MethodGet)
	return r
}

// requireToken gates the REST surface with the same room token the hub
// accepts.
func (a *API) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if _, err := a.verifier.Verify(token); err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// listRecords returns the full dataset keyed by record id; pages prime their
// caches from it on mount.
func (a *API) listRecords(w http.ResponseWriter, r *http.Request) {
	records, err := a.store.List(r.Context())
	if err != nil {
		a.logger.Error("record list failed", log.Error(err))
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, records)
}

func (a *API) getRecord(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	rec, err := a.store.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, ErrRecordNotFound)
		return
	}
	if err != nil {
		a.logger.Error("record read failed", log.Int64("record_id", int64(id)), log.Error(err))
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, rec)
}

// patchRecord applies one field write. The body is the field map the session
// built: the edited field plus any derived fields. The response is the
// updated record snapshot; clients treat absent keys as "unchanged".
func (a *API) patchRecord(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	var fields collab.Record
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		a.writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode field patch"))
		return
	}
	if len(fields) == 0 {
		a.writeError(w, http.StatusBadRequest, errors.New("empty field patch"))
		return
	}

	rec, err := a.store.UpdateFields(r.Context(), id, fields)
	if errors.Is(err, storage.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, ErrRecordNotFound)
		return
	}
	if err != nil {
		a.logger.Error("field write failed", log.Int64("record_id", int64(id)), log.Error(err))
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, rec)
}

func (a *API) getOptions(w http.ResponseWriter, r *http.Request) {
	department := r.URL.Query().Get("department")
	opts, err := a.store.Options(r.Context(), department)
	if err != nil {
		a.logger.Error("options lookup failed", log.String("department", department), log.Error(err))
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if opts == nil {
		opts = []collab.Option{}
	}
	a.writeJSON(w, http.StatusOK, opts)
}

func recordID(r *http.Request) (collab.RecordID, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "record id %q", raw)
	}
	return collab.RecordID(id), nil
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("response encode failed", log.Error(err))
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
