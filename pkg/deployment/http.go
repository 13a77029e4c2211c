// Copyright Shipswitch Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"). You may
// not use this file except in compliance with the License. A copy of the
// License is located at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// or in the "license" file accompanying this file. This file is distributed
// on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either
// express or implied. See the License for the specific language governing
// permissions and limitations under the License.

package deployment

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shipswitch/shipswitch/pkg/config"
	"github.com/shipswitch/shipswitch/pkg/revision"
)

// maxDocumentBytes bounds an uploaded deployment document.
const maxDocumentBytes = 1 << 20

// API is the operations and introspection endpoint of the daemon.
type API struct {
	controller *Controller
	store      *Store
	cfg        *config.Config
}

// NewAPI wires the ops endpoint over a controller and its store.
func NewAPI(controller *Controller, store *Store, cfg *config.Config) *API {
	return &API{controller: controller, store: store, cfg: cfg}
}

// SetupServer builds the ops HTTP server without starting it.
func (a *API) SetupServer(port int) *http.Server {
	serveMux := http.NewServeMux()
	serveMux.HandleFunc("GET /{$}", jsonHandler(func() interface{} {
		return []string{"/v1/deployments", "/v1/deployments/current", "/v1/traffic", "/healthz", "/metrics"}
	}))
	serveMux.HandleFunc("POST /v1/deployments", a.submit)
	serveMux.HandleFunc("GET /v1/deployments", jsonHandler(func() interface{} {
		return a.store.List()
	}))
	serveMux.HandleFunc("GET /v1/deployments/current", a.current)
	serveMux.HandleFunc("GET /v1/deployments/{id}", a.get)
	serveMux.HandleFunc("DELETE /v1/deployments/{id}", a.abort)
	serveMux.HandleFunc("GET /v1/traffic", jsonHandler(func() interface{} {
		return a.controller.TrafficState()
	}))
	serveMux.HandleFunc("/healthz", a.healthz)
	serveMux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:           fmt.Sprintf(":%d", port),
		Handler:        serveMux,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}

func jsonHandler(fetcher func() interface{}) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, fetcher())
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	responseJSON, err := json.Marshal(body)
	if err != nil {
		log.Errorf("Failed to marshal response: %v", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(responseJSON)
}

type errorBody struct {
	Error string `json:"error"`
}

// submit accepts a deployment document override or, with an empty body, the
// daemon's configured document, builds a revision and starts an attempt.
func (a *API) submit(w http.ResponseWriter, r *http.Request) {
	cfg := a.cfg
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if len(raw) > 0 {
		override, err := config.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		cfg = override
	}

	rev, err := revision.New(cfg)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	attemptID, err := a.controller.Submit(r.Context(), rev)
	if err == ErrDeploymentInFlight {
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"attemptId": attemptID, "revisionId": rev.ID})
}

func (a *API) current(w http.ResponseWriter, r *http.Request) {
	attempt, ok := a.store.Current()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no attempts yet"})
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (a *API) get(w http.ResponseWriter, r *http.Request) {
	attempt, ok := a.store.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no such attempt"})
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (a *API) abort(w http.ResponseWriter, r *http.Request) {
	err := a.controller.Abort(r.Context(), r.PathValue("id"))
	if err == ErrAttemptNotFound {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"attemptId": r.PathValue("id")})
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
