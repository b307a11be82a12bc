// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rpc realizes the profile(duration_ms) -> report RPC surface as
// an HTTP endpoint, since this module authors no protoc-generated gRPC
// service.
package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/julienschmidt/httprouter"

	"github.com/iteratorlee/samprof/pkg/report"
)

// ReportBuilder produces a report covering the session that started at
// call time and ran for d. Implementations are expected to apply any
// configured pruning before returning.
type ReportBuilder func(ctx context.Context, d time.Duration) (report.Report, error)

// Server exposes POST /v1/profile over httprouter.
type Server struct {
	logger  log.Logger
	build   ReportBuilder
	router  *httprouter.Router
	running atomic.Bool
}

// NewServer builds a Server; only one /v1/profile request is ever allowed
// in flight, rejecting overlap the way a single sampling session would.
func NewServer(logger log.Logger, build ReportBuilder) *Server {
	s := &Server{logger: logger, build: build}
	s.router = httprouter.New()
	s.router.POST("/v1/profile", s.handleProfile)
	return s
}

// Handler returns the http.Handler to mount.
func (s *Server) Handler() http.Handler { return s.router }

type profileRequest struct {
	DurationMs int64 `json:"duration_ms"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "cancelled")
		return
	}

	if req.DurationMs <= 0 {
		writeError(w, http.StatusBadRequest, "cancelled")
		return
	}

	if !s.running.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "session_in_progress")
		return
	}
	defer s.running.Store(false)

	rep, err := s.build(r.Context(), time.Duration(req.DurationMs)*time.Millisecond)
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to build profiling report", "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	data, err := report.Encode(rep)
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to encode profiling report", "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.samprof.report")
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: msg}) //nolint:errcheck
}
