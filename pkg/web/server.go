// Copyright 2025 The Nublado Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package web is the HTTP edge: routing, identity-header validation, the
// spawn form, and the SSE progress adapter. It holds no lab logic.
package web

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"

	"github.com/lsst-sqre/nublado/pkg/apierror"
	"github.com/lsst-sqre/nublado/pkg/config"
	"github.com/lsst-sqre/nublado/pkg/gafaelfawr"
	"github.com/lsst-sqre/nublado/pkg/imageservice"
	"github.com/lsst-sqre/nublado/pkg/lab"
	"github.com/lsst-sqre/nublado/pkg/prepuller"
)

// Server routes the controller's HTTP surface.
type Server struct {
	cfg        *config.Config
	manager    *lab.Manager
	images     *imageservice.Service
	prepuller  *prepuller.Prepuller
	gafaelfawr *gafaelfawr.Client
	logger     logr.Logger
	router     chi.Router
}

// New builds the server and its routes.
func New(cfg *config.Config, manager *lab.Manager, images *imageservice.Service, prepull *prepuller.Prepuller, gafaelfawrClient *gafaelfawr.Client, logger logr.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		manager:    manager,
		images:     images,
		prepuller:  prepull,
		gafaelfawr: gafaelfawrClient,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Route("/spawner/v1", func(r chi.Router) {
		r.With(s.requireUser).Get("/lab-form/{username}", s.handleForm)
		r.With(s.requireUser).Post("/labs/{username}/create", s.handleCreate)
		r.With(s.requireUser).Get("/labs/{username}/events", s.handleEvents)
		r.With(s.requireAuth).Get("/user-status", s.handleUserStatus)

		r.With(s.requireAdmin).Get("/labs", s.handleList)
		r.With(s.requireAdmin).Get("/labs/{username}", s.handleGetLab)
		r.With(s.requireAdmin).Delete("/labs/{username}", s.handleDelete)
		r.With(s.requireAdmin).Get("/images", s.handleImages)
		r.With(s.requireAdmin).Get("/prepulls", s.handlePrepulls)
	})
	s.router = r
	return s
}

// Handler returns the router, for mounting under the path prefix.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.ListUsers())
}

func (s *Server) handleGetLab(w http.ResponseWriter, r *http.Request) {
	state, err := s.manager.GetState(chi.URLParam(r, "username"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.manager.GetState(r.Header.Get(headerUser))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), chi.URLParam(r, "username")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.images.Dropdown())
}

func (s *Server) handlePrepulls(w http.ResponseWriter, r *http.Request) {
	status, err := s.prepuller.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	token := r.Header.Get(headerToken)

	user, err := s.gafaelfawr.UserInfo(r.Context(), token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if user.Username != username {
		s.writeError(w, apierror.NewPermissionDenied(username))
		return
	}

	req, err := parseSpawnRequest(r.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.manager.Create(r.Context(), lab.CreateRequest{
		User:    user,
		Token:   token,
		Options: req.Options,
		Env:     req.Env,
	}); err != nil {
		s.writeError(w, err)
		return
	}

	location := strings.TrimRight(s.cfg.BaseURL, "/") + s.cfg.PathPrefix + "/spawner/v1/labs/" + username
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusCreated)
}

type errorDetail struct {
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

type errorBody struct {
	Detail []errorDetail `json:"detail"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apierror.StatusOf(err)
	if status >= 500 {
		s.logger.Error(err, "request failed")
	}
	s.writeJSON(w, status, errorBody{
		Detail: []errorDetail{{Msg: err.Error(), Type: apierror.CodeOf(err)}},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error(err, "failed to write response")
	}
}
