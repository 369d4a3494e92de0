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

package web

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/lsst-sqre/nublado/pkg/apierror"
)

// Identity headers set by the ingress after Gafaelfawr authentication.
const (
	headerUser  = "X-Auth-Request-User"
	headerToken = "X-Auth-Request-Token"
)

// adminScope is the token scope required on the administrative routes.
const adminScope = "admin:jupyterlab"

// requireAuth insists on the identity headers.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerUser) == "" || r.Header.Get(headerToken) == "" {
			s.writeError(w, apierror.NewInvalidToken())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireUser additionally insists that the path user is the
// authenticated user.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return s.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username := chi.URLParam(r, "username")
		if username != r.Header.Get(headerUser) {
			s.writeError(w, apierror.NewPermissionDenied(username))
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// requireAdmin insists on a token carrying the admin scope.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return s.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := s.gafaelfawr.TokenInfo(r.Context(), r.Header.Get(headerToken))
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !slices.Contains(info.Scopes, adminScope) {
			s.writeError(w, apierror.NewPermissionDenied(r.Header.Get(headerUser)))
			return
		}
		next.ServeHTTP(w, r)
	}))
}
