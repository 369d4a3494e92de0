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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// sseHeartbeat is how long an event stream may sit idle before a comment
// line is written to keep intermediate proxies from closing it.
const sseHeartbeat = 30 * time.Second

// handleEvents streams the user's progress log as server-sent events.
// The full history replays first, then live events, ending after the
// terminal event. A disconnecting client just drops its cursor.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	cursor, err := s.manager.Events(chi.URLParam(r, "username"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, fmt.Errorf("streaming unsupported by connection"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		waitCtx, cancel := context.WithTimeout(r.Context(), sseHeartbeat)
		event, ok := cursor.Next(waitCtx)
		cancel()
		if !ok {
			if r.Context().Err() != nil {
				return
			}
			// Idle stream; the heartbeat expired before an event arrived.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		}
		data, err := json.Marshal(event)
		if err != nil {
			s.logger.Error(err, "failed to encode event")
			return
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data); err != nil {
			return
		}
		flusher.Flush()
		if event.Terminal() {
			return
		}
	}
}
