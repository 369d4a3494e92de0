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
	"embed"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lsst-sqre/nublado/pkg/config"
	"github.com/lsst-sqre/nublado/pkg/imageservice"
)

//go:embed templates/form.html
var formFS embed.FS

var formTemplate = template.Must(template.ParseFS(formFS, "templates/form.html"))

type formSize struct {
	Name   string
	CPU    string
	Memory string
}

type formData struct {
	Username string
	Menu     []imageservice.MenuEntry
	Dropdown []imageservice.MenuEntry
	Sizes    []formSize
	Sentinel string
}

// handleForm renders the spawner form the hub embeds: the prepulled
// image list, the full dropdown, and the size choices.
func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	data := formData{
		Username: chi.URLParam(r, "username"),
		Menu:     s.images.Menu(),
		Dropdown: s.images.Dropdown(),
		Sizes:    formSizes(s.cfg.Lab.Sizes),
		Sentinel: imageDropdownSentinel,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := formTemplate.Execute(w, data); err != nil {
		s.logger.Error(err, "failed to render form", "user", data.Username)
	}
}

func formSizes(sizes []config.LabSize) []formSize {
	out := make([]formSize, 0, len(sizes))
	for _, size := range sizes {
		out = append(out, formSize{
			Name:   size.Name,
			CPU:    size.CPU.String(),
			Memory: size.Memory.String(),
		})
	}
	return out
}
