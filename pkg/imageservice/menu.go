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

package imageservice

import (
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/lsst-sqre/nublado/pkg/rspimage"
)

// MenuEntry is one spawnable image as shown on the form and in the
// images API.
type MenuEntry struct {
	Tag       string `json:"tag"`
	Name      string `json:"name"`
	Reference string `json:"reference"`
	Digest    string `json:"digest"`
	Prepulled bool   `json:"prepulled"`
	Default   bool   `json:"default"`
}

// Menu lists the prepulled images in display order, recommended first.
// These populate the form's radio list.
func (s *Service) Menu() []MenuEntry {
	return s.entries(s.prepullCollection().All(rspimage.AllOptions{HideAliased: true}))
}

// Dropdown lists every spawnable image, for the form's fallback
// dropdown and the images API.
func (s *Service) Dropdown() []MenuEntry {
	return s.entries(s.Collection().All(rspimage.AllOptions{HideResolvedAliases: true}))
}

func (s *Service) entries(images []*rspimage.Image) []MenuEntry {
	nodes := s.prepullNodeNames()
	cycle := s.cfg.Images.Cycle
	entries := make([]MenuEntry, 0, len(images))
	for _, img := range images {
		if cycle != nil && (img.Cycle == nil || *img.Cycle != *cycle) {
			continue
		}
		entries = append(entries, MenuEntry{
			Tag:       img.Tag,
			Name:      img.DisplayName,
			Reference: img.Reference(),
			Digest:    img.Digest,
			Prepulled: len(nodes) > 0 && s.PrepulledOn(img, nodes),
			Default:   img.Tag == s.cfg.Images.RecommendedTag || img.Aliases.Has(s.cfg.Images.RecommendedTag),
		})
	}
	return entries
}

// prepullCollection selects the images that should be prepulled: the
// newest of each counted category, the recommended tag, and the pins.
func (s *Service) prepullCollection() *rspimage.Collection {
	include := sets.New(s.cfg.Images.Pin...)
	include.Insert(s.cfg.Images.RecommendedTag)
	return s.Collection().Subset(rspimage.SubsetSpec{
		Releases: s.cfg.Images.NumReleases,
		Weeklies: s.cfg.Images.NumWeeklies,
		Dailies:  s.cfg.Images.NumDailies,
		Include:  include,
	})
}

// PrepullImages returns the digest-unique concrete images to prepull.
func (s *Service) PrepullImages() []*rspimage.Image {
	return s.prepullCollection().All(rspimage.AllOptions{
		HideResolvedAliases: true,
	})
}

// MarkPrepulled records a completed prepull in the overlay; the next
// refresh folds it into the published collection or confirms it from
// node status.
func (s *Service) MarkPrepulled(digest, node string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	marked := s.prepulled[digest]
	if marked == nil {
		marked = sets.New[string]()
		s.prepulled[digest] = marked
	}
	marked.Insert(node)
}

// prepullNodeNames is the eligible-node inventory captured by the last
// refresh; an image counts as prepulled only when present on all of
// them.
func (s *Service) prepullNodeNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeNames
}
