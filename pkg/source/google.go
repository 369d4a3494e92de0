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

package source

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/google"

	"github.com/lsst-sqre/nublado/pkg/apierror"
	"github.com/lsst-sqre/nublado/pkg/config"
)

// googleSource lists a Google Artifact Registry repository. The GCR-style
// listing extension returns every digest with its tags and size in a
// single call.
type googleSource struct {
	cfg  config.SourceConfig
	repo name.Repository

	list func(ctx context.Context, repo name.Repository) (*google.Tags, error)
}

func newGoogleSource(cfg config.SourceConfig) (*googleSource, error) {
	repo, err := name.NewRepository(cfg.Registry + "/" + cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("bad repository %s/%s: %w", cfg.Registry, cfg.Repository, err)
	}
	s := &googleSource{cfg: cfg, repo: repo}
	s.list = func(ctx context.Context, repo name.Repository) (*google.Tags, error) {
		return google.List(repo,
			google.WithContext(ctx),
			google.WithAuthFromKeychain(google.Keychain))
	}
	return s, nil
}

func (s *googleSource) Registry() string   { return s.cfg.Registry }
func (s *googleSource) Repository() string { return s.cfg.Repository }

func (s *googleSource) Enumerate(ctx context.Context) ([]Listing, error) {
	tags, err := s.list(ctx, s.repo)
	if err != nil {
		return nil, apierror.NewUpstream("google artifact registry", fmt.Errorf("list repository: %w", err))
	}

	listings := make([]Listing, 0, len(tags.Manifests))
	for digest, manifest := range tags.Manifests {
		if len(manifest.Tags) == 0 {
			continue
		}
		listing := Listing{Digest: digest, Tags: manifest.Tags}
		if manifest.Size > 0 {
			size := int64(manifest.Size)
			listing.Size = &size
		}
		listings = append(listings, listing)
	}
	return listings, nil
}
