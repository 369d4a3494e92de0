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
	"os"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/lsst-sqre/nublado/pkg/apierror"
	"github.com/lsst-sqre/nublado/pkg/config"
)

// dockerSource lists a Docker Registry v2 repository. The v2 API has no
// bulk tag-to-digest listing, so each tag costs one manifest HEAD.
type dockerSource struct {
	cfg  config.SourceConfig
	repo name.Repository

	// listTags and headManifest wrap go-containerregistry for tests.
	listTags     func(ctx context.Context, repo name.Repository) ([]string, error)
	headManifest func(ctx context.Context, ref name.Reference) (string, error)
}

func newDockerSource(cfg config.SourceConfig) (*dockerSource, error) {
	repo, err := name.NewRepository(cfg.Registry + "/" + cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("bad repository %s/%s: %w", cfg.Registry, cfg.Repository, err)
	}
	if cfg.CredentialsPath != "" {
		// go-containerregistry's default keychain reads the Docker config
		// from DOCKER_CONFIG's config.json.
		if err := os.Setenv("DOCKER_CONFIG", cfg.CredentialsPath); err != nil {
			return nil, fmt.Errorf("set DOCKER_CONFIG: %w", err)
		}
	}
	s := &dockerSource{cfg: cfg, repo: repo}
	s.listTags = func(ctx context.Context, repo name.Repository) ([]string, error) {
		return remote.List(repo, remoteOptions(ctx)...)
	}
	s.headManifest = func(ctx context.Context, ref name.Reference) (string, error) {
		desc, err := remote.Head(ref, remoteOptions(ctx)...)
		if err != nil {
			return "", err
		}
		return desc.Digest.String(), nil
	}
	return s, nil
}

func remoteOptions(ctx context.Context) []remote.Option {
	return []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	}
}

func (s *dockerSource) Registry() string   { return s.cfg.Registry }
func (s *dockerSource) Repository() string { return s.cfg.Repository }

func (s *dockerSource) Enumerate(ctx context.Context) ([]Listing, error) {
	tags, err := s.listTags(ctx, s.repo)
	if err != nil {
		return nil, apierror.NewUpstream("docker registry", fmt.Errorf("list tags: %w", err))
	}

	byDigest := make(map[string][]string)
	for _, tag := range tags {
		digest, err := s.headManifest(ctx, s.repo.Tag(tag))
		if err != nil {
			return nil, apierror.NewUpstream("docker registry",
				fmt.Errorf("resolve digest for tag %s: %w", tag, err))
		}
		byDigest[digest] = append(byDigest[digest], tag)
	}

	listings := make([]Listing, 0, len(byDigest))
	for digest, tags := range byDigest {
		listings = append(listings, Listing{Digest: digest, Tags: tags})
	}
	return listings, nil
}
