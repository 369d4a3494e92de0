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

// Package source enumerates tagged images from a remote registry. Two
// backends are provided: generic Docker Registry v2 and Google Artifact
// Registry, which reports all tags of a digest plus sizes in one call.
package source

import (
	"context"
	"fmt"

	"github.com/lsst-sqre/nublado/pkg/config"
)

// Listing is one digest in the remote repository with every tag pointing
// at it. Size is in bytes when the backend reports it.
type Listing struct {
	Digest string
	Tags   []string
	Size   *int64
}

// Source enumerates a remote repository.
type Source interface {
	// Enumerate lists every digest and its tags. The result order is
	// unspecified.
	Enumerate(ctx context.Context) ([]Listing, error)

	// Registry is the registry hostname images are spawned from.
	Registry() string

	// Repository is the image path within the registry.
	Repository() string
}

// New builds the configured source backend.
func New(cfg config.SourceConfig) (Source, error) {
	switch cfg.Type {
	case config.SourceDocker:
		return newDockerSource(cfg)
	case config.SourceGoogle:
		return newGoogleSource(cfg)
	default:
		return nil, fmt.Errorf("unknown image source type %q", cfg.Type)
	}
}
