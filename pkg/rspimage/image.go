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

// Package rspimage extends the tag model with registry coordinates and
// cluster state, and provides the alias-resolving image collection.
package rspimage

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/lsst-sqre/nublado/pkg/rsptag"
)

// Image is a single tagged image in a registry, together with what the
// controller knows about it cluster-side.
type Image struct {
	rsptag.ImageTag

	// Registry is the hostname (and optional port) of the image registry.
	Registry string

	// Repository is the path of the image within the registry.
	Repository string

	// Digest is the content-addressed manifest digest, including the
	// algorithm prefix.
	Digest string

	// Size is the image size in bytes as reported by node status, nil
	// when unknown.
	Size *int64

	// Aliases is the set of tag names known to point at this image. Only
	// a concrete image has aliases.
	Aliases sets.Set[string]

	// AliasTarget is the tag of the concrete image this alias resolves
	// to, empty for concrete images and for aliases whose target is not
	// yet known.
	AliasTarget string

	// Nodes is the set of node names on which the digest is known to be
	// cached.
	Nodes sets.Set[string]
}

// NewImage builds an image from its coordinates and parsed tag.
func NewImage(registry, repository string, tag rsptag.ImageTag, digest string) *Image {
	return &Image{
		ImageTag:   tag,
		Registry:   registry,
		Repository: repository,
		Digest:     digest,
		Aliases:    sets.New[string](),
		Nodes:      sets.New[string](),
	}
}

// Reference is the tag-qualified image reference.
func (i *Image) Reference() string {
	return fmt.Sprintf("%s/%s:%s", i.Registry, i.Repository, i.Tag)
}

// ReferenceWithDigest is the digest-pinned reference used for the lab pod
// and for prepulling, retaining the tag for readability.
func (i *Image) ReferenceWithDigest() string {
	return fmt.Sprintf("%s/%s:%s@%s", i.Registry, i.Repository, i.Tag, i.Digest)
}

// IsResolvedAlias reports whether the image is an alias whose concrete
// target is known.
func (i *Image) IsResolvedAlias() bool {
	return i.AliasTarget != ""
}

// PrepulledOn reports whether the digest is cached on every listed node.
func (i *Image) PrepulledOn(nodes []string) bool {
	for _, node := range nodes {
		if !i.Nodes.Has(node) {
			return false
		}
	}
	return true
}
