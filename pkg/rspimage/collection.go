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

package rspimage

import (
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/lsst-sqre/nublado/pkg/rsptag"
)

// Collection indexes images by tag, digest, and type, maintaining the
// alias invariant: within the collection each digest has at most one
// concrete image, and every other tag sharing the digest is an alias
// pointing at it. Collections are not safe for concurrent mutation; the
// image service publishes them with an atomic pointer swap.
type Collection struct {
	byTag    map[string]*Image
	byDigest map[string][]*Image
	byType   map[rsptag.ImageType][]*Image
}

// New builds a collection from the given images.
func New(images []*Image) *Collection {
	c := &Collection{
		byTag:    make(map[string]*Image),
		byDigest: make(map[string][]*Image),
		byType:   make(map[rsptag.ImageType][]*Image),
	}
	for _, img := range images {
		c.Add(img)
	}
	return c
}

// Len returns the number of tags in the collection.
func (c *Collection) Len() int {
	return len(c.byTag)
}

// Add inserts an image and re-resolves aliasing among all images sharing
// its digest. Rather than mutating alias state incrementally, the whole
// digest group is re-derived from its (type, tag) pairs, which makes the
// operation idempotent and immune to alias cycles.
func (c *Collection) Add(img *Image) {
	if prev, ok := c.byTag[img.Tag]; ok {
		c.removeFromIndexes(prev)
		if prev.Digest != img.Digest {
			// The tag moved digests; its old group must resolve without it.
			c.resolveDigestGroup(prev.Digest)
		}
	}
	c.byTag[img.Tag] = img
	c.byDigest[img.Digest] = append(c.byDigest[img.Digest], img)
	c.byType[img.Type] = append(c.byType[img.Type], img)
	c.resolveDigestGroup(img.Digest)
}

func (c *Collection) removeFromIndexes(img *Image) {
	c.byDigest[img.Digest] = removeImage(c.byDigest[img.Digest], img)
	c.byType[img.Type] = removeImage(c.byType[img.Type], img)
}

func removeImage(images []*Image, img *Image) []*Image {
	for i, candidate := range images {
		if candidate == img {
			return append(images[:i], images[i+1:]...)
		}
	}
	return images
}

// resolveDigestGroup recomputes alias state for every image sharing a
// digest. The concrete image is the member with the best (lowest
// non-alias) type, newest first on ties; all other members become aliases
// of it. A group containing only alias-typed tags is the permitted
// transient state and carries no alias links. Node presence and size are
// shared across the group.
func (c *Collection) resolveDigestGroup(digest string) {
	group := c.byDigest[digest]
	concrete := pickConcrete(group)

	if concrete == nil {
		for _, img := range group {
			img.AliasTarget = ""
			img.Aliases = sets.New[string]()
		}
		return
	}

	nodes := sets.New[string]()
	var size *int64
	for _, img := range group {
		nodes = nodes.Union(img.Nodes)
		if size == nil {
			size = img.Size
		}
	}

	concrete.AliasTarget = ""
	concrete.Aliases = sets.New[string]()
	for _, img := range group {
		img.Nodes = nodes.Clone()
		if img.Size == nil {
			img.Size = size
		}
		if img == concrete {
			continue
		}
		concrete.Aliases.Insert(img.Tag)
		img.AliasTarget = concrete.Tag
		img.Aliases = sets.New[string]()
	}
}

func pickConcrete(group []*Image) *Image {
	var best *Image
	for _, img := range group {
		if img.Type == rsptag.TypeAlias {
			continue
		}
		if best == nil || img.Type < best.Type ||
			(img.Type == best.Type && img.Compare(best.ImageTag) > 0) {
			best = img
		}
	}
	return best
}

// AllOptions controls hiding in All.
type AllOptions struct {
	// HideResolvedAliases drops alias images whose concrete target is in
	// the collection; the concrete image carries their tag names.
	HideResolvedAliases bool

	// HideAliased drops concrete images that some alias points at, so a
	// listing shows each image once under its alias name.
	HideAliased bool
}

// All enumerates the images sorted by type (aliases first) and newest
// first within each type.
func (c *Collection) All(opts AllOptions) []*Image {
	var images []*Image
	for t := rsptag.TypeAlias; t <= rsptag.TypeUnknown; t++ {
		bucket := make([]*Image, len(c.byType[t]))
		copy(bucket, c.byType[t])
		sort.SliceStable(bucket, func(i, j int) bool {
			return bucket[i].Compare(bucket[j].ImageTag) > 0
		})
		for _, img := range bucket {
			if opts.HideResolvedAliases && img.IsResolvedAlias() {
				continue
			}
			if opts.HideAliased && img.Aliases.Len() > 0 {
				continue
			}
			images = append(images, img)
		}
	}
	return images
}

// ImageForTagName looks an image up by its tag, returning nil when
// absent.
func (c *Collection) ImageForTagName(tag string) *Image {
	return c.byTag[tag]
}

// ImageForDigest looks an image up by digest, always preferring the
// concrete image over aliases with the same digest.
func (c *Collection) ImageForDigest(digest string) *Image {
	group := c.byDigest[digest]
	if len(group) == 0 {
		return nil
	}
	if concrete := pickConcrete(group); concrete != nil {
		return concrete
	}
	return group[0]
}

// Latest returns the newest image of the given type, or nil.
func (c *Collection) Latest(imageType rsptag.ImageType) *Image {
	var best *Image
	for _, img := range c.byType[imageType] {
		if best == nil || img.Compare(best.ImageTag) > 0 {
			best = img
		}
	}
	return best
}

// SubsetSpec selects images for a derived collection.
type SubsetSpec struct {
	Releases int
	Weeklies int
	Dailies  int

	// Include names tags to carry over regardless of the counts. An
	// included alias brings its concrete target along.
	Include sets.Set[string]
}

// Subset builds a new collection containing the newest images of each
// counted type plus every included tag.
func (c *Collection) Subset(spec SubsetSpec) *Collection {
	var chosen []*Image
	pick := func(t rsptag.ImageType, n int) {
		bucket := make([]*Image, len(c.byType[t]))
		copy(bucket, c.byType[t])
		sort.SliceStable(bucket, func(i, j int) bool {
			return bucket[i].Compare(bucket[j].ImageTag) > 0
		})
		if len(bucket) > n {
			bucket = bucket[:n]
		}
		chosen = append(chosen, bucket...)
	}
	pick(rsptag.TypeRelease, spec.Releases)
	pick(rsptag.TypeWeekly, spec.Weeklies)
	pick(rsptag.TypeDaily, spec.Dailies)

	for tag := range spec.Include {
		img := c.byTag[tag]
		if img == nil {
			continue
		}
		chosen = append(chosen, img)
		if img.IsResolvedAlias() {
			if target := c.byTag[img.AliasTarget]; target != nil {
				chosen = append(chosen, target)
			}
		}
	}

	subset := New(nil)
	for _, img := range chosen {
		copied := *img
		copied.Aliases = img.Aliases.Clone()
		copied.Nodes = img.Nodes.Clone()
		subset.Add(&copied)
	}
	return subset
}

// Subtract returns one image per digest present in the collection but not
// in other, preferring the concrete image for each digest.
func (c *Collection) Subtract(other *Collection) []*Image {
	digests := make([]string, 0, len(c.byDigest))
	for digest := range c.byDigest {
		if len(other.byDigest[digest]) == 0 {
			digests = append(digests, digest)
		}
	}
	sort.Strings(digests)
	images := make([]*Image, 0, len(digests))
	for _, digest := range digests {
		images = append(images, c.ImageForDigest(digest))
	}
	return images
}

// MarkImageSeenOnNode records that a digest is cached on a node, updating
// the concrete image and every alias pointing at it. The size, when
// given, is recorded if not yet known.
func (c *Collection) MarkImageSeenOnNode(digest, node string, size *int64) {
	for _, img := range c.byDigest[digest] {
		img.Nodes.Insert(node)
		if img.Size == nil && size != nil {
			img.Size = size
		}
	}
}
