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

// Package imageservice maintains the authoritative image collection for
// the configured source, refreshed on a timer and published by pointer
// swap so readers never block the refresher.
package imageservice

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/lsst-sqre/nublado/pkg/config"
	"github.com/lsst-sqre/nublado/pkg/kube"
	"github.com/lsst-sqre/nublado/pkg/rspimage"
	"github.com/lsst-sqre/nublado/pkg/rsptag"
	"github.com/lsst-sqre/nublado/pkg/slackalert"
	"github.com/lsst-sqre/nublado/pkg/source"
)

// Service is the image service. All read methods operate on the most
// recently published collection.
type Service struct {
	cfg     *config.Config
	source  source.Source
	kube    *kube.Client
	alerter *slackalert.Alerter
	policy  *rsptag.FilterPolicy
	clock   clock.WithTicker
	logger  logr.Logger

	collection atomic.Pointer[rspimage.Collection]

	// prepulled records digest-on-node facts learned from completed
	// prepulls since the last refresh. The published collection is never
	// mutated after the swap, so readers fold this overlay in.
	mu          sync.Mutex
	lastRefresh time.Time
	nodeNames   []string
	prepulled   map[string]sets.Set[string]
}

// New wires the image service. The collection is empty until the first
// refresh.
func New(cfg *config.Config, src source.Source, kubeClient *kube.Client, alerter *slackalert.Alerter, clk clock.WithTicker, logger logr.Logger) (*Service, error) {
	policy, err := cfg.Images.FilterPolicy()
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:       cfg,
		source:    src,
		kube:      kubeClient,
		alerter:   alerter,
		policy:    policy,
		clock:     clk,
		logger:    logger,
		prepulled: map[string]sets.Set[string]{},
	}
	s.collection.Store(rspimage.New(nil))
	return s, nil
}

// Collection returns the current published collection.
func (s *Service) Collection() *rspimage.Collection {
	return s.collection.Load()
}

// LastRefresh reports when the collection was last rebuilt, zero before
// the first refresh.
func (s *Service) LastRefresh() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRefresh
}

// Run refreshes immediately and then on every tick until the context is
// done. Refresh failures are logged and alerted; the previous collection
// stays published.
func (s *Service) Run(ctx context.Context) error {
	s.refreshOnce(ctx)
	ticker := s.clock.NewTicker(s.cfg.Images.RefreshInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			s.refreshOnce(ctx)
		}
	}
}

func (s *Service) refreshOnce(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		s.logger.Error(err, "image refresh failed")
		s.alerter.Error(err)
	}
}

// Refresh rebuilds the collection from the remote source and the node
// inventory, then publishes it atomically.
func (s *Service) Refresh(ctx context.Context) error {
	listings, err := s.source.Enumerate(ctx)
	if err != nil {
		return err
	}
	nodes, err := s.kube.ListNodes(ctx)
	if err != nil {
		return err
	}

	aliases := sets.New(s.cfg.Images.AliasTags...)
	aliases.Insert(s.cfg.Images.RecommendedTag)

	var images []*rspimage.Image
	for _, listing := range listings {
		for _, tagName := range rsptag.DeduplicateArch(listing.Tags) {
			var tag rsptag.ImageTag
			if aliases.Has(tagName) {
				tag = rsptag.Alias(tagName)
			} else {
				tag = rsptag.Parse(tagName)
			}
			img := rspimage.NewImage(s.source.Registry(), s.source.Repository(), tag, listing.Digest)
			img.Size = listing.Size
			images = append(images, img)
		}
	}
	images = s.applyPolicy(images)

	collection := rspimage.New(images)
	markNodeImages(collection, nodes)

	// The prepulled-everywhere denominator is the set of nodes the
	// prepuller can actually reach.
	names := make([]string, 0, len(nodes))
	nodeSet := sets.New[string]()
	for _, node := range nodes {
		nodeSet.Insert(node.Name)
		if ok, _ := kube.NodeEligible(&node, s.cfg.Prepuller.Tolerations); ok {
			names = append(names, node.Name)
		}
	}

	s.mu.Lock()
	s.foldPrepulled(collection, nodeSet)
	s.collection.Store(collection)
	s.lastRefresh = s.clock.Now()
	s.nodeNames = names
	s.mu.Unlock()
	s.logger.Info("image collection refreshed", "images", collection.Len(), "nodes", len(nodes))
	return nil
}

// foldPrepulled merges prepull results into a freshly built collection
// before it is published, dropping entries the node inventory now
// confirms or that refer to vanished digests and nodes. Callers hold mu.
func (s *Service) foldPrepulled(collection *rspimage.Collection, nodes sets.Set[string]) {
	for digest, marked := range s.prepulled {
		img := collection.ImageForDigest(digest)
		if img == nil {
			delete(s.prepulled, digest)
			continue
		}
		for node := range marked {
			if !nodes.Has(node) || img.Nodes.Has(node) {
				marked.Delete(node)
				continue
			}
			collection.MarkImageSeenOnNode(digest, node, nil)
		}
		if marked.Len() == 0 {
			delete(s.prepulled, digest)
		}
	}
}

// ImageOnNode reports whether the digest is cached on the node, counting
// prepulls completed since the last refresh.
func (s *Service) ImageOnNode(img *rspimage.Image, node string) bool {
	if img.Nodes.Has(node) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepulled[img.Digest].Has(node)
}

// PrepulledOn reports whether the image is cached on every listed node.
func (s *Service) PrepulledOn(img *rspimage.Image, nodes []string) bool {
	for _, node := range nodes {
		if !s.ImageOnNode(img, node) {
			return false
		}
	}
	return true
}

// applyPolicy drops images excluded by the configured filter. Aliases
// are never filtered.
func (s *Service) applyPolicy(images []*rspimage.Image) []*rspimage.Image {
	if s.policy == nil {
		return images
	}
	tags := make([]rsptag.ImageTag, 0, len(images))
	for _, img := range images {
		if img.Type != rsptag.TypeAlias {
			tags = append(tags, img.ImageTag)
		}
	}
	keep := sets.New[string]()
	for _, tag := range s.policy.Apply(tags, s.clock.Now()) {
		keep.Insert(tag.Tag)
	}
	kept := images[:0]
	for _, img := range images {
		if img.Type == rsptag.TypeAlias || keep.Has(img.Tag) {
			kept = append(kept, img)
		}
	}
	return kept
}

// markNodeImages records which nodes already cache which digests, using
// the image lists in node status.
func markNodeImages(collection *rspimage.Collection, nodes []corev1.Node) {
	for _, node := range nodes {
		for _, cached := range node.Status.Images {
			size := cached.SizeBytes
			for _, ref := range cached.Names {
				digest, ok := digestOf(ref)
				if !ok || collection.ImageForDigest(digest) == nil {
					continue
				}
				var sizePtr *int64
				if size > 0 {
					sizePtr = &size
				}
				collection.MarkImageSeenOnNode(digest, node.Name, sizePtr)
			}
		}
	}
}

// digestOf extracts the digest from a node-status image name like
// repo@sha256:abcd.
func digestOf(ref string) (string, bool) {
	i := strings.Index(ref, "@")
	if i < 0 {
		return "", false
	}
	return ref[i+1:], true
}
