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
	"context"
	"sync"
	"testing"

	"github.com/go-logr/logr/testr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/clock"

	"github.com/lsst-sqre/nublado/pkg/apierror"
	"github.com/lsst-sqre/nublado/pkg/config"
	"github.com/lsst-sqre/nublado/pkg/kube"
	"github.com/lsst-sqre/nublado/pkg/slackalert"
	"github.com/lsst-sqre/nublado/pkg/source"
)

type stubSource struct {
	listings []source.Listing
}

func (s stubSource) Enumerate(context.Context) ([]source.Listing, error) { return s.listings, nil }
func (s stubSource) Registry() string                                    { return "registry.hub.docker.com" }
func (s stubSource) Repository() string                                  { return "lsstsqre/sciplat-lab" }

func testListings() []source.Listing {
	return []source.Listing{
		{Digest: "sha256:aaaa", Tags: []string{"w_2077_43", "recommended"}},
		{Digest: "sha256:bbbb", Tags: []string{"w_2077_42"}},
		{Digest: "sha256:cccc", Tags: []string{"d_2077_10_23", "d_2077_10_23-amd64"}},
		{Digest: "sha256:dddd", Tags: []string{"r26_0_0"}},
	}
}

func testNode(name string, digests ...string) *corev1.Node {
	node := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: name}}
	for _, digest := range digests {
		node.Status.Images = append(node.Status.Images, corev1.ContainerImage{
			Names:     []string{"lsstsqre/sciplat-lab@" + digest},
			SizeBytes: 4096,
		})
	}
	return node
}

func testService(t *testing.T, src source.Source, nodes ...*corev1.Node) *Service {
	t.Helper()
	logger := testr.New(t)
	clientset := fake.NewSimpleClientset()
	for _, node := range nodes {
		if _, err := clientset.CoreV1().Nodes().Create(context.Background(), node, metav1.CreateOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	cfg := &config.Config{
		Images: config.ImagesConfig{
			RecommendedTag: "recommended",
			NumReleases:    1,
			NumWeeklies:    2,
			NumDailies:     3,
		},
	}
	s, err := New(cfg, src, kube.New(clientset, logger), slackalert.New("", logger), clock.RealClock{}, logger)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRefreshBuildsCollection(t *testing.T) {
	s := testService(t, stubSource{listings: testListings()},
		testNode("node1", "sha256:aaaa"),
		testNode("node2"),
	)
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	c := s.Collection()
	// Architecture-suffixed duplicate is dropped.
	if c.ImageForTagName("d_2077_10_23-amd64") != nil {
		t.Error("arch-suffixed tag survived deduplication")
	}
	if c.ImageForTagName("d_2077_10_23") == nil {
		t.Error("unsuffixed daily missing")
	}

	// The recommended alias resolved to its concrete weekly.
	recommended := c.ImageForTagName("recommended")
	if recommended == nil || !recommended.IsResolvedAlias() {
		t.Fatalf("recommended not a resolved alias: %+v", recommended)
	}
	if recommended.AliasTarget != "w_2077_43" {
		t.Errorf("alias target: got %q", recommended.AliasTarget)
	}

	// Node presence from node status.
	weekly := c.ImageForTagName("w_2077_43")
	if !weekly.Nodes.Has("node1") || weekly.Nodes.Has("node2") {
		t.Errorf("node presence: %v", weekly.Nodes.UnsortedList())
	}
	if weekly.Size == nil || *weekly.Size != 4096 {
		t.Errorf("size from node status: %v", weekly.Size)
	}
}

func TestResolve(t *testing.T) {
	s := testService(t, stubSource{listings: testListings()})
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	img, err := s.ResolveClass(ClassRecommended)
	if err != nil {
		t.Fatalf("resolve recommended: %v", err)
	}
	// Spawning the recommended class pins the concrete image.
	if img.Tag != "w_2077_43" || img.Digest != "sha256:aaaa" {
		t.Errorf("recommended resolved to %s@%s", img.Tag, img.Digest)
	}

	img, err = s.ResolveClass(ClassLatestWeekly)
	if err != nil || img.Tag != "w_2077_43" {
		t.Errorf("latest weekly: %v, %v", img, err)
	}

	img, err = s.ResolveTagName("r26_0_0")
	if err != nil || img.Digest != "sha256:dddd" {
		t.Errorf("tag resolve: %v, %v", img, err)
	}

	img, err = s.ResolveReference("registry.hub.docker.com/lsstsqre/sciplat-lab:w_2077_42")
	if err != nil || img.Tag != "w_2077_42" {
		t.Errorf("reference resolve: %v, %v", img, err)
	}

	if _, err := s.ResolveReference("not a reference!"); apierror.StatusOf(err) != 422 {
		t.Errorf("bad reference: %v", err)
	}
	if _, err := s.ResolveTagName("w_1999_01"); apierror.StatusOf(err) != 422 {
		t.Errorf("unknown tag: %v", err)
	}
	if _, err := s.ResolveClass("latest-nightly"); apierror.StatusOf(err) != 422 {
		t.Errorf("unknown class: %v", err)
	}
}

func TestMenuAndPrepullSet(t *testing.T) {
	s := testService(t, stubSource{listings: testListings()}, testNode("node1", "sha256:aaaa", "sha256:bbbb", "sha256:cccc", "sha256:dddd"))
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	menu := s.Menu()
	if len(menu) == 0 {
		t.Fatal("empty menu")
	}
	// Alias order puts recommended first, and it is the default.
	if menu[0].Tag != "recommended" || !menu[0].Default {
		t.Errorf("first menu entry: %+v", menu[0])
	}
	for _, entry := range menu {
		if !entry.Prepulled {
			t.Errorf("menu entry %s not prepulled on the single node", entry.Tag)
		}
	}

	prepull := s.PrepullImages()
	digests := map[string]bool{}
	for _, img := range prepull {
		if digests[img.Digest] {
			t.Errorf("digest %s appears twice in the prepull set", img.Digest)
		}
		digests[img.Digest] = true
	}
	// 1 release + 2 weeklies + 1 daily; recommended shares the newest
	// weekly's digest.
	if len(prepull) != 4 {
		t.Errorf("prepull set size: got %d, want 4", len(prepull))
	}

	// The resolved alias is hidden; its concrete target carries the tag.
	dropdown := s.Dropdown()
	if len(dropdown) != 4 {
		t.Errorf("dropdown size: got %d, want 4", len(dropdown))
	}
}

func TestMarkPrepulled(t *testing.T) {
	s := testService(t, stubSource{listings: testListings()}, testNode("node1"))
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.MarkPrepulled("sha256:aaaa", "node1")

	// The published collection is immutable; the overlay carries the mark
	// for the concrete image and aliases sharing the digest.
	img := s.Collection().ImageForTagName("w_2077_43")
	if img.Nodes.Has("node1") {
		t.Error("mark prepulled mutated the published collection")
	}
	if !s.ImageOnNode(img, "node1") {
		t.Error("mark prepulled not visible through the overlay")
	}
	if !s.ImageOnNode(s.Collection().ImageForTagName("recommended"), "node1") {
		t.Error("alias missed the node update")
	}

	// The next refresh folds the overlay into the new collection.
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.Collection().ImageForTagName("w_2077_43").Nodes.Has("node1") {
		t.Error("refresh dropped the prepull mark")
	}
}

func TestMarkPrepulledConcurrentWithReads(t *testing.T) {
	s := testService(t, stubSource{listings: testListings()}, testNode("node1"), testNode("node2"))
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for _, digest := range []string{"sha256:aaaa", "sha256:bbbb", "sha256:cccc", "sha256:dddd"} {
		wg.Add(1)
		go func(digest string) {
			defer wg.Done()
			for _, node := range []string{"node1", "node2"} {
				s.MarkPrepulled(digest, node)
			}
		}(digest)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Dropdown()
			s.Menu()
		}()
	}
	wg.Wait()

	for _, entry := range s.Dropdown() {
		if !entry.Prepulled {
			t.Errorf("entry %s not prepulled after marks", entry.Tag)
		}
	}
}
