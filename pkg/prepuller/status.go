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

package prepuller

import (
	"context"
	"sort"

	"github.com/lsst-sqre/nublado/pkg/kube"
)

// ImageStatus is one prepull target's node coverage.
type ImageStatus struct {
	Reference string   `json:"reference"`
	Tag       string   `json:"tag"`
	Name      string   `json:"name"`
	Digest    string   `json:"digest"`
	Present   []string `json:"nodes_present"`
	Missing   []string `json:"nodes_missing"`
	Prepulled bool     `json:"prepulled"`
}

// NodeStatus is one node's view: eligibility plus cached prepull images.
type NodeStatus struct {
	Name     string   `json:"name"`
	Eligible bool     `json:"eligible"`
	Comment  string   `json:"comment,omitempty"`
	Cached   []string `json:"cached"`
}

// Status is the prepuller status document served on the admin API.
type Status struct {
	Images []ImageStatus `json:"images"`
	Nodes  []NodeStatus  `json:"nodes"`
}

// Status reports the current prepull coverage from the live collection
// and node inventory.
func (p *Prepuller) Status(ctx context.Context) (*Status, error) {
	nodes, err := p.kube.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	status := &Status{}
	var eligible []string
	for _, node := range nodes {
		ok, comment := kube.NodeEligible(&node, p.cfg.Prepuller.Tolerations)
		status.Nodes = append(status.Nodes, NodeStatus{
			Name:     node.Name,
			Eligible: ok,
			Comment:  comment,
		})
		if ok {
			eligible = append(eligible, node.Name)
		}
	}
	sort.Slice(status.Nodes, func(i, j int) bool { return status.Nodes[i].Name < status.Nodes[j].Name })

	for _, img := range p.images.PrepullImages() {
		entry := ImageStatus{
			Reference: img.Reference(),
			Tag:       img.Tag,
			Name:      img.DisplayName,
			Digest:    img.Digest,
			Prepulled: p.images.PrepulledOn(img, eligible),
		}
		for _, node := range eligible {
			if p.images.ImageOnNode(img, node) {
				entry.Present = append(entry.Present, node)
			} else {
				entry.Missing = append(entry.Missing, node)
			}
		}
		sort.Strings(entry.Present)
		sort.Strings(entry.Missing)
		status.Images = append(status.Images, entry)

		for i := range status.Nodes {
			if p.images.ImageOnNode(img, status.Nodes[i].Name) {
				status.Nodes[i].Cached = append(status.Nodes[i].Cached, img.Tag)
			}
		}
	}
	return status, nil
}
