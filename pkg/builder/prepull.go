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

package builder

import (
	"regexp"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/lsst-sqre/nublado/pkg/rspimage"
)

var unsafeNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// PrepullPodName derives the pod name for prepulling a tag onto a node.
// Tag and node are flattened into DNS-safe form.
func PrepullPodName(tag, node string) string {
	return "prepull-" + safeName(tag) + "-" + safeName(node)
}

func safeName(s string) string {
	s = strings.ToLower(s)
	s = unsafeNameChars.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// BuildPrepullPod constructs the pod that pulls an image onto one node.
// The container exits immediately; pulling the image is the entire job.
func (b *Builder) BuildPrepullPod(image *rspimage.Image, node string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      PrepullPodName(image.Tag, node),
			Namespace: b.cfg.Prepuller.Namespace,
			Labels: map[string]string{
				CategoryLabel: CategoryPrepuller,
			},
		},
		Spec: corev1.PodSpec{
			NodeName:      node,
			RestartPolicy: corev1.RestartPolicyNever,
			Tolerations:   b.cfg.Prepuller.Tolerations,
			Containers: []corev1.Container{
				{
					Name:    "prepull",
					Image:   image.ReferenceWithDigest(),
					Command: []string{"/bin/true"},
				},
			},
		},
	}
}
