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

package kube

import (
	"testing"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/ptr"
)

func TestNodeEligible(t *testing.T) {
	noSchedule := corev1.Taint{Key: "gpu", Value: "true", Effect: corev1.TaintEffectNoSchedule}
	noExecute := corev1.Taint{Key: "maintenance", Effect: corev1.TaintEffectNoExecute}
	prefer := corev1.Taint{Key: "slow", Effect: corev1.TaintEffectPreferNoSchedule}

	node := func(taints ...corev1.Taint) *corev1.Node {
		return &corev1.Node{Spec: corev1.NodeSpec{Taints: taints}}
	}

	for _, tc := range []struct {
		name        string
		node        *corev1.Node
		tolerations []corev1.Toleration
		want        bool
	}{
		{"untainted", node(), nil, true},
		{"prefer-no-schedule ignored", node(prefer), nil, true},
		{"unmatched taint", node(noSchedule), nil, false},
		{
			"equal match",
			node(noSchedule),
			[]corev1.Toleration{{Key: "gpu", Operator: corev1.TolerationOpEqual, Value: "true"}},
			true,
		},
		{
			"equal mismatch",
			node(noSchedule),
			[]corev1.Toleration{{Key: "gpu", Operator: corev1.TolerationOpEqual, Value: "false"}},
			false,
		},
		{
			"exists match",
			node(noSchedule),
			[]corev1.Toleration{{Key: "gpu", Operator: corev1.TolerationOpExists}},
			true,
		},
		{
			"wildcard exists",
			node(noSchedule, noExecute),
			[]corev1.Toleration{{Operator: corev1.TolerationOpExists}},
			true,
		},
		{
			"effect mismatch",
			node(noSchedule),
			[]corev1.Toleration{{Key: "gpu", Operator: corev1.TolerationOpExists, Effect: corev1.TaintEffectNoExecute}},
			false,
		},
		{
			"bounded toleration does not cover NoSchedule",
			node(noSchedule),
			[]corev1.Toleration{{Key: "gpu", Operator: corev1.TolerationOpExists, TolerationSeconds: ptr.To(int64(300))}},
			false,
		},
		{
			"bounded toleration covers NoExecute",
			node(noExecute),
			[]corev1.Toleration{{Key: "maintenance", Operator: corev1.TolerationOpExists, Effect: corev1.TaintEffectNoExecute, TolerationSeconds: ptr.To(int64(300))}},
			true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, comment := NodeEligible(tc.node, tc.tolerations)
			if got != tc.want {
				t.Errorf("eligible: got %v (%s), want %v", got, comment, tc.want)
			}
		})
	}
}
