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
	"fmt"

	corev1 "k8s.io/api/core/v1"
)

// NodeEligible reports whether prepull pods can run on the node: every
// blocking taint must be tolerated by the configured tolerations. The
// comment explains ineligibility.
func NodeEligible(node *corev1.Node, tolerations []corev1.Toleration) (bool, string) {
	for _, taint := range node.Spec.Taints {
		if taint.Effect == corev1.TaintEffectPreferNoSchedule {
			continue
		}
		if !taintTolerated(taint, tolerations) {
			return false, fmt.Sprintf("node is tainted (%s)", taint.ToString())
		}
	}
	return true, ""
}

func taintTolerated(taint corev1.Taint, tolerations []corev1.Toleration) bool {
	for _, tol := range tolerations {
		if tolerates(tol, taint) {
			return true
		}
	}
	return false
}

// tolerates implements the scheduler's toleration matching. A bounded
// toleration (TolerationSeconds set) only ever applies to NoExecute
// taints and even then means eventual eviction, so it does not make a
// node eligible for anything else.
func tolerates(tol corev1.Toleration, taint corev1.Taint) bool {
	if tol.Effect != "" && tol.Effect != taint.Effect {
		return false
	}
	if tol.TolerationSeconds != nil && taint.Effect != corev1.TaintEffectNoExecute {
		return false
	}
	if tol.Key == "" {
		// An empty key with Exists tolerates everything.
		return tol.Operator == corev1.TolerationOpExists
	}
	if tol.Key != taint.Key {
		return false
	}
	switch tol.Operator {
	case corev1.TolerationOpExists:
		return true
	case corev1.TolerationOpEqual, "":
		return tol.Value == taint.Value
	default:
		return false
	}
}
