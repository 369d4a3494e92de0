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

package rsptag

import "regexp"

// archSuffix matches a trailing architecture qualifier on a tag name.
var archSuffix = regexp.MustCompile(`-(amd64|arm64|aarch64|x86_64)$`)

// DeduplicateArch reduces architecture-suffixed tags to one representative
// per logical tag, preserving input order. If the unsuffixed tag is
// present anywhere in the input, every suffixed variant is dropped;
// otherwise the first suffixed variant seen stands in for the logical tag
// and later variants are dropped.
func DeduplicateArch(tags []string) []string {
	unsuffixed := make(map[string]bool, len(tags))
	for _, tag := range tags {
		if !archSuffix.MatchString(tag) {
			unsuffixed[tag] = true
		}
	}

	seen := make(map[string]bool, len(tags))
	result := make([]string, 0, len(tags))
	for _, tag := range tags {
		base := archSuffix.ReplaceAllString(tag, "")
		if base != tag {
			if unsuffixed[base] || seen[base] {
				continue
			}
			seen[base] = true
		}
		result = append(result, tag)
	}
	return result
}
