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

import (
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
)

// CategoryPolicy constrains one image-type category. Any field may be
// unset, in which case it does not constrain.
type CategoryPolicy struct {
	// Number truncates the category to its newest N tags. Zero means no
	// truncation.
	Number int `json:"number,omitempty"`

	// Age drops tags whose derived date is older than this duration
	// before now. Tags without a date are unaffected.
	Age time.Duration `json:"age,omitempty"`

	// CutoffVersion drops tags whose version is below this version. Tags
	// without a version are unaffected.
	CutoffVersion *semver.Version `json:"cutoffVersion,omitempty"`
}

// FilterPolicy restricts which tags of each type survive ingestion. Types
// without an entry are unconstrained.
type FilterPolicy struct {
	Release      *CategoryPolicy `json:"release,omitempty"`
	Weekly       *CategoryPolicy `json:"weekly,omitempty"`
	Daily        *CategoryPolicy `json:"daily,omitempty"`
	Candidate    *CategoryPolicy `json:"releaseCandidate,omitempty"`
	Experimental *CategoryPolicy `json:"experimental,omitempty"`
	Unknown      *CategoryPolicy `json:"unknown,omitempty"`
}

func (p *FilterPolicy) forType(t ImageType) *CategoryPolicy {
	if p == nil {
		return nil
	}
	switch t {
	case TypeRelease:
		return p.Release
	case TypeWeekly:
		return p.Weekly
	case TypeDaily:
		return p.Daily
	case TypeCandidate:
		return p.Candidate
	case TypeExperimental:
		return p.Experimental
	case TypeUnknown:
		return p.Unknown
	}
	return nil
}

// Apply filters a tag list by the policy, evaluated at the given time.
// A tag survives when it satisfies every set constraint of its type's
// category; each category is then truncated to its newest Number tags.
// Aliases are never filtered. The result is freshly allocated and sorted
// newest-first within each type, types in declared order.
func (p *FilterPolicy) Apply(tags []ImageTag, now time.Time) []ImageTag {
	buckets := make(map[ImageType][]ImageTag)
	for _, tag := range tags {
		cp := p.forType(tag.Type)
		if cp != nil {
			if cp.Age > 0 && tag.Date != nil && tag.Date.Before(now.Add(-cp.Age)) {
				continue
			}
			if cp.CutoffVersion != nil && tag.Version != nil && tag.Version.LessThan(cp.CutoffVersion) {
				continue
			}
		}
		buckets[tag.Type] = append(buckets[tag.Type], tag)
	}

	var result []ImageTag
	for t := TypeAlias; t <= TypeUnknown; t++ {
		bucket := buckets[t]
		sort.SliceStable(bucket, func(i, j int) bool {
			return bucket[i].Compare(bucket[j]) > 0
		})
		if cp := p.forType(t); cp != nil && cp.Number > 0 && len(bucket) > cp.Number {
			bucket = bucket[:cp.Number]
		}
		result = append(result, bucket...)
	}
	return result
}
