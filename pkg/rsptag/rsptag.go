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

// Package rsptag models Rubin Science Platform image tags: parsing the
// tag grammar, classifying tags into types, ordering them, and rendering
// human-readable display names.
package rsptag

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ImageType classifies a tag. The declared order is the display and sort
// order of the types; lower values sort first.
type ImageType int

const (
	TypeAlias ImageType = iota
	TypeRelease
	TypeWeekly
	TypeDaily
	TypeCandidate
	TypeExperimental
	TypeUnknown
)

var imageTypeNames = map[ImageType]string{
	TypeAlias:        "Alias",
	TypeRelease:      "Release",
	TypeWeekly:       "Weekly",
	TypeDaily:        "Daily",
	TypeCandidate:    "Release Candidate",
	TypeExperimental: "Experimental",
	TypeUnknown:      "Unknown",
}

func (t ImageType) String() string {
	if s, ok := imageTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ImageType(%d)", int(t))
}

// ImageTag is one parsed tag. Tag is always the original string, so
// Parse(t).Tag == t for every input.
type ImageTag struct {
	// Tag is the unmodified tag string and the primary key of a tag
	// within a collection.
	Tag string

	// Type is the classification of the tag.
	Type ImageType

	// Version is the semantic version reconstructed from the tag, nil for
	// aliases and unparseable tags. The metadata portion encodes the SAL
	// cycle/build and any trailing free text.
	Version *semver.Version

	// RSPBuild is the orthogonal RSP build counter from an _rspNN
	// component, nil when absent.
	RSPBuild *int

	// Cycle is the SAL cycle number from a _cNNNN.BBB component, nil when
	// absent.
	Cycle *int

	// DisplayName is the human-readable rendering of the tag.
	DisplayName string

	// Date is the UTC timestamp derived from the tag, where the grammar
	// provides one (weeklies, dailies, and experimentals wrapping one of
	// those).
	Date *time.Time
}

// Suffix fragments shared by the typed tag expressions. Every dated or
// versioned tag may carry, in order, an optional _rspNN build counter, an
// optional _cNNNN.BBB cycle specifier, and optional trailing free text.
const (
	reRSPBuild = `(?:_rsp(?P<rspbuild>\d+))?`
	reCycle    = `(?:_c(?P<cycle>\d+)\.(?P<cbuild>\d+))?`
	reRest     = `(?:_(?P<rest>.*))?`
	reSuffixes = reRSPBuild + reCycle + reRest + `$`
)

// tagRegexes is the prioritized grammar: the first matching entry wins.
// Candidates must precede releases (a release expression with trailing
// free text would swallow the rc component), the three-part release must
// precede the two-part one, and the bare unknown-with-cycle expression
// comes last.
var tagRegexes = []struct {
	imageType ImageType
	regex     *regexp.Regexp
}{
	{TypeCandidate, regexp.MustCompile(`^r(?P<major>\d+)_(?P<minor>\d+)_(?P<patch>\d+)_(?P<pre>rc\d+)` + reSuffixes)},
	{TypeRelease, regexp.MustCompile(`^r(?P<major>\d+)_(?P<minor>\d+)_(?P<patch>\d+)` + reSuffixes)},
	{TypeRelease, regexp.MustCompile(`^r(?P<major>\d+)_(?P<minor>\d+)` + reSuffixes)},
	{TypeWeekly, regexp.MustCompile(`^w_(?P<year>\d+)_(?P<week>\d+)` + reSuffixes)},
	{TypeDaily, regexp.MustCompile(`^d_(?P<year>\d+)_(?P<month>\d+)_(?P<day>\d+)` + reSuffixes)},
	{TypeExperimental, regexp.MustCompile(`^exp_(?P<rest>.*)$`)},
	{TypeUnknown, regexp.MustCompile(`^(?P<base>.*)_c(?P<cycle>\d+)(?:\.(?P<cbuild>\d+))?$`)},
}

// Alias constructs a tag known out of band to be an alias (for example
// "recommended" or "latest_weekly"). Aliases carry no version; their
// display name is the tag with underscores replaced by spaces, title
// cased.
func Alias(tag string) ImageTag {
	words := strings.Split(tag, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return ImageTag{
		Tag:         tag,
		Type:        TypeAlias,
		DisplayName: strings.Join(words, " "),
	}
}

// Parse classifies a tag string against the grammar. Unmatched input
// yields an Unknown tag whose display name is the raw string, except that
// a trailing _cNNNN component is promoted into a cycle and reflected in
// the display name.
func Parse(tag string) ImageTag {
	for _, entry := range tagRegexes {
		m := entry.regex.FindStringSubmatch(tag)
		if m == nil {
			continue
		}
		groups := matchGroups(entry.regex, m)
		switch entry.imageType {
		case TypeExperimental:
			return parseExperimental(tag, groups["rest"])
		case TypeUnknown:
			return parseUnknownWithCycle(tag, groups)
		default:
			if t, ok := parseTyped(tag, entry.imageType, groups); ok {
				return t
			}
		}
	}
	return ImageTag{Tag: tag, Type: TypeUnknown, DisplayName: tag}
}

func matchGroups(re *regexp.Regexp, m []string) map[string]string {
	groups := make(map[string]string)
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(m) {
			groups[name] = m[i]
		}
	}
	return groups
}

func parseTyped(tag string, imageType ImageType, g map[string]string) (ImageTag, bool) {
	var major, minor, patch uint64
	var date *time.Time
	var display string

	switch imageType {
	case TypeRelease, TypeCandidate:
		major = mustUint(g["major"])
		minor = mustUint(g["minor"])
		if g["patch"] != "" {
			patch = mustUint(g["patch"])
		}
		display = fmt.Sprintf("Release r%d.%d.%d", major, minor, patch)
		if imageType == TypeCandidate {
			display = fmt.Sprintf("Release Candidate r%d.%d.%d-%s", major, minor, patch, g["pre"])
		}
	case TypeWeekly:
		major = mustUint(g["year"])
		minor = mustUint(g["week"])
		display = fmt.Sprintf("Weekly %s_%s", g["year"], g["week"])
		if d, err := isoWeekThursday(int(major), int(minor)); err == nil {
			date = &d
		} else {
			return ImageTag{}, false
		}
	case TypeDaily:
		major = mustUint(g["year"])
		minor = mustUint(g["month"])
		patch = mustUint(g["day"])
		display = fmt.Sprintf("Daily %s_%s_%s", g["year"], g["month"], g["day"])
		d := time.Date(int(major), time.Month(minor), int(patch), 0, 0, 0, 0, time.UTC)
		if int(d.Month()) != int(minor) || d.Day() != int(patch) {
			return ImageTag{}, false
		}
		date = &d
	}

	version := semver.New(major, minor, patch, g["pre"], buildMetadata(g))
	t := ImageTag{
		Tag:     tag,
		Type:    imageType,
		Version: version,
		Date:    date,
	}
	if g["rspbuild"] != "" {
		n, _ := strconv.Atoi(g["rspbuild"])
		t.RSPBuild = &n
	}
	if g["cycle"] != "" {
		n, _ := strconv.Atoi(g["cycle"])
		t.Cycle = &n
		display += fmt.Sprintf(" (SAL Cycle %s, Build %s)", g["cycle"], g["cbuild"])
	}
	if g["rest"] != "" {
		display += fmt.Sprintf(" [%s]", g["rest"])
	}
	t.DisplayName = display
	return t, true
}

// parseExperimental classifies an exp_ tag. When the rest of the tag is
// itself a valid non-unknown tag, the experimental inherits its version,
// cycle, and date.
func parseExperimental(tag, rest string) ImageTag {
	t := ImageTag{Tag: tag, Type: TypeExperimental, DisplayName: "Experimental " + rest}
	inner := Parse(rest)
	if inner.Type != TypeUnknown {
		t.Version = inner.Version
		t.RSPBuild = inner.RSPBuild
		t.Cycle = inner.Cycle
		t.Date = inner.Date
		t.DisplayName = "Experimental " + inner.DisplayName
	}
	return t
}

func parseUnknownWithCycle(tag string, g map[string]string) ImageTag {
	n, _ := strconv.Atoi(g["cycle"])
	display := fmt.Sprintf("%s (SAL Cycle %s)", g["base"], g["cycle"])
	if g["cbuild"] != "" {
		display = fmt.Sprintf("%s (SAL Cycle %s, Build %s)", g["base"], g["cycle"], g["cbuild"])
	}
	return ImageTag{
		Tag:         tag,
		Type:        TypeUnknown,
		Cycle:       &n,
		DisplayName: display,
	}
}

// buildMetadata encodes the cycle specifier and any trailing free text
// into the semver metadata component. Underscores are not legal in
// semver metadata and are replaced with hyphens.
func buildMetadata(g map[string]string) string {
	var parts []string
	if g["cycle"] != "" {
		parts = append(parts, fmt.Sprintf("c%s.%s", g["cycle"], g["cbuild"]))
	}
	if g["rest"] != "" {
		parts = append(parts, strings.ReplaceAll(g["rest"], "_", "-"))
	}
	return strings.Join(parts, ".")
}

func mustUint(s string) uint64 {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("regexp matched a non-numeric component %q: %v", s, err))
	}
	return n
}

// isoWeekThursday returns midnight UTC on the Thursday of the given ISO
// week, the conventional timestamp for a weekly build.
func isoWeekThursday(year, week int) (time.Time, error) {
	if week < 1 || week > 53 {
		return time.Time{}, fmt.Errorf("ISO week %d out of range", week)
	}
	// January 4th is always in ISO week 1.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	weekday := int(jan4.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	monday := jan4.AddDate(0, 0, 1-weekday)
	thursday := monday.AddDate(0, 0, (week-1)*7+3)
	y, w := thursday.ISOWeek()
	if y != year || w != week {
		return time.Time{}, fmt.Errorf("no ISO week %d in %d", week, year)
	}
	return thursday, nil
}

// Compare orders two tags of the same type: by version, breaking ties by
// the RSP build counter (nil sorts low) and then the build metadata (empty
// sorts low), finally by tag string so the order is total. Tags whose
// versions are both nil compare lexicographically by tag. Tags of
// different types are not comparable and Compare panics; callers sort
// within per-type buckets.
func (t ImageTag) Compare(other ImageTag) int {
	if t.Type != other.Type {
		panic(fmt.Sprintf("cannot compare tag %q of type %s with %q of type %s",
			t.Tag, t.Type, other.Tag, other.Type))
	}
	switch {
	case t.Version == nil && other.Version == nil:
		return strings.Compare(t.Tag, other.Tag)
	case t.Version == nil:
		return -1
	case other.Version == nil:
		return 1
	}
	if c := t.Version.Compare(other.Version); c != 0 {
		return c
	}
	if c := compareIntPtr(t.RSPBuild, other.RSPBuild); c != 0 {
		return c
	}
	if c := strings.Compare(t.Version.Metadata(), other.Version.Metadata()); c != 0 {
		return c
	}
	return strings.Compare(t.Tag, other.Tag)
}

func compareIntPtr(a, b *int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	}
	return 0
}

// Equal reports structural equality on all parsed fields.
func (t ImageTag) Equal(other ImageTag) bool {
	if t.Tag != other.Tag || t.Type != other.Type || t.DisplayName != other.DisplayName {
		return false
	}
	if (t.Version == nil) != (other.Version == nil) {
		return false
	}
	if t.Version != nil && (t.Version.Compare(other.Version) != 0 || t.Version.Metadata() != other.Version.Metadata()) {
		return false
	}
	if compareIntPtr(t.RSPBuild, other.RSPBuild) != 0 || compareIntPtr(t.Cycle, other.Cycle) != 0 {
		return false
	}
	if (t.Date == nil) != (other.Date == nil) {
		return false
	}
	return t.Date == nil || t.Date.Equal(*other.Date)
}
