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
	"strings"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/lsst-sqre/nublado/pkg/apierror"
	"github.com/lsst-sqre/nublado/pkg/rspimage"
	"github.com/lsst-sqre/nublado/pkg/rsptag"
)

// Image classes accepted by spawn requests.
const (
	ClassRecommended   = "recommended"
	ClassLatestRelease = "latest-release"
	ClassLatestWeekly  = "latest-weekly"
	ClassLatestDaily   = "latest-daily"
)

// ResolveReference resolves a full Docker reference to an image in the
// collection. Digest references resolve through the digest index.
func (s *Service) ResolveReference(reference string) (*rspimage.Image, error) {
	ref, err := name.ParseReference(reference)
	if err != nil {
		return nil, apierror.NewInvalidDockerReference(reference)
	}
	collection := s.Collection()

	var img *rspimage.Image
	if strings.HasPrefix(ref.Identifier(), "sha256:") {
		img = collection.ImageForDigest(ref.Identifier())
	} else {
		img = collection.ImageForTagName(ref.Identifier())
	}
	if img == nil {
		return nil, apierror.NewUnknownImage(reference)
	}
	return s.concrete(img), nil
}

// ResolveTagName resolves a bare tag name.
func (s *Service) ResolveTagName(tag string) (*rspimage.Image, error) {
	img := s.Collection().ImageForTagName(tag)
	if img == nil {
		return nil, apierror.NewUnknownImage(tag)
	}
	return s.concrete(img), nil
}

// ResolveClass resolves one of the image classes.
func (s *Service) ResolveClass(class string) (*rspimage.Image, error) {
	collection := s.Collection()
	var img *rspimage.Image
	switch class {
	case ClassRecommended:
		img = collection.ImageForTagName(s.cfg.Images.RecommendedTag)
	case ClassLatestRelease:
		img = collection.Latest(rsptag.TypeRelease)
	case ClassLatestWeekly:
		img = collection.Latest(rsptag.TypeWeekly)
	case ClassLatestDaily:
		img = collection.Latest(rsptag.TypeDaily)
	default:
		return nil, apierror.NewInvalidOptions("unknown image class " + class)
	}
	if img == nil {
		return nil, apierror.NewUnknownImage(class)
	}
	return s.concrete(img), nil
}

// concrete follows a resolved alias to its concrete image, so the spawn
// carries the informative tag and display name.
func (s *Service) concrete(img *rspimage.Image) *rspimage.Image {
	if !img.IsResolvedAlias() {
		return img
	}
	if target := s.Collection().ImageForDigest(img.Digest); target != nil {
		return target
	}
	return img
}
