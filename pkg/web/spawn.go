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

package web

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/lsst-sqre/nublado/pkg/apierror"
	"github.com/lsst-sqre/nublado/pkg/lab"
)

// imageDropdownSentinel is what the form submits as image_list when the
// user picked from the dropdown instead of the radio list.
const imageDropdownSentinel = "use_image_from_dropdown"

type spawnRequest struct {
	Options lab.Options
	Env     map[string]string
}

// parseSpawnRequest normalizes the stringly-typed form submission: every
// option may arrive as a scalar or a list of one, booleans may arrive as
// "true"/"false", and exactly one image selector must remain after the
// dropdown sentinel is resolved.
func parseSpawnRequest(body io.Reader) (*spawnRequest, error) {
	var raw struct {
		Options map[string]json.RawMessage `json:"options"`
		Env     map[string]string          `json:"env"`
	}
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, apierror.NewInvalidOptions("malformed request body")
	}
	if raw.Options == nil {
		return nil, apierror.NewInvalidOptions("options missing")
	}

	imageList, err := optionString(raw.Options, "image_list")
	if err != nil {
		return nil, err
	}
	imageDropdown, err := optionString(raw.Options, "image_dropdown")
	if err != nil {
		return nil, err
	}
	imageClass, err := optionString(raw.Options, "image_class")
	if err != nil {
		return nil, err
	}
	imageTag, err := optionString(raw.Options, "image_tag")
	if err != nil {
		return nil, err
	}

	reference := imageList
	if imageList == imageDropdownSentinel {
		if imageDropdown == "" {
			return nil, apierror.NewInvalidOptions("image_list defers to an empty image_dropdown")
		}
		reference = imageDropdown
	}

	selectors := 0
	for _, selector := range []string{reference, imageClass, imageTag} {
		if selector != "" {
			selectors++
		}
	}
	if selectors != 1 {
		return nil, apierror.NewInvalidOptions(fmt.Sprintf("exactly one image selector required, got %d", selectors))
	}

	size, err := optionString(raw.Options, "size")
	if err != nil {
		return nil, err
	}
	if size == "" {
		return nil, apierror.NewInvalidOptions("size missing")
	}
	enableDebug, err := optionBool(raw.Options, "enable_debug")
	if err != nil {
		return nil, err
	}
	resetUserEnv, err := optionBool(raw.Options, "reset_user_env")
	if err != nil {
		return nil, err
	}

	return &spawnRequest{
		Options: lab.Options{
			Reference:    reference,
			Tag:          imageTag,
			Class:        imageClass,
			Size:         size,
			EnableDebug:  enableDebug,
			ResetUserEnv: resetUserEnv,
		},
		Env: raw.Env,
	}, nil
}

// optionString accepts a string or a list of one string.
func optionString(options map[string]json.RawMessage, key string) (string, error) {
	raw, ok := options[key]
	if !ok {
		return "", nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", apierror.NewInvalidOptions(key + " is malformed")
	}
	return scalarString(key, value)
}

func scalarString(key string, value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []any:
		if len(v) != 1 {
			return "", apierror.NewInvalidOptions(fmt.Sprintf("%s must be a value or a list of one, got %d values", key, len(v)))
		}
		s, ok := v[0].(string)
		if !ok {
			return "", apierror.NewInvalidOptions(key + " must be a string")
		}
		return s, nil
	default:
		return "", apierror.NewInvalidOptions(key + " must be a string")
	}
}

// optionBool accepts a bool, the strings "true"/"false", or a list of
// one of those. Anything else is rejected rather than coerced.
func optionBool(options map[string]json.RawMessage, key string) (bool, error) {
	raw, ok := options[key]
	if !ok {
		return false, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return false, apierror.NewInvalidOptions(key + " is malformed")
	}
	if list, ok := value.([]any); ok {
		if len(list) != 1 {
			return false, apierror.NewInvalidOptions(key + " must be a value or a list of one")
		}
		value = list[0]
	}
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch v {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return false, apierror.NewInvalidOptions(key + " must be a boolean")
}
