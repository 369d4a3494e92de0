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

package lab

import (
	"time"

	"github.com/lsst-sqre/nublado/pkg/gafaelfawr"
)

// Status is the lifecycle phase of one user's lab.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
	StatusFailed      Status = "failed"
)

// Options is the normalized spawn request: exactly one image selector is
// set by the time it reaches the manager.
type Options struct {
	// Reference is a full Docker reference to spawn.
	Reference string `json:"image_list,omitempty"`
	// Tag names a tag in the current collection.
	Tag string `json:"image_tag,omitempty"`
	// Class is one of recommended, latest-release, latest-weekly,
	// latest-daily.
	Class string `json:"image_class,omitempty"`

	Size         string `json:"size"`
	EnableDebug  bool   `json:"enable_debug"`
	ResetUserEnv bool   `json:"reset_user_env"`
}

// ResourcesSpec is the derived resource envelope in API form.
type ResourcesSpec struct {
	CPULimit      string `json:"cpu_limit"`
	CPURequest    string `json:"cpu_request"`
	MemoryLimit   string `json:"memory_limit"`
	MemoryRequest string `json:"memory_request"`
}

// State is the controller's record of one user's lab.
type State struct {
	Username    string                    `json:"username"`
	Status      Status                    `json:"status"`
	Options     Options                   `json:"options"`
	ImageRef    string                    `json:"image_ref,omitempty"`
	Resources   ResourcesSpec             `json:"resources"`
	Quota       *gafaelfawr.NotebookQuota `json:"quota,omitempty"`
	InternalURL string                    `json:"internal_url,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
}
