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

// Package config defines the controller configuration, loaded from a
// single YAML file and validated before anything starts.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/lsst-sqre/nublado/pkg/rsptag"
)

// HomedirSchema selects how a user's home directory path is derived.
type HomedirSchema string

const (
	// HomedirUsername mounts /<prefix>/<username>.
	HomedirUsername HomedirSchema = "username"
	// HomedirInitialThenUsername mounts /<prefix>/<initial>/<username>.
	HomedirInitialThenUsername HomedirSchema = "initialThenUsername"
	// HomedirInitialThenUsernameNested mounts
	// /<prefix>/<initial>/<username>/<username>.
	HomedirInitialThenUsernameNested HomedirSchema = "initialThenUsernameNested"
)

// SourceType selects the image source backend.
type SourceType string

const (
	SourceDocker SourceType = "docker"
	SourceGoogle SourceType = "google"
)

// Config is the root controller configuration.
type Config struct {
	// BaseURL is the external URL of the Science Platform instance,
	// exported into lab environments.
	BaseURL string `json:"baseUrl"`

	// PathPrefix is the prefix under which the controller's routes are
	// served.
	PathPrefix string `json:"pathPrefix"`

	// Namespace is the namespace the controller itself runs in, the
	// source of projected secrets.
	Namespace string `json:"namespace"`

	Gafaelfawr GafaelfawrConfig `json:"gafaelfawr"`
	Slack      SlackConfig      `json:"slack"`
	Lab        LabConfig        `json:"lab"`
	Images     ImagesConfig     `json:"images"`
	Prepuller  PrepullerConfig  `json:"prepuller"`
}

// GafaelfawrConfig locates the identity service.
type GafaelfawrConfig struct {
	// BaseURL is the in-cluster URL of the Gafaelfawr API.
	BaseURL string `json:"baseUrl"`

	// RequestTimeout bounds each metadata fetch.
	RequestTimeout metav1.Duration `json:"requestTimeout"`
}

// SlackConfig configures failure alerting. An empty webhook disables it.
type SlackConfig struct {
	WebhookURL string `json:"webhookUrl"`
}

// LabSize is one named size option with its resource limits. Requests
// are the limits scaled by LabConfig.RequestFraction.
type LabSize struct {
	Name   string            `json:"name"`
	CPU    resource.Quantity `json:"cpu"`
	Memory resource.Quantity `json:"memory"`
}

// LabSecret projects a key of a controller-namespace secret into the lab.
type LabSecret struct {
	SecretName string `json:"secretName"`
	SecretKey  string `json:"secretKey"`
}

// LabConfig governs lab construction and lifecycle.
type LabConfig struct {
	// NamespacePrefix prefixes every per-user lab namespace.
	NamespacePrefix string `json:"namespacePrefix"`

	// Sizes is the ordered list of spawnable sizes.
	Sizes []LabSize `json:"sizes"`

	// RequestFraction scales limits into requests; defaults to 0.25.
	RequestFraction float64 `json:"requestFraction"`

	// SpawnTimeout bounds the time from pod creation to Running.
	SpawnTimeout metav1.Duration `json:"spawnTimeout"`

	// ReconcileInterval is the period of the background reconciler.
	ReconcileInterval metav1.Duration `json:"reconcileInterval"`

	// InFlightGracePeriod protects freshly-created labs from the
	// reconciler while their objects are still being built.
	InFlightGracePeriod metav1.Duration `json:"inFlightGracePeriod"`

	// DeleteTimeout bounds namespace teardown.
	DeleteTimeout metav1.Duration `json:"deleteTimeout"`

	HomedirSchema HomedirSchema `json:"homedirSchema"`
	HomedirPrefix string        `json:"homedirPrefix"`

	// FileBrowserRoot overrides the JupyterLab file-browser root.
	FileBrowserRoot string `json:"fileBrowserRoot,omitempty"`

	// TmpOnDisk mounts /tmp as an emptyDir on disk rather than memory.
	TmpOnDisk bool `json:"tmpOnDisk"`

	// ExtraAnnotations is added to the lab pod verbatim.
	ExtraAnnotations map[string]string `json:"extraAnnotations,omitempty"`

	// Command overrides the lab container command.
	Command []string `json:"command,omitempty"`

	// ConfigDir overrides the JupyterLab configuration directory.
	ConfigDir string `json:"configDir,omitempty"`

	// SecretsPath is the mount point of the lab secret.
	SecretsPath string `json:"secretsPath,omitempty"`

	// Env is extra environment propagated into every lab.
	Env map[string]string `json:"env,omitempty"`

	// Files maps paths to static file contents mounted into the lab.
	Files map[string]string `json:"files,omitempty"`

	// BasePasswd and BaseGroup seed the NSS ConfigMap before the user's
	// own entries are appended.
	BasePasswd string `json:"basePasswd"`
	BaseGroup  string `json:"baseGroup"`

	// Secrets are projected from controller-namespace secrets into the
	// lab secret.
	Secrets []LabSecret `json:"secrets,omitempty"`
}

// SourceConfig identifies the remote image source.
type SourceConfig struct {
	Type       SourceType `json:"type"`
	Registry   string     `json:"registry"`
	Repository string     `json:"repository"`

	// CredentialsPath points at a Docker config.json used for
	// authentication; empty means anonymous or ambient credentials.
	CredentialsPath string `json:"credentialsPath,omitempty"`
}

// ImagesConfig governs image ingestion and prepull selection.
type ImagesConfig struct {
	Source SourceConfig `json:"source"`

	// RecommendedTag is the alias tag presented as the default choice.
	RecommendedTag string `json:"recommendedTag"`

	// AliasTags are additional tags to treat as aliases.
	AliasTags []string `json:"aliasTags,omitempty"`

	NumReleases int `json:"numReleases"`
	NumWeeklies int `json:"numWeeklies"`
	NumDailies  int `json:"numDailies"`

	// Pin names tags always included in the prepull set.
	Pin []string `json:"pin,omitempty"`

	// Cycle restricts spawnable images to one SAL cycle, for telescope
	// and site deployments.
	Cycle *int `json:"cycle,omitempty"`

	// RefreshInterval is the period of the image refresher.
	RefreshInterval metav1.Duration `json:"refreshInterval"`

	Filter *FilterConfig `json:"filter,omitempty"`
}

// FilterConfig is the YAML shape of the tag filter policy.
type FilterConfig struct {
	Release      *CategoryFilter `json:"release,omitempty"`
	Weekly       *CategoryFilter `json:"weekly,omitempty"`
	Daily        *CategoryFilter `json:"daily,omitempty"`
	Candidate    *CategoryFilter `json:"releaseCandidate,omitempty"`
	Experimental *CategoryFilter `json:"experimental,omitempty"`
	Unknown      *CategoryFilter `json:"unknown,omitempty"`
}

// CategoryFilter constrains one tag category.
type CategoryFilter struct {
	Number        int             `json:"number,omitempty"`
	Age           metav1.Duration `json:"age,omitempty"`
	CutoffVersion string          `json:"cutoffVersion,omitempty"`
}

// PrepullerConfig governs prepull pod dispatch.
type PrepullerConfig struct {
	// Tolerations determines node eligibility: a node is eligible iff
	// every taint is tolerated.
	Tolerations []corev1.Toleration `json:"tolerations,omitempty"`

	// MaxConcurrency bounds simultaneous prepull pods.
	MaxConcurrency int `json:"maxConcurrency"`

	// PodTimeout bounds a single prepull pod run.
	PodTimeout metav1.Duration `json:"podTimeout"`

	// Namespace is where prepull pods run; defaults to the controller
	// namespace.
	Namespace string `json:"namespace,omitempty"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := yaml.UnmarshalStrict(raw, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.defaultAndValidate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &c, nil
}

func (c *Config) defaultAndValidate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("baseUrl must be set")
	}
	if c.PathPrefix == "" {
		c.PathPrefix = "/nublado"
	}
	if c.Namespace == "" {
		c.Namespace = "nublado"
	}
	if c.Gafaelfawr.BaseURL == "" {
		return fmt.Errorf("gafaelfawr.baseUrl must be set")
	}
	if c.Gafaelfawr.RequestTimeout.Duration == 0 {
		c.Gafaelfawr.RequestTimeout.Duration = 20 * time.Second
	}

	if c.Lab.NamespacePrefix == "" {
		c.Lab.NamespacePrefix = "nublado"
	}
	if len(c.Lab.Sizes) == 0 {
		return fmt.Errorf("lab.sizes must list at least one size")
	}
	seen := map[string]bool{}
	for _, size := range c.Lab.Sizes {
		name := strings.ToLower(size.Name)
		if name == "" {
			return fmt.Errorf("lab.sizes entries must be named")
		}
		if seen[name] {
			return fmt.Errorf("duplicate lab size %q", size.Name)
		}
		seen[name] = true
		if size.CPU.IsZero() || size.Memory.IsZero() {
			return fmt.Errorf("lab size %q must set cpu and memory", size.Name)
		}
	}
	if c.Lab.RequestFraction == 0 {
		c.Lab.RequestFraction = 0.25
	}
	if c.Lab.RequestFraction < 0 || c.Lab.RequestFraction > 1 {
		return fmt.Errorf("lab.requestFraction must be in (0, 1], got %v", c.Lab.RequestFraction)
	}
	if c.Lab.SpawnTimeout.Duration == 0 {
		c.Lab.SpawnTimeout.Duration = 10 * time.Minute
	}
	if c.Lab.ReconcileInterval.Duration == 0 {
		c.Lab.ReconcileInterval.Duration = 5 * time.Minute
	}
	if c.Lab.InFlightGracePeriod.Duration == 0 {
		c.Lab.InFlightGracePeriod.Duration = time.Minute
	}
	if c.Lab.DeleteTimeout.Duration == 0 {
		c.Lab.DeleteTimeout.Duration = time.Minute
	}
	switch c.Lab.HomedirSchema {
	case "":
		c.Lab.HomedirSchema = HomedirUsername
	case HomedirUsername, HomedirInitialThenUsername, HomedirInitialThenUsernameNested:
	default:
		return fmt.Errorf("unknown lab.homedirSchema %q", c.Lab.HomedirSchema)
	}
	if c.Lab.HomedirPrefix == "" {
		c.Lab.HomedirPrefix = "/home"
	}
	if c.Lab.SecretsPath == "" {
		c.Lab.SecretsPath = "/opt/lsst/software/jupyterlab/secrets"
	}

	switch c.Images.Source.Type {
	case SourceDocker, SourceGoogle:
	default:
		return fmt.Errorf("unknown images.source.type %q", c.Images.Source.Type)
	}
	if c.Images.Source.Registry == "" || c.Images.Source.Repository == "" {
		return fmt.Errorf("images.source.registry and repository must be set")
	}
	if c.Images.RecommendedTag == "" {
		c.Images.RecommendedTag = "recommended"
	}
	if c.Images.NumReleases == 0 {
		c.Images.NumReleases = 1
	}
	if c.Images.NumWeeklies == 0 {
		c.Images.NumWeeklies = 2
	}
	if c.Images.NumDailies == 0 {
		c.Images.NumDailies = 3
	}
	if c.Images.RefreshInterval.Duration == 0 {
		c.Images.RefreshInterval.Duration = 5 * time.Minute
	}

	if c.Prepuller.MaxConcurrency == 0 {
		c.Prepuller.MaxConcurrency = 4
	}
	if c.Prepuller.PodTimeout.Duration == 0 {
		c.Prepuller.PodTimeout.Duration = 10 * time.Minute
	}
	if c.Prepuller.Namespace == "" {
		c.Prepuller.Namespace = c.Namespace
	}
	return nil
}

// SizeNamed looks a size up case-insensitively.
func (c *LabConfig) SizeNamed(name string) (LabSize, bool) {
	for _, size := range c.Sizes {
		if strings.EqualFold(size.Name, name) {
			return size, true
		}
	}
	return LabSize{}, false
}

// FilterPolicy converts the YAML filter into the tag-model policy.
func (c *ImagesConfig) FilterPolicy() (*rsptag.FilterPolicy, error) {
	if c.Filter == nil {
		return nil, nil
	}
	policy := &rsptag.FilterPolicy{}
	for _, entry := range []struct {
		in  *CategoryFilter
		out **rsptag.CategoryPolicy
	}{
		{c.Filter.Release, &policy.Release},
		{c.Filter.Weekly, &policy.Weekly},
		{c.Filter.Daily, &policy.Daily},
		{c.Filter.Candidate, &policy.Candidate},
		{c.Filter.Experimental, &policy.Experimental},
		{c.Filter.Unknown, &policy.Unknown},
	} {
		if entry.in == nil {
			continue
		}
		cp := &rsptag.CategoryPolicy{
			Number: entry.in.Number,
			Age:    entry.in.Age.Duration,
		}
		if entry.in.CutoffVersion != "" {
			v, err := semver.NewVersion(entry.in.CutoffVersion)
			if err != nil {
				return nil, fmt.Errorf("bad cutoffVersion %q: %w", entry.in.CutoffVersion, err)
			}
			cp.CutoffVersion = v
		}
		*entry.out = cp
	}
	return policy, nil
}
