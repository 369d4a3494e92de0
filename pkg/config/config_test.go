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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const minimalConfig = `
baseUrl: https://data.example.org
gafaelfawr:
  baseUrl: http://gafaelfawr.gafaelfawr:8080
lab:
  sizes:
    - name: small
      cpu: "1"
      memory: 4Gi
    - name: medium
      cpu: "2"
      memory: 8Gi
images:
  source:
    type: docker
    registry: registry.hub.docker.com
    repository: lsstsqre/sciplat-lab
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Equal(t, "nublado", c.Lab.NamespacePrefix)
	require.Equal(t, 10*time.Minute, c.Lab.SpawnTimeout.Duration)
	require.Equal(t, time.Minute, c.Lab.InFlightGracePeriod.Duration)
	require.Equal(t, 0.25, c.Lab.RequestFraction)
	require.Equal(t, HomedirUsername, c.Lab.HomedirSchema)
	require.Equal(t, "recommended", c.Images.RecommendedTag)
	require.Equal(t, 1, c.Images.NumReleases)
	require.Equal(t, 2, c.Images.NumWeeklies)
	require.Equal(t, 3, c.Images.NumDailies)
	require.Equal(t, 4, c.Prepuller.MaxConcurrency)
	require.Equal(t, c.Namespace, c.Prepuller.Namespace)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	for name, content := range map[string]string{
		"missing base url":  "gafaelfawr: {baseUrl: http://g}\n",
		"no sizes":          "baseUrl: x\ngafaelfawr: {baseUrl: http://g}\nimages: {source: {type: docker, registry: r, repository: p}}\n",
		"unknown yaml keys": minimalConfig + "wibble: true\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			require.Error(t, err)
		})
	}
}

func TestBadSourceType(t *testing.T) {
	content := `
baseUrl: https://data.example.org
gafaelfawr:
  baseUrl: http://gafaelfawr:8080
lab:
  sizes:
    - name: small
      cpu: "1"
      memory: 4Gi
images:
  source:
    type: quay
    registry: r
    repository: p
`
	_, err := Load(writeConfig(t, content))
	require.ErrorContains(t, err, "unknown images.source.type")
}

func TestSizeNamedCaseInsensitive(t *testing.T) {
	c, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	size, ok := c.Lab.SizeNamed("Medium")
	require.True(t, ok)
	require.Equal(t, "medium", size.Name)

	_, ok = c.Lab.SizeNamed("gargantuan")
	require.False(t, ok)
}

func TestFilterPolicy(t *testing.T) {
	content := minimalConfig + `
  filter:
    weekly:
      number: 3
      age: 1440h
    release:
      cutoffVersion: 23.0.0
`
	c, err := Load(writeConfig(t, content))
	require.NoError(t, err)

	policy, err := c.Images.FilterPolicy()
	require.NoError(t, err)
	require.NotNil(t, policy.Weekly)
	require.Equal(t, 3, policy.Weekly.Number)
	require.Equal(t, 1440*time.Hour, policy.Weekly.Age)
	require.NotNil(t, policy.Release)
	require.Equal(t, uint64(23), policy.Release.CutoffVersion.Major())
	require.Nil(t, policy.Daily)
}
