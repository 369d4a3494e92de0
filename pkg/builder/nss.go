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

package builder

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
)

const basePasswd = `root:x:0:0:root:/root:/bin/bash
bin:x:1:1:bin:/bin:/sbin/nologin
daemon:x:2:2:daemon:/sbin:/sbin/nologin
`

const baseGroup = `root:x:0:
bin:x:1:
daemon:x:2:
`

// buildNSSConfigMap renders /etc/passwd and /etc/group with the user's
// identity appended to the configured (or built-in) base files, so the
// lab runs as the user without any in-container user management.
func (b *Builder) buildNSSConfigMap(in Input) *corev1.ConfigMap {
	user := in.User
	passwd := b.cfg.Lab.BasePasswd
	if passwd == "" {
		passwd = basePasswd
	}
	group := b.cfg.Lab.BaseGroup
	if group == "" {
		group = baseGroup
	}

	gecos := user.Name
	if gecos == "" {
		gecos = user.Username
	}
	passwd = ensureNewline(passwd) + fmt.Sprintf("%s:x:%d:%d:%s:%s:/bin/bash\n",
		user.Username, user.UID, user.GID, gecos, b.HomeDir(user.Username))

	var sb strings.Builder
	sb.WriteString(ensureNewline(group))
	primarySeen := false
	for _, g := range user.Groups {
		// Groups without a GID exist only for authorization and have no
		// filesystem meaning.
		if g.ID == 0 {
			continue
		}
		if g.ID == user.GID {
			primarySeen = true
		}
		sb.WriteString(fmt.Sprintf("%s:x:%d:%s\n", g.Name, g.ID, user.Username))
	}
	if !primarySeen {
		sb.WriteString(fmt.Sprintf("%s:x:%d:\n", user.Username, user.GID))
	}

	return &corev1.ConfigMap{
		ObjectMeta: b.objectMeta(b.PodName(user.Username)+"-nss", user.Username),
		Data: map[string]string{
			"passwd": passwd,
			"group":  sb.String(),
		},
	}
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
