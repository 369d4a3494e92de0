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

// Package builder constructs the Kubernetes objects of one user lab.
// Construction is pure: identical inputs yield identical objects, so the
// reconciler and tests can reason about what a lab should look like.
package builder

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/lsst-sqre/nublado/pkg/config"
	"github.com/lsst-sqre/nublado/pkg/gafaelfawr"
	"github.com/lsst-sqre/nublado/pkg/rspimage"
)

const (
	// LabPort is the in-pod JupyterLab port.
	LabPort = 8888

	// CategoryLabel marks every object the controller owns.
	CategoryLabel = "nublado.lsst.io/category"
	// UserLabel names the owning user on lab objects.
	UserLabel = "nublado.lsst.io/user"

	// CategoryLab and CategoryPrepuller are the CategoryLabel values.
	CategoryLab       = "lab"
	CategoryPrepuller = "prepuller"

	defaultCommand   = "/opt/lsst/software/jupyterlab/runlab.sh"
	defaultConfigDir = "/opt/lsst/software/jupyterlab"
)

// Resources is the derived cpu/memory envelope of a lab.
type Resources struct {
	CPULimit      resource.Quantity
	CPURequest    resource.Quantity
	MemoryLimit   resource.Quantity
	MemoryRequest resource.Quantity
}

// Input is everything object construction depends on.
type Input struct {
	User  *gafaelfawr.UserInfo
	Token string
	Image *rspimage.Image
	Size  config.LabSize

	Resources Resources

	// Env is the user-supplied environment. Controller-set keys win on
	// conflict.
	Env map[string]string

	EnableDebug  bool
	ResetUserEnv bool

	// ExtraSecretData carries projected controller-namespace secret
	// values, keyed by the target key.
	ExtraSecretData map[string][]byte
}

// Builder derives names, paths, and objects from the runtime config.
type Builder struct {
	cfg *config.Config
}

// New builds a Builder.
func New(cfg *config.Config) *Builder {
	return &Builder{cfg: cfg}
}

// Namespace is the per-user lab namespace name.
func (b *Builder) Namespace(username string) string {
	return b.cfg.Lab.NamespacePrefix + "-" + username
}

// UsernameForNamespace inverts Namespace, reporting false for namespaces
// outside the lab prefix.
func (b *Builder) UsernameForNamespace(namespace string) (string, bool) {
	prefix := b.cfg.Lab.NamespacePrefix + "-"
	if !strings.HasPrefix(namespace, prefix) || len(namespace) == len(prefix) {
		return "", false
	}
	return namespace[len(prefix):], true
}

// PodName is the lab pod name for a user.
func (b *Builder) PodName(username string) string {
	return username + "-nb"
}

// InternalURL is the in-cluster URL of the user's lab.
func (b *Builder) InternalURL(username string) string {
	return fmt.Sprintf("http://lab.%s:%d", b.Namespace(username), LabPort)
}

// HomeDir derives the user's home path per the configured schema.
func (b *Builder) HomeDir(username string) string {
	prefix := b.cfg.Lab.HomedirPrefix
	initial := username[:1]
	switch b.cfg.Lab.HomedirSchema {
	case config.HomedirInitialThenUsername:
		return path.Join(prefix, initial, username)
	case config.HomedirInitialThenUsernameNested:
		return path.Join(prefix, initial, username, username)
	default:
		return path.Join(prefix, username)
	}
}

// LabResources computes the resource envelope for a size, capped by the
// user's notebook quota when one is set, with requests scaled down from
// limits by the configured fraction.
func (b *Builder) LabResources(size config.LabSize, quota *gafaelfawr.NotebookQuota) Resources {
	cpuLimit := size.CPU.DeepCopy()
	memLimit := size.Memory.DeepCopy()
	if quota != nil {
		if quotaCPU := resource.NewMilliQuantity(int64(quota.CPU*1000), resource.DecimalSI); quotaCPU.Cmp(cpuLimit) < 0 {
			cpuLimit = *quotaCPU
		}
		if quotaMem := resource.NewQuantity(quota.Memory, resource.BinarySI); quotaMem.Cmp(memLimit) < 0 {
			memLimit = *quotaMem
		}
	}
	fraction := b.cfg.Lab.RequestFraction
	return Resources{
		CPULimit:      cpuLimit,
		CPURequest:    *resource.NewMilliQuantity(int64(float64(cpuLimit.MilliValue())*fraction), resource.DecimalSI),
		MemoryLimit:   memLimit,
		MemoryRequest: *resource.NewQuantity(int64(float64(memLimit.Value())*fraction), resource.BinarySI),
	}
}

func (b *Builder) labels(username string) map[string]string {
	return map[string]string{
		CategoryLabel: CategoryLab,
		UserLabel:     username,
	}
}

func (b *Builder) objectMeta(name, username string) metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Name:      name,
		Namespace: b.Namespace(username),
		Labels:    b.labels(username),
	}
}

// BuildObjects produces the complete object list of one lab, in creation
// order: namespace first, the pod last.
func (b *Builder) BuildObjects(in Input) []runtime.Object {
	username := in.User.Username
	return []runtime.Object{
		b.buildNamespace(username),
		b.buildQuota(username, in.Resources),
		b.buildNetworkPolicy(username),
		b.buildService(username),
		b.buildSecret(in),
		b.buildEnvConfigMap(in),
		b.buildFilesConfigMap(username),
		b.buildNSSConfigMap(in),
		b.buildPod(in),
	}
}

func (b *Builder) buildNamespace(username string) *corev1.Namespace {
	return &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   b.Namespace(username),
			Labels: b.labels(username),
		},
	}
}

func (b *Builder) buildQuota(username string, res Resources) *corev1.ResourceQuota {
	return &corev1.ResourceQuota{
		ObjectMeta: b.objectMeta(b.PodName(username), username),
		Spec: corev1.ResourceQuotaSpec{
			Hard: corev1.ResourceList{
				corev1.ResourceLimitsCPU:    res.CPULimit,
				corev1.ResourceLimitsMemory: res.MemoryLimit,
			},
		},
	}
}

// buildNetworkPolicy admits only traffic to the lab port, from anywhere
// the cluster CNI routes; the hub proxies all user traffic.
func (b *Builder) buildNetworkPolicy(username string) *networkingv1.NetworkPolicy {
	port := intstr.FromInt32(LabPort)
	protocol := corev1.ProtocolTCP
	return &networkingv1.NetworkPolicy{
		ObjectMeta: b.objectMeta(b.PodName(username), username),
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: b.labels(username)},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress},
			Ingress: []networkingv1.NetworkPolicyIngressRule{
				{
					Ports: []networkingv1.NetworkPolicyPort{
						{Protocol: &protocol, Port: &port},
					},
				},
			},
		},
	}
}

func (b *Builder) buildService(username string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: b.objectMeta("lab", username),
		Spec: corev1.ServiceSpec{
			Selector: b.labels(username),
			Ports: []corev1.ServicePort{
				{
					Port:       LabPort,
					TargetPort: intstr.FromInt32(LabPort),
					Protocol:   corev1.ProtocolTCP,
				},
			},
		},
	}
}

func (b *Builder) buildSecret(in Input) *corev1.Secret {
	username := in.User.Username
	data := map[string][]byte{
		"token": []byte(in.Token),
	}
	for key, value := range in.ExtraSecretData {
		if key == "token" {
			continue
		}
		data[key] = value
	}
	return &corev1.Secret{
		ObjectMeta: b.objectMeta(b.PodName(username), username),
		Type:       corev1.SecretTypeOpaque,
		Data:       data,
	}
}

func (b *Builder) configDir() string {
	if b.cfg.Lab.ConfigDir != "" {
		return b.cfg.Lab.ConfigDir
	}
	return defaultConfigDir
}

func (b *Builder) buildEnvConfigMap(in Input) *corev1.ConfigMap {
	username := in.User.Username
	data := make(map[string]string, len(in.Env)+16)
	for key, value := range in.Env {
		data[key] = value
	}
	// Controller-derived values override whatever the caller sent.
	data["JUPYTER_IMAGE_SPEC"] = in.Image.ReferenceWithDigest()
	data["IMAGE_DIGEST"] = in.Image.Digest
	data["IMAGE_DESCRIPTION"] = in.Image.DisplayName
	data["JUPYTERLAB_CONFIG_DIR"] = b.configDir()
	data["EXTERNAL_INSTANCE_URL"] = b.cfg.BaseURL
	data["DEBUG"] = strconv.FormatBool(in.EnableDebug)
	data["RESET_USER_ENV"] = strconv.FormatBool(in.ResetUserEnv)
	data["CONTAINER_SIZE"] = in.Size.Name
	data["CPU_GUARANTEE"] = in.Resources.CPURequest.String()
	data["CPU_LIMIT"] = in.Resources.CPULimit.String()
	data["MEM_GUARANTEE"] = in.Resources.MemoryRequest.String()
	data["MEM_LIMIT"] = in.Resources.MemoryLimit.String()
	if b.cfg.Lab.FileBrowserRoot != "" {
		data["FILE_BROWSER_ROOT"] = b.cfg.Lab.FileBrowserRoot
	}
	for key, value := range b.cfg.Lab.Env {
		data[key] = value
	}
	return &corev1.ConfigMap{
		ObjectMeta: b.objectMeta(b.PodName(username)+"-env", username),
		Data:       data,
	}
}

func (b *Builder) buildFilesConfigMap(username string) *corev1.ConfigMap {
	data := make(map[string]string, len(b.cfg.Lab.Files))
	for filePath, contents := range b.cfg.Lab.Files {
		data[fileKey(filePath)] = contents
	}
	return &corev1.ConfigMap{
		ObjectMeta: b.objectMeta(b.PodName(username)+"-files", username),
		Data:       data,
	}
}

// fileKey flattens a mount path into a legal ConfigMap key.
func fileKey(filePath string) string {
	return strings.ReplaceAll(strings.TrimPrefix(filePath, "/"), "/", "_")
}

func (b *Builder) buildPod(in Input) *corev1.Pod {
	username := in.User.Username
	podName := b.PodName(username)
	homeDir := b.HomeDir(username)

	command := b.cfg.Lab.Command
	if len(command) == 0 {
		command = []string{defaultCommand}
	}

	tmpMedium := corev1.StorageMediumMemory
	if b.cfg.Lab.TmpOnDisk {
		tmpMedium = corev1.StorageMediumDefault
	}

	volumes := []corev1.Volume{
		{
			Name: "nss",
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: podName + "-nss"},
				},
			},
		},
		{
			Name: "secrets",
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{SecretName: podName},
			},
		},
		{
			Name: "tmp",
			VolumeSource: corev1.VolumeSource{
				EmptyDir: &corev1.EmptyDirVolumeSource{Medium: tmpMedium},
			},
		},
	}
	mounts := []corev1.VolumeMount{
		{Name: "nss", MountPath: "/etc/passwd", SubPath: "passwd", ReadOnly: true},
		{Name: "nss", MountPath: "/etc/group", SubPath: "group", ReadOnly: true},
		{Name: "secrets", MountPath: b.cfg.Lab.SecretsPath, ReadOnly: true},
		{Name: "tmp", MountPath: "/tmp"},
	}

	// Static files mount one by one so unrelated directory contents
	// survive.
	filePaths := make([]string, 0, len(b.cfg.Lab.Files))
	for filePath := range b.cfg.Lab.Files {
		filePaths = append(filePaths, filePath)
	}
	sort.Strings(filePaths)
	if len(filePaths) > 0 {
		volumes = append(volumes, corev1.Volume{
			Name: "files",
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: podName + "-files"},
				},
			},
		})
		for _, filePath := range filePaths {
			mounts = append(mounts, corev1.VolumeMount{
				Name:      "files",
				MountPath: filePath,
				SubPath:   fileKey(filePath),
				ReadOnly:  true,
			})
		}
	}

	var supplemental []int64
	for _, group := range in.User.Groups {
		// Groups without a GID are authorization-only, same as in the NSS
		// files; zero must not grant the root group.
		if group.ID != 0 && group.ID != in.User.GID {
			supplemental = append(supplemental, group.ID)
		}
	}

	annotations := make(map[string]string, len(b.cfg.Lab.ExtraAnnotations))
	for key, value := range b.cfg.Lab.ExtraAnnotations {
		annotations[key] = value
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        podName,
			Namespace:   b.Namespace(username),
			Labels:      b.labels(username),
			Annotations: annotations,
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                corev1.RestartPolicyOnFailure,
			AutomountServiceAccountToken: ptr.To(false),
			SecurityContext: &corev1.PodSecurityContext{
				RunAsNonRoot:       ptr.To(true),
				RunAsUser:          ptr.To(in.User.UID),
				RunAsGroup:         ptr.To(in.User.GID),
				SupplementalGroups: supplemental,
			},
			Volumes: volumes,
			Containers: []corev1.Container{
				{
					Name:       "notebook",
					Image:      in.Image.ReferenceWithDigest(),
					Command:    command,
					WorkingDir: homeDir,
					EnvFrom: []corev1.EnvFromSource{
						{
							ConfigMapRef: &corev1.ConfigMapEnvSource{
								LocalObjectReference: corev1.LocalObjectReference{Name: podName + "-env"},
							},
						},
					},
					Env: []corev1.EnvVar{
						{Name: "ACCESS_TOKEN", ValueFrom: &corev1.EnvVarSource{
							SecretKeyRef: &corev1.SecretKeySelector{
								LocalObjectReference: corev1.LocalObjectReference{Name: podName},
								Key:                  "token",
							},
						}},
					},
					Ports: []corev1.ContainerPort{
						{Name: "jupyterlab", ContainerPort: LabPort},
					},
					Resources: corev1.ResourceRequirements{
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    in.Resources.CPULimit,
							corev1.ResourceMemory: in.Resources.MemoryLimit,
						},
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    in.Resources.CPURequest,
							corev1.ResourceMemory: in.Resources.MemoryRequest,
						},
					},
					VolumeMounts: mounts,
				},
			},
		},
	}
	return pod
}
