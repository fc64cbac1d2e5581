package manifest

import (
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Kind is the closed set of resource kinds flipover knows how to handle.
type Kind int

const (
	KindUnknown Kind = iota
	KindDeployment
	KindService
	KindJob
	KindCronJob
	KindPod
	KindConfigMap
	KindSecret
	KindNamespace
	KindIngress
	KindDaemonSet
	KindStatefulSet
)

type kindInfo struct {
	name       string
	gvk        schema.GroupVersionKind
	namespaced bool
}

var kinds = map[Kind]kindInfo{
	KindDeployment:  {"Deployment", schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}, true},
	KindService:     {"Service", schema.GroupVersionKind{Version: "v1", Kind: "Service"}, true},
	KindJob:         {"Job", schema.GroupVersionKind{Group: "batch", Version: "v1", Kind: "Job"}, true},
	KindCronJob:     {"CronJob", schema.GroupVersionKind{Group: "batch", Version: "v1", Kind: "CronJob"}, true},
	KindPod:         {"Pod", schema.GroupVersionKind{Version: "v1", Kind: "Pod"}, true},
	KindConfigMap:   {"ConfigMap", schema.GroupVersionKind{Version: "v1", Kind: "ConfigMap"}, true},
	KindSecret:      {"Secret", schema.GroupVersionKind{Version: "v1", Kind: "Secret"}, true},
	KindNamespace:   {"Namespace", schema.GroupVersionKind{Version: "v1", Kind: "Namespace"}, false},
	KindIngress:     {"Ingress", schema.GroupVersionKind{Group: "networking.k8s.io", Version: "v1", Kind: "Ingress"}, true},
	KindDaemonSet:   {"DaemonSet", schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "DaemonSet"}, true},
	KindStatefulSet: {"StatefulSet", schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "StatefulSet"}, true},
}

// ParseKind maps a kind string to a Kind, ignoring case.
// Unrecognised kinds map to KindUnknown.
func ParseKind(s string) Kind {
	for k, info := range kinds {
		if strings.EqualFold(info.name, s) {
			return k
		}
	}
	return KindUnknown
}

// String returns the canonical kind name.
func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return "Unknown"
}

// GroupVersionKind returns the API type served for this kind.
// KindUnknown returns an empty GVK.
func (k Kind) GroupVersionKind() schema.GroupVersionKind {
	return kinds[k].gvk
}

// Namespaced reports whether resources of this kind live in a namespace.
func (k Kind) Namespaced() bool {
	return kinds[k].namespaced
}
