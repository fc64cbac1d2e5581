package testing

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/flipover-io/flipover/api/v1alpha1"
	"github.com/flipover-io/flipover/pkg/manifest"
)

// Deployment builds a live Deployment of a deploy group.
// Empty group, id or originalName leave the label or annotation unset.
func Deployment(name, group, id, originalName string, created time.Time) *manifest.Manifest {
	labels := map[string]interface{}{}
	if group != "" {
		labels[v1alpha1.DeployGroupLabel] = group
	}
	if id != "" {
		labels[v1alpha1.DeployIDLabel] = id
	}
	templateLabels := map[string]interface{}{}
	for k, v := range labels {
		templateLabels[k] = v
	}

	m := manifest.New(map[string]interface{}{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]interface{}{
			"name":   name,
			"labels": labels,
		},
		"spec": map[string]interface{}{
			"replicas": int64(1),
			"selector": map[string]interface{}{
				"matchLabels": map[string]interface{}{v1alpha1.DeployGroupLabel: group},
			},
			"template": map[string]interface{}{
				"metadata": map[string]interface{}{"labels": templateLabels},
				"spec": map[string]interface{}{
					"containers": []interface{}{
						map[string]interface{}{"name": "app", "image": "registry.local/" + group + ":" + id},
					},
				},
			},
		},
	})
	if originalName != "" {
		m.SetAnnotation(v1alpha1.OriginalNameAnnotation, originalName)
	}
	if !created.IsZero() {
		m.SetCreationTimestamp(metav1.NewTime(created))
	}
	return m
}

// Service builds a Service with the given selector.
// A zero lastUpdated leaves the annotation unset.
func Service(name string, selector map[string]string, lastUpdated time.Time) *manifest.Manifest {
	sel := map[string]interface{}{}
	for k, v := range selector {
		sel[k] = v
	}
	m := manifest.New(map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata": map[string]interface{}{
			"name": name,
		},
		"spec": map[string]interface{}{
			"selector": sel,
			"ports": []interface{}{
				map[string]interface{}{"port": int64(80)},
			},
		},
	})
	if !lastUpdated.IsZero() {
		m.SetAnnotation(v1alpha1.LastUpdatedAnnotation, lastUpdated.UTC().Format(time.RFC3339))
	}
	return m
}

// Pod builds a Pod carrying labels.
func Pod(name string, labels map[string]string) *manifest.Manifest {
	m := manifest.New(map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Pod",
		"metadata": map[string]interface{}{
			"name": name,
		},
	})
	m.SetLabels(labels)
	return m
}

// Namespace builds a Namespace.
func Namespace(name string) *manifest.Manifest {
	return manifest.New(map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Namespace",
		"metadata":   map[string]interface{}{"name": name},
	})
}

// MarkAvailable sets a Deployment's status so that it reports available.
// Other kinds are left untouched; use it as FakeCluster.OnApply.
func MarkAvailable(m *manifest.Manifest) {
	if !m.Is(manifest.KindDeployment) {
		return
	}
	replicas, found, _ := unstructured.NestedInt64(m.Object, "spec", "replicas")
	if !found {
		replicas = 1
	}
	m.Object["status"] = map[string]interface{}{
		"observedGeneration": m.GetGeneration(),
		"replicas":           replicas,
		"updatedReplicas":    replicas,
		"availableReplicas":  replicas,
		"readyReplicas":      replicas,
		"conditions": []interface{}{
			map[string]interface{}{"type": "Available", "status": "True"},
		},
	}
}
