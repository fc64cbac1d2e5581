// Package manifest provides the resource description type that flows through
// a rollout, along with loading, rendering and diffing helpers.
package manifest

import (
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Manifest is a single Kubernetes resource description.
// The embedded object is mutated in place by annotators and strategies.
type Manifest struct {
	unstructured.Unstructured
}

// New wraps a decoded object.
func New(obj map[string]interface{}) *Manifest {
	return &Manifest{Unstructured: unstructured.Unstructured{Object: obj}}
}

// FromUnstructured wraps u without copying it.
func FromUnstructured(u *unstructured.Unstructured) *Manifest {
	return &Manifest{Unstructured: *u}
}

// Kind returns the parsed resource kind.
func (m *Manifest) Kind() Kind {
	return ParseKind(m.GetKind())
}

// Is reports whether the manifest is of kind k.
func (m *Manifest) Is(k Kind) bool {
	return m.Kind() == k
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	return &Manifest{Unstructured: *m.Unstructured.DeepCopy()}
}

// Annotation returns the value of an annotation and whether it is present.
func (m *Manifest) Annotation(key string) (string, bool) {
	v, ok := m.GetAnnotations()[key]
	return v, ok
}

// SetAnnotation sets a single annotation, keeping the others.
func (m *Manifest) SetAnnotation(key, value string) {
	annotations := m.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	annotations[key] = value
	m.SetAnnotations(annotations)
}

// Label returns the value of a label and whether it is set to a non-empty value.
func (m *Manifest) Label(key string) (string, bool) {
	v := m.GetLabels()[key]
	return v, v != ""
}

// ServiceSelector returns spec.selector of a Service.
func (m *Manifest) ServiceSelector() (map[string]string, error) {
	if !m.Is(KindService) {
		return nil, fmt.Errorf("%s %s has no service selector", m.GetKind(), m.GetName())
	}
	selector, _, err := unstructured.NestedStringMap(m.Object, "spec", "selector")
	if err != nil {
		return nil, fmt.Errorf("invalid spec.selector on service %s: %w", m.GetName(), err)
	}
	return selector, nil
}

// PodTemplateLabels returns spec.template.metadata.labels of a workload.
func (m *Manifest) PodTemplateLabels() map[string]string {
	labels, _, _ := unstructured.NestedStringMap(m.Object, "spec", "template", "metadata", "labels")
	return labels
}

// String returns "Kind/name".
func (m *Manifest) String() string {
	return m.GetKind() + "/" + m.GetName()
}

// Names returns the names of the given manifests in order.
func Names(manifests []*Manifest) []string {
	names := make([]string, 0, len(manifests))
	for _, m := range manifests {
		names = append(names, m.GetName())
	}
	return names
}
