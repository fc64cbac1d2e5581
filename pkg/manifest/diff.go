package manifest

import (
	"github.com/google/go-cmp/cmp"
	utiljson "k8s.io/apimachinery/pkg/util/json"

	"github.com/flipover-io/flipover/api/v1alpha1"
)

// Diff reports how the desired manifest differs from the live resource.
// An empty string means no differences. Both sides are compared by their
// last-applied configuration; a live object without one is compared by its
// spec and identifying metadata.
func Diff(live, desired *Manifest) string {
	return cmp.Diff(appliedConfiguration(live), appliedConfiguration(desired))
}

func appliedConfiguration(m *Manifest) map[string]interface{} {
	if m == nil {
		return nil
	}
	if raw, ok := m.Annotation(v1alpha1.LastAppliedConfigurationAnnotation); ok {
		var obj map[string]interface{}
		if err := utiljson.Unmarshal([]byte(raw), &obj); err == nil {
			return obj
		}
	}

	obj := m.Clone().Object
	delete(obj, "status")
	metadata := map[string]interface{}{"name": m.GetName()}
	if labels := m.GetLabels(); len(labels) > 0 {
		l := make(map[string]interface{}, len(labels))
		for k, v := range labels {
			l[k] = v
		}
		metadata["labels"] = l
	}
	obj["metadata"] = metadata
	return obj
}
