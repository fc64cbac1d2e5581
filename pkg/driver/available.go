package driver

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/ptr"

	"github.com/flipover-io/flipover/pkg/manifest"
)

// waitForAvailable polls until every named Deployment is available.
func (d *Driver) waitForAvailable(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	pending := make(map[string]bool, len(names))
	for _, name := range names {
		pending[name] = true
	}
	d.log.Info("Waiting for deployments to become available", "deployments", names, "timeout", d.config.Timeout)

	err := wait.PollUntilContextTimeout(ctx, d.config.PollInterval, d.config.Timeout, true, func(ctx context.Context) (bool, error) {
		for name := range pending {
			live, err := d.config.Client.Get(ctx, manifest.KindDeployment, name)
			if err != nil {
				return false, err
			}
			ok, err := IsAvailable(live)
			if err != nil {
				return false, err
			}
			if ok {
				d.log.V(1).Info("Deployment available", "deployment", name)
				delete(pending, name)
			}
		}
		return len(pending) == 0, nil
	})
	if err != nil {
		remaining := make([]string, 0, len(pending))
		for name := range pending {
			remaining = append(remaining, name)
		}
		return fmt.Errorf("deployments %v not available: %w", sorted(remaining), err)
	}
	return nil
}

// IsAvailable reports whether a live Deployment has rolled out: its latest
// generation is observed, all desired replicas are updated and available,
// and the Available condition is true.
func IsAvailable(m *manifest.Manifest) (bool, error) {
	var dep appsv1.Deployment
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(m.Object, &dep); err != nil {
		return false, fmt.Errorf("failed to convert %s: %w", m, err)
	}

	if dep.Status.ObservedGeneration < dep.Generation {
		return false, nil
	}
	desired := ptr.Deref(dep.Spec.Replicas, 1)
	if dep.Status.UpdatedReplicas < desired || dep.Status.AvailableReplicas < desired {
		return false, nil
	}
	for _, c := range dep.Status.Conditions {
		if c.Type == appsv1.DeploymentAvailable {
			return c.Status == corev1.ConditionTrue, nil
		}
	}
	return false, nil
}
