package strategy

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/flipover-io/flipover/api/v1alpha1"
	"github.com/flipover-io/flipover/pkg/manifest"
)

// deployServices applies every deferred Service once its selector is known to
// match pods and no newer rollout has touched it. All Services are handled
// concurrently; the first error is returned after every goroutine finished.
func (s *FastRollback) deployServices(ctx context.Context, services []pendingService) error {
	var g errgroup.Group
	for _, svc := range services {
		g.Go(func() error {
			return s.deployService(ctx, svc)
		})
	}
	return g.Wait()
}

func (s *FastRollback) deployService(ctx context.Context, svc pendingService) error {
	name := svc.manifest.GetName()
	log := s.log.WithValues("service", name)

	selector, err := serviceSelector(svc.manifest)
	if err != nil {
		return err
	}

	pods, err := s.client.List(ctx, manifest.KindPod, selector)
	if err != nil {
		return fmt.Errorf("failed to list pods for service %s: %w", name, err)
	}
	log.Info("Verified pods match the service selector", "pods", len(pods), "selector", selector)
	if len(pods) == 0 {
		return fmt.Errorf("%w: service %s selector %q, aborting deploy of service", ErrNoMatchingPods, name, selector)
	}

	live, err := s.client.Get(ctx, manifest.KindService, name)
	if err != nil {
		return fmt.Errorf("failed to get live service %s: %w", name, err)
	}
	if err := checkNotStale(live, svc.manifest); err != nil {
		return err
	}

	if _, err := s.client.Apply(ctx, svc.renderedPath); err != nil {
		return fmt.Errorf("failed to apply service %s: %w", name, err)
	}
	s.metrics.ServiceCutover()
	log.Info("Deployed service after all deployments were available")
	return nil
}

// serviceSelector renders spec.selector of a single Service as "k=v,k=v"
// with sorted keys.
func serviceSelector(m *manifest.Manifest) (string, error) {
	sel, err := m.ServiceSelector()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	if len(sel) == 0 {
		return "", fmt.Errorf("%w: service %s has an empty selector", ErrPrecondition, m.GetName())
	}
	return labels.Set(sel).String(), nil
}

// checkNotStale fails if live carries a last-updated timestamp strictly newer
// than desired's. A live Service without the annotation is never stale.
func checkNotStale(live, desired *manifest.Manifest) error {
	liveValue, ok := live.Annotation(v1alpha1.LastUpdatedAnnotation)
	if !ok {
		return nil
	}
	liveUpdated, err := time.Parse(time.RFC3339, liveValue)
	if err != nil {
		return fmt.Errorf("%w: live service %s has invalid %s %q", ErrPrecondition, live.GetName(), v1alpha1.LastUpdatedAnnotation, liveValue)
	}

	desiredValue, ok := desired.Annotation(v1alpha1.LastUpdatedAnnotation)
	if !ok {
		return fmt.Errorf("%w: service %s is missing %s", ErrPrecondition, desired.GetName(), v1alpha1.LastUpdatedAnnotation)
	}
	desiredUpdated, err := time.Parse(time.RFC3339, desiredValue)
	if err != nil {
		return fmt.Errorf("%w: service %s has invalid %s %q", ErrPrecondition, desired.GetName(), v1alpha1.LastUpdatedAnnotation, desiredValue)
	}

	if liveUpdated.After(desiredUpdated) {
		return fmt.Errorf("%w: service %s last updated %s, this rollout started %s",
			ErrStaleService, live.GetName(), liveValue, desiredValue)
	}
	return nil
}
