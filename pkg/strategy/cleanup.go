package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/flipover-io/flipover/api/v1alpha1"
	"github.com/flipover-io/flipover/pkg/manifest"
	"github.com/flipover-io/flipover/pkg/metrics"
)

// group is a tracked Deployment together with its verified siblings.
type group struct {
	created  metav1.Time
	selector string
	siblings []*manifest.Manifest
}

// deleteNewer deletes, for every tracked Deployment, the siblings created
// strictly after it. It returns the sorted names of all deleted Deployments.
func (s *FastRollback) deleteNewer(ctx context.Context, deployments []*manifest.Manifest) ([]string, error) {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		deleted = sets.New[string]()
	)
	for _, ref := range deployments {
		g.Go(func() error {
			grp, err := s.lookupGroup(ctx, ref)
			if err != nil {
				return err
			}
			log := s.log.WithValues("deployment", ref.GetName())
			log.Info("Found deployments matching the deployment group", "count", len(grp.siblings), "selector", grp.selector)

			var newer []*manifest.Manifest
			for _, sib := range grp.siblings {
				ts := sib.GetCreationTimestamp()
				if ts.After(grp.created.Time) {
					newer = append(newer, sib)
				}
			}
			log.Info("Attempting to delete newer deployments", "count", len(newer))

			names, err := s.deleteAll(ctx, newer, metrics.ReasonNewer)
			mu.Lock()
			deleted.Insert(names...)
			mu.Unlock()
			if err != nil {
				return err
			}
			if len(names) > 0 {
				log.Info("Deleted newer deployments", "count", len(names))
			}
			return nil
		})
	}
	err := g.Wait()
	return sets.List(deleted), err
}

// deleteBackups prunes, for every tracked Deployment, the oldest siblings so
// that NumDesiredReserve of them remain. It returns the sorted names of all
// deleted Deployments.
func (s *FastRollback) deleteBackups(ctx context.Context, deployments []*manifest.Manifest) ([]string, error) {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		deleted = sets.New[string]()
	)
	for _, ref := range deployments {
		g.Go(func() error {
			grp, err := s.lookupGroup(ctx, ref)
			if err != nil {
				return err
			}
			log := s.log.WithValues("deployment", ref.GetName())
			log.Info("Found backup deployments on reserve matching the deployment group", "count", len(grp.siblings), "selector", grp.selector)

			flagged, err := oldestBeyondReserve(grp.siblings)
			if err != nil {
				return err
			}
			if len(flagged) == 0 {
				log.Info("Skipping deletion of older deployments, insufficient backups on reserve", "reserve", NumDesiredReserve)
				return nil
			}
			log.Info("Attempting to delete older deployments", "count", len(flagged))

			names, err := s.deleteAll(ctx, flagged, metrics.ReasonBackup)
			mu.Lock()
			deleted.Insert(names...)
			mu.Unlock()
			if err != nil {
				return err
			}
			log.Info("Deleted older deployments", "count", len(names))
			return nil
		})
	}
	err := g.Wait()
	return sets.List(deleted), err
}

// oldestBeyondReserve sorts siblings oldest first and returns those exceeding
// NumDesiredReserve. siblings is reordered in place.
func oldestBeyondReserve(siblings []*manifest.Manifest) ([]*manifest.Manifest, error) {
	sort.SliceStable(siblings, func(i, j int) bool {
		ti, tj := siblings[i].GetCreationTimestamp(), siblings[j].GetCreationTimestamp()
		return ti.Before(&tj)
	})

	excess := len(siblings) - NumDesiredReserve
	if excess <= 0 {
		return nil, nil
	}
	flagged := siblings[:excess]
	if err := checkReserve(len(siblings), len(flagged)); err != nil {
		return nil, err
	}
	return flagged, nil
}

// checkReserve guards deletions: at least NumDesiredReserve of total
// deployments must survive after flagged are removed.
func checkReserve(total, flagged int) error {
	if total-flagged < NumDesiredReserve {
		return fmt.Errorf("%w: %d of %d flagged, %d must remain", ErrReserveViolation, flagged, total, NumDesiredReserve)
	}
	return nil
}

// lookupGroup reads the live state of ref and lists its verified siblings.
func (s *FastRollback) lookupGroup(ctx context.Context, ref *manifest.Manifest) (*group, error) {
	name := ref.GetName()
	live, err := s.client.Get(ctx, manifest.KindDeployment, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment %s: %w", name, err)
	}

	created := live.GetCreationTimestamp()
	if created.IsZero() {
		return nil, fmt.Errorf("%w: deployment %s is missing creationTimestamp", ErrPrecondition, name)
	}
	groupName, hasGroup := live.Label(v1alpha1.DeployGroupLabel)
	id, hasID := live.Label(v1alpha1.DeployIDLabel)
	if !hasGroup || !hasID {
		return nil, fmt.Errorf("%w: deployment %s is missing the %s or %s label",
			ErrPrecondition, name, v1alpha1.DeployGroupLabel, v1alpha1.DeployIDLabel)
	}

	selector := fmt.Sprintf("%s=%s,%s!=%s", v1alpha1.DeployGroupLabel, groupName, v1alpha1.DeployIDLabel, id)
	candidates, err := s.client.List(ctx, manifest.KindDeployment, selector)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments for %s: %w", name, err)
	}
	siblings, err := VerifyGroupDeployments(candidates, ref)
	if err != nil {
		return nil, err
	}
	return &group{created: created, selector: selector, siblings: siblings}, nil
}

// deleteAll deletes the given Deployments concurrently and returns the names
// that were deleted, along with the first error.
func (s *FastRollback) deleteAll(ctx context.Context, items []*manifest.Manifest, reason string) ([]string, error) {
	var (
		g     errgroup.Group
		mu    sync.Mutex
		names []string
	)
	for _, item := range items {
		g.Go(func() error {
			name := item.GetName()
			if err := s.client.DeleteByName(ctx, manifest.KindDeployment, name); err != nil {
				return fmt.Errorf("failed to delete deployment %s: %w", name, err)
			}
			s.metrics.DeploymentDeleted(reason)
			s.log.Info("Deleted deployment", "deployment", name, "reason", reason)
			mu.Lock()
			names = append(names, name)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	sort.Strings(names)
	return names, err
}
