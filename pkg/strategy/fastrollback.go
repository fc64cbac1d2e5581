package strategy

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/flipover-io/flipover/pkg/cluster"
	"github.com/flipover-io/flipover/pkg/manifest"
	"github.com/flipover-io/flipover/pkg/metrics"
)

const (
	// FastRollbackName identifies the fast-rollback strategy.
	FastRollbackName = "fast-rollback"

	// NumDesiredReserve is the number of backup Deployments kept per deploy
	// group after a forward rollout.
	NumDesiredReserve = 3
)

// pendingService is a Service whose apply was deferred until cutover.
type pendingService struct {
	manifest     *manifest.Manifest
	renderedPath string
}

// FastRollback is a blue/green strategy. Every rollout creates a new
// Deployment named after the deploy id; existing Services are switched to it
// only once all Deployments are available. Previous revisions are kept as
// backups so that a rollback only needs to re-point Services.
//
// A FastRollback instance serves exactly one rollout.
type FastRollback struct {
	deployID   string
	isRollback bool
	client     cluster.Client
	log        logr.Logger
	metrics    *metrics.Recorder

	mu          sync.Mutex
	deployments []*manifest.Manifest
	services    []pendingService
}

// NewFastRollback creates a FastRollback strategy for one rollout.
func NewFastRollback(opts Options) *FastRollback {
	return &FastRollback{
		deployID:   opts.DeployID,
		isRollback: opts.IsRollback,
		client:     opts.Client,
		log:        opts.logger().WithName(FastRollbackName),
		metrics:    opts.Metrics,
	}
}

// Name implements Strategy.
func (s *FastRollback) Name() string { return FastRollbackName }

// Annotate implements Strategy. Deployments get the deploy id appended to
// their name so that each rollout runs next to the previous revision.
func (s *FastRollback) Annotate(m *manifest.Manifest) *manifest.Manifest {
	if m.Is(manifest.KindDeployment) && s.deployID != "" {
		m.SetName(m.GetName() + "-" + s.deployID)
	}
	return m
}

// SkipDeploy implements Strategy. Deployments are always tracked for cleanup.
// A Deployment that already exists under its deploy id name is skipped.
func (s *FastRollback) SkipDeploy(m *manifest.Manifest, found bool, _ string) bool {
	if !m.Is(manifest.KindDeployment) {
		return false
	}

	s.mu.Lock()
	s.deployments = append(s.deployments, m)
	s.mu.Unlock()

	if found {
		s.log.Info("Deployment already exists in the cluster, skipping", "deployment", m.GetName())
		return true
	}
	return false
}

// PreDeploy implements Strategy. New Services are applied right away;
// existing ones are deferred until AllAvailable.
func (s *FastRollback) PreDeploy(_ context.Context, m *manifest.Manifest, found bool, _ string, renderedPath string) (bool, error) {
	if !m.Is(manifest.KindService) || !found {
		return false, nil
	}

	s.log.Info("Waiting for all deployments to be available before deploying service", "service", m.GetName())
	s.mu.Lock()
	s.services = append(s.services, pendingService{manifest: m, renderedPath: renderedPath})
	s.mu.Unlock()
	return true, nil
}

// AllAvailable implements Strategy. It cuts deferred Services over, then
// deletes newer revisions on rollback or prunes backups otherwise.
func (s *FastRollback) AllAvailable(ctx context.Context, _ []*manifest.Manifest) error {
	deployments, services := s.snapshot()

	if err := s.deployServices(ctx, services); err != nil {
		s.log.Error(err, "Aborting service cutover")
		return err
	}
	s.log.Info("Deployed services after all deployments became available", "count", len(services))

	if s.isRollback {
		deleted, err := s.deleteNewer(ctx, deployments)
		if err != nil {
			s.log.Error(err, "Aborting deletion of newer deployments")
			return err
		}
		s.log.Info("Rollback cleanup finished", "deleted", deleted)
		return nil
	}

	deleted, err := s.deleteBackups(ctx, deployments)
	if err != nil {
		s.log.Error(err, "Aborting deletion of backup deployments")
		return err
	}
	s.log.Info("Backup cleanup finished", "deleted", deleted)
	return nil
}

// Deployments returns the Deployments tracked so far.
func (s *FastRollback) Deployments() []*manifest.Manifest {
	deployments, _ := s.snapshot()
	return deployments
}

func (s *FastRollback) snapshot() ([]*manifest.Manifest, []pendingService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*manifest.Manifest(nil), s.deployments...),
		append([]pendingService(nil), s.services...)
}

var _ Strategy = (*FastRollback)(nil)
