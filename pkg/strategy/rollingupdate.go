package strategy

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/flipover-io/flipover/pkg/manifest"
)

// RollingUpdateName identifies the rolling-update strategy.
const RollingUpdateName = "rolling-update"

// RollingUpdate applies every manifest in place and leaves replacement of
// pods to the Deployment controller.
type RollingUpdate struct {
	log logr.Logger
}

// NewRollingUpdate creates a RollingUpdate strategy.
func NewRollingUpdate(opts Options) *RollingUpdate {
	return &RollingUpdate{log: opts.logger().WithName(RollingUpdateName)}
}

// Name implements Strategy.
func (s *RollingUpdate) Name() string { return RollingUpdateName }

// Annotate implements Strategy.
func (s *RollingUpdate) Annotate(m *manifest.Manifest) *manifest.Manifest { return m }

// SkipDeploy implements Strategy.
func (s *RollingUpdate) SkipDeploy(*manifest.Manifest, bool, string) bool { return false }

// PreDeploy implements Strategy.
func (s *RollingUpdate) PreDeploy(context.Context, *manifest.Manifest, bool, string, string) (bool, error) {
	return false, nil
}

// AllAvailable implements Strategy.
func (s *RollingUpdate) AllAvailable(_ context.Context, manifests []*manifest.Manifest) error {
	s.log.V(1).Info("all manifests available", "count", len(manifests))
	return nil
}

var _ Strategy = (*RollingUpdate)(nil)
