// Package strategy implements the rollout strategies the driver delegates to.
//
// A strategy decides how each manifest is named, whether its apply step is
// skipped or deferred, and what happens once every applied Deployment is
// available.
package strategy

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/flipover-io/flipover/pkg/cluster"
	"github.com/flipover-io/flipover/pkg/manifest"
	"github.com/flipover-io/flipover/pkg/metrics"
)

// Strategy is implemented by every rollout strategy.
//
// Annotate, SkipDeploy and PreDeploy may be called concurrently for different
// manifests. AllAvailable is called exactly once, after every per-manifest
// hook has returned and every applied Deployment is available.
type Strategy interface {
	// Name returns the stable identifier of the strategy.
	Name() string
	// Annotate may rewrite the manifest, including its name, before it is
	// compared with the cluster.
	Annotate(m *manifest.Manifest) *manifest.Manifest
	// SkipDeploy reports whether the apply step of m is skipped entirely.
	SkipDeploy(m *manifest.Manifest, found bool, differences string) bool
	// PreDeploy reports whether the apply of m is deferred. A deferred
	// manifest must not be applied by the caller; renderedPath is the file
	// the strategy applies later.
	PreDeploy(ctx context.Context, m *manifest.Manifest, found bool, differences string, renderedPath string) (bool, error)
	// AllAvailable performs deferred applies and post-rollout cleanup.
	AllAvailable(ctx context.Context, manifests []*manifest.Manifest) error
}

// Options configures a strategy for one rollout.
type Options struct {
	// DeployID identifies the rollout. When empty, Deployments keep their names.
	DeployID string
	// IsRollback selects rollback cleanup instead of backup pruning.
	IsRollback bool
	// Client is the cluster the rollout targets. It is shared, not owned.
	Client cluster.Client
	// Log receives progress events. If nil, a noop logger is used.
	Log logr.Logger
	// Metrics records cleanup and cutover counts. May be nil.
	Metrics *metrics.Recorder
}

func (o Options) logger() logr.Logger {
	if o.Log.GetSink() == nil {
		return logr.Discard()
	}
	return o.Log
}

// Names returns the names of the known strategies.
func Names() []string {
	return []string{FastRollbackName, RollingUpdateName}
}

// New returns the strategy registered under name.
func New(name string, opts Options) (Strategy, error) {
	switch name {
	case FastRollbackName:
		return NewFastRollback(opts), nil
	case RollingUpdateName:
		return NewRollingUpdate(opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}
