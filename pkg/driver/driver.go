// Package driver runs a rollout: it annotates and applies manifests through a
// strategy, waits for Deployments to become available and hands over to the
// strategy for cutover and cleanup.
package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/flipover-io/flipover/pkg/annotator"
	"github.com/flipover-io/flipover/pkg/audit/v1alpha1"
	"github.com/flipover-io/flipover/pkg/cluster"
	"github.com/flipover-io/flipover/pkg/manifest"
	"github.com/flipover-io/flipover/pkg/metrics"
	"github.com/flipover-io/flipover/pkg/strategy"
)

// Notifier records rollout outcomes.
type Notifier interface {
	Save(ctx context.Context, clusterName string, m *manifest.Manifest, rolloutErr error) (*v1alpha1.DeployRecordResponse, error)
}

// Config configures a Driver.
type Config struct {
	// Client is the target cluster; required.
	Client cluster.Client
	// Strategy is the rollout strategy; required.
	Strategy strategy.Strategy
	// Annotator stamps manifests. Defaults to an Annotator for Strategy
	// without uuid or commit.
	Annotator *annotator.Annotator
	// Notifier receives one record per Deployment after the rollout. May be nil.
	Notifier Notifier
	// ClusterName is reported to the Notifier.
	ClusterName string
	// Metrics records the rollout outcome. May be nil.
	Metrics *metrics.Recorder
	// WorkDir receives rendered manifests. If empty, a temporary directory
	// is created and removed after the rollout.
	WorkDir string
	// Timeout bounds waiting for availability. Default is 10 minutes.
	Timeout time.Duration
	// PollInterval is the interval between availability checks. Default is 2 seconds.
	PollInterval time.Duration
	// Log is the logger. If nil, a noop logger is used.
	Log logr.Logger
}

// Result summarizes what happened to each manifest, by name.
type Result struct {
	Applied   []string
	Skipped   []string
	Deferred  []string
	Unchanged []string
}

// Driver runs rollouts.
type Driver struct {
	config    Config
	annotator *annotator.Annotator
	log       logr.Logger
}

// New creates a Driver.
func New(cfg Config) (*Driver, error) {
	if cfg.Client == nil {
		return nil, errors.New("driver requires a cluster client")
	}
	if cfg.Strategy == nil {
		return nil, errors.New("driver requires a strategy")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	a := cfg.Annotator
	if a == nil {
		var err error
		if a, err = annotator.New(annotator.Config{Strategy: cfg.Strategy, Log: log}); err != nil {
			return nil, err
		}
	}

	return &Driver{
		config:    cfg,
		annotator: a,
		log:       log.WithName("driver"),
	}, nil
}

// Run rolls out manifests. Manifests are annotated in place.
func (d *Driver) Run(ctx context.Context, manifests []*manifest.Manifest) (*Result, error) {
	start := time.Now()
	log := d.log.WithValues("strategy", d.config.Strategy.Name())
	log.Info("Starting rollout", "manifests", len(manifests))

	result, err := d.run(ctx, manifests)

	d.config.Metrics.RolloutFinished(d.config.Strategy.Name(), err, time.Since(start))
	d.audit(ctx, manifests, err)

	if err != nil {
		log.Error(err, "Rollout failed")
		return result, err
	}
	log.Info("Rollout finished",
		"applied", len(result.Applied),
		"skipped", len(result.Skipped),
		"deferred", len(result.Deferred),
		"unchanged", len(result.Unchanged),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return result, nil
}

func (d *Driver) run(ctx context.Context, manifests []*manifest.Manifest) (*Result, error) {
	workDir := d.config.WorkDir
	if workDir == "" {
		dir, err := os.MkdirTemp("", "flipover-")
		if err != nil {
			return nil, fmt.Errorf("failed to create work dir: %w", err)
		}
		defer func() { _ = os.RemoveAll(dir) }()
		workDir = dir
	}

	for _, m := range manifests {
		if _, err := d.annotator.Annotate(m); err != nil {
			return nil, err
		}
	}

	// Namespaces go first so that everything else has somewhere to live.
	var namespaces, others []*manifest.Manifest
	for _, m := range manifests {
		if m.Is(manifest.KindNamespace) {
			namespaces = append(namespaces, m)
		} else {
			others = append(others, m)
		}
	}

	t := &tracker{}
	for _, batch := range [][]*manifest.Manifest{namespaces, others} {
		var g errgroup.Group
		for _, m := range batch {
			g.Go(func() error {
				return d.deploy(ctx, workDir, m, t)
			})
		}
		if err := g.Wait(); err != nil {
			return t.result(), err
		}
	}

	if err := d.waitForAvailable(ctx, t.pending()); err != nil {
		return t.result(), err
	}

	if err := d.config.Strategy.AllAvailable(ctx, manifests); err != nil {
		return t.result(), err
	}
	return t.result(), nil
}

// deploy runs the per-manifest hooks and applies m unless the strategy skips
// or defers it, or it is unchanged.
func (d *Driver) deploy(ctx context.Context, workDir string, m *manifest.Manifest, t *tracker) error {
	kind, name := m.Kind(), m.GetName()
	log := d.log.WithValues("manifest", m.String())

	live, err := d.config.Client.Lookup(ctx, m)
	found := err == nil
	if err != nil && !cluster.IsNotFound(err) {
		return err
	}
	differences := manifest.Diff(live, m)

	if d.config.Strategy.SkipDeploy(m, found, differences) {
		log.Info("Skipping deploy")
		t.add(&t.skipped, name)
		return nil
	}

	path, err := manifest.Render(workDir, m)
	if err != nil {
		return err
	}

	deferred, err := d.config.Strategy.PreDeploy(ctx, m, found, differences, path)
	if err != nil {
		return fmt.Errorf("pre-deploy of %s failed: %w", m, err)
	}
	if deferred {
		log.Info("Deploy deferred by strategy")
		t.add(&t.deferred, name)
		return nil
	}

	if found && differences == "" {
		log.Info("No differences, not applying")
		t.add(&t.unchanged, name)
		return nil
	}

	// Jobs are immutable and named after their content, so they are only
	// ever created.
	if kind == manifest.KindJob {
		_, err = d.config.Client.Create(ctx, path)
	} else {
		_, err = d.config.Client.Apply(ctx, path)
	}
	if err != nil {
		return err
	}
	log.Info("Applied", "found", found)
	t.add(&t.applied, name)
	if kind == manifest.KindDeployment {
		t.add(&t.deployments, name)
	}
	return nil
}

func (d *Driver) audit(ctx context.Context, manifests []*manifest.Manifest, rolloutErr error) {
	if d.config.Notifier == nil {
		return
	}
	var wg sync.WaitGroup
	for _, m := range manifests {
		if !m.Is(manifest.KindDeployment) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.config.Notifier.Save(ctx, d.config.ClusterName, m, rolloutErr); err != nil {
				d.log.Error(err, "Failed to record rollout", "deployment", m.GetName())
			}
		}()
	}
	wg.Wait()
}

// tracker collects per-manifest outcomes from concurrent deploys.
type tracker struct {
	mu sync.Mutex

	applied   []string
	skipped   []string
	deferred  []string
	unchanged []string

	// deployments are the applied Deployments to wait for.
	deployments []string
}

func (t *tracker) add(list *[]string, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	*list = append(*list, name)
}

func (t *tracker) pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sorted(t.deployments)
}

func (t *tracker) result() *Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &Result{
		Applied:   sorted(t.applied),
		Skipped:   sorted(t.skipped),
		Deferred:  sorted(t.deferred),
		Unchanged: sorted(t.unchanged),
	}
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
