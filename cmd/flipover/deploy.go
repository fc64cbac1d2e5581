package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/flipover-io/flipover/pkg/annotator"
	"github.com/flipover-io/flipover/pkg/audit"
	"github.com/flipover-io/flipover/pkg/cluster"
	"github.com/flipover-io/flipover/pkg/config"
	"github.com/flipover-io/flipover/pkg/driver"
	"github.com/flipover-io/flipover/pkg/manifest"
	"github.com/flipover-io/flipover/pkg/metrics"
	"github.com/flipover-io/flipover/pkg/strategy"
)

// rolloutFlags override config file values when set.
type rolloutFlags struct {
	cluster   string
	strategy  string
	deployID  string
	uuid      string
	commit    string
	workDir   string
	pushgw    string
	audit     bool
	timeout   time.Duration
	manifests string
}

func (f *rolloutFlags) addFlags(flags *pflag.FlagSet) {
	flags.StringVar(&f.cluster, "cluster", "", "Name of the target cluster, reported to the audit log")
	flags.StringVar(&f.strategy, "strategy", "", fmt.Sprintf("Rollout strategy, one of %v", strategy.Names()))
	flags.StringVar(&f.deployID, "deploy-id", "", "Deploy id appended to Deployment names")
	flags.StringVar(&f.uuid, "uuid", "", "Rollout id (default: generated)")
	flags.StringVar(&f.commit, "commit", "", "Source commit of the manifests")
	flags.StringVar(&f.workDir, "work-dir", "", "Directory for rendered manifests (default: temporary)")
	flags.StringVar(&f.pushgw, "pushgateway-url", "", "Prometheus Pushgateway to push rollout metrics to")
	flags.BoolVar(&f.audit, "audit", false, "Send deploy records to the configured audit service")
	flags.DurationVar(&f.timeout, "timeout", 0, "How long to wait for Deployments to become available, e.g. 5m")
	flags.StringVarP(&f.manifests, "filename", "f", "", "Manifest file or directory")
}

// apply copies every flag the user set into cfg.
func (f *rolloutFlags) apply(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("cluster") {
		cfg.Cluster = f.cluster
	}
	if flags.Changed("strategy") {
		cfg.Strategy = f.strategy
	}
	if flags.Changed("deploy-id") {
		cfg.DeployID = f.deployID
	}
	if flags.Changed("uuid") {
		cfg.UUID = f.uuid
	}
	if flags.Changed("commit") {
		cfg.Commit = f.commit
	}
	if flags.Changed("work-dir") {
		cfg.WorkDir = f.workDir
	}
	if flags.Changed("pushgateway-url") {
		cfg.Metrics.PushgatewayURL = f.pushgw
	}
	if flags.Changed("audit") {
		cfg.Audit.Enabled = f.audit
	}
	if flags.Changed("timeout") {
		cfg.Availability.Timeout = f.timeout
	}
	if flags.Changed("filename") {
		cfg.Manifests = f.manifests
	}
}

func newDeployCommand(opts *globalOptions) *cobra.Command {
	flags := &rolloutFlags{}
	cmd := &cobra.Command{
		Use:   "deploy [-f manifests]",
		Short: "Roll out a new revision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rolloutConfig(opts, flags, cmd.Flags(), false)
			if err != nil {
				return err
			}
			return runRollout(cmd.Context(), opts, cfg, cmd.OutOrStdout())
		},
	}
	flags.addFlags(cmd.Flags())
	return cmd
}

func newRollbackCommand(opts *globalOptions) *cobra.Command {
	flags := &rolloutFlags{}
	cmd := &cobra.Command{
		Use:   "rollback --deploy-id ID [-f manifests]",
		Short: "Route traffic back to a previous revision and delete newer ones",
		Long: `Rollback re-applies the manifests of a previous revision. The Deployment of
that revision is reused when it still exists, its Services are cut over, and
every newer revision of the same deploy group is deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rolloutConfig(opts, flags, cmd.Flags(), true)
			if err != nil {
				return err
			}
			return runRollout(cmd.Context(), opts, cfg, cmd.OutOrStdout())
		},
	}
	flags.addFlags(cmd.Flags())
	return cmd
}

// rolloutConfig merges the config file with flags and validates the result.
func rolloutConfig(opts *globalOptions, flags *rolloutFlags, fs *pflag.FlagSet, rollback bool) (*config.Config, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	flags.apply(fs, cfg)
	if rollback {
		cfg.Rollback = true
		if cfg.DeployID == "" {
			return nil, errors.New("rollback requires a deploy id")
		}
	}
	if cfg.Manifests == "" {
		return nil, errors.New("no manifests given, use --filename or set manifests in the config file")
	}
	if cfg.UUID == "" {
		cfg.UUID = uuid.NewString()
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runRollout(ctx context.Context, opts *globalOptions, cfg *config.Config, out io.Writer) error {
	manifests, err := manifest.LoadPath(cfg.Manifests)
	if err != nil {
		return err
	}
	c, err := opts.clusterClient(cfg.Namespace)
	if err != nil {
		return err
	}
	return rollout(ctx, opts, cfg, c, manifests, out)
}

// rollout wires a driver for cfg and runs it against c.
func rollout(ctx context.Context, opts *globalOptions, cfg *config.Config, c cluster.Client, manifests []*manifest.Manifest, out io.Writer) error {
	log := opts.log.WithValues("uuid", cfg.UUID)
	recorder := metrics.NewRecorder()

	s, err := strategy.New(cfg.Strategy, strategy.Options{
		DeployID:   cfg.DeployID,
		IsRollback: cfg.Rollback,
		Client:     c,
		Log:        log,
		Metrics:    recorder,
	})
	if err != nil {
		return err
	}
	a, err := annotator.New(annotator.Config{
		Strategy: s,
		UUID:     cfg.UUID,
		Commit:   cfg.Commit,
		Log:      log,
	})
	if err != nil {
		return err
	}
	notifier, err := audit.New(audit.Config{
		Enabled:       cfg.Audit.Enabled,
		URL:           cfg.Audit.URL,
		Secret:        cfg.Audit.Secret,
		CAFile:        cfg.Audit.CAFile,
		Timeout:       cfg.Audit.Timeout,
		RetryCount:    cfg.Audit.RetryCount,
		RetryInterval: cfg.Audit.RetryInterval,
		UUID:          cfg.UUID,
		IsRollback:    cfg.Rollback,
		Log:           log,
	})
	if err != nil {
		return err
	}
	d, err := driver.New(driver.Config{
		Client:       c,
		Strategy:     s,
		Annotator:    a,
		Notifier:     notifier,
		ClusterName:  cfg.Cluster,
		Metrics:      recorder,
		WorkDir:      cfg.WorkDir,
		Timeout:      cfg.Availability.Timeout,
		PollInterval: cfg.Availability.PollInterval,
		Log:          log,
	})
	if err != nil {
		return err
	}

	result, runErr := d.Run(ctx, manifests)
	if err := recorder.Push(ctx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
		log.Error(err, "Failed to push metrics", "url", cfg.Metrics.PushgatewayURL)
	}
	if result != nil {
		printResult(out, result)
	}
	return runErr
}

func printResult(out io.Writer, r *driver.Result) {
	for _, line := range []struct {
		label string
		names []string
	}{
		{"applied", r.Applied},
		{"deferred", r.Deferred},
		{"skipped", r.Skipped},
		{"unchanged", r.Unchanged},
	} {
		if len(line.names) == 0 {
			continue
		}
		_, _ = fmt.Fprintf(out, "%-10s %v\n", line.label+":", line.names)
	}
}
