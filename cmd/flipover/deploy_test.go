package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flipover-io/flipover/api/v1alpha1"
	"github.com/flipover-io/flipover/pkg/config"
	"github.com/flipover-io/flipover/pkg/manifest"
	"github.com/flipover-io/flipover/pkg/strategy"
	ftesting "github.com/flipover-io/flipover/pkg/testing"
)

func parseRolloutFlags(t *testing.T, args ...string) (*rolloutFlags, *pflag.FlagSet) {
	t.Helper()
	f := &rolloutFlags{}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.addFlags(fs)
	require.NoError(t, fs.Parse(args))
	return f, fs
}

func TestRolloutConfig(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "flipover.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
cluster: staging
strategy: rolling-update
manifests: ./deploy
availability:
  timeout: 3m
`), 0o600))
	auditFile := filepath.Join(t.TempDir(), "audit.yaml")
	require.NoError(t, os.WriteFile(auditFile, []byte(`
audit:
  enabled: true
  url: https://audit.example.com
`), 0o600))

	tests := []struct {
		name       string
		configFile string
		namespace  string
		args       []string
		rollback   bool
		wantErr    string
		check      func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "flags only",
			args: []string{"-f", "app.yaml", "--deploy-id", "v2", "--commit", "abc123"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, "app.yaml", cfg.Manifests)
				assert.Equal(t, strategy.FastRollbackName, cfg.Strategy)
				assert.Equal(t, "v2", cfg.DeployID)
				assert.Equal(t, "abc123", cfg.Commit)
				assert.Equal(t, config.DefaultNamespace, cfg.Namespace)
				_, err := uuid.Parse(cfg.UUID)
				assert.NoError(t, err, "uuid is generated")
				assert.False(t, cfg.Rollback)
			},
		},
		{
			name:       "flags override config file",
			configFile: configFile,
			namespace:  "shop",
			args:       []string{"--strategy", "fast-rollback", "--uuid", "fixed", "--timeout", "30s"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, "staging", cfg.Cluster)
				assert.Equal(t, "./deploy", cfg.Manifests)
				assert.Equal(t, strategy.FastRollbackName, cfg.Strategy)
				assert.Equal(t, "fixed", cfg.UUID)
				assert.Equal(t, "shop", cfg.Namespace)
				assert.Equal(t, 30*time.Second, cfg.Availability.Timeout)
			},
		},
		{
			name:       "config file values kept",
			configFile: configFile,
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, strategy.RollingUpdateName, cfg.Strategy)
				assert.Equal(t, 3*time.Minute, cfg.Availability.Timeout)
			},
		},
		{
			name:     "rollback",
			args:     []string{"-f", "app.yaml", "--deploy-id", "v1"},
			rollback: true,
			check: func(t *testing.T, cfg *config.Config) {
				assert.True(t, cfg.Rollback)
				assert.Equal(t, "v1", cfg.DeployID)
			},
		},
		{
			name:     "rollback without deploy id",
			args:     []string{"-f", "app.yaml"},
			rollback: true,
			wantErr:  "rollback requires a deploy id",
		},
		{
			name:       "rollback with rolling update",
			configFile: configFile,
			args:       []string{"--deploy-id", "v1"},
			rollback:   true,
			wantErr:    "rollback requires",
		},
		{
			name:    "no manifests",
			args:    []string{"--deploy-id", "v1"},
			wantErr: "no manifests given",
		},
		{
			name:    "unknown strategy",
			args:    []string{"-f", "app.yaml", "--strategy", "canary"},
			wantErr: "invalid strategy",
		},
		{
			name:       "cluster flag completes config file",
			configFile: auditFile,
			args:       []string{"-f", "app.yaml", "--cluster", "prod"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, "prod", cfg.Cluster)
				assert.True(t, cfg.Audit.Enabled)
			},
		},
		{
			name:       "audit config file without cluster",
			configFile: auditFile,
			args:       []string{"-f", "app.yaml"},
			wantErr:    "cluster is required",
		},
		{
			name:    "audit without url",
			args:    []string{"-f", "app.yaml", "--audit"},
			wantErr: "audit: url is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := &globalOptions{configFile: tt.configFile, namespace: tt.namespace}
			f, fs := parseRolloutFlags(t, tt.args...)

			cfg, err := rolloutConfig(opts, f, fs, tt.rollback)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestRollout(t *testing.T) {
	c := ftesting.NewFakeCluster()
	c.OnApply = ftesting.MarkAvailable

	cfg := config.Default()
	cfg.DeployID = "v1"
	cfg.UUID = "f88e3aea-60e5-4832-a8b3-d158034224d3"
	cfg.Commit = "abc123"
	cfg.WorkDir = t.TempDir()

	manifests := []*manifest.Manifest{
		ftesting.Deployment("app", "app", "v1", "", time.Time{}),
		ftesting.Service("app", map[string]string{"service": "app", "id": "v1"}, time.Time{}),
	}

	var out bytes.Buffer
	opts := &globalOptions{log: testr.New(t)}
	require.NoError(t, rollout(context.Background(), opts, cfg, c, manifests, &out))

	assert.Equal(t, "applied:   [app app-v1]\n", out.String())

	live := c.Object(manifest.KindDeployment, "app-v1")
	require.NotNil(t, live)
	got, _ := live.Annotation(v1alpha1.UUIDAnnotation)
	assert.Equal(t, cfg.UUID, got)
	commit, _ := live.Annotation(v1alpha1.CommitAnnotation)
	assert.Equal(t, `"abc123"`, commit)
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCommand()
	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Subset(t, names, []string{"deploy", "rollback", "status"})

	for _, flag := range []string{"config", "kubeconfig", "namespace", "zap-log-level"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
}
