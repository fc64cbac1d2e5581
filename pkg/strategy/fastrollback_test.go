package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flipover-io/flipover/api/v1alpha1"
	"github.com/flipover-io/flipover/pkg/manifest"
	"github.com/flipover-io/flipover/pkg/metrics"
	ftesting "github.com/flipover-io/flipover/pkg/testing"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func daysAgo(n int) time.Time {
	return now.Add(-time.Duration(n) * 24 * time.Hour)
}

func newFastRollback(t *testing.T, c *ftesting.FakeCluster, rollback bool) *FastRollback {
	t.Helper()
	return NewFastRollback(Options{
		DeployID:   "v2",
		IsRollback: rollback,
		Client:     c,
		Log:        testr.New(t),
	})
}

// tracked builds the annotated manifest a rollout holds for a Deployment.
func tracked(name, originalName string) *manifest.Manifest {
	return ftesting.Deployment(name, "", "", originalName, time.Time{})
}

// rendered writes m to a temporary file, as the driver does before PreDeploy.
func rendered(t *testing.T, m *manifest.Manifest) string {
	t.Helper()
	path, err := manifest.Render(t.TempDir(), m)
	require.NoError(t, err)
	return path
}

func TestFastRollback_Annotate(t *testing.T) {
	tests := []struct {
		name     string
		deployID string
		in       *manifest.Manifest
		want     string
	}{
		{
			name:     "deployment gets deploy id suffix",
			deployID: "abc123",
			in:       ftesting.Deployment("app", "app", "", "", time.Time{}),
			want:     "app-abc123",
		},
		{
			name:     "deployment without deploy id",
			deployID: "",
			in:       ftesting.Deployment("app", "app", "", "", time.Time{}),
			want:     "app",
		},
		{
			name:     "service unchanged",
			deployID: "abc123",
			in:       ftesting.Service("app", map[string]string{"service": "app"}, time.Time{}),
			want:     "app",
		},
		{
			name:     "pod unchanged",
			deployID: "abc123",
			in:       ftesting.Pod("app", nil),
			want:     "app",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewFastRollback(Options{DeployID: tt.deployID})
			out := s.Annotate(tt.in)
			assert.Same(t, tt.in, out, "annotate mutates in place")
			assert.Equal(t, tt.want, out.GetName())
		})
	}
}

func TestFastRollback_SkipDeploy(t *testing.T) {
	tests := []struct {
		name      string
		in        *manifest.Manifest
		found     bool
		wantSkip  bool
		wantTrack bool
	}{
		{"new deployment", tracked("app-v2", "app"), false, false, true},
		{"existing deployment", tracked("app-v2", "app"), true, true, true},
		{"new service", ftesting.Service("app", nil, time.Time{}), false, false, false},
		{"existing service", ftesting.Service("app", nil, time.Time{}), true, false, false},
		{"existing pod", ftesting.Pod("p", nil), true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewFastRollback(Options{})
			assert.Equal(t, tt.wantSkip, s.SkipDeploy(tt.in, tt.found, ""))
			if tt.wantTrack {
				assert.Equal(t, []string{tt.in.GetName()}, manifest.Names(s.Deployments()))
			} else {
				assert.Empty(t, s.Deployments())
			}
		})
	}
}

func TestFastRollback_SkipDeployConcurrent(t *testing.T) {
	s := NewFastRollback(Options{})

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.SkipDeploy(tracked(fmt.Sprintf("app-%d", i), "app"), i%2 == 0, "")
		}()
	}
	wg.Wait()

	assert.Len(t, s.Deployments(), 50)
}

func TestFastRollback_PreDeploy(t *testing.T) {
	tests := []struct {
		name      string
		in        *manifest.Manifest
		found     bool
		wantDefer bool
	}{
		{"new service applies now", ftesting.Service("app", nil, time.Time{}), false, false},
		{"existing service defers", ftesting.Service("app", nil, time.Time{}), true, true},
		{"existing deployment", tracked("app-v2", "app"), true, false},
		{"new deployment", tracked("app-v2", "app"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewFastRollback(Options{})
			deferred, err := s.PreDeploy(context.Background(), tt.in, tt.found, "", "/tmp/rendered.yaml")
			require.NoError(t, err)
			assert.Equal(t, tt.wantDefer, deferred)

			_, services := s.snapshot()
			if tt.wantDefer {
				require.Len(t, services, 1)
				assert.Equal(t, "/tmp/rendered.yaml", services[0].renderedPath)
			} else {
				assert.Empty(t, services)
			}
		})
	}
}

const cutoverMetric = `# HELP flipover_service_cutovers_total Total number of services switched to a new revision
# TYPE flipover_service_cutovers_total counter
flipover_service_cutovers_total 1
`

func TestDeployServices(t *testing.T) {
	selector := map[string]string{"service": "app", "id": "v2"}
	liveService := ftesting.Service("app", map[string]string{"service": "app", "id": "v1"}, daysAgo(1))

	tests := []struct {
		name        string
		pods        []*manifest.Manifest
		liveUpdated time.Time
		wantErr     error
	}{
		{
			name:        "matching pods and older live service",
			pods:        []*manifest.Manifest{ftesting.Pod("app-v2-x", selector), ftesting.Pod("app-v2-y", selector)},
			liveUpdated: daysAgo(1),
		},
		{
			name:        "live service updated at the same time",
			pods:        []*manifest.Manifest{ftesting.Pod("app-v2-x", selector)},
			liveUpdated: now,
		},
		{
			name: "live service without last-updated",
			pods: []*manifest.Manifest{ftesting.Pod("app-v2-x", selector)},
		},
		{
			name:    "no matching pods",
			pods:    []*manifest.Manifest{ftesting.Pod("app-v1-x", map[string]string{"service": "app", "id": "v1"})},
			wantErr: ErrNoMatchingPods,
		},
		{
			name:        "live service updated by a newer rollout",
			pods:        []*manifest.Manifest{ftesting.Pod("app-v2-x", selector)},
			liveUpdated: now.Add(time.Minute),
			wantErr:     ErrStaleService,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			live := liveService.Clone()
			live.SetAnnotations(nil)
			if !tt.liveUpdated.IsZero() {
				live.SetAnnotation(v1alpha1.LastUpdatedAnnotation, tt.liveUpdated.Format(time.RFC3339))
			}
			c := ftesting.NewFakeCluster(append(tt.pods, live)...)
			recorder := metrics.NewRecorder()
			s := NewFastRollback(Options{Client: c, Log: testr.New(t), Metrics: recorder})

			desired := ftesting.Service("app", selector, now)
			deferred, err := s.PreDeploy(context.Background(), desired, true, "", rendered(t, desired))
			require.NoError(t, err)
			require.True(t, deferred)

			_, services := s.snapshot()
			err = s.deployServices(context.Background(), services)

			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, c.CallsFor("apply", manifest.KindService), "service is never applied")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"app"}, c.CallsFor("apply", manifest.KindService), "applied exactly once")
			got, err := c.Object(manifest.KindService, "app").ServiceSelector()
			require.NoError(t, err)
			assert.Equal(t, selector, got)
			assert.NoError(t, testutil.GatherAndCompare(recorder.Registry(), strings.NewReader(cutoverMetric), "flipover_service_cutovers_total"))
		})
	}
}

func TestDeployServices_SelectorPerService(t *testing.T) {
	c := ftesting.NewFakeCluster(
		ftesting.Pod("a-1", map[string]string{"service": "a"}),
		ftesting.Pod("b-1", map[string]string{"service": "b", "tier": "web"}),
		ftesting.Service("a", nil, time.Time{}),
		ftesting.Service("b", nil, time.Time{}),
	)
	s := NewFastRollback(Options{Client: c, Log: testr.New(t)})

	for _, svc := range []*manifest.Manifest{
		ftesting.Service("a", map[string]string{"service": "a"}, now),
		ftesting.Service("b", map[string]string{"tier": "web", "service": "b"}, now),
	} {
		_, err := s.PreDeploy(context.Background(), svc, true, "", rendered(t, svc))
		require.NoError(t, err)
	}

	_, services := s.snapshot()
	require.NoError(t, s.deployServices(context.Background(), services))
	assert.Equal(t, []string{"service=a", "service=b,tier=web"}, c.CallsFor("list", manifest.KindPod))
	assert.Equal(t, []string{"a", "b"}, c.CallsFor("apply", manifest.KindService))
}

func TestDeployServices_Errors(t *testing.T) {
	t.Run("empty selector", func(t *testing.T) {
		c := ftesting.NewFakeCluster()
		s := NewFastRollback(Options{Client: c})
		svc := ftesting.Service("app", nil, now)
		err := s.deployServices(context.Background(), []pendingService{{manifest: svc, renderedPath: rendered(t, svc)}})
		assert.ErrorIs(t, err, ErrPrecondition)
		assert.Empty(t, c.Calls())
	})

	t.Run("transport error is returned", func(t *testing.T) {
		boom := errors.New("connection refused")
		c := ftesting.NewFakeCluster()
		c.FailOn("list", manifest.KindPod, "", boom)
		s := NewFastRollback(Options{Client: c})
		svc := ftesting.Service("app", map[string]string{"service": "app"}, now)
		err := s.deployServices(context.Background(), []pendingService{{manifest: svc, renderedPath: rendered(t, svc)}})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("one failing service does not stop the others", func(t *testing.T) {
		c := ftesting.NewFakeCluster(
			ftesting.Pod("ok-1", map[string]string{"service": "ok"}),
			ftesting.Service("ok", nil, time.Time{}),
			ftesting.Service("empty", nil, time.Time{}),
		)
		s := NewFastRollback(Options{Client: c})
		ok := ftesting.Service("ok", map[string]string{"service": "ok"}, now)
		empty := ftesting.Service("empty", map[string]string{"service": "empty"}, now)
		err := s.deployServices(context.Background(), []pendingService{
			{manifest: ok, renderedPath: rendered(t, ok)},
			{manifest: empty, renderedPath: rendered(t, empty)},
		})
		assert.ErrorIs(t, err, ErrNoMatchingPods)
		assert.Equal(t, []string{"ok"}, c.CallsFor("apply", manifest.KindService))
	})
}

func TestDeleteNewer(t *testing.T) {
	// app-v2 is restored; app-v3 was rolled out after it.
	c := ftesting.NewFakeCluster(
		ftesting.Deployment("app-v1", "app", "v1", "app", daysAgo(3)),
		ftesting.Deployment("app-v2", "app", "v2", "app", daysAgo(2)),
		ftesting.Deployment("app-v3", "app", "v3", "app", daysAgo(1)),
		ftesting.Deployment("other-v4", "app", "v4", "other", now),
		ftesting.Deployment("app-v5", "app", "v5", "app", daysAgo(2)),
	)
	s := newFastRollback(t, c, true)

	deleted, err := s.deleteNewer(context.Background(), []*manifest.Manifest{tracked("app-v2", "app")})
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v3"}, deleted)
	assert.Equal(t, []string{"app-v1", "app-v2", "app-v5", "other-v4"}, c.Names(manifest.KindDeployment),
		"self, older, equally old and foreign deployments survive")
	assert.Equal(t, []string{"service=app,id!=v2"}, c.CallsFor("list", manifest.KindDeployment))
}

func TestDeleteNewer_UnionAcrossDeployments(t *testing.T) {
	c := ftesting.NewFakeCluster(
		ftesting.Deployment("api-v1", "api", "v1", "api", daysAgo(3)),
		ftesting.Deployment("api-v2", "api", "v2", "api", daysAgo(2)),
		ftesting.Deployment("web-v1", "web", "v1", "web", daysAgo(3)),
		ftesting.Deployment("web-v2", "web", "v2", "web", daysAgo(2)),
		ftesting.Deployment("web-v3", "web", "v3", "web", daysAgo(1)),
	)
	s := newFastRollback(t, c, true)

	deleted, err := s.deleteNewer(context.Background(), []*manifest.Manifest{
		tracked("api-v1", "api"),
		tracked("web-v1", "web"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"api-v2", "web-v2", "web-v3"}, deleted)
}

func TestDeleteNewer_Preconditions(t *testing.T) {
	tests := []struct {
		name string
		live *manifest.Manifest
		ref  *manifest.Manifest
		want error
	}{
		{
			name: "missing creation timestamp",
			live: ftesting.Deployment("app-v2", "app", "v2", "app", time.Time{}),
			ref:  tracked("app-v2", "app"),
			want: ErrPrecondition,
		},
		{
			name: "missing group label",
			live: ftesting.Deployment("app-v2", "", "v2", "app", now),
			ref:  tracked("app-v2", "app"),
			want: ErrPrecondition,
		},
		{
			name: "missing id label",
			live: ftesting.Deployment("app-v2", "app", "", "app", now),
			ref:  tracked("app-v2", "app"),
			want: ErrPrecondition,
		},
		{
			name: "missing original name on tracked deployment",
			live: ftesting.Deployment("app-v2", "app", "v2", "app", now),
			ref:  tracked("app-v2", ""),
			want: ErrPrecondition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ftesting.NewFakeCluster(tt.live, ftesting.Deployment("app-v3", "app", "v3", "app", now.Add(time.Hour)))
			s := newFastRollback(t, c, true)

			_, err := s.deleteNewer(context.Background(), []*manifest.Manifest{tt.ref})
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, c.CallsFor("delete", manifest.KindDeployment))
		})
	}

	t.Run("live deployment not found", func(t *testing.T) {
		c := ftesting.NewFakeCluster()
		s := newFastRollback(t, c, true)
		_, err := s.deleteNewer(context.Background(), []*manifest.Manifest{tracked("app-v2", "app")})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrPrecondition)
	})
}

func TestDeleteBackups(t *testing.T) {
	tests := []struct {
		name        string
		siblingAges []int
		wantDeleted []string
	}{
		{name: "no siblings", siblingAges: nil, wantDeleted: []string{}},
		{name: "below reserve", siblingAges: []int{1, 2}, wantDeleted: []string{}},
		{name: "at reserve", siblingAges: []int{1, 2, 3}, wantDeleted: []string{}},
		{name: "one beyond reserve", siblingAges: []int{1, 2, 3, 4}, wantDeleted: []string{"app-4d"}},
		{name: "five siblings", siblingAges: []int{1, 2, 3, 4, 5}, wantDeleted: []string{"app-4d", "app-5d"}},
		{name: "unordered input", siblingAges: []int{7, 1, 5, 2, 3, 6}, wantDeleted: []string{"app-5d", "app-6d", "app-7d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objs := []*manifest.Manifest{ftesting.Deployment("app-now", "app", "now", "app", now)}
			var all []string
			for _, age := range tt.siblingAges {
				id := fmt.Sprintf("%dd", age)
				objs = append(objs, ftesting.Deployment("app-"+id, "app", id, "app", daysAgo(age)))
				all = append(all, "app-"+id)
			}
			c := ftesting.NewFakeCluster(objs...)
			recorder := metrics.NewRecorder()
			s := NewFastRollback(Options{Client: c, Log: testr.New(t), Metrics: recorder})

			deleted, err := s.deleteBackups(context.Background(), []*manifest.Manifest{tracked("app-now", "app")})
			require.NoError(t, err)
			assert.Equal(t, tt.wantDeleted, deleted)
			assert.Equal(t, tt.wantDeleted, append([]string{}, c.CallsFor("delete", manifest.KindDeployment)...))

			remaining := c.Names(manifest.KindDeployment)
			assert.Contains(t, remaining, "app-now")
			assert.Len(t, remaining, 1+len(all)-len(tt.wantDeleted))
			if len(all) > NumDesiredReserve {
				assert.Len(t, remaining, 1+NumDesiredReserve, "the newest backups survive")
			}
		})
	}
}

func TestDeleteBackups_IgnoresOtherGroups(t *testing.T) {
	objs := []*manifest.Manifest{ftesting.Deployment("app-now", "app", "now", "app", now)}
	for age := 1; age <= 5; age++ {
		id := fmt.Sprintf("%dd", age)
		objs = append(objs, ftesting.Deployment("imposter-"+id, "app", id, "imposter", daysAgo(age)))
	}
	c := ftesting.NewFakeCluster(objs...)
	s := newFastRollback(t, c, false)

	deleted, err := s.deleteBackups(context.Background(), []*manifest.Manifest{tracked("app-now", "app")})
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestDeleteBackups_DeleteError(t *testing.T) {
	objs := []*manifest.Manifest{ftesting.Deployment("app-now", "app", "now", "app", now)}
	for age := 1; age <= 5; age++ {
		id := fmt.Sprintf("%dd", age)
		objs = append(objs, ftesting.Deployment("app-"+id, "app", id, "app", daysAgo(age)))
	}
	c := ftesting.NewFakeCluster(objs...)
	boom := errors.New("forbidden")
	c.FailOn("delete", manifest.KindDeployment, "app-5d", boom)
	s := newFastRollback(t, c, false)

	deleted, err := s.deleteBackups(context.Background(), []*manifest.Manifest{tracked("app-now", "app")})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"app-4d"}, deleted, "deletions already issued are not undone")
}

func TestOldestBeyondReserve(t *testing.T) {
	var siblings []*manifest.Manifest
	for _, age := range []int{2, 6, 1, 4, 3, 5} {
		siblings = append(siblings, ftesting.Deployment(fmt.Sprintf("app-%dd", age), "app", "", "app", daysAgo(age)))
	}

	flagged, err := oldestBeyondReserve(siblings)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-6d", "app-5d", "app-4d"}, manifest.Names(flagged))
	assert.Equal(t, []string{"app-6d", "app-5d", "app-4d", "app-3d", "app-2d", "app-1d"}, manifest.Names(siblings))

	flagged, err = oldestBeyondReserve(siblings[:NumDesiredReserve])
	require.NoError(t, err)
	assert.Empty(t, flagged)
}

func TestCheckReserve(t *testing.T) {
	tests := []struct {
		name    string
		total   int
		flagged int
		wantErr bool
	}{
		{"nothing flagged", NumDesiredReserve, 0, false},
		{"excess flagged", NumDesiredReserve + 3, 3, false},
		{"reserve would shrink", NumDesiredReserve + 2, 3, true},
		{"all flagged", NumDesiredReserve, NumDesiredReserve, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkReserve(tt.total, tt.flagged)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrReserveViolation)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAllAvailable(t *testing.T) {
	seed := func() *ftesting.FakeCluster {
		return ftesting.NewFakeCluster(
			ftesting.Deployment("app-v1", "app", "v1", "app", daysAgo(5)),
			ftesting.Deployment("app-v2", "app", "v2", "app", daysAgo(4)),
			ftesting.Deployment("app-v3", "app", "v3", "app", daysAgo(3)),
			ftesting.Deployment("app-v4", "app", "v4", "app", daysAgo(2)),
			ftesting.Deployment("app-v5", "app", "v5", "app", daysAgo(1)),
			ftesting.Service("app", map[string]string{"service": "app", "id": "v5"}, daysAgo(1)),
			ftesting.Pod("app-v2-pod", map[string]string{"service": "app", "id": "v2"}),
		)
	}
	run := func(t *testing.T, c *ftesting.FakeCluster, rollback bool) error {
		s := newFastRollback(t, c, rollback)
		s.SkipDeploy(tracked("app-v2", "app"), true, "")
		svc := ftesting.Service("app", map[string]string{"service": "app", "id": "v2"}, now)
		_, err := s.PreDeploy(context.Background(), svc, true, "", rendered(t, svc))
		require.NoError(t, err)
		return s.AllAvailable(context.Background(), nil)
	}

	t.Run("rollback deletes newer revisions", func(t *testing.T) {
		c := seed()
		require.NoError(t, run(t, c, true))
		assert.Equal(t, []string{"app-v3", "app-v4", "app-v5"}, c.CallsFor("delete", manifest.KindDeployment))
		assert.Equal(t, []string{"app-v1", "app-v2"}, c.Names(manifest.KindDeployment))
	})

	t.Run("forward rollout prunes backups", func(t *testing.T) {
		c := seed()
		require.NoError(t, run(t, c, false))
		assert.Equal(t, []string{"app-v1"}, c.CallsFor("delete", manifest.KindDeployment))
	})

	t.Run("failed cutover skips cleanup", func(t *testing.T) {
		c := seed()
		c.FailOn("apply", manifest.KindService, "app", errors.New("invalid"))
		require.Error(t, run(t, c, true))
		assert.Empty(t, c.CallsFor("delete", manifest.KindDeployment))
	})

	t.Run("cleanup sees every service first", func(t *testing.T) {
		c := seed()
		require.NoError(t, run(t, c, false))
		calls := c.Calls()
		lastApply, firstDelete := -1, -1
		for i, call := range calls {
			if call.Verb == "apply" {
				lastApply = i
			}
			if call.Verb == "delete" && firstDelete < 0 {
				firstDelete = i
			}
		}
		assert.Less(t, lastApply, firstDelete)
	})
}

func TestNew(t *testing.T) {
	s, err := New(FastRollbackName, Options{})
	require.NoError(t, err)
	assert.Equal(t, FastRollbackName, s.Name())

	s, err = New(RollingUpdateName, Options{})
	require.NoError(t, err)
	assert.Equal(t, RollingUpdateName, s.Name())

	_, err = New("canary", Options{})
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestRollingUpdate(t *testing.T) {
	s := NewRollingUpdate(Options{})
	m := ftesting.Deployment("app", "app", "v1", "app", time.Time{})

	assert.Equal(t, "app", s.Annotate(m).GetName())
	assert.False(t, s.SkipDeploy(m, true, ""))
	deferred, err := s.PreDeploy(context.Background(), ftesting.Service("app", nil, time.Time{}), true, "", "")
	require.NoError(t, err)
	assert.False(t, deferred)
	assert.NoError(t, s.AllAvailable(context.Background(), nil))
}
