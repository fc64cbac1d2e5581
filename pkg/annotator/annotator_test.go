package annotator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/flipover-io/flipover/api/v1alpha1"
	"github.com/flipover-io/flipover/pkg/manifest"
	"github.com/flipover-io/flipover/pkg/strategy"
)

const (
	testUUID = "dafbe5ac-f687-4b19-ba23-8fa91f84fbb8"
	testSHA  = "e05a1d976d3e5b5b42a4068b0f34be756cbd5f2a"
)

var started = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func deploymentManifest() *manifest.Manifest {
	return manifest.New(map[string]interface{}{
		"kind": "Deployment",
		"metadata": map[string]interface{}{
			"name":   "manifest-deployment",
			"labels": map[string]interface{}{"name": "manifest-deployment"},
		},
		"spec": map[string]interface{}{
			"selector": map[string]interface{}{
				"matchLabels": map[string]interface{}{"name": "manifest-deployment"},
			},
		},
	})
}

func jobManifest() *manifest.Manifest {
	return manifest.New(map[string]interface{}{
		"kind":     "Job",
		"metadata": map[string]interface{}{"name": "manifest-job"},
	})
}

func newAnnotator(t *testing.T, s strategy.Strategy, uuid string) *Annotator {
	t.Helper()
	a, err := New(Config{
		Strategy: s,
		UUID:     uuid,
		Commit:   testSHA,
		Clock:    func() time.Time { return started },
	})
	require.NoError(t, err)
	return a
}

func originalJSON(t *testing.T, m *manifest.Manifest) string {
	t.Helper()
	data, err := json.Marshal(m.Object)
	require.NoError(t, err)
	return string(data)
}

func TestNew_RequiresStrategy(t *testing.T) {
	_, err := New(Config{UUID: testUUID})
	assert.Error(t, err)
}

func TestAnnotate(t *testing.T) {
	rolling := strategy.NewRollingUpdate(strategy.Options{})

	tests := []struct {
		name     string
		strategy strategy.Strategy
		uuid     string
		in       func() *manifest.Manifest
		wantName func(hash string) string
	}{
		{
			name:     "deployment",
			strategy: rolling,
			uuid:     testUUID,
			in:       deploymentManifest,
			wantName: func(string) string { return "manifest-deployment" },
		},
		{
			name:     "deployment without uuid",
			strategy: rolling,
			in:       deploymentManifest,
			wantName: func(string) string { return "manifest-deployment" },
		},
		{
			name:     "job gets content hash suffix",
			strategy: rolling,
			uuid:     testUUID,
			in:       jobManifest,
			wantName: func(string) string { return "manifest-job-f94274f6bdc905825d1616fe265bc6d2de773e7c" },
		},
		{
			name:     "deployment renamed by strategy",
			strategy: strategy.NewFastRollback(strategy.Options{DeployID: "abc"}),
			uuid:     testUUID,
			in:       deploymentManifest,
			wantName: func(string) string { return "manifest-deployment-abc" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in()
			original := originalJSON(t, in)
			hash := Hash([]byte(original))

			out, err := newAnnotator(t, tt.strategy, tt.uuid).Annotate(in)
			require.NoError(t, err)

			assert.Equal(t, tt.wantName(hash), out.GetName())
			assert.Equal(t, map[string]string{
				v1alpha1.UUIDAnnotation:                         tt.uuid,
				v1alpha1.OriginalNameAnnotation:                 tt.in().GetName(),
				v1alpha1.LastAppliedConfigurationAnnotation:     original,
				v1alpha1.LastAppliedConfigurationHashAnnotation: hash,
				v1alpha1.CommitAnnotation:                       `"` + testSHA + `"`,
				v1alpha1.LastUpdatedAnnotation:                  "2024-05-01T12:00:00Z",
			}, out.GetAnnotations())
		})
	}
}

func TestAnnotate_PinnedHashes(t *testing.T) {
	rolling := strategy.NewRollingUpdate(strategy.Options{})

	tests := []struct {
		name         string
		in           func() *manifest.Manifest
		wantOriginal string
		wantHash     string
	}{
		{
			name:         "job",
			in:           jobManifest,
			wantOriginal: `{"kind":"Job","metadata":{"name":"manifest-job"}}`,
			wantHash:     "f94274f6bdc905825d1616fe265bc6d2de773e7c",
		},
		{
			// Keys are sorted, so this differs from hashes written by
			// tools that keep document order.
			name:         "deployment",
			in:           deploymentManifest,
			wantOriginal: `{"kind":"Deployment","metadata":{"labels":{"name":"manifest-deployment"},"name":"manifest-deployment"},"spec":{"selector":{"matchLabels":{"name":"manifest-deployment"}}}}`,
			wantHash:     "9b50fc6b2efe1e033649bdd9b8bd40dfcc5f8759",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := newAnnotator(t, rolling, testUUID).Annotate(tt.in())
			require.NoError(t, err)

			original, _ := out.Annotation(v1alpha1.LastAppliedConfigurationAnnotation)
			assert.Equal(t, tt.wantOriginal, original)
			hash, _ := out.Annotation(v1alpha1.LastAppliedConfigurationHashAnnotation)
			assert.Equal(t, tt.wantHash, hash)
		})
	}
}

func TestAnnotate_StrategyLabels(t *testing.T) {
	in := deploymentManifest()
	require.NoError(t, unstructured.SetNestedField(in.Object, "some-update", "spec", "selector", "matchLabels", "strategy"))
	original := originalJSON(t, in)

	out, err := newAnnotator(t, strategy.NewRollingUpdate(strategy.Options{}), "").Annotate(in)
	require.NoError(t, err)

	matchLabels, _, err := unstructured.NestedStringMap(out.Object, "spec", "selector", "matchLabels")
	require.NoError(t, err)
	assert.Equal(t, strategy.RollingUpdateName, matchLabels[v1alpha1.StrategyLabel])
	assert.Equal(t, strategy.RollingUpdateName, out.PodTemplateLabels()[v1alpha1.StrategyLabel])

	recorded, _ := out.Annotation(v1alpha1.LastAppliedConfigurationAnnotation)
	assert.Equal(t, original, recorded, "the configuration before annotation is recorded")
}

func TestAnnotate_Deterministic(t *testing.T) {
	a := newAnnotator(t, strategy.NewRollingUpdate(strategy.Options{}), testUUID)

	first, err := a.Annotate(jobManifest())
	require.NoError(t, err)
	second, err := a.Annotate(jobManifest())
	require.NoError(t, err)
	assert.Equal(t, first.GetName(), second.GetName())

	changed := jobManifest()
	changed.SetLabels(map[string]string{"tier": "batch"})
	third, err := a.Annotate(changed)
	require.NoError(t, err)
	assert.NotEqual(t, first.GetName(), third.GetName())
}

func TestHash(t *testing.T) {
	assert.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", Hash(nil))
}
