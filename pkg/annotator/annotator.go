// Package annotator stamps identity and change-detection metadata onto
// manifests before they are handed to a rollout strategy.
package annotator

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utiljson "k8s.io/apimachinery/pkg/util/json"

	"github.com/flipover-io/flipover/api/v1alpha1"
	"github.com/flipover-io/flipover/pkg/manifest"
	"github.com/flipover-io/flipover/pkg/strategy"
)

// Config configures an Annotator.
type Config struct {
	// Strategy is the rollout strategy; required.
	Strategy strategy.Strategy
	// UUID identifies the rollout. May be empty.
	UUID string
	// Commit is the source revision being rolled out.
	Commit string
	// Clock returns the rollout start time. Defaults to time.Now.
	Clock func() time.Time
	// Log is the logger. If nil, a noop logger is used.
	Log logr.Logger
}

// Annotator stamps manifests for one rollout.
type Annotator struct {
	strategy strategy.Strategy
	uuid     string
	commit   string
	started  time.Time
	log      logr.Logger
}

// New creates an Annotator. The rollout start time is taken once, so all
// manifests of a rollout carry the same last-updated value.
func New(cfg Config) (*Annotator, error) {
	if cfg.Strategy == nil {
		return nil, errors.New("annotator requires a strategy")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Annotator{
		strategy: cfg.Strategy,
		uuid:     cfg.UUID,
		commit:   cfg.Commit,
		started:  cfg.Clock().UTC(),
		log:      log.WithName("annotator"),
	}, nil
}

// Annotate records the original content of m, adds identity annotations and
// lets the strategy rename it. m is modified in place.
func (a *Annotator) Annotate(m *manifest.Manifest) (*manifest.Manifest, error) {
	original, err := utiljson.Marshal(m.Object)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m, err)
	}
	hash := Hash(original)

	commit, err := utiljson.Marshal(a.commit)
	if err != nil {
		return nil, fmt.Errorf("failed to encode commit: %w", err)
	}

	m.SetAnnotation(v1alpha1.UUIDAnnotation, a.uuid)
	m.SetAnnotation(v1alpha1.OriginalNameAnnotation, m.GetName())
	m.SetAnnotation(v1alpha1.LastAppliedConfigurationAnnotation, string(original))
	m.SetAnnotation(v1alpha1.LastAppliedConfigurationHashAnnotation, hash)
	m.SetAnnotation(v1alpha1.CommitAnnotation, string(commit))
	m.SetAnnotation(v1alpha1.LastUpdatedAnnotation, a.started.Format(time.RFC3339))

	switch m.Kind() {
	case manifest.KindDeployment:
		name := a.strategy.Name()
		if err := unstructured.SetNestedField(m.Object, name, "spec", "selector", "matchLabels", v1alpha1.StrategyLabel); err != nil {
			return nil, fmt.Errorf("failed to set strategy selector on %s: %w", m, err)
		}
		if err := unstructured.SetNestedField(m.Object, name, "spec", "template", "metadata", "labels", v1alpha1.StrategyLabel); err != nil {
			return nil, fmt.Errorf("failed to set strategy label on %s: %w", m, err)
		}
	case manifest.KindJob:
		// Jobs are immutable; new content gets a new name.
		m.SetName(m.GetName() + "-" + hash)
	}

	m = a.strategy.Annotate(m)
	a.log.V(1).Info("annotated", "manifest", m.String(), "hash", hash)
	return m, nil
}

// Hash returns the hex SHA-1 of data.
func Hash(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
