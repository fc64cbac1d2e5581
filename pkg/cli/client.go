package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/flipover-io/flipover/api/v1alpha1"
	"github.com/flipover-io/flipover/pkg/cluster"
	"github.com/flipover-io/flipover/pkg/manifest"
)

// Revision is one live Deployment of a deploy group.
type Revision struct {
	Name      string
	ID        string
	Created   time.Time
	UUID      string
	Commit    string
	Strategy  string
	Desired   int64
	Available int64
	// Services are the Services whose selector picks this revision's pods.
	Services []string
}

// Active reports whether a Service currently routes to the revision.
func (r Revision) Active() bool {
	return len(r.Services) > 0
}

// Group is a deploy group: all Deployments sharing an original name,
// newest first.
type Group struct {
	Name      string
	Revisions []Revision
}

// Active returns the newest active revision.
func (g Group) Active() (Revision, bool) {
	for _, r := range g.Revisions {
		if r.Active() {
			return r, true
		}
	}
	return Revision{}, false
}

// Title returns the title for list display
func (g Group) Title() string {
	if r, ok := g.Active(); ok {
		return fmt.Sprintf("%s → %s", g.Name, r.Name)
	}
	return g.Name + " (no active revision)"
}

// Description returns the description for list display
func (g Group) Description() string {
	backups := 0
	for _, r := range g.Revisions {
		if !r.Active() {
			backups++
		}
	}
	return fmt.Sprintf("%d revision(s), %d backup(s)", len(g.Revisions), backups)
}

// Client reads deploy groups from a cluster.
type Client struct {
	cluster cluster.Client
}

// NewClient creates a new CLI client
func NewClient(c cluster.Client) *Client {
	return &Client{cluster: c}
}

// ListGroups returns the deploy groups in the cluster sorted by name.
// Deployments without an original name were not rolled out by flipover and
// are left out.
func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	deployments, err := c.cluster.List(ctx, manifest.KindDeployment, "")
	if err != nil {
		return nil, err
	}
	services, err := c.cluster.List(ctx, manifest.KindService, "")
	if err != nil {
		return nil, err
	}

	selectors := make(map[string]labels.Selector, len(services))
	for _, svc := range services {
		sel, err := svc.ServiceSelector()
		if err != nil || len(sel) == 0 {
			continue
		}
		selectors[svc.GetName()] = labels.SelectorFromSet(sel)
	}

	byName := map[string]*Group{}
	for _, d := range deployments {
		original, ok := d.Annotation(v1alpha1.OriginalNameAnnotation)
		if !ok {
			continue
		}
		g, ok := byName[original]
		if !ok {
			g = &Group{Name: original}
			byName[original] = g
		}
		g.Revisions = append(g.Revisions, revisionOf(d, selectors))
	}

	groups := make([]Group, 0, len(byName))
	for _, g := range byName {
		sort.SliceStable(g.Revisions, func(i, j int) bool {
			a, b := g.Revisions[i], g.Revisions[j]
			if !a.Created.Equal(b.Created) {
				return a.Created.After(b.Created)
			}
			return a.Name < b.Name
		})
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}

func revisionOf(d *manifest.Manifest, selectors map[string]labels.Selector) Revision {
	id, _ := d.Label(v1alpha1.DeployIDLabel)
	uuid, _ := d.Annotation(v1alpha1.UUIDAnnotation)
	r := Revision{
		Name:     d.GetName(),
		ID:       id,
		Created:  d.GetCreationTimestamp().Time,
		UUID:     uuid,
		Commit:   commitOf(d),
		Strategy: d.PodTemplateLabels()[v1alpha1.StrategyLabel],
		Desired:  1,
	}
	if replicas, found, _ := unstructured.NestedInt64(d.Object, "spec", "replicas"); found {
		r.Desired = replicas
	}
	r.Available, _, _ = unstructured.NestedInt64(d.Object, "status", "availableReplicas")

	template := labels.Set(d.PodTemplateLabels())
	for name, sel := range selectors {
		if sel.Matches(template) {
			r.Services = append(r.Services, name)
		}
	}
	sort.Strings(r.Services)
	return r
}

// commitOf unquotes the JSON commit annotation, falling back to the raw value.
func commitOf(d *manifest.Manifest) string {
	raw, ok := d.Annotation(v1alpha1.CommitAnnotation)
	if !ok {
		return ""
	}
	var commit string
	if err := json.Unmarshal([]byte(raw), &commit); err != nil {
		return raw
	}
	return commit
}
