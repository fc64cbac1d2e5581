// Package testing provides an in-memory cluster and manifest builders for tests.
package testing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/flipover-io/flipover/pkg/cluster"
	"github.com/flipover-io/flipover/pkg/manifest"
)

// Call records one operation made against a FakeCluster.
type Call struct {
	Verb string
	Kind manifest.Kind
	Name string
}

// FakeCluster is an in-memory cluster.Client.
// It records every call, and errors can be injected per verb, kind and name.
type FakeCluster struct {
	mu      sync.Mutex
	objects map[string]map[string]*manifest.Manifest
	errors  map[string]error
	calls   []Call
	clock   func() time.Time

	// OnApply, if set, may mutate each object before it is stored by Apply or Create.
	OnApply func(m *manifest.Manifest)
}

// NewFakeCluster creates a FakeCluster seeded with objs.
func NewFakeCluster(objs ...*manifest.Manifest) *FakeCluster {
	f := &FakeCluster{
		objects: map[string]map[string]*manifest.Manifest{},
		errors:  map[string]error{},
		clock:   time.Now,
	}
	for _, o := range objs {
		f.Add(o)
	}
	return f
}

// WithClock sets the clock used for creationTimestamp of new objects.
func (f *FakeCluster) WithClock(clock func() time.Time) *FakeCluster {
	f.clock = clock
	return f
}

// Add stores a copy of m, replacing any object of the same kind and name.
func (f *FakeCluster) Add(m *manifest.Manifest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store(m.Clone())
}

// Object returns a copy of the stored object, or nil.
func (f *FakeCluster) Object(kind manifest.Kind, name string) *manifest.Manifest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.objects[kind.String()][name]; ok {
		return m.Clone()
	}
	return nil
}

// Names returns the sorted names of stored objects of a kind.
func (f *FakeCluster) Names(kind manifest.Kind) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.objects[kind.String()]))
	for name := range f.objects[kind.String()] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FailOn makes calls with the given verb, kind and name return err.
// An empty name matches every name.
func (f *FakeCluster) FailOn(verb string, kind manifest.Kind, name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[errorKey(verb, kind, name)] = err
}

// Calls returns the recorded calls in order.
func (f *FakeCluster) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor returns the sorted names of recorded calls with the given verb and kind.
func (f *FakeCluster) CallsFor(verb string, kind manifest.Kind) []string {
	var names []string
	for _, c := range f.Calls() {
		if c.Verb == verb && c.Kind == kind {
			names = append(names, c.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Lookup implements cluster.Client. It is recorded as a "get".
func (f *FakeCluster) Lookup(_ context.Context, m *manifest.Manifest) (*manifest.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("get", m.Kind(), m.GetName()); err != nil {
		return nil, err
	}
	live, ok := f.objects[typeKey(m)][m.GetName()]
	if !ok {
		gvk := m.GroupVersionKind()
		return nil, apierrors.NewNotFound(schema.GroupResource{Group: gvk.Group, Resource: m.GetKind()}, m.GetName())
	}
	return live.Clone(), nil
}

// Get implements cluster.Client.
func (f *FakeCluster) Get(_ context.Context, kind manifest.Kind, name string) (*manifest.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("get", kind, name); err != nil {
		return nil, err
	}
	m, ok := f.objects[kind.String()][name]
	if !ok {
		return nil, notFound(kind, name)
	}
	return m.Clone(), nil
}

// List implements cluster.Client.
func (f *FakeCluster) List(_ context.Context, kind manifest.Kind, selector string) ([]*manifest.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("list", kind, selector); err != nil {
		return nil, err
	}
	sel, err := labels.Parse(selector)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(f.objects[kind.String()]))
	for name := range f.objects[kind.String()] {
		names = append(names, name)
	}
	sort.Strings(names)

	var items []*manifest.Manifest
	for _, name := range names {
		m := f.objects[kind.String()][name]
		if sel.Matches(labels.Set(m.GetLabels())) {
			items = append(items, m.Clone())
		}
	}
	return items, nil
}

// Apply implements cluster.Client.
func (f *FakeCluster) Apply(_ context.Context, path string) (*manifest.Manifest, error) {
	return f.write("apply", path, false)
}

// Create implements cluster.Client.
func (f *FakeCluster) Create(_ context.Context, path string) (*manifest.Manifest, error) {
	return f.write("create", path, true)
}

// DeleteByName implements cluster.Client.
func (f *FakeCluster) DeleteByName(_ context.Context, kind manifest.Kind, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("delete", kind, name); err != nil {
		return err
	}
	if _, ok := f.objects[kind.String()][name]; !ok {
		return notFound(kind, name)
	}
	delete(f.objects[kind.String()], name)
	return nil
}

func (f *FakeCluster) write(verb, path string, mustNotExist bool) (*manifest.Manifest, error) {
	manifests, err := manifest.LoadFile(path)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var last *manifest.Manifest
	for _, m := range manifests {
		kind, name := m.Kind(), m.GetName()
		if err := f.record(verb, kind, name); err != nil {
			return nil, err
		}
		existing, exists := f.objects[typeKey(m)][name]
		if exists && mustNotExist {
			gvk := m.GroupVersionKind()
			return nil, apierrors.NewAlreadyExists(schema.GroupResource{Group: gvk.Group, Resource: m.GetKind()}, name)
		}
		if exists {
			m.SetCreationTimestamp(existing.GetCreationTimestamp())
		} else if m.GetCreationTimestamp().Time.IsZero() {
			m.SetCreationTimestamp(metav1.NewTime(f.clock()))
		}
		if f.OnApply != nil {
			f.OnApply(m)
		}
		f.store(m.Clone())
		last = m
	}
	if last == nil {
		return nil, fmt.Errorf("no resources found in %s", path)
	}
	return last, nil
}

func (f *FakeCluster) store(m *manifest.Manifest) {
	key := typeKey(m)
	if f.objects[key] == nil {
		f.objects[key] = map[string]*manifest.Manifest{}
	}
	f.objects[key][m.GetName()] = m
}

// typeKey files known kinds under their canonical name and everything else
// under apiVersion and kind.
func typeKey(m *manifest.Manifest) string {
	if kind := m.Kind(); kind != manifest.KindUnknown {
		return kind.String()
	}
	return m.GetAPIVersion() + "/" + m.GetKind()
}

func (f *FakeCluster) record(verb string, kind manifest.Kind, name string) error {
	f.calls = append(f.calls, Call{Verb: verb, Kind: kind, Name: name})
	if err, ok := f.errors[errorKey(verb, kind, name)]; ok {
		return err
	}
	if err, ok := f.errors[errorKey(verb, kind, "")]; ok {
		return err
	}
	return nil
}

func errorKey(verb string, kind manifest.Kind, name string) string {
	return verb + "/" + kind.String() + "/" + name
}

func notFound(kind manifest.Kind, name string) error {
	gvk := kind.GroupVersionKind()
	return apierrors.NewNotFound(schema.GroupResource{Group: gvk.Group, Resource: kind.String()}, name)
}

var _ cluster.Client = (*FakeCluster)(nil)
