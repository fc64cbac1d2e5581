// Package cluster provides the cluster operations a rollout needs:
// get, list, apply, create and delete by name.
package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/flipover-io/flipover/pkg/manifest"
)

// Client is the set of cluster operations used by strategies and the driver.
// Implementations must be safe for concurrent use.
type Client interface {
	// Get returns the live resource of the given kind and name.
	Get(ctx context.Context, kind manifest.Kind, name string) (*manifest.Manifest, error)
	// Lookup returns the live counterpart of m, matched by apiVersion, kind,
	// namespace and name. Unlike Get it accepts any kind the cluster serves.
	Lookup(ctx context.Context, m *manifest.Manifest) (*manifest.Manifest, error)
	// List returns resources of the given kind matching a label selector
	// such as "service=app,id!=v2".
	List(ctx context.Context, kind manifest.Kind, selector string) ([]*manifest.Manifest, error)
	// Apply creates or updates every resource in the rendered manifest file at path.
	Apply(ctx context.Context, path string) (*manifest.Manifest, error)
	// Create creates every resource in the rendered manifest file at path.
	Create(ctx context.Context, path string) (*manifest.Manifest, error)
	// DeleteByName deletes the resource of the given kind and name.
	DeleteByName(ctx context.Context, kind manifest.Kind, name string) error
}

// IsNotFound reports whether err means the resource does not exist.
func IsNotFound(err error) bool {
	return apierrors.IsNotFound(err)
}

// Config configures a KubeClient.
type Config struct {
	// Client is the controller-runtime client used for all requests.
	Client client.Client
	// Namespace is used for namespaced resources without a namespace of their own.
	// Defaults to "default".
	Namespace string
	// Log is the logger. If nil, a noop logger is used.
	Log logr.Logger
}

// KubeClient implements Client on top of a controller-runtime client using
// unstructured objects.
type KubeClient struct {
	client    client.Client
	namespace string
	log       logr.Logger
}

// NewKubeClient creates a new KubeClient.
func NewKubeClient(cfg Config) *KubeClient {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &KubeClient{
		client:    cfg.Client,
		namespace: cfg.Namespace,
		log:       log.WithName("cluster-client"),
	}
}

// Namespace returns the namespace requests default to.
func (c *KubeClient) Namespace() string {
	return c.namespace
}

// Get implements Client.
func (c *KubeClient) Get(ctx context.Context, kind manifest.Kind, name string) (*manifest.Manifest, error) {
	if kind == manifest.KindUnknown {
		return nil, fmt.Errorf("cannot get %q: unknown kind", name)
	}
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(kind.GroupVersionKind())

	c.log.V(1).Info("get", "kind", kind, "name", name)
	if err := c.client.Get(ctx, c.key(kind, name), obj); err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", kind, name, err)
	}
	return manifest.FromUnstructured(obj), nil
}

// Lookup implements Client. Kinds outside manifest.Kind are resolved
// through the client's RESTMapper.
func (c *KubeClient) Lookup(ctx context.Context, m *manifest.Manifest) (*manifest.Manifest, error) {
	gvk := m.GroupVersionKind()
	if known := m.Kind(); known != manifest.KindUnknown && gvk.Version == "" {
		gvk = known.GroupVersionKind()
	}
	if gvk.Kind == "" || gvk.Version == "" {
		return nil, fmt.Errorf("cannot look up %q: missing apiVersion or kind", m.GetName())
	}

	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)
	obj.SetNamespace(m.GetNamespace())
	obj.SetName(m.GetName())
	if err := c.defaultNamespace(obj); err != nil {
		return nil, err
	}

	c.log.V(1).Info("lookup", "gvk", gvk, "name", obj.GetName())
	if err := c.client.Get(ctx, client.ObjectKeyFromObject(obj), obj); err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", gvk.Kind, m.GetName(), err)
	}
	return manifest.FromUnstructured(obj), nil
}

// List implements Client.
func (c *KubeClient) List(ctx context.Context, kind manifest.Kind, selector string) ([]*manifest.Manifest, error) {
	if kind == manifest.KindUnknown {
		return nil, fmt.Errorf("cannot list: unknown kind")
	}
	sel, err := labels.Parse(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid label selector %q: %w", selector, err)
	}

	list := &unstructured.UnstructuredList{}
	list.SetGroupVersionKind(kind.GroupVersionKind().GroupVersion().WithKind(kind.String() + "List"))

	opts := []client.ListOption{client.MatchingLabelsSelector{Selector: sel}}
	if kind.Namespaced() {
		opts = append(opts, client.InNamespace(c.namespace))
	}

	c.log.V(1).Info("list", "kind", kind, "selector", selector)
	if err := c.client.List(ctx, list, opts...); err != nil {
		return nil, fmt.Errorf("failed to list %s with selector %q: %w", kind, selector, err)
	}

	items := make([]*manifest.Manifest, 0, len(list.Items))
	for i := range list.Items {
		items = append(items, manifest.FromUnstructured(&list.Items[i]))
	}
	return items, nil
}

// Apply implements Client. Resources that do not exist are created; existing
// ones are replaced by the rendered content at the live resourceVersion.
func (c *KubeClient) Apply(ctx context.Context, path string) (*manifest.Manifest, error) {
	return c.forEach(path, "apply", func(obj *unstructured.Unstructured) error {
		existing := &unstructured.Unstructured{}
		existing.SetGroupVersionKind(obj.GroupVersionKind())
		err := c.client.Get(ctx, client.ObjectKeyFromObject(obj), existing)
		switch {
		case apierrors.IsNotFound(err):
			c.log.V(1).Info("apply creating", "kind", obj.GetKind(), "name", obj.GetName())
			return c.client.Create(ctx, obj)
		case err != nil:
			return err
		}

		obj.SetResourceVersion(existing.GetResourceVersion())
		preserveImmutableFields(obj, existing)
		c.log.V(1).Info("apply updating", "kind", obj.GetKind(), "name", obj.GetName())
		return c.client.Update(ctx, obj)
	})
}

// Create implements Client.
func (c *KubeClient) Create(ctx context.Context, path string) (*manifest.Manifest, error) {
	return c.forEach(path, "create", func(obj *unstructured.Unstructured) error {
		c.log.V(1).Info("create", "kind", obj.GetKind(), "name", obj.GetName())
		return c.client.Create(ctx, obj)
	})
}

// DeleteByName implements Client.
func (c *KubeClient) DeleteByName(ctx context.Context, kind manifest.Kind, name string) error {
	if kind == manifest.KindUnknown {
		return fmt.Errorf("cannot delete %q: unknown kind", name)
	}
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(kind.GroupVersionKind())
	key := c.key(kind, name)
	obj.SetNamespace(key.Namespace)
	obj.SetName(name)

	c.log.V(1).Info("delete", "kind", kind, "name", name)
	if err := c.client.Delete(ctx, obj, client.PropagationPolicy("Background")); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, name, err)
	}
	return nil
}

func (c *KubeClient) forEach(path, verb string, fn func(obj *unstructured.Unstructured) error) (*manifest.Manifest, error) {
	manifests, err := manifest.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if len(manifests) == 0 {
		return nil, errors.New("no resources found in " + path)
	}

	var last *manifest.Manifest
	for _, m := range manifests {
		obj := m.Unstructured.DeepCopy()
		if err := c.defaultNamespace(obj); err != nil {
			return nil, err
		}
		if err := fn(obj); err != nil {
			return nil, fmt.Errorf("failed to %s %s: %w", verb, m, err)
		}
		last = manifest.FromUnstructured(obj)
	}
	return last, nil
}

// defaultNamespace sets the client namespace on namespaced objects without
// one and clears it on cluster-scoped ones.
func (c *KubeClient) defaultNamespace(obj *unstructured.Unstructured) error {
	namespaced, err := c.namespaced(obj)
	if err != nil {
		return err
	}
	switch {
	case !namespaced:
		obj.SetNamespace("")
	case obj.GetNamespace() == "":
		obj.SetNamespace(c.namespace)
	}
	return nil
}

func (c *KubeClient) namespaced(obj *unstructured.Unstructured) (bool, error) {
	if kind := manifest.ParseKind(obj.GetKind()); kind != manifest.KindUnknown {
		return kind.Namespaced(), nil
	}
	namespaced, err := c.client.IsObjectNamespaced(obj)
	if err != nil {
		return false, fmt.Errorf("cannot resolve scope of %s %s: %w", obj.GetKind(), obj.GetName(), err)
	}
	return namespaced, nil
}

func (c *KubeClient) key(kind manifest.Kind, name string) client.ObjectKey {
	if !kind.Namespaced() {
		return client.ObjectKey{Name: name}
	}
	return client.ObjectKey{Namespace: c.namespace, Name: name}
}

// preserveImmutableFields copies fields the API server assigns and refuses to
// change on update.
func preserveImmutableFields(obj, existing *unstructured.Unstructured) {
	if obj.GetKind() != manifest.KindService.String() {
		return
	}
	for _, field := range []string{"clusterIP", "clusterIPs"} {
		if _, found, _ := unstructured.NestedFieldNoCopy(obj.Object, "spec", field); found {
			continue
		}
		if v, found, _ := unstructured.NestedFieldCopy(existing.Object, "spec", field); found {
			_ = unstructured.SetNestedField(obj.Object, v, "spec", field)
		}
	}
}

var _ Client = (*KubeClient)(nil)
