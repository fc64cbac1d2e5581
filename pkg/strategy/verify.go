package strategy

import (
	"fmt"

	"github.com/flipover-io/flipover/api/v1alpha1"
	"github.com/flipover-io/flipover/pkg/manifest"
)

// VerifyGroupDeployments returns the candidates that belong to the same
// logical deploy group as ref: ref itself is excluded by name, and the
// remaining candidates must carry ref's original-name annotation.
// The label selector alone is not trusted to tell deploy groups apart.
func VerifyGroupDeployments(candidates []*manifest.Manifest, ref *manifest.Manifest) ([]*manifest.Manifest, error) {
	name := ref.GetName()
	if name == "" {
		return nil, fmt.Errorf("%w: deployment is missing its name", ErrPrecondition)
	}
	originalName, ok := ref.Annotation(v1alpha1.OriginalNameAnnotation)
	if !ok || originalName == "" {
		return nil, fmt.Errorf("%w: deployment %s is missing the %s annotation", ErrPrecondition, name, v1alpha1.OriginalNameAnnotation)
	}

	verified := make([]*manifest.Manifest, 0, len(candidates))
	for _, c := range candidates {
		if c.GetName() == name {
			continue
		}
		if v, ok := c.Annotation(v1alpha1.OriginalNameAnnotation); ok && v == originalName {
			verified = append(verified, c)
		}
	}
	return verified, nil
}
