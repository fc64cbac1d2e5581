// Package v1alpha1 holds the label and annotation keys flipover stamps on
// the resources it manages.
package v1alpha1

// Annotation keys for flipover.io annotations on Kubernetes resources.
const (
	// OriginalNameAnnotation stores the manifest name before any deploy id or
	// content hash suffix was added. Deployments in the same deploy group
	// share this value.
	OriginalNameAnnotation = "flipover.io/original-name"

	// LastUpdatedAnnotation stores when the manifest was tagged for a rollout.
	// Value: RFC3339 timestamp.
	LastUpdatedAnnotation = "flipover.io/last-updated"

	// UUIDAnnotation stores the id of the rollout that applied the resource.
	UUIDAnnotation = "flipover.io/uuid"

	// CommitAnnotation stores the source commit of the manifest.
	// Value: JSON string.
	CommitAnnotation = "flipover.io/commit"

	// LastAppliedConfigurationAnnotation stores the manifest as submitted,
	// before any tagging.
	// Value: JSON object.
	LastAppliedConfigurationAnnotation = "flipover.io/last-applied-configuration"

	// LastAppliedConfigurationHashAnnotation stores the SHA-1 hex digest of
	// LastAppliedConfigurationAnnotation.
	LastAppliedConfigurationHashAnnotation = "flipover.io/last-applied-configuration-hash"
)

// Label keys.
const (
	// DeployGroupLabel names the deploy group a Deployment belongs to.
	DeployGroupLabel = "service"

	// DeployIDLabel carries the deploy id of a Deployment revision.
	DeployIDLabel = "id"

	// StrategyLabel carries the name of the strategy that rolled out a
	// Deployment. Set on the selector and the pod template.
	StrategyLabel = "strategy"
)
