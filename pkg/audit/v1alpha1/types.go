// Package v1alpha1 contains API types for deployment audit records.
package v1alpha1

import (
	"k8s.io/apimachinery/pkg/runtime"
)

// DeployPath is the path audit records are sent to, relative to the audit URL.
const DeployPath = "/api/v1/deploy"

// DeployType tells a forward rollout from a rollback.
type DeployType string

const (
	// DeployTypePromotion is a forward rollout.
	DeployTypePromotion DeployType = "promotion"
	// DeployTypeRollback restores a previous revision.
	DeployTypeRollback DeployType = "rollback"
)

// DeployRecord is sent to the audit endpoint for every rolled out manifest.
type DeployRecord struct {
	// uuid identifies the rollout.
	// +optional
	UUID string `json:"uuid"`

	// deploymentEnvironment is the name of the target cluster.
	// +required
	DeploymentEnvironment string `json:"deploymentEnvironment"`

	// service is the name of the rolled out manifest.
	// +required
	Service string `json:"service"`

	// type is promotion or rollback.
	// +required
	Type DeployType `json:"type"`

	// success is false if the rollout failed.
	// +required
	Success bool `json:"success"`

	// error is the rollout error, if any.
	// +optional
	Error *string `json:"error"`

	// manifest is the rolled out manifest.
	// +required
	Manifest runtime.RawExtension `json:"manifest"`
}

// DeployRecordResponse is the response of the audit endpoint.
type DeployRecordResponse struct {
	// success indicates the record was stored.
	// +required
	Success bool `json:"success"`

	// error is set if the endpoint had a problem storing the record.
	// +optional
	Error string `json:"error,omitempty"`
}
