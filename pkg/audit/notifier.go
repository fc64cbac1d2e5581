// Package audit records rollout outcomes with an external audit service.
package audit

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"k8s.io/apimachinery/pkg/runtime"

	"github.com/flipover-io/flipover/pkg/audit/v1alpha1"
	"github.com/flipover-io/flipover/pkg/manifest"
)

// Config configures the Notifier.
type Config struct {
	// Enabled turns sending on. A disabled Notifier does no I/O.
	Enabled bool
	// URL is the base URL of the audit service.
	URL string
	// Secret is sent as a bearer token.
	Secret string
	// CAFile is the path to the CA certificate file for TLS verification.
	// If empty, system CA pool is used.
	CAFile string
	// Timeout is the request timeout. Default is 10 seconds.
	Timeout time.Duration
	// RetryCount is the number of retries on failure. Default is 3.
	RetryCount int
	// RetryInterval is the interval between retries. Default is 1 second.
	RetryInterval time.Duration
	// UUID identifies the rollout.
	UUID string
	// IsRollback marks records as rollbacks instead of promotions.
	IsRollback bool
	// Log is the logger. If nil, a noop logger is used.
	Log logr.Logger
}

// Notifier sends deploy records to the audit service.
type Notifier struct {
	config Config
	client *http.Client
	log    logr.Logger
}

// New creates a new Notifier with the given configuration.
func New(cfg Config) (*Notifier, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryCount == 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 1 * time.Second
	}

	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	n := &Notifier{
		config: cfg,
		log:    log.WithName("audit"),
	}
	if !cfg.Enabled {
		return n, nil
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	n.client = &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
		},
	}
	return n, nil
}

// IsEnabled returns true if records are sent.
func (n *Notifier) IsEnabled() bool {
	return n.config.Enabled
}

// Record builds the deploy record for m.
func (n *Notifier) Record(clusterName string, m *manifest.Manifest, rolloutErr error) (*v1alpha1.DeployRecord, error) {
	raw, err := json.Marshal(m.Object)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest %s: %w", m, err)
	}

	record := &v1alpha1.DeployRecord{
		UUID:                  n.config.UUID,
		DeploymentEnvironment: clusterName,
		Service:               m.GetName(),
		Type:                  v1alpha1.DeployTypePromotion,
		Success:               rolloutErr == nil,
		Manifest:              runtime.RawExtension{Raw: raw},
	}
	if n.config.IsRollback {
		record.Type = v1alpha1.DeployTypeRollback
	}
	if rolloutErr != nil {
		msg := rolloutErr.Error()
		record.Error = &msg
	}
	return record, nil
}

// Save records the outcome of rolling out m to clusterName.
// A disabled Notifier returns nil, nil.
func (n *Notifier) Save(ctx context.Context, clusterName string, m *manifest.Manifest, rolloutErr error) (*v1alpha1.DeployRecordResponse, error) {
	if !n.config.Enabled {
		return nil, nil
	}

	record, err := n.Record(clusterName, m, rolloutErr)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal deploy record: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= n.config.RetryCount; attempt++ {
		if attempt > 0 {
			n.log.V(1).Info("retrying deploy record",
				"attempt", attempt,
				"service", record.Service,
				"lastError", lastErr,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(n.config.RetryInterval):
			}
		}

		resp, err := n.doSend(ctx, body)
		if err == nil {
			n.log.Info("deploy record saved", "service", record.Service, "type", record.Type, "success", record.Success)
			return resp, nil
		}
		lastErr = err
	}

	n.log.Error(lastErr, "failed to save deploy record after retries",
		"service", record.Service,
		"retries", n.config.RetryCount,
	)
	return nil, lastErr
}

// doSend performs a single send attempt.
func (n *Notifier) doSend(ctx context.Context, body []byte) (*v1alpha1.DeployRecordResponse, error) {
	url := strings.TrimSuffix(n.config.URL, "/") + v1alpha1.DeployPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if n.config.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+n.config.Secret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("audit service returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var response v1alpha1.DeployRecordResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		n.log.V(1).Info("could not parse audit response", "body", string(respBody))
		return &v1alpha1.DeployRecordResponse{Success: true}, nil
	}
	if !response.Success {
		return nil, fmt.Errorf("audit service rejected record: %s", response.Error)
	}
	return &response, nil
}
