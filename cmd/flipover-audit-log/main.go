// Command flipover-audit-log is a minimal audit service that prints every
// deploy record it receives as YAML.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/yaml"

	"github.com/flipover-io/flipover/pkg/audit/v1alpha1"
)

func main() {
	var (
		addr   string
		secret string
	)

	flag.StringVar(&addr, "addr", ":8080", "Address to listen on")
	flag.StringVar(&secret, "secret", os.Getenv("FLIPOVER_AUDIT_SECRET"), "Bearer token required from clients (default: $FLIPOVER_AUDIT_SECRET, none if empty)")
	flag.Parse()

	registry := prometheus.NewRegistry()
	server := &http.Server{
		Addr:              addr,
		Handler:           newReceiver(registry, os.Stdout, secret).handler(registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		fmt.Fprintf(os.Stderr, "flipover-audit-log listening on %s\n", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

type receiver struct {
	secret  string
	records *prometheus.CounterVec

	mu  sync.Mutex
	out io.Writer
}

func newReceiver(reg prometheus.Registerer, out io.Writer, secret string) *receiver {
	r := &receiver{
		secret: secret,
		out:    out,
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flipover_audit_records_total",
			Help: "Total number of deploy records received by type and success",
		}, []string{"type", "success"}),
	}
	reg.MustRegister(r.records)
	return r
}

func (r *receiver) handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT "+v1alpha1.DeployPath, r.handleDeploy)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"status":"ok","time":"%s"}`, time.Now().Format(time.RFC3339))
	})
	return mux
}

func (r *receiver) handleDeploy(w http.ResponseWriter, req *http.Request) {
	if r.secret != "" && req.Header.Get("Authorization") != "Bearer "+r.secret {
		respond(w, http.StatusUnauthorized, v1alpha1.DeployRecordResponse{Error: "unauthorized"})
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		respond(w, http.StatusBadRequest, v1alpha1.DeployRecordResponse{Error: "failed to read body"})
		return
	}

	var record v1alpha1.DeployRecord
	if err := json.Unmarshal(body, &record); err != nil {
		respond(w, http.StatusBadRequest, v1alpha1.DeployRecordResponse{Error: "invalid DeployRecord"})
		return
	}
	if record.Service == "" || record.Type == "" {
		respond(w, http.StatusBadRequest, v1alpha1.DeployRecordResponse{Error: "service and type are required"})
		return
	}

	r.records.WithLabelValues(string(record.Type), strconv.FormatBool(record.Success)).Inc()

	// sigs.k8s.io/yaml renders the RawExtension manifest inline.
	yamlBytes, err := yaml.Marshal(&record)
	r.mu.Lock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "# failed to marshal: %v\n", err)
	} else {
		_, _ = fmt.Fprintln(r.out, "---")
		_, _ = r.out.Write(yamlBytes)
	}
	r.mu.Unlock()

	respond(w, http.StatusOK, v1alpha1.DeployRecordResponse{Success: true})
}

func respond(w http.ResponseWriter, status int, response v1alpha1.DeployRecordResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}
