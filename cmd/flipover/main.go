// Command flipover rolls out Kubernetes manifests with a deployment strategy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/flipover-io/flipover/pkg/cluster"
	"github.com/flipover-io/flipover/pkg/config"
)

var (
	scheme = runtime.NewScheme()
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configFile string
	kubeconfig string
	namespace  string
	zapOptions zap.Options

	log logr.Logger
}

func (o *globalOptions) addFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&o.configFile, "config", "c", "", "Path to the flipover config file")
	flags.StringVar(&o.kubeconfig, "kubeconfig", "", "Path to the kubeconfig file (default: in-cluster or $KUBECONFIG)")
	flags.StringVarP(&o.namespace, "namespace", "n", "", "Namespace for namespaced manifests (overrides the config file)")

	o.zapOptions.Development = true
	loggingFlagSet := &flag.FlagSet{}
	o.zapOptions.BindFlags(loggingFlagSet)
	flags.AddGoFlagSet(loggingFlagSet)
}

// loadConfig reads the config file, if any, and applies the namespace flag.
// Defaults are set but validation is left to the caller, after its own
// overrides.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if o.configFile != "" {
		var err error
		if cfg, err = config.Read(o.configFile); err != nil {
			return nil, err
		}
	}
	if o.namespace != "" {
		cfg.Namespace = o.namespace
	}
	return cfg, nil
}

func (o *globalOptions) restConfig() (*rest.Config, error) {
	if o.kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", o.kubeconfig)
	}
	return ctrl.GetConfig()
}

// clusterClient connects to the target cluster.
func (o *globalOptions) clusterClient(namespace string) (*cluster.KubeClient, error) {
	restConfig, err := o.restConfig()
	if err != nil {
		return nil, fmt.Errorf("unable to get kubeconfig: %w", err)
	}
	k8sClient, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("unable to create Kubernetes client: %w", err)
	}
	return cluster.NewKubeClient(cluster.Config{
		Client:    k8sClient,
		Namespace: namespace,
		Log:       o.log,
	}), nil
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:          "flipover",
		Short:        "Roll out Kubernetes manifests with blue/green fast rollback",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.log = zap.New(zap.UseFlagOptions(&opts.zapOptions))
			ctrl.SetLogger(opts.log)
		},
	}
	opts.addFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newDeployCommand(opts),
		newRollbackCommand(opts),
		newStatusCommand(opts),
	)
	return cmd
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}
