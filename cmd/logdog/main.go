package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/werf/logboek"

	"github.com/werf/logdog/pkg/config"
	"github.com/werf/logdog/pkg/kube"
	"github.com/werf/logdog/pkg/logdog"
	"github.com/werf/logdog/pkg/metrics"
	"github.com/werf/logdog/pkg/oplog"
)

func main() {
	var (
		configPath           string
		logDir               string
		kubeConfigPath       string
		kubeContext          string
		kubeConfigDataBase64 string
		verbose              bool
		metricsAddr          string
	)

	rootCmd := &cobra.Command{
		Use:           "logdog",
		Short:         "Watch a cluster namespace for pod failures and save their container logs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	watchCmd := &cobra.Command{
		Use:   "watch NAMESPACE",
		Short: "Watch pods in NAMESPACE and capture logs of every failed pod",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			cfg.Namespace = args[0]

			// Flags set on the command line win over the config file.
			if cmd.Flags().Changed("log-dir") {
				cfg.LogDir = logDir
			}
			if cmd.Flags().Changed("kubeconfig") {
				cfg.KubeConfigPath = kubeConfigPath
			}
			if cmd.Flags().Changed("kube-context") {
				cfg.KubeContext = kubeContext
			}
			if cmd.Flags().Changed("kube-config-base64") {
				cfg.KubeConfigDataBase64 = kubeConfigDataBase64
			}
			if cmd.Flags().Changed("verbose") {
				cfg.Verbose = verbose
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			return runWatch(cfg)
		},
	}

	watchCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	watchCmd.Flags().StringVar(&logDir, "log-dir", config.Default().LogDir, "directory for captured pod logs (also $POD_LOG_DIR)")
	watchCmd.Flags().StringVar(&kubeConfigPath, "kubeconfig", "", "path to the kubeconfig file")
	watchCmd.Flags().StringVar(&kubeContext, "kube-context", "", "kubeconfig context to use")
	watchCmd.Flags().StringVar(&kubeConfigDataBase64, "kube-config-base64", "", "base64 encoded kubeconfig data")
	watchCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug output")
	watchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to expose prometheus metrics on (disabled when empty)")

	rootCmd.AddCommand(watchCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func runWatch(cfg *config.Config) error {
	opLog, err := oplog.Setup(cfg.LogDir, cfg.Verbose)
	if err != nil {
		return err
	}
	defer opLog.Close()

	ctx, stop := signal.NotifyContext(opLog.NewContext(context.Background()), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := kube.NewClientProvider(kube.KubeConfigOptions{
		Context:          cfg.KubeContext,
		ConfigPath:       cfg.KubeConfigPath,
		ConfigDataBase64: cfg.KubeConfigDataBase64,
	})
	if err != nil {
		return fmt.Errorf("unable to initialize cluster client: %w", err)
	}

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New()
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
				logboek.Context(ctx).Error().LogF("Metrics server failed: %s\n", err)
			}
		}()
	}

	return logdog.NewWatchdog(cfg, provider, m).Run(ctx)
}
