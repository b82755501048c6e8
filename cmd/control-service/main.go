// Command control-service runs the control plane: it loads the desired
// cluster configuration, starts the cluster-state aggregator, and serves
// the mutually-authenticated TLS listener agents connect to.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/clusterforge/controlplane/internal/controlmetrics"
	"github.com/clusterforge/controlplane/internal/service"
	"github.com/clusterforge/controlplane/internal/tlsutil"
)

type flags struct {
	listenAddr string
	configPath string
	caPath     string
	certPath   string
	keyPath    string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "control-service",
		Short: "Run the cluster control-plane coordination service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
	}

	cmd.Flags().StringVar(&f.listenAddr, "listen", envOr("CONTROL_SERVICE_LISTEN", fmt.Sprintf(":%d", service.DefaultAgentPort)), "address to accept agent connections on")
	cmd.Flags().StringVar(&f.configPath, "config", envOr("CONTROL_SERVICE_CONFIG", "deployment.yaml"), "path to the desired-deployment YAML file")
	cmd.Flags().StringVar(&f.caPath, "ca", envOr("CONTROL_SERVICE_CA", "ca.pem"), "path to the cluster CA certificate")
	cmd.Flags().StringVar(&f.certPath, "cert", envOr("CONTROL_SERVICE_CERT", "server.pem"), "path to this service's identity certificate")
	cmd.Flags().StringVar(&f.keyPath, "key", envOr("CONTROL_SERVICE_KEY", "server-key.pem"), "path to this service's identity private key")

	return cmd
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func run(f *flags) error {
	log := logrus.NewEntry(logrus.StandardLogger())

	caPEM, err := os.ReadFile(f.caPath)
	if err != nil {
		return fmt.Errorf("reading CA certificate: %w", err)
	}
	certPEM, err := os.ReadFile(f.certPath)
	if err != nil {
		return fmt.Errorf("reading identity certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(f.keyPath)
	if err != nil {
		return fmt.Errorf("reading identity key: %w", err)
	}

	tlsConfig, err := tlsutil.ServerConfig(caPEM, certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("building server TLS config: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := controlmetrics.NewMetrics(registry)

	svc, err := service.New(f.configPath, f.listenAddr, tlsConfig, metrics, log)
	if err != nil {
		return fmt.Errorf("constructing control service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	return svc.Run(ctx)
}
