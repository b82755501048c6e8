// Command agent dials the control service and maintains one long-lived,
// mutually-authenticated connection to it, reconnecting with backoff if
// the connection is lost. It drives a pluggable agentside.Agent; the
// default implementation only logs ClusterStatus pushes, since the real
// container-runtime convergence loop is out of scope here.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/clusterforge/controlplane/internal/agentside"
	"github.com/clusterforge/controlplane/internal/connection"
	"github.com/clusterforge/controlplane/internal/tlsutil"
	"github.com/clusterforge/controlplane/pkg/clustermodel"
	"github.com/clusterforge/controlplane/pkg/protocol"
)

// SupportedMajorVersion is the protocol major version this agent speaks,
// matching internal/controlplane.ProtocolVersion on the control service
// side. A control service reporting any other major version is fatal:
// the agent drops the connection and lets dialLoop retry.
const SupportedMajorVersion = 1

type flags struct {
	dialAddr   string
	serverName string
	caPath     string
	certPath   string
	keyPath    string
}

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Connect one convergence agent to the control service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
	}

	cmd.Flags().StringVar(&f.dialAddr, "dial", envOr("AGENT_DIAL", "127.0.0.1:4524"), "control service address to connect to")
	cmd.Flags().StringVar(&f.serverName, "server-name", envOr("AGENT_SERVER_NAME", "control-service"), "expected identity of the control service's certificate")
	cmd.Flags().StringVar(&f.caPath, "ca", envOr("AGENT_CA", "ca.pem"), "path to the cluster CA certificate")
	cmd.Flags().StringVar(&f.certPath, "cert", envOr("AGENT_CERT", "agent.pem"), "path to this agent's identity certificate")
	cmd.Flags().StringVar(&f.keyPath, "key", envOr("AGENT_KEY", "agent-key.pem"), "path to this agent's identity private key")

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

	tlsConfig, err := tlsutil.ClientConfig(caPEM, certPEM, keyPEM, f.serverName)
	if err != nil {
		return fmt.Errorf("building client TLS config: %w", err)
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

	agent := newLoggingAgent(log)
	return dialLoop(ctx, f.dialAddr, tlsConfig, agent, log)
}

// dialLoop keeps one connection to the control service alive, reconnecting
// with exponential backoff whenever it drops, until ctx is cancelled.
func dialLoop(ctx context.Context, addr string, tlsConfig *tls.Config, agent agentside.Agent, log *logrus.Entry) error {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}

		connectedAt := time.Now()
		if err := connectOnce(ctx, addr, tlsConfig, agent, log); err != nil {
			log.WithError(err).Warn("connection to control service ended")
		}
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(connectedAt) > maxBackoff {
			backoff = initialBackoff
		}
		log.WithField("backoff", backoff).Info("reconnecting to control service")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func connectOnce(ctx context.Context, addr string, tlsConfig *tls.Config, agent agentside.Agent, log *logrus.Entry) error {
	dialer := &tls.Dialer{Config: tlsConfig}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}

	endpoint := connection.New(conn, log)
	endpoint.SetLocator(agentside.NewAgentLocator(agent))

	// handshake runs inside onConnect, which Serve calls only once its read
	// loop is already pumping answers, so the SendCommand it issues can
	// actually complete.
	var handshakeErr error
	onConnect := func(e *connection.Endpoint) {
		if err := handshake(ctx, e, log); err != nil {
			handshakeErr = err
			e.Close()
			return
		}
		agent.Connected(agentside.NewReporter(e.SendCommand))
		log.WithField("remote", addr).Info("connected to control service")
	}
	onDisconnect := func(e *connection.Endpoint) {
		agent.Disconnected()
	}

	if err := endpoint.Serve(ctx, onConnect, onDisconnect); err != nil {
		return err
	}
	return handshakeErr
}

// handshake asks the control service for its protocol major version and
// returns an error wrapping protocol.ErrVersionMismatch if it does not
// match SupportedMajorVersion; connectOnce's onConnect then closes the
// connection. Per spec.md §4.3 a version mismatch is fatal to the agent,
// not something the locator negotiates around.
func handshake(ctx context.Context, endpoint *connection.Endpoint, log *logrus.Entry) error {
	result, err := endpoint.SendCommand(ctx, protocol.Version, protocol.EncodeVersionArgs(protocol.VersionArgs{}))
	if err != nil {
		return fmt.Errorf("version handshake: %w", err)
	}
	answer, err := protocol.DecodeVersionAnswer(result)
	if err != nil {
		return fmt.Errorf("version handshake: %w", err)
	}
	if answer.Major != SupportedMajorVersion {
		log.WithFields(logrus.Fields{
			"control_service_major": answer.Major,
			"agent_major":           SupportedMajorVersion,
		}).Error("control service protocol version mismatch")
		return fmt.Errorf("%w: control service major %d, agent supports %d", protocol.ErrVersionMismatch, answer.Major, SupportedMajorVersion)
	}
	return nil
}

// loggingAgent is the default agentside.Agent: it logs every ClusterStatus
// push and never reports node state, since there is no real container
// runtime wired up in this repo.
type loggingAgent struct {
	log     *logrus.Entry
	updates atomic.Uint64
}

func newLoggingAgent(log *logrus.Entry) *loggingAgent {
	return &loggingAgent{log: log}
}

func (a *loggingAgent) Connected(agentside.Reporter) {}

func (a *loggingAgent) Disconnected() {}

func (a *loggingAgent) ClusterUpdated(ctx context.Context, configuration clustermodel.Deployment, state clustermodel.DeploymentState, taskID string) {
	n := a.updates.Add(1)
	a.log.WithFields(logrus.Fields{
		"task_id":               taskID,
		"update_number":         n,
		"configuration_version": configuration.Version,
		"node_count":            len(configuration.Nodes),
		"observed_node_count":   len(state.Nodes),
	}).Info("received cluster status")
}
