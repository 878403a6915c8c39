package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/clock"

	"github.com/tinkerbelle-io/tim8-gateway/internal/api"
	"github.com/tinkerbelle-io/tim8-gateway/internal/config"
	"github.com/tinkerbelle-io/tim8-gateway/internal/credentials"
	"github.com/tinkerbelle-io/tim8-gateway/internal/fleet"
	"github.com/tinkerbelle-io/tim8-gateway/internal/health"
	"github.com/tinkerbelle-io/tim8-gateway/internal/hub"
	"github.com/tinkerbelle-io/tim8-gateway/internal/incident"
	"github.com/tinkerbelle-io/tim8-gateway/internal/logging"
	"github.com/tinkerbelle-io/tim8-gateway/internal/poller"
	"github.com/tinkerbelle-io/tim8-gateway/internal/store"
)

const shutdownTimeout = 15 * time.Second

var (
	flagListen   string
	flagNoPoller bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway API, cluster poller and broadcast hub",
	Long: `Run the gateway. It serves the HTTP API and the observer WebSocket,
polls kubeconfig-registered clusters in the background and, when NATS is
configured, relays every incident event onto the bus.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "HTTP listen address (overrides config, env: TIM8_LISTEN)")
	serveCmd.Flags().BoolVar(&flagNoPoller, "no-poller", false, "Disable pull-mode cluster polling")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagListen != "" {
		cfg.Listen = flagListen
	}
	if flagNoPoller {
		cfg.Poller.Enabled = false
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	log := slog.Default().With("component", "serve")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { err = multierr.Append(err, st.Close()) }()
	log.Info("store ready", "driver", cfg.Database.Driver)

	creds, err := openCredentials(cfg, st)
	if err != nil {
		return err
	}

	h := hub.New()
	defer h.Close()

	nc, ns, err := connectNATS(cfg.NATS)
	if err != nil {
		return err
	}
	if ns != nil {
		defer ns.Shutdown()
	}
	if nc != nil {
		defer func() { err = multierr.Append(err, nc.Drain()) }()
		h.Subscribe(hub.NewNATSRelay(nc, cfg.NATS.SubjectPrefix))
		log.Info("event relay enabled", "url", nc.ConnectedUrl(), "prefix", cfg.NATS.SubjectPrefix)
	}

	orch := incident.New(st, h, collaborators(cfg.Collaborators), summarizer(cfg.Collaborators), clock.RealClock{}, incident.Config{
		CallTimeout:      cfg.Collaborators.CallTimeout,
		RemediateTimeout: cfg.Collaborators.RemediateTimeout,
	})
	fl := fleet.New(st, creds, clock.RealClock{}, fleet.Config{
		ReportInterval: cfg.Ingress.ReportInterval,
		ReportBurst:    cfg.Ingress.ReportBurst,
	})

	deps := api.Deps{
		Fleet:     fl,
		Incidents: orch,
		Queries:   st,
		WS:        h.ServeWS,
	}
	switch {
	case !cfg.Poller.Enabled:
	case creds == nil:
		log.Warn("cluster poller disabled: no credential store")
	default:
		p := poller.New(st, credentials.NewKubeconfigSource(creds), health.NewProber(), clock.RealClock{}, poller.Config{
			Interval:       cfg.Poller.Interval,
			SweepInterval:  cfg.Poller.SweepInterval,
			PollTimeout:    cfg.Poller.PollTimeout,
			BackoffFloor:   cfg.Poller.BackoffFloor,
			BackoffCeiling: cfg.Poller.BackoffCeiling,
		})
		p.Start(ctx)
		defer p.Stop()
		deps.Poller = p
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.New(deps).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", cfg.Listen, "version", rootCmd.Version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr := <-errCh:
		if !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openCredentials picks the sealed SQL store when a seal key is configured
// and Kubernetes Secrets otherwise. Without a kubeconfig path outside a
// cluster there is no store: it returns nil and kubeconfig registration
// answers 503.
func openCredentials(cfg *config.Config, st *store.Store) (credentials.Store, error) {
	if cfg.Credentials.SealKey != "" {
		key, err := credentials.ParseSealKey(cfg.Credentials.SealKey)
		if err != nil {
			return nil, err
		}
		slog.Info("using sealed credential store")
		return credentials.NewSealedStore(st.DB(), key), nil
	}

	// An empty kubeconfig path falls back to the in-cluster config.
	if cfg.Credentials.Kubeconfig == "" {
		if _, err := rest.InClusterConfig(); err != nil {
			slog.Warn("no credential store: set credentials.kubeconfig, credentials.sealKey (TIM8_SEAL_KEY) or run in-cluster",
				"error", err)
			return nil, nil
		}
	}
	restCfg, err := clientcmd.BuildConfigFromFlags("", cfg.Credentials.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("load cluster config for secret store: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	slog.Info("using kubernetes secret credential store", "namespace", cfg.Credentials.SecretNamespace)
	return credentials.NewKubeSecretStore(client, cfg.Credentials.SecretNamespace), nil
}

// connectNATS starts the embedded server if asked to and connects to
// whichever server is configured. Both results are nil without NATS.
func connectNATS(cfg config.NATSConfig) (*nats.Conn, *server.Server, error) {
	natsURL := cfg.URL
	var ns *server.Server
	if cfg.Embedded {
		host, port, err := net.SplitHostPort(cfg.Listen)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid nats listen address: %w", err)
		}
		portInt, _ := strconv.Atoi(port)
		ns, err = server.NewServer(&server.Options{Host: host, Port: portInt, NoSigs: true})
		if err != nil {
			return nil, nil, fmt.Errorf("could not start embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(4 * time.Second) {
			ns.Shutdown()
			return nil, nil, fmt.Errorf("embedded NATS server did not become ready")
		}
		slog.Info("embedded NATS server started", "addr", cfg.Listen)
		natsURL = ns.ClientURL()
	}
	if natsURL == "" {
		return nil, nil, nil
	}
	nc, err := hub.Connect(natsURL)
	if err != nil {
		if ns != nil {
			ns.Shutdown()
		}
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, ns, nil
}

func collaborators(cfg config.CollaboratorsConfig) incident.Collaborators {
	// The client timeout backstops the per-call deadline.
	backstop := max(cfg.CallTimeout, cfg.RemediateTimeout) + 5*time.Second
	return incident.Collaborators{
		Detective:  incident.NewHTTPCollaborator(incident.NameDetective, cfg.Detective, incident.PathDetective, backstop),
		Context:    incident.NewHTTPCollaborator(incident.NameContext, cfg.Context, incident.PathContext, backstop),
		Runbook:    incident.NewHTTPCollaborator(incident.NameRunbook, cfg.Runbook, incident.PathRunbook, backstop),
		Remediator: incident.NewHTTPCollaborator(incident.NameRemediator, cfg.Remediator, incident.PathRemediator, backstop),
		Reporter:   incident.NewReporter(cfg.Reporter, backstop),
	}
}

func summarizer(cfg config.CollaboratorsConfig) incident.Summarizer {
	if cfg.Summarizer == "" {
		return incident.DigestSummarizer{}
	}
	return incident.NewHTTPSummarizer(cfg.Summarizer, cfg.CallTimeout)
}
