package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/tinkerbelle-io/tb-recovery/internal/api"
	"github.com/tinkerbelle-io/tb-recovery/internal/audit"
	"github.com/tinkerbelle-io/tb-recovery/internal/config"
	"github.com/tinkerbelle-io/tb-recovery/internal/kube"
	"github.com/tinkerbelle-io/tb-recovery/internal/logging"
	"github.com/tinkerbelle-io/tb-recovery/internal/remediation"
	"github.com/tinkerbelle-io/tb-recovery/internal/store"
)

const shutdownTimeout = 10 * time.Second

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the remediation control loop and its HTTP API",
	Long: `Run the remediation controller. Every poll interval it detects pods with a
volume node affinity conflict, advances approved remediations one step, and
persists the state. The HTTP API serves status, approve, cancel, scan and a
websocket status stream, plus /metrics and /healthz.

When remediation.enabled is false only the API runs, and every remediation
endpoint except /remediation/enabled answers 503.`,
	RunE: runController,
}

func init() {
	rootCmd.AddCommand(controllerCmd)
}

func runController(cmd *cobra.Command, args []string) error {
	logging.Setup(flagLogLevel, flagLogFormat)

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clients, err := kubeClientsFor(cfg)
	if err != nil {
		return err
	}

	d, err := buildDaemon(cfg, clients, slog.Default())
	if err != nil {
		return err
	}
	return d.run(ctx)
}

// kubeClientsFor connects to the cluster only when the controller will run.
// A disabled controller serves its API without one.
func kubeClientsFor(cfg *config.Config) (*kube.Clients, error) {
	if !cfg.Remediation.Enabled {
		return nil, nil
	}
	return kube.NewClients(cfg.Kubernetes.Kubeconfig, cfg.Kubernetes.Context)
}

// daemon is the wired controller plus the HTTP server in front of it.
type daemon struct {
	cfg    *config.Config
	ctrl   *remediation.Controller
	store  store.Store
	audit  *audit.Logger
	server *http.Server
	log    *slog.Logger
}

func buildDaemon(cfg *config.Config, clients *kube.Clients, log *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, log: log.With("component", "daemon")}

	var gateway api.Gateway
	if cfg.Remediation.Enabled {
		if clients == nil {
			return nil, errors.New("remediation requires kubernetes clients")
		}
		ctrl, err := d.buildController(clients, log)
		if err != nil {
			return nil, err
		}
		d.ctrl = ctrl
		gateway = ctrl
	}

	handler := api.NewServer(gateway, api.Options{
		Enabled:  cfg.Remediation.Enabled,
		AutoPoll: cfg.Remediation.AutoPollEnabled,
	}, log)
	d.server = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d, nil
}

func (d *daemon) buildController(clients *kube.Clients, log *slog.Logger) (*remediation.Controller, error) {
	rc := d.cfg.Remediation

	clientset := clients.Kubernetes
	st, err := store.New(d.cfg.Store, clientset)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	d.store = st

	deps := remediation.Deps{
		Store:    st,
		Detector: remediation.NewDetector(clientset, rc.PodLabelSelector, clock.RealClock{}, log),
		Governor: remediation.NewGovernor(rc.MaxConcurrentPerDC, rc.MaxConcurrentPerRack),
		Tasks:    remediation.NewOrchestrator(clientset, clients.Dynamic, log),
		Breaker:  remediation.NewCircuitBreaker(rc.MaxReplacementsPerHour, rc.NodeCooldown(), clock.RealClock{}),
		Clock:    clock.RealClock{},
		Logger:   log,
	}

	if d.cfg.Audit.Path != "" {
		al, err := audit.NewLogger(d.cfg.Audit.Path)
		if err != nil {
			st.Close()
			return nil, err
		}
		d.audit = al
		deps.Auditor = al
	}
	if d.cfg.Notify.WebhookURL != "" {
		deps.Notifier = remediation.NewWebhookNotifier(d.cfg.Notify.WebhookURL, "tb-recovery/"+rootCmd.Version)
	}

	return remediation.NewController(remediation.Config{
		AutoPoll:     rc.AutoPollEnabled,
		PollInterval: rc.PollInterval(),
	}, deps), nil
}

// run serves until ctx is cancelled or the server fails, then shuts both
// halves down.
func (d *daemon) run(ctx context.Context) error {
	defer d.close()

	g, ctx := errgroup.WithContext(ctx)

	if d.ctrl != nil {
		d.ctrl.Start(ctx)
	}

	g.Go(func() error {
		d.log.Info("serving HTTP API", "addr", d.server.Addr, "remediation_enabled", d.cfg.Remediation.Enabled)
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		d.log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.log.Warn("http shutdown", "error", err)
		}
		if d.ctrl != nil {
			return d.ctrl.Stop()
		}
		return nil
	})

	return g.Wait()
}

func (d *daemon) close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Warn("closing state store", "error", err)
		}
	}
	if err := d.audit.Close(); err != nil {
		d.log.Warn("closing audit log", "error", err)
	}
}
