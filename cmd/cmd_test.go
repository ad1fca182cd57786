package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/tinkerbelle-io/tb-recovery/internal/api"
	"github.com/tinkerbelle-io/tb-recovery/internal/audit"
	"github.com/tinkerbelle-io/tb-recovery/internal/config"
	"github.com/tinkerbelle-io/tb-recovery/internal/kube"
	"github.com/tinkerbelle-io/tb-recovery/internal/remediation"
)

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveServer(t *testing.T) {
	old := flagServer
	defer func() { flagServer = old }()

	flagServer = ""
	t.Setenv("TB_RECOVERY_SERVER", "")
	if got := resolveServer(); got != defaultServerURL {
		t.Errorf("default = %s", got)
	}

	t.Setenv("TB_RECOVERY_SERVER", "http://ops:9000")
	if got := resolveServer(); got != "http://ops:9000" {
		t.Errorf("env = %s", got)
	}

	flagServer = "http://flag:1"
	if got := resolveServer(); got != "http://flag:1" {
		t.Errorf("flag = %s", got)
	}
}

func TestPrintStatus(t *testing.T) {
	detected := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := &remediation.Status{
		Total: 2, PendingApproval: 1, Failed: 1,
		Jobs: []*remediation.Record{
			{ID: "rem-pod-a-1", PodName: "pod-a", Datacenter: "dc1", Rack: "r1", State: remediation.StatePendingApproval, DetectedAt: detected},
			{ID: "rem-pod-b-1", PodName: "pod-b", Datacenter: "dc1", Rack: "r2", State: remediation.StateFailed, Error: "K8ssandraTask failed", DetectedAt: detected},
		},
	}
	var buf bytes.Buffer
	printStatus(&buf, st)
	out := buf.String()

	for _, want := range []string{"Total: 2", "Pending approval: 1", "rem-pod-a-1", "pending-approval", "failed (K8ssandraTask failed)", "2026-03-01T12:00:00Z"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestApproveCommand(t *testing.T) {
	var got api.ApproveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/remediation/approve" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(api.ActionResponse{Status: "approved", RemediationID: got.RemediationID})
	}))
	defer srv.Close()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"approve", "rem-pod-a-1", "--by", "alice", "--server", srv.URL})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		flagServer, flagApprovedBy = "", ""
	}()

	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if got.RemediationID != "rem-pod-a-1" || got.ApprovedBy != "alice" {
		t.Errorf("request = %+v", got)
	}
	if !strings.Contains(out.String(), "rem-pod-a-1 approved") {
		t.Errorf("output = %q", out.String())
	}
}

func TestCancelCommandSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "remediation nope: remediation not found"})
	}))
	defer srv.Close()

	rootCmd.SetOut(io.Discard)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs([]string{"cancel", "nope", "--server", srv.URL})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		flagServer = ""
	}()

	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v", err)
	}
}

func TestEnabledCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/remediation/enabled" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(api.EnabledResponse{Enabled: true, AutoPollEnabled: false})
	}))
	defer srv.Close()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"enabled", "--server", srv.URL})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		flagServer = ""
	}()

	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); !strings.Contains(got, "enabled: true") || !strings.Contains(got, "auto_poll_enabled: false") {
		t.Errorf("output = %q", got)
	}
}

func TestAuditVerifyCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := audit.NewLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = l.Log(audit.Entry{Action: audit.ActionApprove, RemediationID: "rem-pod-a-1", Actor: "alice"})
	_ = l.Log(audit.Entry{Action: audit.ActionCancel, RemediationID: "rem-pod-a-1", Actor: "alice"})
	l.Close()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		flagAuditFile = ""
	}()

	rootCmd.SetArgs([]string{"audit", "verify", "--file", path})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "2 entries, chain intact") {
		t.Errorf("output = %q", out.String())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), "alice", "mallory", 1)
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatal(err)
	}
	rootCmd.SetArgs([]string{"audit", "verify", "--file", path})
	if err := rootCmd.Execute(); err == nil || !strings.Contains(err.Error(), "chain broken") {
		t.Errorf("err = %v, want a broken chain", err)
	}
}

func TestBuildDaemonDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Remediation.Enabled = false
	cfg.Store.Backend = "memory"

	d, err := buildDaemon(cfg, nil, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	if d.ctrl != nil {
		t.Error("disabled config must not build a controller")
	}

	rec := httptest.NewRecorder()
	d.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/remediation/status", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", rec.Code)
	}
}

func TestDisabledControllerNeedsNoCluster(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "")
	t.Setenv("KUBECONFIG", filepath.Join(t.TempDir(), "missing"))

	cfg := config.Default()
	cfg.Remediation.Enabled = false
	if cfg.Store.Backend != "configmap" {
		t.Fatalf("default backend = %s", cfg.Store.Backend)
	}

	clients, err := kubeClientsFor(cfg)
	if err != nil || clients != nil {
		t.Fatalf("clients = %v, err = %v; a disabled controller must not connect", clients, err)
	}
	d, err := buildDaemon(cfg, clients, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	d.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/remediation/enabled", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("enabled endpoint = %d", rec.Code)
	}

	cfg.Remediation.Enabled = true
	if _, err := kubeClientsFor(cfg); err == nil {
		t.Error("an enabled controller needs a reachable kubeconfig")
	}
}

func TestBuildDaemonEnabledRequiresClients(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "memory"
	if _, err := buildDaemon(cfg, nil, quietLog()); err == nil {
		t.Error("expected error without kubernetes clients")
	}
}

func TestDaemonRunAndShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "memory"
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Audit.Path = t.TempDir() + "/audit.log"

	clients := &kube.Clients{
		Kubernetes: fake.NewSimpleClientset(),
		Dynamic: dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
			nil),
	}
	d, err := buildDaemon(cfg, clients, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	if d.ctrl == nil || d.audit == nil {
		t.Fatal("controller and audit log should be wired")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	// Commands only succeed once the loop is running.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := d.ctrl.Status(context.Background()); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("controller never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not shut down")
	}
	if d.ctrl.Running() {
		t.Error("controller should be stopped")
	}
}
