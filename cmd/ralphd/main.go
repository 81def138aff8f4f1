// Command ralphd runs the autonomous issue-queue worker daemon: it
// wires together the state store, GitHub client, label write
// coordinator, per-repo pollers and reconcilers, the checkpoint
// runtime, and the control plane HTTP server, then blocks until
// interrupted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/ralphd/internal/checkpoint"
	"github.com/itskum47/ralphd/internal/config"
	"github.com/itskum47/ralphd/internal/controlplane"
	"github.com/itskum47/ralphd/internal/donereconciler"
	"github.com/itskum47/ralphd/internal/eventbus"
	"github.com/itskum47/ralphd/internal/ghclient"
	"github.com/itskum47/ralphd/internal/issuemirror"
	"github.com/itskum47/ralphd/internal/labelcoord"
	"github.com/itskum47/ralphd/internal/policy"
	"github.com/itskum47/ralphd/internal/queuestate"
	"github.com/itskum47/ralphd/internal/rlog"
	"github.com/itskum47/ralphd/internal/store"
	"github.com/itskum47/ralphd/internal/writeback"
)

// priorityLabelPattern matches the p0..p4 priority labels queuestate's
// DerivePriority recognizes, so issue/priority can replace whichever
// one is currently set.
var priorityLabelPattern = regexp.MustCompile(`(?i)^p[0-4](-|:|$)`)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := rlog.New("RALPHD")
	cfg := loadConfig()

	st := mustStore(ctx)
	bus := eventbus.New(cfg.EventBus.BufferSize)
	gh := mustGitHubClient(bus)

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = ""
	}

	labels := labelcoord.New(gh, st)
	wb := writeback.NewEngine(gh, st, labels, homeDir)

	allow := policy.New(repoAllowlist())
	repos := requiredRepos()

	mirrorSched := issuemirror.NewScheduler(cfg.Sync.MaxInFlight)
	doneSched := donereconciler.NewScheduler()
	for _, repo := range repos {
		poller := issuemirror.New(gh, st, repo,
			issuemirror.WithAllowlist(allow),
			issuemirror.WithPagesPerTick(cfg.Sync.MaxPagesPerTick),
			issuemirror.WithIssuesPerTick(cfg.Sync.MaxIssuesPerTick),
		)
		mirrorSched.Register(repo, poller)

		reconciler := donereconciler.New(gh, st, labels, allow, repo,
			donereconciler.WithMaxPrsPerRun(cfg.DoneReconciler.MaxPrsPerRun),
		)
		doneSched.Register(repo, reconciler)
	}

	checkpoints := checkpoint.New(st, bus)

	srv := controlplane.New(bus, snapshotProvider(st, repos), controlplane.Config{
		Token:                   cfg.ControlPlane.Token,
		ExposeRawOpencodeEvents: cfg.ControlPlane.ExposeRawOpencodeEvents,
		DefaultReplayLast:       cfg.ControlPlane.ReplayLastDefault,
		MaxReplayLast:           cfg.ControlPlane.ReplayLastMax,
		HomeDir:                 homeDir,
	})
	registerCommands(srv, checkpoints, labels, wb, st)

	bus.Publish(eventbus.Event{TS: time.Now(), Type: eventbus.TypeDaemonStarted, Level: eventbus.LevelInfo})

	go mirrorSched.Run(ctx)
	go doneSched.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.ControlPlane.Host, cfg.ControlPlane.Port)
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		bus.Publish(eventbus.Event{TS: time.Now(), Type: eventbus.TypeDaemonStopped, Level: eventbus.LevelInfo})
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Persistence.FlushTimeout())
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("http server shutdown: %v", err)
		}
	}()

	logger.Infof("listening on %s (repos=%v)", addr, repos)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[RALPHD] http server failed: %v", err)
	}
}

// loadConfig starts from config.Default() and overlays the documented
// env-var overrides. Env parsing lives here rather than in
// internal/config, which only owns the typed struct and its defaults.
func loadConfig() config.Config {
	cfg := config.Default()

	if v := os.Getenv("RALPHD_EVENTBUS_BUFFER_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.EventBus.BufferSize)
	}
	if v := os.Getenv("RALPHD_SYNC_MAX_IN_FLIGHT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Sync.MaxInFlight)
	}
	if v := os.Getenv("RALPHD_SYNC_MAX_PAGES_PER_TICK"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Sync.MaxPagesPerTick)
	}
	if v := os.Getenv("RALPHD_SYNC_MAX_ISSUES_PER_TICK"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Sync.MaxIssuesPerTick)
	}
	if v := os.Getenv("RALPHD_DONE_RECONCILER_MAX_PRS_PER_RUN"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.DoneReconciler.MaxPrsPerRun)
	}
	if v := os.Getenv("RALPHD_CONTROL_PLANE_HOST"); v != "" {
		cfg.ControlPlane.Host = v
	}
	if v := os.Getenv("RALPHD_CONTROL_PLANE_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.ControlPlane.Port)
	}
	if v := os.Getenv("RALPHD_CONTROL_PLANE_TOKEN"); v != "" {
		cfg.ControlPlane.Token = v
	} else {
		log.Fatalf("[RALPHD] RALPHD_CONTROL_PLANE_TOKEN is required")
	}
	if v := os.Getenv("RALPHD_EXPOSE_RAW_OPENCODE_EVENTS"); v == "true" {
		cfg.ControlPlane.ExposeRawOpencodeEvents = true
	}
	return cfg
}

// mustStore selects Postgres when RALPHD_POSTGRES_DSN is set, falling
// back to the in-memory store otherwise (suitable for a single-process
// development daemon, not for crash recovery across restarts).
func mustStore(ctx context.Context) store.StateStore {
	dsn := os.Getenv("RALPHD_POSTGRES_DSN")
	if dsn == "" {
		log.Printf("[RALPHD] RALPHD_POSTGRES_DSN not set, using in-memory store (no crash recovery)")
		return store.NewMemoryStore()
	}
	st, err := store.NewPostgresStore(ctx, dsn)
	if err != nil {
		log.Fatalf("[RALPHD] connect postgres store: %v", err)
	}
	return st
}

// mustGitHubClient builds the GitHub client from either a GitHub App
// installation (preferred) or a static personal access token.
func mustGitHubClient(bus *eventbus.Bus) *ghclient.Client {
	var tokens ghclient.TokenSource

	appIDStr := os.Getenv("RALPHD_GITHUB_APP_ID")
	installIDStr := os.Getenv("RALPHD_GITHUB_INSTALLATION_ID")
	keyPath := os.Getenv("RALPHD_GITHUB_PRIVATE_KEY_PATH")
	if appIDStr != "" && installIDStr != "" && keyPath != "" {
		appID, err := strconv.ParseInt(appIDStr, 10, 64)
		if err != nil {
			log.Fatalf("[RALPHD] invalid RALPHD_GITHUB_APP_ID: %v", err)
		}
		installID, err := strconv.ParseInt(installIDStr, 10, 64)
		if err != nil {
			log.Fatalf("[RALPHD] invalid RALPHD_GITHUB_INSTALLATION_ID: %v", err)
		}
		pemBytes, err := os.ReadFile(keyPath)
		if err != nil {
			log.Fatalf("[RALPHD] read RALPHD_GITHUB_PRIVATE_KEY_PATH: %v", err)
		}
		src, err := ghclient.NewInstallationTokenSource(appID, installID, pemBytes)
		if err != nil {
			log.Fatalf("[RALPHD] build installation token source: %v", err)
		}
		tokens = src
	} else if pat := os.Getenv("RALPHD_GITHUB_TOKEN"); pat != "" {
		tokens = ghclient.NewStaticTokenSource(pat)
	} else {
		log.Fatalf("[RALPHD] no GitHub credentials: set RALPHD_GITHUB_TOKEN or the RALPHD_GITHUB_APP_* trio")
	}

	return ghclient.New(tokens, ghclient.WithMaxAttempts(5), ghclient.WithEventBus(bus))
}

func requiredRepos() []string {
	v := os.Getenv("RALPHD_REPOS")
	if v == "" {
		log.Fatalf("[RALPHD] RALPHD_REPOS is required (comma-separated owner/repo list)")
	}
	return splitTrim(v)
}

func repoAllowlist() []string {
	if v := os.Getenv("RALPHD_REPO_ALLOWLIST"); v != "" {
		return splitTrim(v)
	}
	return requiredRepos()
}

func splitTrim(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// snapshotProvider builds the GET /v1/state payload: a per-repo issue
// label snapshot is out of scope for a cheap synchronous read, so the
// snapshot reports scheduler-level liveness only. Per-issue TaskViews
// are not delivered over the event stream either: neither the pollers
// nor the label coordinator publish events.
func snapshotProvider(st store.StateStore, repos []string) controlplane.SnapshotProvider {
	return func(ctx context.Context) (any, error) {
		return map[string]any{
			"repos": repos,
			"ts":    time.Now().UTC(),
		}, nil
	}
}

// registerCommands wires the control plane's command endpoint to the
// daemon's own components. message/enqueue and message/interrupt are
// deliberately left unregistered: this daemon has no message-delivery
// component grounded in the corpus, so message/interrupt exercises the
// documented 501 path and message/enqueue answers a plain 404.
func registerCommands(srv *controlplane.Server, checkpoints *checkpoint.Runtime, labels *labelcoord.Coordinator, wb *writeback.Engine, st store.StateStore) {
	srv.RegisterCommand("pause", func(ctx context.Context, body json.RawMessage) (map[string]any, bool, *controlplane.CommandError) {
		var req struct {
			WorkerID   string `json:"workerId"`
			Checkpoint string `json:"checkpoint"`
		}
		if err := json.Unmarshal(body, &req); err != nil || req.WorkerID == "" || req.Checkpoint == "" {
			return nil, false, &controlplane.CommandError{Status: http.StatusBadRequest, Code: "invalid_body", Message: "workerId and checkpoint are required"}
		}
		checkpoints.SetPauseAtCheckpoint(req.WorkerID, checkpoint.Checkpoint(req.Checkpoint))
		return map[string]any{"workerId": req.WorkerID, "checkpoint": req.Checkpoint}, false, nil
	})

	srv.RegisterCommand("resume", func(ctx context.Context, body json.RawMessage) (map[string]any, bool, *controlplane.CommandError) {
		var req struct {
			WorkerID string `json:"workerId"`
		}
		if err := json.Unmarshal(body, &req); err != nil || req.WorkerID == "" {
			return nil, false, &controlplane.CommandError{Status: http.StatusBadRequest, Code: "invalid_body", Message: "workerId is required"}
		}
		checkpoints.ClearPauseAtCheckpoint(req.WorkerID)
		if err := checkpoints.OnPauseCleared(ctx, req.WorkerID); err != nil {
			return nil, false, &controlplane.CommandError{Status: http.StatusInternalServerError, Code: "resume_failed", Message: err.Error()}
		}
		return map[string]any{"workerId": req.WorkerID}, false, nil
	})

	setPriority := func(ctx context.Context, body json.RawMessage) (map[string]any, bool, *controlplane.CommandError) {
		var req struct {
			Repo     string `json:"repo"`
			Number   int    `json:"number"`
			Priority string `json:"priority"`
		}
		if err := json.Unmarshal(body, &req); err != nil || req.Repo == "" || req.Number == 0 || req.Priority == "" {
			return nil, false, &controlplane.CommandError{Status: http.StatusBadRequest, Code: "invalid_body", Message: "repo, number, and priority are required"}
		}
		current, err := st.GetIssueLabels(ctx, req.Repo, req.Number)
		if err != nil {
			return nil, false, &controlplane.CommandError{Status: http.StatusInternalServerError, Code: "label_read_failed", Message: err.Error()}
		}
		var ops []labelcoord.Op
		for _, l := range current {
			if priorityLabelPattern.MatchString(l) && l != req.Priority {
				ops = append(ops, labelcoord.Op{Action: labelcoord.ActionRemove, Label: l})
			}
		}
		ops = append(ops, labelcoord.Op{Action: labelcoord.ActionAdd, Label: req.Priority})
		if err := labels.ExecuteIssueLabelOps(ctx, labelcoord.Request{
			Repo: req.Repo, IssueNumber: req.Number, Ops: ops,
			WriteClass: labelcoord.WriteClassNormal, AllowNonRalph: true,
		}); err != nil {
			return nil, false, &controlplane.CommandError{Status: http.StatusBadGateway, Code: "label_write_failed", Message: err.Error()}
		}
		return map[string]any{"repo": req.Repo, "number": req.Number, "priority": req.Priority}, false, nil
	}
	// issue/priority and task/priority name the same underlying
	// operation; spec.md lists both command ids for the same label
	// mutation, one scoped to the issue-tracker vocabulary and one to
	// the task vocabulary the control plane otherwise speaks.
	srv.RegisterCommand("issue/priority", setPriority)
	srv.RegisterCommand("task/priority", setPriority)

	srv.RegisterCommand("task/status", func(ctx context.Context, body json.RawMessage) (map[string]any, bool, *controlplane.CommandError) {
		var req struct {
			Repo   string `json:"repo"`
			Number int    `json:"number"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &req); err != nil || req.Repo == "" || req.Number == 0 || req.Status == "" {
			return nil, false, &controlplane.CommandError{Status: http.StatusBadRequest, Code: "invalid_body", Message: "repo, number, and status are required"}
		}
		current, err := st.GetIssueLabels(ctx, req.Repo, req.Number)
		if err != nil {
			return nil, false, &controlplane.CommandError{Status: http.StatusInternalServerError, Code: "label_read_failed", Message: err.Error()}
		}
		delta := queuestate.StatusToRalphLabelDelta(queuestate.Status(req.Status), current)
		var ops []labelcoord.Op
		for _, l := range delta.Add {
			ops = append(ops, labelcoord.Op{Action: labelcoord.ActionAdd, Label: l})
		}
		for _, l := range delta.Remove {
			ops = append(ops, labelcoord.Op{Action: labelcoord.ActionRemove, Label: l})
		}
		if len(ops) == 0 {
			return map[string]any{"repo": req.Repo, "number": req.Number, "status": req.Status, "changed": false}, false, nil
		}
		if err := labels.ExecuteIssueLabelOps(ctx, labelcoord.Request{
			Repo: req.Repo, IssueNumber: req.Number, Ops: ops, WriteClass: labelcoord.WriteClassNormal,
		}); err != nil {
			return nil, false, &controlplane.CommandError{Status: http.StatusBadGateway, Code: "label_write_failed", Message: err.Error()}
		}
		return map[string]any{"repo": req.Repo, "number": req.Number, "status": req.Status, "changed": true}, false, nil
	})

	srv.RegisterCommand("issue/cmd", func(ctx context.Context, body json.RawMessage) (map[string]any, bool, *controlplane.CommandError) {
		var req struct {
			Repo       string `json:"repo"`
			Number     int    `json:"number"`
			Body       string `json:"body"`
			Stage      string `json:"stage"`
			RetryIndex int    `json:"retryIndex"`
			Signature  string `json:"signature"`
			SessionID  string `json:"sessionId"`
		}
		if err := json.Unmarshal(body, &req); err != nil || req.Repo == "" || req.Number == 0 || req.Body == "" {
			return nil, false, &controlplane.CommandError{Status: http.StatusBadRequest, Code: "invalid_body", Message: "repo, number, and body are required"}
		}
		plan := writeback.BuildPlan(writeback.PlanContext{
			Repo: req.Repo, IssueNumber: req.Number, Kind: writeback.KindCmd,
			Stage: req.Stage, RetryIndex: req.RetryIndex, Signature: req.Signature,
			SessionID: req.SessionID, Body: req.Body,
		})
		action, err := wb.Apply(ctx, req.Repo, req.Number, plan)
		if err != nil {
			return nil, false, &controlplane.CommandError{Status: http.StatusBadGateway, Code: "writeback_failed", Message: err.Error()}
		}
		return map[string]any{"repo": req.Repo, "number": req.Number, "action": string(action)}, false, nil
	})
}
