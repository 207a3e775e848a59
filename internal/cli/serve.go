package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/alert"
	"github.com/droverhq/drover/internal/artifacts"
	"github.com/droverhq/drover/internal/auditdb"
	"github.com/droverhq/drover/internal/autonomous"
	"github.com/droverhq/drover/internal/checker"
	"github.com/droverhq/drover/internal/cistatus"
	"github.com/droverhq/drover/internal/codex"
	"github.com/droverhq/drover/internal/compaction"
	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/dashboard"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/fixloop"
	"github.com/droverhq/drover/internal/hostapi"
	"github.com/droverhq/drover/internal/jobs"
	"github.com/droverhq/drover/internal/lifecycle"
	"github.com/droverhq/drover/internal/mcptool"
	"github.com/droverhq/drover/internal/memory"
	"github.com/droverhq/drover/internal/mergeq"
	"github.com/droverhq/drover/internal/oauth"
	"github.com/droverhq/drover/internal/policy"
	"github.com/droverhq/drover/internal/rpc"
	"github.com/droverhq/drover/internal/schedule"
	"github.com/droverhq/drover/internal/server"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/task"
	"github.com/droverhq/drover/internal/telemetry"
	"github.com/droverhq/drover/internal/triage"
	"github.com/droverhq/drover/internal/turn"
	"github.com/droverhq/drover/internal/verify"
	"github.com/droverhq/drover/internal/webhook"
	"github.com/droverhq/drover/internal/workspace"
)

// shutdownTimeout bounds the drain of HTTP, jobs, and telemetry.
const shutdownTimeout = 15 * time.Second

// ServeOptions holds the serve command flags.
type ServeOptions struct {
	// ConfigPath is the config file; empty reads the default path.
	ConfigPath string

	// Addr overrides the configured listen address.
	Addr string

	// JSON forces NDJSON event output even on a TTY.
	JSON bool
}

// NewServeCmd creates the serve command.
func NewServeCmd(a *App) *cobra.Command {
	var opts ServeOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller in the foreground",
		Long: `Serve loads the configuration, wires every subsystem, and runs the
controller until interrupted. Events stream to stdout: one line per
event on a TTY, NDJSON otherwise or with --json.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.RunController(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "Config file path")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "Listen address override")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Force NDJSON event output")
	return cmd
}

// RunController wires the full controller from configuration and
// serves until a signal or the parent context stops it.
func (a *App) RunController(ctx context.Context, opts ServeOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signals := NewSignalHandler(cancel)
	signals.Start()
	defer signals.Stop()

	// Event substrate first; everything else publishes through it.
	bus := events.NewBus()
	defer bus.Close()

	if events.IsJSONMode(opts.JSON) {
		bus.Subscribe(events.JSONEmitterHandler(events.NewJSONEmitter(os.Stdout)))
	} else {
		bus.Subscribe(consoleHandler(os.Stdout, a.verbose))
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer flushCancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry stop: %v\n", err)
		}
	}()
	if tel.Enabled() {
		bus.Subscribe(telemetry.NewBridge(tel.Tracer()).Handle)
	}

	audit, err := auditdb.Open(filepath.Join(cfg.State.Dir, "audit.db"))
	if err != nil {
		return fmt.Errorf("audit db: %w", err)
	}
	defer audit.Close()

	policies := policy.NewManager(cfg.State.Dir)

	workspaces := workspace.NewManager(workspace.Config{
		Root:          cfg.Workspaces.Root,
		Upstream:      cfg.Workspaces.Upstream,
		DefaultBranch: cfg.Workspaces.DefaultBranch,
		ShellEnabled:  cfg.Workspaces.ShellEnabled,
		Bus:           bus,
		Audit:         audit,
	})

	tasks := task.NewRegistry(cfg.State.Dir, bus)

	turnTimeout, err := cfg.Model.TurnTimeoutDuration()
	if err != nil {
		return err
	}

	// The dispatcher reports turns to the compaction manager and the
	// compaction manager dispatches through the dispatcher; the
	// indirection ties the knot.
	var compactor *compaction.Manager
	dispatcher := turn.New(turn.Config{
		MaxTurnsPerTask: cfg.Model.MaxTurnsPerTask,
		Timeout:         turnTimeout,
		Connect:         modelConnector(cfg, policies),
		Track: func(threadID, prompt string) {
			if compactor != nil {
				compactor.Track(threadID, prompt)
			}
		},
	}, turn.Dependencies{
		Tasks:      tasks,
		Workspaces: workspaces,
		Bus:        bus,
	})
	compactor = compaction.NewManager(compaction.Config{
		Strategy:       compaction.Strategy(cfg.Compaction.Strategy),
		TurnInterval:   cfg.Compaction.TurnInterval,
		TokenThreshold: cfg.Compaction.TokenThreshold,
		ContextWindow:  cfg.Compaction.ContextWindow,
		AutoPercent:    cfg.Compaction.AutoPercent,
	}, cfg.State.Dir, dispatcher, bus)

	verifier := verify.New(verify.Config{
		Command: cfg.Workspaces.VerifyCommand,
	}, workspaces, bus)

	fixer := fixloop.New(fixloop.Config{
		MaxIterations: cfg.Model.FixMaxIterations,
	}, verifier, dispatcher, tasks, bus)

	var host hostapi.Client
	if cfg.GitHub.Owner != "" && cfg.GitHub.Repo != "" {
		host = hostapi.NewGitHub(hostapi.GitHubConfig{
			Owner: cfg.GitHub.Owner,
			Repo:  cfg.GitHub.Repo,
		})
	}

	memories := memory.NewStore(cfg.State.Dir)
	collector := artifacts.NewCollector(cfg.State.Dir, bus)
	ci := cistatus.NewStore(cfg.State.Dir)
	evals := checker.NewEvalStore(cfg.State.Dir)
	triager := triage.NewEngine(cfg.State.Dir, bus)

	lc := lifecycle.New(lifecycle.Config{
		BranchPrefix: cfg.GitHub.BranchPrefix,
		PRBase:       cfg.GitHub.PRBase,
		DraftPRs:     cfg.GitHub.DraftPRs,
	}, lifecycle.Dependencies{
		Tasks:      tasks,
		Workspaces: workspaces,
		Dispatcher: dispatcher,
		FixLoop:    fixer,
		Host:       host,
		Compaction: compactor,
		Memory:     memories,
		Artifacts:  collector,
		Evals:      evals,
		Bus:        bus,
	})

	checkers := checker.NewRegistry(cfg.State.Dir, bus)
	checker.RegisterDefaults(checkers, workspaces, ci, evals)

	auto := autonomous.New(autonomous.Config{
		BranchPrefix: cfg.GitHub.BranchPrefix,
		PRBase:       cfg.GitHub.PRBase,
	}, cfg.State.Dir, autonomous.Dependencies{
		Tasks:      tasks,
		Workspaces: workspaces,
		Dispatcher: dispatcher,
		FixLoop:    fixer,
		Checkers:   checkers,
		Host:       host,
		Bus:        bus,
	})

	jobsMgr := jobs.NewManager(0, bus)

	sched := schedule.New(schedule.Config{
		Disabled:   cfg.Scheduler.Disabled,
		HistoryCap: cfg.Scheduler.HistoryCap,
	}, cfg.State.Dir, bus)
	sched.Register(schedule.JobQualityScan, schedule.QualityScan(tasks, checkers))
	sched.Register(schedule.JobArchitectureSweep, schedule.ArchitectureSweep(tasks, checkers, cfg.State.Dir))
	sched.Register(schedule.JobDocGardening, schedule.DocGardening(tasks, cfg.State.Dir))
	sched.Register(schedule.JobGCSweep, schedule.GCSweep(tasks, workspaces, 0))

	queue := mergeq.NewQueue(cfg.State.Dir, workspaces, cfg.Workspaces.DefaultBranch, bus)
	evaluator := mergeq.NewEvaluator(cfg.State.Dir, mergeq.EvaluatorDeps{
		Host:  host,
		CI:    ci,
		Queue: queue,
		Bus:   bus,
	})
	if err := evaluator.SetPolicy(automergePolicy(cfg.Automerge)); err != nil {
		return fmt.Errorf("automerge policy: %w", err)
	}

	alerts := alert.NewManager(alert.Config{
		Console:         cfg.Alerts.Console,
		SlackWebhookURL: cfg.Alerts.SlackWebhookURL,
		WebhookURL:      cfg.Alerts.WebhookURL,
		HistoryCap:      cfg.Alerts.HistoryCap,
	}, cfg.State.Dir, bus)

	dash := dashboard.New(dashboard.Dependencies{
		Tasks:     tasks,
		Runs:      auto,
		Alerts:    alerts,
		Queue:     queue,
		Scheduler: sched,
		Quality:   checkers,
	})

	registry := rpc.BuildRegistry(rpc.Dependencies{
		Tasks:      tasks,
		Starter:    lc,
		Mutation:   lc,
		Verify:     verifier,
		Fix:        fixer,
		Autonomous: auto,
		Jobs:       jobsMgr,
		Alerts:     alerts,
		Queue:      queue,
		Evaluator:  evaluator,
		Scheduler:  sched,
		Compaction: compactor,
		Dashboard:  dash,
		Policy:     policies,
		Triage:     triager,
		Artifacts:  collector,
		Memory:     memories,
		Quality:    checkers,
	})
	rpcServer := rpc.NewServer(cfg.Server.Token, registry, jobsMgr)

	var oauthServer *oauth.Server
	var tokens mcptool.TokenValidator
	if cfg.Server.Issuer != "" {
		oauthServer = oauth.NewServer(cfg.Server.Issuer, cfg.State.Dir)
		tokens = oauthServer
	}

	mcp, err := mcptool.NewServer(mcptool.Config{
		Version: a.version,
		Issuer:  cfg.Server.Issuer,
	}, registry, rpcServer, rpcServer, tokens)
	if err != nil {
		return fmt.Errorf("chat tools: %w", err)
	}

	hooks := webhook.New(webhook.Config{
		Secret: cfg.GitHub.WebhookSecret,
	}, webhook.Dependencies{
		Tasks:   tasks,
		Jobs:    jobsMgr,
		Verify:  verifier,
		Review:  lc,
		CI:      ci,
		Triage:  triager,
		Convert: lc,
		Audit:   audit,
		Bus:     bus,
	})

	watcher, err := store.NewWatcher(cfg.State.Dir)
	if err != nil {
		return fmt.Errorf("state watcher: %w", err)
	}
	for _, name := range store.Files() {
		watcher.OnChange(name, func() {
			bus.Emit(events.NewEvent(events.StateChanged, "").WithPayload(map[string]any{
				"file": name,
			}))
		})
	}

	srv := server.New(server.Config{Addr: cfg.Server.Addr}, server.Dependencies{
		Bus:       bus,
		RPC:       rpcServer.Handler(),
		MCP:       mcp.Handler(),
		Webhooks:  hooks.Handler(),
		OAuth:     oauthServer,
		Dashboard: dash,
		Auth:      rpcServer,
	})

	if err := sched.Start(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer sched.Stop()

	if err := watcher.Start(); err != nil {
		return fmt.Errorf("state watcher: %w", err)
	}
	defer watcher.Stop()

	if err := srv.Start(); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	fmt.Printf("drover listening on %s (state %s)\n", srv.Addr(), cfg.State.Dir)

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()

	// Stop intake first, then drain what is already running.
	var errs []error
	if err := srv.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("http stop: %w", err))
	}
	if err := jobsMgr.WaitAll(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain jobs: %w", err))
	}
	if err := jobsMgr.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close jobs: %w", err))
	}
	return errors.Join(errs...)
}

// modelConnector returns the lazy model hookup: spawn the configured
// process, initialize it with the workspace root, the network
// allowlist, and the secret names, and pass the secret values through
// its environment.
func modelConnector(cfg *config.Config, policies *policy.Manager) func(ctx context.Context) (turn.Model, error) {
	return func(ctx context.Context) (turn.Model, error) {
		if len(cfg.Model.Command) == 0 {
			return nil, errors.New("model command not configured")
		}
		network, err := policies.Network()
		if err != nil {
			return nil, fmt.Errorf("network policy: %w", err)
		}
		secretNames, err := policies.SecretEnvNames()
		if err != nil {
			return nil, fmt.Errorf("secret names: %w", err)
		}
		secretEnv, err := policies.SecretEnv()
		if err != nil {
			return nil, fmt.Errorf("secret env: %w", err)
		}

		proc := codex.NewProcess(codex.ProcessConfig{
			Argv: cfg.Model.Command,
			Dir:  cfg.Workspaces.Root,
			Env:  append(os.Environ(), secretEnv...),
		})
		if err := proc.Start(ctx); err != nil {
			return nil, err
		}
		if _, err := proc.Initialize(ctx, codex.InitializeParams{
			WorkspacesRoot: cfg.Workspaces.Root,
			AllowedDomains: network.AllowedDomains,
			SecretEnvNames: secretNames,
		}); err != nil {
			_ = proc.Stop()
			return nil, err
		}
		return proc, nil
	}
}

// automergePolicy merges the config section over the shipped defaults.
// Zero-valued fields keep their default so a bare enabled: true still
// yields a sane rule set.
func automergePolicy(cfg config.AutomergeConfig) mergeq.Policy {
	pol := mergeq.DefaultPolicy()
	pol.Enabled = cfg.Enabled
	if cfg.Strategy != "" {
		pol.Strategy = hostapi.MergeStrategy(cfg.Strategy)
	}
	if cfg.MaxLinesChanged > 0 {
		pol.MaxLinesChanged = cfg.MaxLinesChanged
	}
	if len(cfg.PrefixWhitelist) > 0 {
		pol.PrefixWhitelist = cfg.PrefixWhitelist
	}
	if len(cfg.NeverAutomerge) > 0 {
		pol.NeverAutomerge = cfg.NeverAutomerge
	}
	return pol
}

// consoleHandler renders one line per event for interactive runs.
// Verbose appends the payload.
func consoleHandler(w io.Writer, verbose bool) events.Handler {
	return func(e events.Event) {
		line := e.Time.Format("15:04:05") + " " + e.String()
		if e.Error != "" {
			line += " error=" + strconv.Quote(e.Error)
		}
		if verbose && e.Payload != nil {
			if raw, err := json.Marshal(e.Payload); err == nil {
				line += " " + string(raw)
			}
		}
		fmt.Fprintln(w, line)
	}
}
