package config

const (
	DefaultPath                = "drover.yaml"
	DefaultAddr                = ":8080"
	DefaultStateDir            = ".drover/state"
	DefaultWorkspacesRoot      = ".drover/workspaces"
	DefaultBranch              = "main"
	DefaultPRBase              = "main"
	DefaultBranchPrefix        = ""
	DefaultMaxTurnsPerTask     = 5
	DefaultTurnTimeout         = "20m"
	DefaultFixMaxIterations    = 5
	DefaultAlertHistoryCap     = 1000
	DefaultSchedulerHistoryCap = 100
	DefaultCompactionStrategy  = "auto"
	DefaultTurnInterval        = 10
	DefaultTokenThreshold      = 100000
	DefaultContextWindow       = 200000
	DefaultAutoPercent         = 80
	DefaultMergeStrategy       = "squash"
	DefaultMaxLinesChanged     = 500
)

// DefaultModelCommand is the model process argv.
var DefaultModelCommand = []string{"codex-agent", "--stdio"}

// DefaultVerifyCommand is the verification argv run in workspaces.
var DefaultVerifyCommand = []string{"pnpm", "verify"}

// DefaultPrefixWhitelist lists PR title prefixes eligible for automerge.
var DefaultPrefixWhitelist = []string{"refactor:", "chore:", "docs:", "style:", "test:"}

// DefaultNeverAutomerge lists PR title prefixes that always need a human.
var DefaultNeverAutomerge = []string{"feat:", "fix:", "breaking:"}

// DefaultConfig returns a Config with all default values applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: DefaultAddr,
		},
		State: StateConfig{
			Dir: DefaultStateDir,
		},
		Workspaces: WorkspacesConfig{
			Root:          DefaultWorkspacesRoot,
			DefaultBranch: DefaultBranch,
			ShellEnabled:  true,
			VerifyCommand: append([]string(nil), DefaultVerifyCommand...),
		},
		Model: ModelConfig{
			Command:          append([]string(nil), DefaultModelCommand...),
			MaxTurnsPerTask:  DefaultMaxTurnsPerTask,
			TurnTimeout:      DefaultTurnTimeout,
			FixMaxIterations: DefaultFixMaxIterations,
		},
		GitHub: GitHubConfig{
			PRBase:       DefaultPRBase,
			BranchPrefix: DefaultBranchPrefix,
		},
		Alerts: AlertsConfig{
			Console:    true,
			HistoryCap: DefaultAlertHistoryCap,
		},
		Scheduler: SchedulerConfig{
			HistoryCap: DefaultSchedulerHistoryCap,
		},
		Compaction: CompactionConfig{
			Strategy:       DefaultCompactionStrategy,
			TurnInterval:   DefaultTurnInterval,
			TokenThreshold: DefaultTokenThreshold,
			ContextWindow:  DefaultContextWindow,
			AutoPercent:    DefaultAutoPercent,
		},
		Automerge: AutomergeConfig{
			Enabled:         true,
			Strategy:        DefaultMergeStrategy,
			MaxLinesChanged: DefaultMaxLinesChanged,
			PrefixWhitelist: append([]string(nil), DefaultPrefixWhitelist...),
			NeverAutomerge:  append([]string(nil), DefaultNeverAutomerge...),
		},
	}
}
