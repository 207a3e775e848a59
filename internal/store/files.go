package store

import "path/filepath"

// State file names, one JSON document per subsystem.
const (
	TasksFile             = "tasks.json"
	AlertsConfigFile      = "alerts-config.json"
	AlertsHistoryFile     = "alerts-history.json"
	MergeQueueFile        = "merge-queue.json"
	SchedulerFile         = "scheduler.json"
	TriageFile            = "triage.json"
	AutomergePolicyFile   = "automerge-policy.json"
	CompactionHistoryFile = "compaction-history.json"
	ArtifactsFile         = "artifacts.json"
	ReferenceDocsFile     = "reference-docs.json"
	QualityScoresFile     = "quality-scores.json"
	CIStatusFile          = "ci-status.json"
	PlansFile             = "plans.json"
	CheckpointsFile       = "checkpoints.json"
	MemoryFile            = "memory.json"
	EvalHistoryFile       = "eval-history.json"
	NetworkPolicyFile     = "network-policy.json"
	DomainSecretsFile     = "domain-secrets.json"
	AutonomousRunsFile    = "autonomous-runs.json"
	RefactoringFile       = "refactoring.json"
	OAuthStateFile        = "oauth-state.json"
)

// Path joins the state directory with one of the file constants.
func Path(stateDir, file string) string {
	return filepath.Join(stateDir, file)
}

// Files lists every state file name. The state-dir watcher registers
// change callbacks for each of them.
func Files() []string {
	return []string{
		TasksFile,
		AlertsConfigFile,
		AlertsHistoryFile,
		MergeQueueFile,
		SchedulerFile,
		TriageFile,
		AutomergePolicyFile,
		CompactionHistoryFile,
		ArtifactsFile,
		ReferenceDocsFile,
		QualityScoresFile,
		CIStatusFile,
		PlansFile,
		CheckpointsFile,
		MemoryFile,
		EvalHistoryFile,
		NetworkPolicyFile,
		DomainSecretsFile,
		AutonomousRunsFile,
		RefactoringFile,
		OAuthStateFile,
	}
}
