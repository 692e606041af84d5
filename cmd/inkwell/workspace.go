package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cdurbin/inkwell/internal/audit"
	"github.com/cdurbin/inkwell/internal/config"
	"github.com/cdurbin/inkwell/internal/conflict"
	"github.com/cdurbin/inkwell/internal/engine"
	"github.com/cdurbin/inkwell/internal/outbox"
	"github.com/cdurbin/inkwell/internal/retry"
	"github.com/cdurbin/inkwell/internal/schema"
	"github.com/cdurbin/inkwell/internal/store"
	"github.com/cdurbin/inkwell/internal/transport"
)

// workspace bundles the resolved on-disk layout of an inkwell checkout.
type workspace struct {
	Root     string // directory containing .inkwell/
	StateDir string // .inkwell/
	NotesDir string // notes/
	DBPath   string // .inkwell/inkwell.db
}

// findWorkspace locates the enclosing workspace or errors with a hint.
func findWorkspace() (*workspace, error) {
	stateDir := config.FindWorkspaceDir()
	if stateDir == "" {
		return nil, fmt.Errorf("no %s directory found (run 'inkwell init' first)", config.WorkspaceDirName)
	}
	root := filepath.Dir(stateDir)
	return &workspace{
		Root:     root,
		StateDir: stateDir,
		NotesDir: filepath.Join(root, "notes"),
		DBPath:   filepath.Join(stateDir, "inkwell.db"),
	}, nil
}

// openStore opens the workspace database and ensures the schema exists.
func openStore(ws *workspace) (*store.DB, error) {
	db, err := store.Open(ws.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// retryPolicyFromConfig builds the configured retry policy.
func retryPolicyFromConfig() (*retry.Policy, error) {
	name := cfg.GetString("sync.retry_policy")
	switch name {
	case "", "fibonacci":
		return retry.NewFibonacciPolicy(), nil
	case "exponential":
		return retry.NewExponentialPolicy().WithJitter(), nil
	default:
		return nil, fmt.Errorf("unknown retry policy %q (want fibonacci or exponential)", name)
	}
}

// deletePolicyFromConfig builds the configured delete conflict policy.
func deletePolicyFromConfig() (conflict.DeletePolicy, error) {
	switch name := cfg.GetString("sync.delete_policy"); name {
	case "", string(conflict.DeleteWins):
		return conflict.DeleteWins, nil
	case string(conflict.UpdateWins):
		return conflict.UpdateWins, nil
	default:
		return "", fmt.Errorf("unknown delete policy %q (want delete-wins or update-wins)", name)
	}
}

// adapterFromConfig builds the HTTP sync transport.
func adapterFromConfig() (transport.Adapter, error) {
	baseURL := cfg.GetString("server.url")
	if baseURL == "" {
		return nil, fmt.Errorf("server.url is not configured (set it in config.toml or INKWELL_SERVER_URL)")
	}
	return transport.NewHTTP(baseURL, &transport.Config{
		PushTimeout:   cfg.GetDuration("server.push_timeout"),
		UploadTimeout: cfg.GetDuration("server.upload_timeout"),
	}), nil
}

// policiesFromConfig loads column merge policy tables, applying any
// overrides from .inkwell/policies.yaml.
func policiesFromConfig(ws *workspace) (map[schema.EntityType]conflict.PolicyTable, error) {
	return conflict.LoadPolicyOverrides(filepath.Join(ws.StateDir, "policies.yaml"))
}

// daemonLogWriter returns the log destination for long-running commands.
// When log.file is configured, output rotates via lumberjack; otherwise
// it goes to stderr.
func daemonLogWriter(ws *workspace) io.Writer {
	logFile := cfg.GetString("log.file")
	if logFile == "" {
		return os.Stderr
	}
	if !filepath.IsAbs(logFile) {
		logFile = filepath.Join(ws.StateDir, logFile)
	}
	return &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    cfg.GetInt("log.max_size_mb"),
		MaxBackups: cfg.GetInt("log.max_backups"),
		Compress:   true,
	}
}

// newQuietOutbox returns an outbox that does not log, for read-only
// status commands.
func newQuietOutbox(db *store.DB) *outbox.Outbox {
	return outbox.New(db, log.New(io.Discard, "", 0))
}

// buildEngine wires an Engine from configuration.
func buildEngine(ws *workspace, db *store.DB, logWriter io.Writer) (*engine.Engine, error) {
	policy, err := retryPolicyFromConfig()
	if err != nil {
		return nil, err
	}
	deletePolicy, err := deletePolicyFromConfig()
	if err != nil {
		return nil, err
	}
	adapter, err := adapterFromConfig()
	if err != nil {
		return nil, err
	}
	policies, err := policiesFromConfig(ws)
	if err != nil {
		return nil, err
	}

	ob := outbox.New(db, log.New(logWriter, "[outbox] ", log.LstdFlags))
	sink := audit.New(db, log.New(logWriter, "[audit] ", log.LstdFlags))

	engCfg := &engine.Config{
		BatchSize:      cfg.GetInt("sync.batch_size"),
		Interval:       cfg.GetDuration("sync.interval"),
		ReminderAfter:  cfg.GetDuration("sync.reminder_after"),
		ReminderSnooze: cfg.GetDuration("sync.reminder_snooze"),
		DeletePolicy:   deletePolicy,
		NotesDir:       ws.NotesDir,
		Logger:         log.New(logWriter, "[engine] ", log.LstdFlags),
	}

	return engine.New(db, ob, sink, adapter, policy, policies, engCfg), nil
}
