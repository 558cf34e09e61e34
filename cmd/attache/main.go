package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jcawthorne/attache/internal/api"
	"github.com/jcawthorne/attache/internal/config"
	"github.com/jcawthorne/attache/internal/dispatch"
	"github.com/jcawthorne/attache/internal/events"
	"github.com/jcawthorne/attache/internal/ipc"
	"github.com/jcawthorne/attache/internal/lock"
	"github.com/jcawthorne/attache/internal/log"
	"github.com/jcawthorne/attache/internal/protocol"
	"github.com/jcawthorne/attache/internal/queue"
	"github.com/jcawthorne/attache/internal/scheduler"
	"github.com/jcawthorne/attache/internal/storage"
	"github.com/jcawthorne/attache/internal/supervisor"
	"github.com/jcawthorne/attache/internal/tui/watch"
)

var version = "0.1.0-dev"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "task":
		return runTaskNoun(args)

	// Root aliases.
	case "start":
		return runStart(args)
	case "watch":
		return runWatch(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`attache - dispatch and execution supervision for conversational agents

Usage:
  attache <noun> <action> [flags]

System Commands:
  system start      Start the service in foreground
  system watch      Real-time monitoring TUI

Config Commands:
  config check      Validate syntax and integrity
  config lock       Authorize current state (update integrity hashes)

Task Commands:
  task list         Show scheduled tasks
  task resume <id>  Reactivate a paused task

General:
  version           Show version information
  help              Show this help message
`)
}

func runSystemNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: attache system <action>")
		fmt.Println("Actions: start, watch")
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		return runStart(actionArgs)
	case "watch":
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: attache config <action> [flags]")
		fmt.Println("Actions: check, lock")
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "lock":
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runTaskNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: attache task <action> [flags]")
		fmt.Println("Actions: list, resume")
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		return runTaskList(actionArgs)
	case "resume":
		return runTaskResume(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown task action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	commit := readBuildSetting("vcs.revision")
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if commit == "" {
		commit = "unknown"
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(map[string]string{
			"version": version,
			"commit":  commit,
		}, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("attache %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	return 0
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	if _, err := config.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration check FAILED: %v\n", err)
		return 1
	}
	if err := config.VerifyChecksum(path); err != nil {
		fmt.Fprintf(os.Stderr, "Integrity check FAILED: %v\n", err)
		fmt.Fprintln(os.Stderr, "Run 'attache config lock' to authorize the current state.")
		return 1
	}

	fmt.Println("Configuration check PASSED.")
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	if _, err := config.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock invalid config: %v\n", err)
		return 1
	}
	sum, err := config.WriteChecksum(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write checksum: %v\n", err)
		return 1
	}
	fmt.Printf("Locked configuration (blake3 %s)\n", sum)
	return 0
}

func runTaskList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	_, db, code := openStore(*configPath)
	if code != 0 {
		return code
	}
	defer db.Close()

	tasks, err := scheduler.NewStore(db).List(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list tasks: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(tasks, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	if len(tasks) == 0 {
		fmt.Println("No scheduled tasks.")
		return 0
	}
	fmt.Printf("%-36s %-20s %-6s %-16s %-10s %s\n", "ID", "NAME", "KIND", "SPEC", "STATUS", "NEXT FIRE")
	for _, t := range tasks {
		fmt.Printf("%-36s %-20s %-6s %-16s %-10s %s\n",
			t.ID, t.Name, t.SpecKind, t.Spec, t.Status,
			t.NextFireAt.Local().Format(time.RFC3339))
	}
	return 0
}

func runTaskResume(args []string) int {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: attache task resume <task_id>")
		return 1
	}
	taskID := strings.TrimSpace(fs.Arg(0))

	_, db, code := openStore(*configPath)
	if code != 0 {
		return code
	}
	defer db.Close()

	ctx := context.Background()
	store := scheduler.NewStore(db)
	task, err := store.Get(ctx, taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load task: %v\n", err)
		return 1
	}
	if task.Status != scheduler.TaskPaused {
		fmt.Fprintf(os.Stderr, "Task %s is %s, not paused\n", taskID, task.Status)
		return 1
	}

	next, err := scheduler.NextFire(task, time.Now().UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot compute next firing time: %v\n", err)
		return 1
	}
	if err := store.Resume(ctx, task.ID, next); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resume task: %v\n", err)
		return 1
	}

	fmt.Printf("Resumed task %s (%s); next fire at %s\n", task.ID, task.Name, next.Format(time.RFC3339))
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Admin API URL")
	apiKey := fs.String("api-key", os.Getenv("ATTACHE_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or ATTACHE_API_KEY env var.")
		return 1
	}

	m := watch.New(*apiURL, *apiKey)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// taskManager bundles the scheduler store and the scheduler itself for the
// admin API.
type taskManager struct {
	store *scheduler.Store
	sched *scheduler.Scheduler
}

func (t *taskManager) List(ctx context.Context) ([]*scheduler.ScheduledTask, error) {
	return t.store.List(ctx)
}

func (t *taskManager) Get(ctx context.Context, id string) (*scheduler.ScheduledTask, error) {
	return t.store.Get(ctx, id)
}

func (t *taskManager) Resume(ctx context.Context, task *scheduler.ScheduledTask) error {
	return t.sched.Resume(ctx, task)
}

// ipcSnapshotSink publishes active-task snapshots into persistent worker
// channels so the sandbox can see upcoming triggers.
type ipcSnapshotSink struct {
	root string
}

func (s *ipcSnapshotSink) PublishTaskSnapshot(conversationKey string, tasks []*scheduler.ScheduledTask) error {
	ch, err := ipc.Open(s.root, "worker-"+ipc.ChannelKey(conversationKey))
	if err != nil {
		return err
	}
	return ch.PublishSnapshot("tasks", tasks)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("attache starting", "version", version, "config", path)

	pidLockPath := filepath.Join(filepath.Dir(cfg.Store.Path), "attache.pid")
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Store.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.Store.Path)

	hub := events.NewHub(256)
	q := queue.New(db, cfg.Queue, hub)
	sup := supervisor.New(cfg.Sandbox, hub)
	execLog := dispatch.NewExecLog(db)
	controller := dispatch.New(q, sup, nil, execLog, cfg.Dispatch, cfg.Sandbox, hub)
	taskStore := scheduler.NewStore(db)

	var snapshotSink scheduler.SnapshotSink
	if cfg.Sandbox.Mode == "persistent" {
		snapshotSink = &ipcSnapshotSink{root: cfg.Sandbox.IPCRoot}
	}
	sched := scheduler.New(taskStore, q, cfg.Scheduler, hub, snapshotSink)

	// Sandbox-initiated requests come in over each worker's requests/
	// directory; the host answers the methods it understands.
	sup.SetRequestHandler(func(ctx context.Context, _ string, req *protocol.SandboxRequest) (any, error) {
		switch req.Method {
		case "tasks.list":
			return taskStore.List(ctx)
		default:
			return nil, fmt.Errorf("unsupported request method %q", req.Method)
		}
	})

	// Crash recovery: batches that were mid-execution when the last instance
	// died go back through the retry policy.
	recovered, err := q.RecoverOrphaned(ctx)
	if err != nil {
		logger.Error("crash recovery failed", "error", err)
		return 1
	}
	if recovered > 0 {
		logger.Warn("recovered orphaned batches", "count", recovered)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 4)

	go func() {
		if err := q.Run(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("queue: %w", err)
		}
	}()
	go func() {
		if err := controller.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("dispatch: %w", err)
		}
	}()
	go func() {
		if err := sup.RunHealthChecks(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("supervisor: %w", err)
		}
	}()
	go func() {
		if err := sched.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()

	if cfg.API.Enabled {
		tasks := &taskManager{store: taskStore, sched: sched}
		apiServer := api.New(cfg.API, q, controller, sup, tasks, execLog, hub)
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("attache running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exitCode = 1
	}
	cancel()
	sup.StopAll()

	logger.Info("attache stopped")
	return exitCode
}

func resolveConfigPath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	return config.DiscoverConfigPath()
}

func openStore(configPath string) (*config.Config, *sql.DB, int) {
	path, err := resolveConfigPath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return nil, nil, 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, nil, 1
	}
	db, err := storage.OpenSQLite(context.Background(), cfg.Store.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return nil, nil, 1
	}
	return cfg, db, 0
}
