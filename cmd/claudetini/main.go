package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/CantinaDigital/claudetini/internal/api"
	"github.com/CantinaDigital/claudetini/internal/config"
	"github.com/CantinaDigital/claudetini/internal/controller"
	"github.com/CantinaDigital/claudetini/internal/dispatch"
	"github.com/CantinaDigital/claudetini/internal/fallback"
	"github.com/CantinaDigital/claudetini/internal/job"
	logging "github.com/CantinaDigital/claudetini/internal/log"
	"github.com/CantinaDigital/claudetini/internal/milestone"
	"github.com/CantinaDigital/claudetini/internal/roadmap"
	"github.com/CantinaDigital/claudetini/internal/runner"
	"github.com/CantinaDigital/claudetini/internal/stream"
	"github.com/CantinaDigital/claudetini/internal/transcript"
	"github.com/CantinaDigital/claudetini/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

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
	case "serve":
		return runServe(args)
	case "dispatch":
		return runDispatch(args)
	case "status":
		return runStatus(args)
	case "cancel":
		return runCancel(args)
	case "watch":
		return runWatch(args)
	case "fallback":
		return runFallback(args)
	case "milestone":
		return runMilestoneNoun(args)
	case "config":
		return runConfigNoun(args)
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
	fmt.Fprint(os.Stderr, `claudetini - dispatch orchestrator for coding-assistant CLIs

Usage:
  claudetini serve      [--config FILE]
  claudetini dispatch   [--config FILE] --prompt TEXT [--mode MODE] [--project DIR] [--roadmap-item TEXT] [--wait|--watch]
  claudetini status     [--config FILE] JOB_ID
  claudetini cancel     [--config FILE] JOB_ID
  claudetini watch      [--config FILE] JOB_ID
  claudetini fallback   [--config FILE] --prompt TEXT [--provider NAME] [--project DIR]
  claudetini milestone  plan|execute ...
  claudetini config     lock|check [--config FILE]
  claudetini version    [--json]
`)
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    gitCommit,
		BuildTime: buildDate,
	}
	if *jsonOut {
		data, _ := json.MarshalIndent(info, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	fmt.Printf("claudetini %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("CLAUDETINI_CONFIG")
	}
	if path == "" {
		path = "claudetini.yaml"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) && os.Getenv("CLAUDETINI_CONFIG") == "" {
		// No config file: run on defaults, with derived paths filled in.
		cfg := config.Defaults()
		cfg.Dispatch.TranscriptsDir = filepath.Join(cfg.Service.DataDir, "transcripts")
		cfg.Roadmap.Path = filepath.Join(cfg.Service.DataDir, "roadmap.db")
		return cfg, nil
	}
	return config.Load(path)
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 1
	}
	logging.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := logging.WithComponent("serve")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transcripts, err := transcript.NewStore(cfg.Dispatch.TranscriptsDir)
	if err != nil {
		logger.Error("transcript store init failed", "error", err)
		return 1
	}

	jobs := job.NewStore(job.WithOutputCap(cfg.Dispatch.OutputBufferLines))
	streams := stream.NewHub(256)
	primary := runner.New(cfg.CLI.Path, cfg.CLI.Args, cfg.Dispatch.RunTimeout, cfg.Dispatch.TerminationGrace)

	var marker dispatch.RoadmapMarker
	var toggler api.RoadmapToggler
	if cfg.Roadmap.Path != "" {
		store, err := roadmap.Open(ctx, cfg.Roadmap.Path)
		if err != nil {
			logger.Error("roadmap store init failed", "error", err)
			return 1
		}
		defer store.Close()
		marker = store
		toggler = store
	}

	dispatchSvc := dispatch.NewService(jobs, streams, transcripts, primary, marker, cfg.ModeFlags)

	fbJobs := job.NewStore(
		job.WithOutputCap(cfg.Dispatch.OutputBufferLines),
		job.WithIDPrefix(fallback.IDPrefix),
	)
	fbRunners := make(map[string]*runner.Runner, len(cfg.Fallback.Providers))
	for name, p := range cfg.Fallback.Providers {
		fbRunners[name] = runner.New(p.Path, p.Args, cfg.Dispatch.RunTimeout, cfg.Dispatch.TerminationGrace)
	}
	fallbackSvc := fallback.NewService(fbJobs, transcripts, fbRunners, cfg.Fallback.Preferred)

	// Terminal jobs and closed streams are collected after the GC horizon
	// so a client always has a window to read the final result.
	go jobs.RunSweeper(ctx, cfg.Dispatch.GCHorizon/2, cfg.Dispatch.GCHorizon)
	go fbJobs.RunSweeper(ctx, cfg.Dispatch.GCHorizon/2, cfg.Dispatch.GCHorizon)
	go streams.RunSweeper(ctx, cfg.Dispatch.GCHorizon/2, cfg.Dispatch.GCHorizon)

	server := api.New(api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.APIKey,
	}, dispatchSvc, fallbackSvc, toggler, logging.WithComponent("api"))

	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("server exited", "error", err)
		return 1
	}
	return 0
}

func clientBits(cfg *config.Config) *controller.HTTPBackend {
	return controller.NewHTTPBackend("http://"+cfg.API.Listen, cfg.API.APIKey, cfg.Dispatch.RequestTimeout)
}

func runDispatch(args []string) int {
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	prompt := fs.String("prompt", "", "Task prompt (required)")
	mode := fs.String("mode", "", "Dispatch mode (with-review, full-pipeline, blitz)")
	project := fs.String("project", "", "Project directory")
	roadmapItem := fs.String("roadmap-item", "", "Roadmap item to mark done on success")
	wait := fs.Bool("wait", false, "Block until the dispatch reaches a terminal state")
	watchAfter := fs.Bool("watch", false, "Open the live monitor after starting")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *prompt == "" {
		fmt.Fprintln(os.Stderr, "Usage: claudetini dispatch --prompt TEXT [--mode MODE] [--wait|--watch]")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 1
	}
	logging.Setup("ERROR", cfg.Service.LogFormat)
	backend := clientBits(cfg)

	if *wait {
		c := controller.New(backend, controller.Config{
			PollInterval:      cfg.Dispatch.PollInterval,
			PollMaxIterations: cfg.Dispatch.PollMaxIterations,
		}, nil)
		out, err := c.Run(context.Background(), controller.DispatchContext{
			Prompt:      *prompt,
			Mode:        *mode,
			ProjectPath: *project,
			RoadmapItem: *roadmapItem,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Dispatch failed: %v\n", err)
			return 1
		}
		for _, line := range out.Output {
			fmt.Println(line)
		}
		fmt.Fprintf(os.Stderr, "%s: %s (job %s)\n", out.State, out.Message, out.JobID)
		if out.State != controller.StateCompleting {
			return 1
		}
		return 0
	}

	jobID, err := backend.StartDispatch(context.Background(), controller.StartRequest{
		Prompt:      *prompt,
		Mode:        *mode,
		ProjectPath: *project,
		RoadmapItem: *roadmapItem,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Dispatch failed: %v\n", err)
		return 1
	}
	fmt.Println(jobID)

	if *watchAfter {
		return runWatchModel(backend, jobID)
	}
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: claudetini status JOB_ID")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 1
	}
	backend := clientBits(cfg)

	jobID := fs.Arg(0)
	var j job.Job
	if strings.HasPrefix(jobID, fallback.IDPrefix) {
		j, err = backend.FallbackStatus(context.Background(), jobID)
	} else {
		j, err = backend.DispatchStatus(context.Background(), jobID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		return 1
	}

	data, _ := json.MarshalIndent(j, "", "  ")
	fmt.Println(string(data))
	return 0
}

func runCancel(args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: claudetini cancel JOB_ID")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 1
	}
	backend := clientBits(cfg)

	jobID := fs.Arg(0)
	if strings.HasPrefix(jobID, fallback.IDPrefix) {
		err = backend.CancelFallback(context.Background(), jobID)
	} else {
		err = backend.CancelDispatch(context.Background(), jobID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cancel failed: %v\n", err)
		return 1
	}
	fmt.Println("cancel requested")
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: claudetini watch JOB_ID")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 1
	}
	return runWatchModel(clientBits(cfg), fs.Arg(0))
}

func runWatchModel(backend *controller.HTTPBackend, jobID string) int {
	p := tea.NewProgram(watch.New(backend, jobID))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
		return 1
	}
	return 0
}

func runFallback(args []string) int {
	fs := flag.NewFlagSet("fallback", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	prompt := fs.String("prompt", "", "Task prompt (required)")
	provider := fs.String("provider", "", "Fallback provider (default: configured preference)")
	project := fs.String("project", "", "Project directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *prompt == "" {
		fmt.Fprintln(os.Stderr, "Usage: claudetini fallback --prompt TEXT [--provider NAME]")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 1
	}
	backend := clientBits(cfg)

	jobID, err := backend.StartFallback(context.Background(), controller.FallbackStart{
		Prompt:      *prompt,
		Provider:    *provider,
		ProjectPath: *project,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fallback failed: %v\n", err)
		return 1
	}
	fmt.Println(jobID)
	return 0
}

func runMilestoneNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: claudetini milestone plan|execute ...")
		return 1
	}
	switch args[0] {
	case "plan":
		return runMilestonePlan(args[1:])
	case "execute":
		fmt.Fprintln(os.Stderr, "milestone execute requires a reviewed plan; run `claudetini milestone plan` first in the same invocation with --execute")
		return 1
	default:
		fmt.Fprintf(os.Stderr, "Unknown milestone verb: %s\n", args[0])
		return 1
	}
}

// runMilestonePlan drives the full plan/review/execute loop in one
// invocation: the plan dispatch runs, the captured plan is printed for
// review, and with --execute the execution dispatch follows.
func runMilestonePlan(args []string) int {
	fs := flag.NewFlagSet("milestone plan", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	title := fs.String("title", "", "Milestone title (required)")
	project := fs.String("project", "", "Project directory")
	mode := fs.String("mode", "", "Execution dispatch mode")
	notes := fs.String("notes", "", "Operator notes for the execution prompt")
	execute := fs.Bool("execute", false, "Execute immediately after planning")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *title == "" || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: claudetini milestone plan --title TITLE [--execute] ITEM...")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 1
	}
	logging.Setup("ERROR", cfg.Service.LogFormat)

	items := make([]milestone.Item, 0, fs.NArg())
	for _, text := range fs.Args() {
		items = append(items, milestone.Item{Text: text})
	}

	ms := milestone.NewMachine()
	c := controller.New(clientBits(cfg), controller.Config{
		PollInterval:      cfg.Dispatch.PollInterval,
		PollMaxIterations: cfg.Dispatch.PollMaxIterations,
	}, ms)

	out, err := c.StartMilestonePlan(context.Background(), *title, items, *project)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Planning failed: %v\n", err)
		return 1
	}
	if out.State != controller.StateCompleting {
		fmt.Fprintf(os.Stderr, "Planning %s: %s\n", out.State, out.Message)
		return 1
	}

	fmt.Println(ms.PlanOutput())
	if !*execute {
		fmt.Fprintln(os.Stderr, "Plan captured. Re-run with --execute to run it.")
		return 0
	}

	if err := c.Acknowledge(); err != nil {
		fmt.Fprintf(os.Stderr, "State error: %v\n", err)
		return 1
	}
	out, err = c.ExecuteMilestone(context.Background(), *mode, *notes, *project)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		return 1
	}
	for _, line := range out.Output {
		fmt.Println(line)
	}
	fmt.Fprintf(os.Stderr, "%s: %s (job %s)\n", out.State, out.Message, out.JobID)
	if out.State != controller.StateCompleting {
		return 1
	}
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: claudetini config lock|check [--config FILE]")
		return 1
	}
	verb := args[0]
	fs := flag.NewFlagSet("config "+verb, flag.ContinueOnError)
	configPath := fs.String("config", "claudetini.yaml", "Path to configuration file")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}

	switch verb {
	case "lock":
		if err := config.Lock(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Lock failed: %v\n", err)
			return 1
		}
		fmt.Println("config locked")
		return 0
	case "check":
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
			return 1
		}
		fmt.Println("config ok")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config verb: %s\n", verb)
		return 1
	}
}
