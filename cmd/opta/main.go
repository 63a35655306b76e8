package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/optahq/opta/internal/agent"
	"github.com/optahq/opta/internal/autonomy"
	"github.com/optahq/opta/internal/browser"
	"github.com/optahq/opta/internal/checkpoint"
	"github.com/optahq/opta/internal/cli"
	"github.com/optahq/opta/internal/config"
	"github.com/optahq/opta/internal/conversation"
	"github.com/optahq/opta/internal/policy"
	"github.com/optahq/opta/internal/provider"
	"github.com/optahq/opta/internal/shell"
	"github.com/optahq/opta/internal/store"
	"github.com/optahq/opta/internal/stream"
	"github.com/optahq/opta/internal/subagent"
	"github.com/optahq/opta/internal/supervisor"
	"github.com/optahq/opta/internal/sysprompt"
	"github.com/optahq/opta/internal/tools"
)

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to setup logging: %v\n", err)
	}

	flagSession := flag.String("s", "", "resume a session by ID")
	flagList := flag.Bool("l", false, "list sessions")
	flagContinue := flag.Bool("c", false, "continue most recent session")
	flagMode := flag.String("mode", "", "task mode: plan, review, or research")
	flag.StringVar(flagSession, "session", "", "resume a session by ID")
	flag.BoolVar(flagContinue, "continue", false, "continue most recent session")
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Println(cli.RenderError(err))
		os.Exit(1)
	}

	dataDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Println(cli.RenderError(err))
		os.Exit(1)
	}
	db, err := store.Open(filepath.Join(dataDir, "opta.db"))
	if err != nil {
		fmt.Println(cli.RenderError(err))
		os.Exit(1)
	}
	defer db.Close()

	if *flagList {
		listSessions(db)
		return
	}

	task := strings.Join(flag.Args(), " ")
	if strings.TrimSpace(task) == "" {
		fmt.Println("usage: opta [flags] <task>")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, db, task, *flagSession, *flagContinue, *flagMode); err != nil {
		fmt.Println(cli.RenderError(err))
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	configPath := filepath.Join(".", "config.toml")
	if dataDir, err := config.DataDir(); err == nil {
		candidate := filepath.Join(dataDir, "config.toml")
		if _, err := os.Stat(candidate); err == nil {
			configPath = candidate
		}
	}
	return config.Load(configPath)
}

func run(ctx context.Context, cfg *config.Config, db *store.Store, task, sessionID string, cont bool, taskMode string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		return err
	}
	overrides, err := config.LoadOverrides()
	if err != nil {
		return err
	}

	providerName := cfg.DefaultProvider
	if providerName == "" {
		for name := range cfg.Providers {
			providerName = name
			break
		}
	}
	pcfg := cfg.Providers[providerName]
	prov := provider.NewHTTPProvider(provider.Endpoint{
		Name:      providerName,
		StreamURL: pcfg.Endpoint,
		DuplexURL: pcfg.DuplexEndpoint,
		APIKey:    creds.GetAPIKey(providerName),
	})
	defer prov.Close()

	mode := autonomy.ModeExecution
	if cfg.Autonomy.Mode == "ceo" {
		mode = autonomy.ModeCEO
	}
	level := autonomy.ApplyMode(autonomy.ForLevel(cfg.Autonomy.LevelOrDefault()), mode)
	if cfg.Limits.MaxParallelTools > 0 {
		level.MaxParallelTools = cfg.Limits.MaxParallelTools
	}

	estimator := conversation.NewEstimator(pcfg.Model)
	compactor := conversation.NewCompactor(estimator, pcfg.ContextLimitOrDefault(), level.CompactRatio)

	printer := &cli.Printer{Out: os.Stdout, ShowThinking: true}

	// Browser runtime is optional: without a driver the browser tools are
	// simply absent from the roster.
	var coordinator *browser.Coordinator
	var driver browser.Driver
	if rt, err := browser.NewPlaywrightRuntime(); err == nil {
		driver = rt
		defer rt.Close()
		coordinator = browser.NewCoordinator(rt, browser.Config{
			Mode:     browser.Mode(cfg.Browser.Mode),
			Endpoint: cfg.Browser.Endpoint,
			Risk: browser.RiskConfig{
				AllowedHosts:     cfg.Browser.AllowedHosts,
				BlockedOrigins:   cfg.Browser.BlockedOrigins,
				SensitiveActions: cfg.Browser.SensitiveActions,
			},
		}, db)
	} else {
		log.Warn().Err(err).Msg("Browser runtime unavailable; browser tools disabled")
	}

	registry := buildRegistry(workDir, driver, cfg)
	defer registry.Close()

	gate := &policy.Gate{
		Engine:      policy.NewEngine(policy.DefaultRules()),
		Perms:       buildPermissions(cfg, level, overrides),
		Browser:     coordinatorOrNil(coordinator),
		OnApproval:  terminalApproval(os.Stdin, os.Stdout),
		PreToolHook: nil,
	}

	deps := agent.Deps{
		Pipeline:    stream.New(prov),
		Registry:    registry,
		Gate:        gate,
		Coordinator: coordinator,
		Estimator:   estimator,
		Compactor:   compactor,
		Supervisor:  buildSupervisor(cfg, prov, pcfg.Model),
		Checkpoints: checkpoint.New(workDir, cfg.Autonomy.Checkpoints),
		Store:       db,
		Settings:    overrides,
		Level:       level,
		Model:       pcfg.Model,
		ToolTimeout: time.Duration(cfg.Limits.ToolTimeoutSecs) * time.Second,
		MaskKeep:    cfg.Limits.MaskKeepOrDefault(),
	}

	// Delegation runs a derived core with capped depth.
	var spawner *subagent.Spawner
	if level.SubAgentDepth > 0 {
		spawner = &subagent.Spawner{
			MaxDepth: level.SubAgentDepth,
			OnSpawn:  func(prompt string) { printer.Section("sub-agent: " + prompt) },
		}
		handler := &tools.DelegateHandler{Spawner: spawner}
		registry.Register(tools.NewDelegateTool(), handler.Handle)
	}

	deps.SystemPrompt = sysprompt.Build(sysprompt.Params{
		WorkDir:         workDir,
		Level:           level.N,
		CEO:             mode == autonomy.ModeCEO,
		Sustained:       level.SustainedDirective,
		TaskMode:        taskMode,
		ToolNames:       registry.Names(),
		BrowserEnabled:  driver != nil,
		LearningEnabled: true,
		PolicyEnabled:   true,
		Project:         &sysprompt.FileProjectContext{WorkDir: workDir},
		CompatWarnings:  compatWarnings(overrides, pcfg.Model),
	})
	if spawner != nil {
		spawner.Base = deps
	}

	opts := agent.Options{
		TaskMode: taskMode,
		Callbacks: agent.StreamCallbacks{
			OnToken:             printer.Token,
			OnThinking:          printer.Thinking,
			OnToolStart:         func(name, id string, args json.RawMessage) { printer.ToolStart(name, id, args) },
			OnToolEnd:           printer.ToolEnd,
			OnPermissionRequest: gate.OnApproval,
			OnConnectionStatus: func(status stream.Status, attempt int) {
				printer.ConnectionStatus(string(status), attempt)
			},
			OnPauseContinue: func(toolCalls int) bool {
				return promptYesNo(fmt.Sprintf("\n%d tool calls used. Continue?", toolCalls))
			},
		},
	}

	opts.SessionID, opts.Prior, err = resolveSession(db, sessionID, cont)
	if err != nil {
		return err
	}

	res, err := agent.Loop(ctx, task, deps, opts)
	if err != nil {
		return err
	}

	db.SetTitle(opts.SessionID, task) //nolint:errcheck // cosmetic
	fmt.Printf("\n\n%s (%d tool calls, session %s)\n", res.Status, res.ToolCallCount, opts.SessionID)

	if mode == autonomy.ModeCEO {
		writeExecutiveReport(res, task)
	}
	return nil
}

// buildRegistry wires the built-in tool roster.
func buildRegistry(workDir string, driver browser.Driver, cfg *config.Config) *tools.Registry {
	reg := tools.NewRegistry()
	ws := &tools.Workspace{Root: workDir}

	reg.Register(tools.NewListDirTool(), ws.ListDirHandler)
	reg.Register(tools.NewReadFileTool(), ws.ReadFileHandler)
	reg.Register(tools.NewWriteFileTool(), ws.WriteFileHandler)
	reg.Register(tools.NewEditFileTool(), ws.EditFileHandler)

	sh := shell.New(workDir, shell.DefaultBlockFuncs())
	runHandler := &tools.RunCommandHandler{Shell: sh}
	reg.Register(tools.NewRunCommandTool(), runHandler.Handle)

	webHandler := &tools.WebFetchHandler{}
	reg.Register(tools.NewWebFetchTool(), webHandler.Handle)

	if driver != nil {
		bt := &tools.BrowserTools{
			Driver:   driver,
			Mode:     browser.Mode(cfg.Browser.Mode),
			Endpoint: cfg.Browser.Endpoint,
		}
		bt.Register(reg)
	}
	return reg
}

// buildPermissions merges config entries over level defaults.
func buildPermissions(cfg *config.Config, level autonomy.Level, overrides *config.Overrides) *policy.PermissionMap {
	defaults := map[string]policy.Permission{
		"list_dir":   policy.PermAllow,
		"read_file":  policy.PermAllow,
		"web_fetch":  policy.PermAllow,
		"write_file": policy.PermAsk,
		"edit_file":  policy.PermAsk,
	}
	if level.RunCommandAllowed {
		defaults["run_command"] = policy.PermAllow
	} else {
		defaults["run_command"] = policy.PermAsk
	}
	if level.DelegateAllowed {
		defaults["delegate"] = policy.PermAllow
	} else {
		defaults["delegate"] = policy.PermAsk
	}
	for tool, perm := range cfg.Permissions {
		defaults[tool] = policy.ParsePermission(perm)
	}
	return policy.NewPermissionMap(defaults, overrides)
}

func buildSupervisor(cfg *config.Config, prov provider.Provider, model string) *supervisor.Atpo {
	scfg := supervisor.DefaultConfig()
	if cfg.Supervisor.ErrorThreshold > 0 {
		scfg.ErrorThreshold = cfg.Supervisor.ErrorThreshold
	}
	if cfg.Supervisor.VolumeThreshold > 0 {
		scfg.VolumeThreshold = cfg.Supervisor.VolumeThreshold
	}
	scfg.Model = cfg.Supervisor.Model
	if scfg.Model == "" {
		scfg.Model = model
	}
	return supervisor.New(&unaryClient{prov: prov}, scfg)
}

// unaryClient adapts the provider's unary transport to the supervisor's
// synchronous completion interface.
type unaryClient struct {
	prov provider.Provider
}

func (c *unaryClient) Complete(ctx context.Context, req provider.Request) (string, error) {
	events, err := c.prov.Unary().Stream(ctx, req)
	if err != nil {
		return "", err
	}
	res, err := stream.Collect(events, stream.Callbacks{})
	if err != nil {
		return "", err
	}
	return res.VisibleText, nil
}

func coordinatorOrNil(co *browser.Coordinator) policy.BrowserCoordinator {
	if co == nil {
		return nil
	}
	return co
}

// resolveSession picks the session id and loads prior history on resume.
func resolveSession(db *store.Store, sessionID string, cont bool) (string, []provider.Message, error) {
	if cont && sessionID == "" {
		recent, err := db.MostRecentSession()
		if err != nil {
			return "", nil, err
		}
		sessionID = recent
	}
	if sessionID != "" {
		prior, err := db.LoadMessages(sessionID)
		if err != nil {
			return "", nil, err
		}
		if len(prior) > 0 {
			return sessionID, prior, nil
		}
	}
	id := uuid.NewString()
	if err := db.CreateSession(id); err != nil {
		return "", nil, err
	}
	return id, nil, nil
}

// compatWarnings surfaces prior tool-protocol failures for this model.
func compatWarnings(overrides *config.Overrides, model string) []string {
	if v, ok := overrides.Get("telemetry.pseudo_markup." + model); ok && v != "" && v != "0" {
		return []string{fmt.Sprintf("this model emitted pseudo tool markup %s time(s) in earlier sessions", v)}
	}
	return nil
}

// terminalApproval prompts on the controlling terminal: y = once,
// a = always, anything else = deny.
func terminalApproval(in *os.File, out *os.File) policy.ApprovalFunc {
	reader := bufio.NewReader(in)
	return func(tool string, args json.RawMessage) policy.Approval {
		fmt.Fprintf(out, "\nAllow %s? %s\n[y]es once / [a]lways / [n]o: ", tool, string(args))
		line, err := reader.ReadString('\n')
		if err != nil {
			return policy.ApproveDeny
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return policy.ApproveOnce
		case "a", "always":
			return policy.ApproveAlways
		default:
			return policy.ApproveDeny
		}
	}
}

func promptYesNo(question string) bool {
	fmt.Printf("%s [y/N]: ", question)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func listSessions(db *store.Store) {
	sessions, err := db.ListSessions()
	if err != nil {
		fmt.Println(cli.RenderError(err))
		return
	}
	for _, s := range sessions {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %s  %s\n", s.ID, s.Updated.Format("2006-01-02 15:04"), title)
	}
}

// writeExecutiveReport summarizes a CEO-mode session under the data dir.
func writeExecutiveReport(res *agent.Result, task string) {
	dir, err := config.EnsureDataDir()
	if err != nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Executive report\n\nTask: %s\nStatus: %s\nTool calls: %d\n\n## Outcome\n\n",
		task, res.Status, res.ToolCallCount)
	for i := len(res.Messages) - 1; i >= 0; i-- {
		if res.Messages[i].Role == "assistant" && len(res.Messages[i].ToolCalls) == 0 {
			b.WriteString(res.Messages[i].Content)
			break
		}
	}
	path := filepath.Join(dir, fmt.Sprintf("report-%s.md", time.Now().Format("20060102-150405")))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		log.Warn().Err(err).Msg("Executive report write failed")
		return
	}
	fmt.Printf("executive report: %s\n", path)
}

// setupFileLogging sends zerolog output to a file under the data dir so
// the terminal stays clean for agent output.
func setupFileLogging() error {
	dir, err := config.EnsureDataDir()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "opta.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	log.Logger = zerolog.New(f).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("OPTA_DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	return nil
}
