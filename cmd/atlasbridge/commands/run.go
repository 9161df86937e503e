package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atlasbridge/atlasbridge/internal/adapter"
	"github.com/atlasbridge/atlasbridge/internal/atlasconfig"
	"github.com/atlasbridge/atlasbridge/internal/atlaslog"
	"github.com/atlasbridge/atlasbridge/internal/atlastypes"
	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/control"
	"github.com/atlasbridge/atlasbridge/internal/detector"
	"github.com/atlasbridge/atlasbridge/internal/policy"
	"github.com/atlasbridge/atlasbridge/internal/ptybackend"
	"github.com/atlasbridge/atlasbridge/internal/router"
	"github.com/atlasbridge/atlasbridge/internal/store"
	"github.com/atlasbridge/atlasbridge/internal/supervisor"
)

var (
	runPolicyFile   string
	runSessionLabel string
	runExperimental bool
)

var runCmd = &cobra.Command{
	Use:   "run <tool> [-- extra argv]",
	Short: "Launch a supervised session for a CLI coding agent",
	Long: `run spawns <tool> inside a pseudoterminal, watches its output for
prompts waiting on stdin, and relays any it cannot auto-answer to the
configured chat channel.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runPolicyFile, "policy", "", "Path to a policy YAML file (overrides autopilot.policy_file)")
	runCmd.Flags().StringVar(&runSessionLabel, "session-label", "", "Human-readable label for this session (also the Telegram chat binding, as \"chat:<id>\")")
	runCmd.Flags().BoolVar(&runExperimental, "experimental", false, "Enable experimental backends (Windows ConPTY)")
}

func runRun(cmd *cobra.Command, args []string) error {
	toolID := args[0]
	extraArgv := args[1:]

	cfg, err := atlasconfig.LoadWithPath(flagConfigDir)
	if err != nil {
		return withExitCode(ExitConfiguration, fmt.Errorf("load config: %w", err))
	}
	if runPolicyFile != "" {
		cfg.Autopilot.PolicyFile = runPolicyFile
	}

	log := atlaslog.Default()

	repo, err := store.Open(cfg.Database.Path)
	if err != nil {
		return withExitCode(ExitEnvironment, fmt.Errorf("open store: %w", err))
	}
	defer repo.Close()

	auditPath := cfg.Database.Path + ".audit.jsonl"
	aud, err := audit.NewWriter(auditPath, log)
	if err != nil {
		return withExitCode(ExitEnvironment, fmt.Errorf("open audit log: %w", err))
	}
	defer aud.Close()

	adapters := adapter.NewRegistry()
	a, err := adapters.Get(toolID)
	if err != nil {
		return withExitCode(ExitGeneralError, err)
	}

	pol, err := loadOrDefaultPolicy(cfg.Autopilot.PolicyFile)
	if err != nil {
		return withExitCode(ExitConfiguration, fmt.Errorf("load policy: %w", err))
	}
	engine := policy.NewEngine(pol)

	var ch channel.Channel
	if cfg.Telegram.BotToken != "" {
		tg, err := channel.NewTelegramChannel(cfg.Telegram.BotToken, cfg.Telegram.AllowedUsers, log)
		if err != nil {
			return withExitCode(ExitNetwork, fmt.Errorf("init telegram channel: %w", err))
		}
		ch = tg
	} else {
		log.Warn("no telegram.bot_token configured; escalated prompts will have nowhere to go")
	}

	cwd, err := os.Getwd()
	if err != nil {
		return withExitCode(ExitEnvironment, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionID, err := repo.CreateSession(ctx, toolID, cwd, runSessionLabel)
	if err != nil {
		return withExitCode(ExitEnvironment, fmt.Errorf("create session: %w", err))
	}
	aud.Append(atlastypes.EventSessionStarted, sessionID, "", map[string]interface{}{"tool": toolID})

	argv := a.DefaultArgv
	if len(extraArgv) > 0 {
		argv = append(append([]string{}, a.DefaultArgv[0]), extraArgv...)
	}

	proc, err := ptybackend.Spawn(ptybackend.SpawnRequest{
		Argv: argv, Dir: cwd, Cols: 80, Rows: 24, WindowsExperimental: runExperimental,
	})
	if err != nil {
		_ = repo.UpdateSessionStatus(ctx, sessionID, atlastypes.SessionCrashed)
		return withExitCode(ExitEnvironment, fmt.Errorf("spawn %s: %w", toolID, err))
	}
	_ = repo.UpdateSessionStatus(ctx, sessionID, atlastypes.SessionRunning)

	det := detector.New(detector.Config{
		MaxBufferBytes:      cfg.Prompts.MaxBufferBytes,
		StuckTimeoutSeconds: cfg.Prompts.StuckTimeoutSeconds,
		EchoSuppressMS:      cfg.Prompts.EchoSuppressMS,
		FreeTextMaxLength:   cfg.Prompts.FreeTextMaxLength,
		ExcerptMaxLength:    200,
		PatternBudget:       5 * time.Millisecond,
	}, log)

	sc := channel.SessionContext{SessionID: sessionID, Tool: toolID, Cwd: cwd, Label: runSessionLabel}

	var sess *supervisor.Session
	rtr := router.New(repo, aud, engine, ch, adapters, log, router.Config{
		TimeoutSeconds:    cfg.Prompts.TimeoutSeconds,
		YesNoSafeDefault:  cfg.Prompts.YesNoSafeDefault,
		FreeTextMaxLength: cfg.Prompts.FreeTextMaxLength,
		EchoSuppressMS:    cfg.Prompts.EchoSuppressMS,
	}, sessionID, toolID, sc, sessionInjector{&sess})

	onPromptEvent := func(cand *detector.Candidate) {
		if err := rtr.HandleCandidate(ctx, cand); err != nil {
			log.WithError(err).Warn("router failed to handle candidate")
		}
	}
	onExit := func(exitCode int, waitErr error) {
		_ = repo.EndSession(ctx, sessionID, exitCode)
		aud.Append(atlastypes.EventSessionEnded, sessionID, "", map[string]interface{}{"exit_code": exitCode})
		cancel()
	}
	sess = supervisor.NewSession(sessionID, proc, det, log, supervisor.DefaultConfig(), onPromptEvent, onExit)

	socketPath := control.DefaultSocketPath(os.TempDir(), runSessionLabel)
	go func() {
		_ = control.Serve(ctx, socketPath, func(req control.Request) control.Response {
			switch req.Command {
			case "pause":
				engine.Pause()
				return control.Response{OK: true, AutonomyMode: string(engine.Policy().Document.AutonomyMode)}
			case "resume":
				if err := engine.Resume(cfg.Autopilot.PolicyFile); err != nil {
					return control.Response{OK: false, Error: err.Error()}
				}
				return control.Response{OK: true, AutonomyMode: string(engine.Policy().Document.AutonomyMode)}
			case "status":
				return control.Response{OK: true, AutonomyMode: string(engine.Policy().Document.AutonomyMode)}
			default:
				return control.Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Command)}
			}
		})
	}()

	if tg, ok := ch.(*channel.TelegramChannel); ok {
		if err := tg.Start(ctx); err != nil {
			return withExitCode(ExitNetwork, fmt.Errorf("start telegram channel: %w", err))
		}
		defer tg.Close()

		replies := make(chan channel.InboundReply, 8)
		go tg.ReceiveReplies(ctx, replies)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case reply := <-replies:
					if err := rtr.HandleReply(ctx, reply); err != nil {
						log.WithError(err).Warn("router failed to handle reply")
					}
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := rtr.ExpireStale(ctx); err != nil {
					log.WithError(err).Warn("failed to expire stale prompts")
				}
			}
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	var interrupted atomic.Bool
	go func() {
		<-sigCtx.Done()
		if ctx.Err() == nil {
			interrupted.Store(true)
		}
		cancel()
	}()

	runErr := sess.Run(ctx)
	if interrupted.Load() {
		return withExitCode(ExitInterrupted, fmt.Errorf("interrupted"))
	}
	if runErr != nil {
		return withExitCode(ExitGeneralError, runErr)
	}
	return nil
}

// loadOrDefaultPolicy loads path if given, else falls back to an
// in-memory autonomy_mode=off document that escalates everything — a
// session is useful (if fully manual) even with no policy file
// configured.
func loadOrDefaultPolicy(path string) (*policy.Policy, error) {
	if path == "" {
		return policy.Parse([]byte(`
policy_version: "1"
name: "default (manual)"
autonomy_mode: off
rules: []
defaults:
  no_match: {type: require_human}
  low_confidence: {type: notify_only}
`))
	}
	return policy.Load(path)
}

// sessionInjector defers to whatever *supervisor.Session run eventually
// assigns to the pointer it holds: the router is constructed before the
// Session exists (Session.Run needs the router's onPromptEvent closure),
// so this breaks the construction cycle without a mutable Router field.
type sessionInjector struct {
	sess **supervisor.Session
}

func (s sessionInjector) Inject(ctx context.Context, promptID string, value []byte) error {
	return (*s.sess).Inject(ctx, promptID, value)
}
