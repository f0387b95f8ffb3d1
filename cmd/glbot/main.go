package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hellausefulsoftware/glbot/internal/anthropic"
	"github.com/hellausefulsoftware/glbot/internal/config"
	"github.com/hellausefulsoftware/glbot/internal/engage"
	"github.com/hellausefulsoftware/glbot/internal/gitlab"
	"github.com/hellausefulsoftware/glbot/internal/logging"
	"github.com/hellausefulsoftware/glbot/internal/mentions"
	"github.com/hellausefulsoftware/glbot/internal/poller"
	"github.com/hellausefulsoftware/glbot/internal/repocontext"
	"github.com/hellausefulsoftware/glbot/internal/triage"
)

func main() {
	// Initialize logger with default configuration
	logging.Initialize(nil)

	var logLevel string
	var logJSON bool

	rootCmd := &cobra.Command{
		Use:   "glbot",
		Short: "GitLab mention-engagement bot",
		Long:  `A daemon that watches configured GitLab projects for mentions of its bot account, answers them with repository-aware LLM responses, keeps issues triaged, and labels stale ones.`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Use a subcommand or --help for available commands.")
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Set logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Output logs in JSON format")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logging.Initialize(&logging.Config{
			Level:      logging.ParseLevel(logLevel),
			Output:     os.Stderr,
			JSONFormat: logJSON,
		})
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bot: poll repositories, answer mentions, manage labels",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()

			once, err := cmd.Flags().GetBool("once")
			if err != nil {
				once = false
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			scheduler, err := buildScheduler(ctx, cfg)
			if err != nil {
				logging.Error("Failed to start", "error", err)
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}

			if once {
				if err := scheduler.SweepOnce(ctx); err != nil {
					logging.Error("Sweep failed", "error", err)
					os.Exit(1)
				}
				return
			}
			if err := scheduler.Run(ctx); err != nil {
				logging.Error("Scheduler stopped with error", "error", err)
				os.Exit(1)
			}
		},
	}
	runCmd.Flags().Bool("once", false, "Run a single sweep instead of continuous polling")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Verify configuration and GitLab credentials",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()

			client, err := gitlab.NewClient(cfg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			ctx := context.Background()
			username, err := client.CurrentUser(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: token check failed: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Authenticated as %s on %s\n", username, cfg.GitLab.URL)
			for _, repo := range cfg.GitLab.Repos {
				if _, err := client.GetProject(ctx, repo); err != nil {
					fmt.Fprintf(os.Stderr, "Error: project %s not reachable: %s\n", repo, err)
					os.Exit(1)
				}
				fmt.Printf("Project %s OK\n", repo)
			}
		},
	}

	triageCmd := &cobra.Command{
		Use:   "triage",
		Short: "Run a one-off triage sweep across configured repositories",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := mustLoadConfig()

			client, err := gitlab.NewClient(cfg)
			if err != nil {
				logging.Error("Failed to create GitLab client", "error", err)
				os.Exit(1)
			}
			learner := triage.NewLearner(client, anthropic.NewResponder(cfg, nil), triage.Options{
				SamplePerLabel:  cfg.Triage.SamplePerLabel,
				MinTotalSamples: cfg.Triage.MinTotalSamples,
				Lookback:        cfg.TriageLookback(),
				ExcludedLabels:  cfg.Triage.ExcludedLabels,
			})

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			failed := false
			for _, repo := range cfg.GitLab.Repos {
				if err := learner.Sweep(ctx, repo); err != nil {
					logging.Error("Triage sweep failed", "project", repo, "error", err)
					failed = true
				}
			}
			if failed {
				os.Exit(1)
			}
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show the resolved configuration location and status",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Config path: %s\n", config.Path())
			if !config.Exists() {
				fmt.Println("No config file found; the bot reads GITBOT_* environment variables.")
				return
			}
			if _, err := config.Load(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			fmt.Println("Configuration is valid.")
		},
	}

	rootCmd.AddCommand(runCmd, checkCmd, triageCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		logging.Error("Failed to execute command", "error", err)
		os.Exit(1)
	}
}

func mustLoadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		logging.Error("Failed to load configuration", "error", err)
		fmt.Fprintf(os.Stderr, "Error loading configuration: %s\n", err)
		os.Exit(1)
	}
	return cfg
}

// buildScheduler wires the full pipeline: GitLab client, context
// assembler, mention cache, LLM responder with follow-up tools,
// engagement engine, optional triage learner, and the poll scheduler.
func buildScheduler(ctx context.Context, cfg *config.Config) (*poller.Scheduler, error) {
	client, err := gitlab.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}

	username, err := client.CurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("verifying gitlab token: %w", err)
	}
	if cfg.GitLab.Username == "" {
		cfg.GitLab.Username = username
	}
	logging.Info("Authenticated with GitLab",
		"url", cfg.GitLab.URL,
		"token_user", username,
		"bot_user", cfg.GitLab.Username)

	assembler := repocontext.New(client, repocontext.Options{
		Lines:         cfg.Context.Lines,
		MaxSize:       cfg.Context.MaxSize,
		MaxFragment:   cfg.Context.MaxCommentLength,
		MaxFiles:      cfg.Context.MaxSourceFiles,
		DefaultBranch: cfg.Context.DefaultBranch,
		ContextRepo:   cfg.Context.ContextRepo,
	})

	tools := anthropic.NewToolRegistry(client, cfg.Context.DefaultBranch)
	responder := anthropic.NewResponder(cfg, tools)

	cache := mentions.New(cfg.MentionTTL(), cfg.Cache.Capacity)
	engine := engage.NewEngine(cache, assembler, responder, client, engage.Options{
		BotUsername:  cfg.GitLab.Username,
		PromptPrefix: cfg.Context.PromptPrefix,
		MaxToolCalls: cfg.Engage.MaxToolCalls,
	})

	var triager poller.Triager
	if cfg.Triage.Enabled {
		triager = triage.NewLearner(client, anthropic.NewResponder(cfg, nil), triage.Options{
			SamplePerLabel:  cfg.Triage.SamplePerLabel,
			MinTotalSamples: cfg.Triage.MinTotalSamples,
			Lookback:        cfg.TriageLookback(),
			ExcludedLabels:  cfg.Triage.ExcludedLabels,
		})
	}

	return poller.New(client, engine, triager, poller.Options{
		Repos:       cfg.GitLab.Repos,
		BotUsername: cfg.GitLab.Username,
		Interval:    cfg.PollInterval(),
		MaxAge:      cfg.MaxAge(),
		StaleAge:    cfg.StaleAge(),
		MaxParallel: cfg.Monitor.MaxParallelRepos,
	}), nil
}
