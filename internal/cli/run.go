package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tickd/internal/config"
	"tickd/internal/logger"
	"tickd/internal/metrics"
	"tickd/pkg/bridge"
	"tickd/pkg/driver"
	"tickd/pkg/evals"
	"tickd/pkg/gateway"
	"tickd/pkg/kvstore"
	"tickd/pkg/stack"
	"tickd/pkg/state"
	"tickd/pkg/step"
	"tickd/pkg/taskqueue"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the session driver",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDriver()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// runDriver constructs every component explicitly and threads them through
// constructors; lifecycle is process lifetime with an explicit shutdown path.
func runDriver() error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return err
	}
	defer lg.Close()
	zl := lg.Zerolog()

	dataDir := cfg.DataDir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".tickd")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := kvstore.NewSQLiteStore(filepath.Join(dataDir, "tickd.db"), zl)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.NewMetrics()
	sink := metrics.NewRegistrySink(m, zl)

	broker := taskqueue.New(taskqueue.Config{
		Queues:  cfg.Queues,
		Logger:  zl,
		Metrics: m,
	})
	defer broker.Close()

	stacks := stack.NewManager(stack.Config{
		Cap:      cfg.StackCap,
		Lookback: cfg.DedupLookback,
		Store:    store,
		Logger:   zl,
	})

	registry := step.NewRegistry()
	stepper := step.NewStepper(registry, m, zl)

	overrides, err := evals.NewOverrideStore(store, m, zl)
	if err != nil {
		return err
	}

	drv, err := driver.New(driver.Config{
		PollInterval: cfg.PollInterval,
		TickTimeout:  cfg.TickTimeout,
		Store:        store,
		Stacks:       stacks,
		Stepper:      stepper,
		Broker:       broker,
		Overrides:    overrides,
		Metrics:      m,
		Sink:         sink,
		Logger:       zl,
	})
	if err != nil {
		return err
	}

	brg, err := bridge.New(bridge.Config{
		Stacks:    stacks,
		Store:     store,
		Broker:    broker,
		Scheduler: drv,
		Metrics:   m,
		Logger:    zl,
	})
	if err != nil {
		return err
	}

	// Without external tool workers, unexecutable calls fail fast and route
	// through the retry transition.
	err = broker.Register(driver.TaskTool, config.QueueTools, func(ctx context.Context, args map[string]interface{}) error {
		conversationID, _ := args["conversation_id"].(string)
		agentID, _ := args["agent_id"].(string)
		callID, _ := args["call_id"].(string)
		tool, _ := args["tool"].(string)
		return drv.FailTool(ctx, conversationID, agentID, callID,
			fmt.Sprintf("no executor registered for tool %s", tool))
	})
	if err != nil {
		return err
	}

	evalCoord := evals.NewCoordinator(evals.Config{
		Store:    store,
		Broker:   broker,
		DedupTTL: cfg.EvalDedupTTL,
		Metrics:  m,
		Logger:   zl,
	})
	err = broker.Register(evals.TaskEvaluate, config.QueueEvals, func(ctx context.Context, args map[string]interface{}) error {
		zl.Warn().Interface("args", args).Msg("No evaluator registered, dropping evaluation")
		return nil
	})
	if err != nil {
		return err
	}

	if err := registerHandlers(registry, brg, evalCoord, zl); err != nil {
		return err
	}

	watcher, err := config.NewWatcher(loader, zl, func(newCfg *config.Config) {
		zl.Info().Msg("Config changed; most fields apply on restart")
	})
	if err != nil {
		zl.Warn().Err(err).Msg("Config watcher unavailable")
	} else if err := watcher.Start(); err != nil {
		zl.Warn().Err(err).Msg("Config watcher failed to start")
	} else {
		defer watcher.Stop()
	}

	if err := drv.Start(); err != nil {
		return err
	}
	defer drv.Stop()

	var gw *gateway.Server
	if cfg.GatewayAddr != "" {
		gw = gateway.NewServer(cfg.GatewayAddr, drv, zl)
		if err := gw.Start(); err != nil {
			return err
		}
		defer gw.Stop(context.Background())
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				zl.Warn().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	zl.Info().Msg("tickd running, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	zl.Info().Msg("Shutting down")
	broker.WaitForActive(cfg.TickTimeout)
	return nil
}

// registerHandlers binds the fixed dispatch table. Unregistered kinds
// (UserMessage, AssistantMessage, ToolResult, AgentResult) stay no-ops until
// an embedder wires the reasoning layer in.
func registerHandlers(registry *step.Registry, brg *bridge.Bridge, evalCoord *evals.Coordinator, zl zerolog.Logger) error {
	if err := registry.Register(state.KindToolCall, driver.ToolCallHandler()); err != nil {
		return err
	}
	if err := registry.Register(state.KindToolFailure, driver.ToolFailureHandler(driver.DefaultMaxToolRetries)); err != nil {
		return err
	}
	if err := registry.Register(state.KindAgentCall, brg.CallHandler()); err != nil {
		return err
	}
	if err := registry.Register(state.KindWaiting, driver.NoopHandler()); err != nil {
		return err
	}

	// Finished answers also go through the evaluation gate, beyond the
	// bridge's delegation splice-back.
	finished := brg.FinishedHandler()
	return registry.Register(state.KindFinished, func(ctx context.Context, req step.Request) ([]state.Effect, error) {
		effects, err := finished(ctx, req)
		if err != nil {
			return nil, err
		}
		if _, err := evalCoord.Submit(ctx, evals.Request{
			EvaluatorID:      "final-answer",
			EvaluatorVersion: "v1",
			ConversationID:   req.ConversationID,
			BranchID:         req.Entry.BranchID,
			Payload: map[string]interface{}{
				"agent_id": req.AgentID,
				"answer":   req.Entry.State.Text,
			},
		}); err != nil {
			zl.Warn().Err(err).Msg("Failed to submit evaluation")
		}
		return effects, nil
	})
}
