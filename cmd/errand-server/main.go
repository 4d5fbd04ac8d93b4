// Command errand-server runs the task-delegation broker: the JSON-RPC tool
// surface, the in-memory task registry, the workspace manager, and the
// configured execution backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"errand/internal/blocks"
	"errand/internal/broker"
	"errand/internal/config"
	"errand/internal/control"
	"errand/internal/logging"
	"errand/internal/observability"
	"errand/internal/rooms"
	"errand/internal/runner"
	"errand/internal/runner/localexec"
	"errand/internal/runner/remoteexec"
	"errand/internal/task"
	"errand/internal/toolserver"
	"errand/internal/workspace"
)

const version = "1.0.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "errand-server",
		Short:         "Task-delegation broker for conversational agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("errand-server %s\n", version)
		},
	}
}

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env is fine; explicit env always wins.
			_ = godotenv.Load()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

func serve(cfg *config.Config) error {
	logging.SetDefault(os.Stderr, logging.ParseLevel(cfg.Logging.Level))
	logger := logging.NewComponentLogger("Server")
	printBanner(cfg)

	tracer, err := observability.NewTracerProvider(observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(ctx); err != nil {
			logger.Warn("tracer shutdown: %v", err)
		}
	}()

	rpcMetrics, err := observability.NewRPCMetrics()
	if err != nil {
		return err
	}

	registry := task.NewRegistry(cfg.Broker.MaxConcurrentTasks, cfg.Broker.IdempotencyWindow,
		logging.NewComponentLogger("Registry"))

	store := blocks.NewClient(blocks.Config{
		BaseURL: cfg.Blocks.BaseURL,
		Token:   cfg.Blocks.Token,
	}, logging.NewComponentLogger("Blocks"))

	workspaces := workspace.NewManager(store, workspace.Config{
		MaxEvents:  cfg.Workspace.MaxEvents,
		BlockLimit: cfg.Workspace.BlockLimit,
	}, logging.NewComponentLogger("Workspace"))

	var roomClient *rooms.Client
	if cfg.Rooms.Enabled {
		roomClient = rooms.NewClient(rooms.Config{
			BaseURL: cfg.Rooms.BaseURL,
			Token:   cfg.Rooms.Token,
		}, logging.NewComponentLogger("Rooms"))
	}

	adapter, followUp := buildAdapter(cfg)

	var brokerRooms broker.Rooms
	var controlRooms control.RoomNotifier
	if roomClient != nil {
		brokerRooms = roomClient
		controlRooms = roomClient
	}

	orchestrator := broker.New(registry, workspaces, adapter, brokerRooms, store, broker.Config{
		ExecutionTimeout: cfg.Broker.ExecutionTimeout(),
		ResponseDeadline: cfg.Broker.ResponseDeadline(),
	}, nil, logging.NewComponentLogger("Broker"))

	controller := control.NewHandler(registry, adapter, workspaces, controlRooms,
		logging.NewComponentLogger("Control"))

	server, err := toolserver.NewServer(toolserver.Config{
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SessionTTL:     cfg.Server.SessionTTL,
		Backend:        cfg.Runner.Backend,
	}, toolserver.Deps{
		Submitter:  orchestrator,
		Registry:   registry,
		Control:    controller,
		Workspaces: workspaces,
		Adapter:    adapter,
		FollowUp:   followUp,
		Rooms:      brokerRooms,
		Metrics:    rpcMetrics,
	}, logging.NewComponentLogger("ToolServer"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry.StartSweeper(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down, draining for up to %v", cfg.Server.DrainTimeout)
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
		defer cancel()
		return server.Shutdown(drainCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// buildAdapter selects the execution backend. The follow-up sender is only
// available on the remote backend.
func buildAdapter(cfg *config.Config) (runner.Adapter, toolserver.FollowUpSender) {
	switch cfg.Runner.Backend {
	case config.BackendRemote:
		executor := remoteexec.New(remoteexec.Config{
			BaseURL: cfg.Runner.Remote.BaseURL,
			Token:   cfg.Runner.Remote.Token,
			Timeout: cfg.Broker.ExecutionTimeout(),
		}, logging.NewComponentLogger("RemoteExec"))
		return executor, executor
	default:
		return localexec.New(localexec.Config{
			Command:       cfg.Runner.Local.Command,
			WorkspaceRoot: cfg.Runner.Local.WorkspaceRoot,
			CPUSeconds:    cfg.Runner.Local.CPUSeconds,
			MemoryMB:      cfg.Runner.Local.MemoryMB,
			Timeout:       cfg.Broker.ExecutionTimeout(),
			GracePeriod:   cfg.Runner.Local.GracePeriod,
		}, logging.NewComponentLogger("LocalExec")), nil
	}
}

func printBanner(cfg *config.Config) {
	bold := color.New(color.Bold).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("%s %s\n", bold("errand-server"), gray(version))
	fmt.Printf("  %s %s\n", cyan("listen:"), cfg.Server.Addr)
	fmt.Printf("  %s %s\n", cyan("backend:"), cfg.Runner.Backend)
	fmt.Printf("  %s %d concurrent, %v response deadline\n",
		cyan("broker:"), cfg.Broker.MaxConcurrentTasks, cfg.Broker.ResponseDeadline())
	if cfg.Rooms.Enabled {
		fmt.Printf("  %s %s\n", cyan("rooms:"), cfg.Rooms.BaseURL)
	}
}
