package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawrun/internal/agent"
	"github.com/nextlevelbuilder/clawrun/internal/broker"
	"github.com/nextlevelbuilder/clawrun/internal/channels"
	"github.com/nextlevelbuilder/clawrun/internal/channels/discord"
	"github.com/nextlevelbuilder/clawrun/internal/channels/feishu"
	"github.com/nextlevelbuilder/clawrun/internal/channels/slack"
	"github.com/nextlevelbuilder/clawrun/internal/channels/telegram"
	"github.com/nextlevelbuilder/clawrun/internal/channels/webchat"
	"github.com/nextlevelbuilder/clawrun/internal/config"
	"github.com/nextlevelbuilder/clawrun/internal/gateway"
	"github.com/nextlevelbuilder/clawrun/internal/plugins"
	"github.com/nextlevelbuilder/clawrun/internal/providers"
	"github.com/nextlevelbuilder/clawrun/internal/rpc"
	"github.com/nextlevelbuilder/clawrun/internal/runtime"
	"github.com/nextlevelbuilder/clawrun/internal/sandbox"
	"github.com/nextlevelbuilder/clawrun/internal/store"
	"github.com/nextlevelbuilder/clawrun/internal/store/pg"
	"github.com/nextlevelbuilder/clawrun/internal/store/sqlite"
	"github.com/nextlevelbuilder/clawrun/internal/telemetry"
	"github.com/nextlevelbuilder/clawrun/internal/tools"
	"github.com/nextlevelbuilder/clawrun/internal/websearch"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and runtime servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	st, err := openStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	persist, err := rpc.NewClient(cfg.Runtime.GRPCAddr)
	if err != nil {
		return fmt.Errorf("connect persistence: %w", err)
	}
	defer persist.Close()

	b := broker.New(cfg.Broker)
	defer b.Close()

	registry := tools.NewRegistry()
	if err := registerBuiltins(registry, cfg, st); err != nil {
		return err
	}

	host := plugins.NewHost(cfg.Plugins, registry, persist)
	defer host.Close()
	go func() {
		if err := host.Watch(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("plugin watcher stopped", "error", err)
		}
	}()

	llm := providers.NewOpenAIClient(cfg.LLM.BaseURL, cfg.LLM.APIKey)
	runner := agent.NewRunner(persist, llm, registry)

	chRegistry := channels.NewRegistry()
	for _, plugin := range []channels.Plugin{
		slack.New(), discord.New(), telegram.New(), feishu.New(), webchat.New(),
	} {
		if err := chRegistry.Register(plugin); err != nil {
			return fmt.Errorf("register channel plugin: %w", err)
		}
	}

	gw := gateway.NewServer(cfg.Gateway, cfg.Runtime.Secret, st, chRegistry, websearch.NewService(cfg.WebSearch))
	rt := runtime.NewServer(cfg.Runtime, b, runner, persist, host)

	errCh := make(chan error, 2)
	go func() { errCh <- gw.Start(ctx) }()
	go func() { errCh <- rt.Start(ctx) }()

	select {
	case err := <-errCh:
		stop()
		<-errCh
		return err
	case <-ctx.Done():
		<-errCh
		<-errCh
		slog.Info("shutdown complete")
		return nil
	}
}

// openStore selects the gateway store backend: postgres when a DSN is
// configured, sqlite otherwise (standalone mode).
func openStore(cfg config.DatabaseConfig) (store.Store, error) {
	if cfg.PostgresDSN != "" {
		return pg.Open(cfg.PostgresDSN)
	}
	path := cfg.SQLitePath
	if path == "" {
		path = "clawrun.db"
	}
	return sqlite.Open(path)
}

// registerBuiltins installs the built-in tools. Filesystem tools are rooted
// at the process working directory; knowledge search is backed by the
// gateway store's recorded channel messages.
func registerBuiltins(registry *tools.Registry, cfg *config.Config, st store.Store) error {
	workspaceDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve workspace dir: %w", err)
	}
	fsPolicy := sandbox.FSPolicy{WorkspaceOnly: true}

	builtins := []tools.Tool{
		tools.NewFSReadTool(workspaceDir, fsPolicy),
		tools.NewFSWriteTool(workspaceDir, fsPolicy),
		tools.NewWebSearchTool(cfg.Runtime.GatewayAddr, cfg.Runtime.Secret),
		tools.NewKnowledgeSearchTool("", storeKnowledgeSearch(st)),
	}
	for _, t := range builtins {
		if err := registry.RegisterBuiltin(t); err != nil {
			return fmt.Errorf("register builtin: %w", err)
		}
	}
	return nil
}

func storeKnowledgeSearch(st store.Store) tools.KnowledgeSearchFunc {
	return func(ctx context.Context, workspaceID, query string, limit int) ([]tools.KnowledgeHit, error) {
		msgs, err := st.SearchMessages(ctx, workspaceID, query, limit)
		if err != nil {
			return nil, err
		}
		hits := make([]tools.KnowledgeHit, 0, len(msgs))
		for _, msg := range msgs {
			hits = append(hits, tools.KnowledgeHit{
				Source:  string(msg.Direction) + " message in channel " + msg.ChannelID,
				Snippet: msg.Content,
			})
		}
		return hits, nil
	}
}
