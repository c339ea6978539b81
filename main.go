package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/informed-assistant/server/internal/agent/contextbuilder"
	"github.com/informed-assistant/server/internal/agent/conversations"
	"github.com/informed-assistant/server/internal/agent/executor"
	"github.com/informed-assistant/server/internal/agent/llm"
	"github.com/informed-assistant/server/internal/agent/model"
	"github.com/informed-assistant/server/internal/agent/observers"
	"github.com/informed-assistant/server/internal/agent/supervisor"
	"github.com/informed-assistant/server/internal/core"
	logx "github.com/informed-assistant/server/pkg/logger"
	pkgredis "github.com/informed-assistant/server/pkg/redis"
)

// AppConfig defines all configurable parameters of the assistant,
// sourced from environment variables (loaded from .env for local runs).
type AppConfig struct {
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL"`
	Storage  string `envconfig:"STORAGE_BACKEND" default:"redis"`

	// Infrastructure
	Redis pkgredis.Config

	// LLM provider
	APIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	// Agent configs
	Completion   model.CompletionModelConfig
	Agent        model.AgentConfig
	Conversation model.ConversationConfig
	Prompt       model.PromptConfig

	// Demo
	DemoUserID   string        `envconfig:"DEMO_USER_ID" default:"demo-user"`
	DemoZipCode  string        `envconfig:"DEMO_ZIP_CODE" default:"94103"`
	DemoQuestion string        `envconfig:"DEMO_QUESTION" default:"Is it safe to walk outside?"`
	DemoTimeout  time.Duration `envconfig:"DEMO_TIMEOUT" default:"2m"`
}

func main() {
	dotenvErr := godotenv.Load(".env")

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		logx.Init()
		logx.Fatal().Err(err).Msg("Failed to process environment config")
	}
	logx.Init(logx.LoggerOpts{Environment: core.ParseEnvironment(cfg.Env), Level: cfg.LogLevel})
	if dotenvErr != nil {
		logx.Debug().Err(dotenvErr).Msg("no .env file loaded")
	}
	observers.RegisterGlobal()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		logx.Fatal().Err(err).Str("backend", cfg.Storage).Msg("Failed to open storage")
	}
	defer st.close()

	completer, err := llm.NewClient(ctx, llm.ChatModelConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Completion,
	})
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to create completion client")
	}

	queries := conversations.NewQueryManager(st.queries, cfg.Agent)
	chats := conversations.NewChatManager(st.chats, cfg.Agent)
	exec := executor.New(executor.Deps{
		Queries:   queries,
		Users:     st.users,
		Context:   contextbuilder.NewSnapshotBuilder(st.snapshots),
		Completer: completer,
	}, cfg.Prompt)
	sup := supervisor.New(context.WithoutCancel(ctx), chats, queries, exec, cfg.Agent)

	if err := seedDemo(ctx, st, cfg); err != nil {
		logx.Fatal().Err(err).Msg("Failed to seed demo data")
	}

	question := cfg.DemoQuestion
	if len(os.Args) > 1 {
		question = strings.Join(os.Args[1:], " ")
	}
	if err := ask(ctx, sup, cfg, question); err != nil {
		logx.Error().Err(err).Msg("demo question failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logx.Error().Err(err).Msg("graceful shutdown failed")
	}
	logx.Info().Msg("shutdown complete")
}

func ask(ctx context.Context, sup *supervisor.Supervisor, cfg AppConfig, question string) error {
	fmt.Printf("Question: %q\n", question)
	thread, err := sup.StartThread(ctx, cfg.DemoUserID, model.NewUserMessage(cfg.DemoUserID, question, model.ResponseText, model.English))
	if err != nil {
		return fmt.Errorf("start thread: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.DemoTimeout)
	defer cancel()
	if err := sup.WaitForResponse(waitCtx, thread.ID); err != nil {
		return fmt.Errorf("wait for response: %w", err)
	}

	latest, err := sup.LatestQuery(ctx, cfg.DemoUserID)
	if err != nil {
		return fmt.Errorf("load latest query: %w", err)
	}
	if latest == nil {
		return fmt.Errorf("no query was dispatched for thread %s", thread.ID)
	}
	thread, err = sup.GetThread(ctx, thread.ID)
	if err != nil {
		return fmt.Errorf("load thread: %w", err)
	}
	for _, m := range thread.Messages {
		if m.IsAssistant() {
			fmt.Printf("Answer (%s): %s\n", latest.State, m.Content)
		}
	}
	return nil
}
