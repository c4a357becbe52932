package main

import (
	"fmt"

	"slackcal/internal/agent"
	"slackcal/internal/config"
	"slackcal/internal/extract"
	"slackcal/internal/ics"
	appLog "slackcal/internal/log"
	"slackcal/internal/notify"
	"slackcal/internal/openai"
	"slackcal/internal/slack"
	"slackcal/internal/store"
	"slackcal/internal/timeres"
)

// loadConfig reads the config file and applies the log settings.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := appLog.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	s, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

func newFeed(cfg *config.Config) *ics.Feed {
	return ics.NewFeed("Slack meetings", cfg.DisplayLocation(), nil)
}

// app is the fully wired service.
type app struct {
	cfg      *config.Config
	store    *store.Store
	notifier *notify.Scheduler
	agent    *agent.Agent
}

// buildApp validates credentials and wires every collaborator.
func buildApp(cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	sc, err := slack.New(slack.Config{
		Token:   cfg.Slack.Token,
		BaseURL: cfg.Slack.BaseURL,
		Timeout: cfg.SlackTimeout(),
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	llm, err := openai.New(openai.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Timeout:     cfg.LLMTimeout(),
		Temperature: cfg.LLM.Temperature,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	display, modelTZ := cfg.DisplayLocation(), cfg.ModelLocation()
	ex := extract.New(llm,
		extract.WithTimezone(modelTZ),
		extract.WithRetries(cfg.LLM.MaxRetries, cfg.LLMBackoff()),
	)
	res := timeres.New(display, modelTZ, nil)
	n := notify.New(s, sc,
		notify.WithLocation(display),
		notify.WithBotUserID(cfg.Slack.BotUserID),
		notify.WithTasks(cfg.Notify.IncludeTasks),
	)
	a := agent.New(s, sc, ex, res, n, agent.Config{
		Channels: cfg.Slack.Channels,
		Window:   cfg.Window(),
	})

	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"model_timezone", cfg.ModelTimezone,
		"cycle", cfg.Cycle,
		"reminder", cfg.Reminder,
		"window", cfg.Window().String(),
		"store", cfg.Store.Driver,
		"model", llm.Model(),
		"channels", len(cfg.Slack.Channels),
		"include_tasks", cfg.Notify.IncludeTasks,
	)
	return &app{cfg: cfg, store: s, notifier: n, agent: a}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		appLog.Error("store close failed", err)
	}
}
