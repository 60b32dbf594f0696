// Command clawterm is a terminal chat client for an OpenClaw gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"clawterm/internal/adapter/gateway"
	"clawterm/internal/adapter/store"
	"clawterm/internal/adapter/tui"
	"clawterm/internal/infra/config"
	"clawterm/internal/infra/logger"
	"clawterm/internal/infra/tracer"
	"clawterm/internal/usecase/chat"
)

var version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "clawterm:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultPath(), "path to config file")
	sessionKey := flag.String("session", "", "chat session key (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("clawterm", version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *sessionKey != "" {
		cfg.Chat.SessionKey = *sessionKey
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	var archive chat.Archive
	if cfg.Store.Enabled {
		st, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open transcript store: %w", err)
		}
		defer st.Close()
		archive = st
	}

	client := gateway.NewClient(gateway.Options{
		ClientVersion:  version,
		ConnectTimeout: cfg.Gateway.ConnectTimeout,
		RequestTimeout: cfg.Gateway.RequestTimeout,
		ReconnectDelay: cfg.Gateway.ReconnectDelay,
		Logger:         log,
	})
	defer client.Disconnect()

	session := chat.NewSession(client, chat.Options{
		SessionKey:   cfg.Chat.SessionKey,
		PollInterval: cfg.Chat.PollInterval,
		HistoryLimit: cfg.Chat.HistoryLimit,
		Logger:       log,
		Archive:      archive,
	})
	defer session.Close()

	// Seed the transcript from the local archive before the UI starts.
	if st, ok := archive.(*store.SQLiteStore); ok {
		if msgs, err := st.LoadMessages(ctx, cfg.Chat.SessionKey, cfg.Chat.HistoryLimit); err != nil {
			log.Warn("load archived transcript failed", "error", err)
		} else {
			session.SetMessages(msgs)
		}
	}

	log.Info("starting clawterm", "version", version, "session_key", cfg.Chat.SessionKey)

	return tui.Run(ctx, tui.ModelDeps{
		Client:  client,
		Session: session,
		Logger:  log,
		URL:     cfg.Gateway.URL,
		Token:   cfg.Gateway.Token,
		OnConnected: func(url, token string) {
			if err := config.SaveCredentials(*configPath, url, token); err != nil {
				log.Warn("save credentials failed", "error", err)
			}
		},
	})
}
