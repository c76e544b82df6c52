package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"NutriChat/internal/chatbot"
	"NutriChat/internal/config"
)

func main() {
	var configPath string
	var flags config.Config

	def := config.Default()
	flag.StringVar(&configPath, "config", "nutrichat.yaml", "Path to a YAML config file (optional)")
	flag.StringVar(&flags.Backend, "backend", def.Backend, "Assistant backend (http|websocket|mock)")
	flag.StringVar(&flags.BaseURL, "base-url", def.BaseURL, "Backend base URL")
	flag.StringVar(&flags.StreamURL, "stream-url", def.StreamURL, "WebSocket stream endpoint for the websocket backend")
	flag.DurationVar(&flags.Timeout, "timeout", def.Timeout, "Timeout for non-streaming calls")
	flag.DurationVar(&flags.IntentTTL, "intent-ttl", def.IntentTTL, "How long classified intents are cached (0 disables)")
	flag.StringVar(&flags.Storage, "storage", def.Storage, "Session storage (sqlite|rpc|none)")
	flag.StringVar(&flags.DBPath, "db", def.DBPath, "SQLite database path")
	flag.StringVar(&flags.RPCURL, "rpc-url", def.RPCURL, "Session service URL for rpc storage")
	flag.BoolVar(&flags.Authenticated, "login", def.Authenticated, "Start signed in so sessions are saved")
	flag.StringVar(&flags.SessionID, "session-id", "", "Load existing session by ID")
	flag.StringVar(&flags.LogDir, "log-dir", def.LogDir, "Directory for log, trace and metric files")
	flag.BoolVar(&flags.Debug, "debug", false, "Enable debug logging")

	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags given on the command line win over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			cfg.Backend = flags.Backend
		case "base-url":
			cfg.BaseURL = flags.BaseURL
		case "stream-url":
			cfg.StreamURL = flags.StreamURL
		case "timeout":
			cfg.Timeout = flags.Timeout
		case "intent-ttl":
			cfg.IntentTTL = flags.IntentTTL
		case "storage":
			cfg.Storage = flags.Storage
		case "db":
			cfg.DBPath = flags.DBPath
		case "rpc-url":
			cfg.RPCURL = flags.RPCURL
		case "login":
			cfg.Authenticated = flags.Authenticated
			cfg.Guest = !flags.Authenticated
		case "session-id":
			cfg.SessionID = flags.SessionID
		case "log-dir":
			cfg.LogDir = flags.LogDir
		case "debug":
			cfg.Debug = flags.Debug
		}
	})

	bot, err := chatbot.NewChatBot(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize chatbot: %v\n", err)
		os.Exit(1)
	}

	if err := bot.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
