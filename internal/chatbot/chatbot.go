package chatbot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"NutriChat/internal/auth"
	"NutriChat/internal/cache"
	"NutriChat/internal/chat"
	"NutriChat/internal/config"
	"NutriChat/internal/persistence"
	"NutriChat/internal/session"
	"NutriChat/internal/store"
	"NutriChat/internal/telemetry"
	"NutriChat/internal/transport"
)

// ChatBot represents the main application
type ChatBot struct {
	config config.Config
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter

	auth       *auth.State
	bridge     *persistence.Bridge
	orch       *chat.Orchestrator
	generators *transport.Registry

	in  io.Reader
	out io.Writer

	mu      sync.Mutex // guards out and printed
	printed map[string]int
	closed  map[string]bool

	sends    sync.WaitGroup
	cleanups []func()
}

// Deps are the ambient services a ChatBot is built from
type Deps struct {
	Logger *slog.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
	In     io.Reader
	Out    io.Writer
}

// NewChatBot creates a new ChatBot instance with file-backed logging and
// telemetry, reading stdin and writing stdout.
func NewChatBot(cfg config.Config) (*ChatBot, error) {
	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx := context.Background()
	tracer, meter, shutdown, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	cb, err := New(cfg, Deps{Logger: logger, Tracer: tracer, Meter: meter, In: os.Stdin, Out: os.Stdout})
	if err != nil {
		shutdown()
		closeLog()
		return nil, err
	}
	cb.cleanups = append(cb.cleanups, shutdown, func() { closeLog() })
	return cb, nil
}

// New wires a ChatBot from cfg and already initialized services
func New(cfg config.Config, deps Deps) (*ChatBot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	logger := deps.Logger

	cb := &ChatBot{
		config:  cfg,
		logger:  logger,
		tracer:  deps.Tracer,
		meter:   deps.Meter,
		auth:    auth.NewState(cfg.Authenticated, cfg.Guest),
		in:      deps.In,
		out:     deps.Out,
		printed: make(map[string]int),
		closed:  make(map[string]bool),
	}
	if cb.in == nil {
		cb.in = strings.NewReader("")
	}
	if cb.out == nil {
		cb.out = io.Discard
	}

	classifier, registry, err := cb.buildTransport()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize backend: %w", err)
	}
	cb.generators = registry
	logger.Info("registered generators", "backend", cfg.Backend, "count", registry.Count(), "types", registry.Types())

	var persister store.Persister
	if cfg.Storage != config.StorageNone {
		bridge, err := cb.buildBridge()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		cb.bridge = bridge
		persister = bridge
	}

	messages := store.NewMessageStore(cb.auth, persister, logger)
	sessions := store.NewSessionStore(messages, cb.auth, persister, logger)

	cb.orch, err = chat.New(chat.Config{
		Classifier: cache.NewIntentCache(classifier, cfg.IntentTTL, logger),
		Generators: registry,
		Sessions:   sessions,
		Messages:   messages,
		Auth:       cb.auth,
		Tracer:     deps.Tracer,
		Meter:      deps.Meter,
	}, logger)
	if err != nil {
		cb.closeBridge()
		return nil, err
	}

	cb.restoreSession()
	return cb, nil
}

func (cb *ChatBot) buildTransport() (transport.Classifier, *transport.Registry, error) {
	registry := transport.NewRegistry()
	cfg := cb.config

	switch cfg.Backend {
	case config.BackendMock:
		registerMock(registry)
		return transport.NewKeywordClassifier(), registry, nil

	case config.BackendHTTP, config.BackendWebSocket:
		client, err := transport.NewClient(transport.ClientConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey(),
			Timeout: cfg.Timeout,
			Tracer:  cb.tracer,
			Meter:   cb.meter,
		}, cb.logger)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Backend == config.BackendWebSocket {
			if err := transport.RegisterWebSocket(registry, cfg.StreamURL, cfg.APIKey(), cb.logger); err != nil {
				return nil, nil, err
			}
		} else {
			client.Register(registry)
		}
		return client, registry, nil
	}
	return nil, nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
}

func (cb *ChatBot) buildBridge() (*persistence.Bridge, error) {
	var remote persistence.Remote
	switch cb.config.Storage {
	case config.StorageSQLite:
		r, err := persistence.NewSQLiteRemote(cb.config.DBPath, cb.logger)
		if err != nil {
			return nil, err
		}
		remote = r
	case config.StorageRPC:
		r, err := persistence.NewRPCRemote(cb.config.RPCURL, cb.config.APIKey(), cb.config.Timeout, cb.logger)
		if err != nil {
			return nil, err
		}
		remote = r
	default:
		return nil, fmt.Errorf("unknown storage: %s", cb.config.Storage)
	}
	return persistence.NewBridge(remote, cb.tracer, cb.logger)
}

// restoreSession activates the configured session, or a fresh ephemeral one
func (cb *ChatBot) restoreSession() {
	if cb.config.SessionID == "" {
		cb.orch.CreateTemporarySession()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cb.timeout())
	defer cancel()

	if _, err := cb.orch.LoadSessions(ctx); err != nil {
		cb.logger.Warn("failed to load session, creating new one", "error", err)
		cb.orch.CreateTemporarySession()
		return
	}
	if err := cb.orch.SwitchSession(cb.config.SessionID); err != nil {
		cb.logger.Warn("failed to load session, creating new one", "error", err)
		cb.orch.CreateTemporarySession()
		return
	}
	cb.logger.Info("loaded existing session", "session_id", cb.config.SessionID)
}

func (cb *ChatBot) timeout() time.Duration {
	if cb.config.Timeout > 0 {
		return cb.config.Timeout
	}
	return 30 * time.Second
}

// Orchestrator exposes the engine driving this bot
func (cb *ChatBot) Orchestrator() *chat.Orchestrator {
	return cb.orch
}

func (cb *ChatBot) printf(format string, args ...any) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	fmt.Fprintf(cb.out, format, args...)
}

// send runs one turn in the background so the prompt stays usable for
// /abort while the reply streams.
func (cb *ChatBot) send(ctx context.Context, input string) {
	if !cb.orch.CanSend() {
		cb.printf("A reply is still streaming. Wait for it or use /abort.\n")
		return
	}

	cb.sends.Add(1)
	go func() {
		defer cb.sends.Done()
		err := cb.orch.SendMessage(ctx, input)
		switch {
		case errors.Is(err, chat.ErrSendBlocked):
			cb.printf("A reply is still streaming. Wait for it or use /abort.\n")
		case err != nil:
			cb.logger.Error("failed to send message", "error", err)
		}
		cb.renderLast()
	}()
}

// Run starts the chat bot and blocks until /quit, end of input or ctx is done
func (cb *ChatBot) Run(ctx context.Context) error {
	defer cb.shutdown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	active := cb.orch.ActiveSession()
	cb.printf("=== NutriChat ===\n")
	cb.printf("Session: %s (%s)\n", active.ID, active.Mode)
	cb.printf("Backend: %s, storage: %s\n", cb.config.Backend, cb.config.Storage)
	types := make([]string, 0, cb.generators.Count())
	for _, t := range cb.generators.Types() {
		types = append(types, string(t))
	}
	cb.printf("Replies: %s\n", strings.Join(types, ", "))
	cb.printf("Type /help for commands, /quit to exit\n\n")

	events, unsubscribe := cb.orch.Subscribe(256)
	renderDone := make(chan struct{})
	go func() {
		defer close(renderDone)
		for ev := range events {
			if ev.Kind == store.EventMessageUpdated {
				cb.render(ev.MessageID)
			}
		}
	}()
	defer func() {
		unsubscribe()
		<-renderDone
	}()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cb.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-interrupts:
			// Ctrl-C aborts a streaming reply, otherwise quits
			if cb.orch.CanSend() {
				return nil
			}
			cb.orch.AbortCurrentMessage()

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			input := strings.TrimSpace(line)
			if input == "" {
				continue
			}

			if strings.HasPrefix(input, "/") {
				shouldQuit, err := cb.handleCommand(ctx, input)
				if err != nil {
					cb.printf("Error: %v\n", err)
					cb.logger.Error("command error", "error", err)
				}
				if shouldQuit {
					return nil
				}
				continue
			}

			cb.send(ctx, input)
		}
	}
}

// Wait blocks until every background send has returned
func (cb *ChatBot) Wait() {
	cb.sends.Wait()
}

func (cb *ChatBot) shutdown() {
	cb.orch.Close()
	cb.sends.Wait()
	cb.closeBridge()
	for i := len(cb.cleanups) - 1; i >= 0; i-- {
		cb.cleanups[i]()
	}
	cb.cleanups = nil
	cb.printf("Goodbye!\n")
}

func (cb *ChatBot) closeBridge() {
	if cb.bridge == nil {
		return
	}
	if err := cb.bridge.Close(); err != nil {
		cb.logger.Error("failed to close storage", "error", err)
	}
	cb.bridge = nil
}

// lastReply returns the newest assistant message of the active session
func (cb *ChatBot) lastReply() (session.Message, bool) {
	msgs := cb.orch.GetMessagesForSession(cb.orch.ActiveSession().ID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == session.RoleAssistant {
			return msgs[i], true
		}
	}
	return session.Message{}, false
}
