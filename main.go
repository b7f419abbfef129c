// relaybot - a Telegram chatbot bridging chats to an OpenAI-compatible backend.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jeranaias/relaybot/internal/access"
	"github.com/jeranaias/relaybot/internal/config"
	"github.com/jeranaias/relaybot/internal/dispatch"
	"github.com/jeranaias/relaybot/internal/history"
	"github.com/jeranaias/relaybot/internal/llm"
	"github.com/jeranaias/relaybot/internal/settings"
	"github.com/jeranaias/relaybot/internal/telegram"
	"github.com/jeranaias/relaybot/internal/telemetry"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "version") {
		fmt.Printf("relaybot %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(); err != nil {
		log.Fatalf("[relaybot] fatal: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("no bot token configured (set TELEGRAM_BOT_TOKEN or telegram.token in config)")
	}
	if len(cfg.AI.APIKeys) == 0 {
		return fmt.Errorf("no API keys configured (set OPENAI_API_KEYS or ai.api_keys in config)")
	}
	if err := config.EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bot, err := newBot(cfg)
	if err != nil {
		return err
	}
	defer bot.Close()

	// Hot-reload runtime-adjustable settings on config file changes.
	cfgPath, err := config.ConfigPath()
	if err == nil {
		watcher, werr := config.NewWatcher(cfgPath, bot.applyConfig)
		if werr == nil {
			if werr = watcher.Watch(); werr == nil {
				defer watcher.Close()
			}
		}
		if werr != nil {
			log.Printf("[relaybot] config watcher unavailable: %v", werr)
		}
	}

	log.Printf("[relaybot] %s starting, polling for updates", Version)
	return bot.poll(ctx)
}

// bot holds the wired components and the update-loop state.
type bot struct {
	cfg        *config.Config
	client     *telegram.Client
	dispatcher *dispatch.Dispatcher
	store      *history.Store
	settings   *settings.Store
	recorder   *telemetry.Recorder

	// mu guards the fields the config watcher may swap at runtime.
	mu          sync.RWMutex
	gate        *access.Gate
	model       string
	temperature float64
}

// newBot wires every component from the config.
func newBot(cfg *config.Config) (*bot, error) {
	rotator, err := llm.NewCredentialRotator(cfg.AI.APIKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to set up credentials: %w", err)
	}

	client := llm.NewClient(rotator).
		WithBaseURL(cfg.AI.BaseURL).
		WithTimeout(time.Duration(cfg.AI.TimeoutSecs) * time.Second).
		WithMaxTokens(cfg.AI.MaxTokens)

	settingsPath, err := cfg.SettingsPath()
	if err != nil {
		return nil, err
	}
	settingsStore, err := settings.NewStore(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings store: %w", err)
	}

	usagePath, err := cfg.UsageDBPath()
	if err != nil {
		return nil, err
	}
	recorder, err := telemetry.NewRecorder(usagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}

	store := history.NewStore(cfg.History.Capacity)
	tgClient := telegram.NewClient(cfg.Telegram.Token, time.Duration(cfg.Telegram.PollTimeoutSecs+30)*time.Second)

	dispatcher := dispatch.New(store, client, tgClient, recorder, dispatch.Config{
		SystemPrompt:    cfg.AI.SystemPrompt,
		MaxHistoryChars: cfg.AI.MaxHistoryChars,
		ChunkSize:       cfg.Limits.ChunkSize,
	})

	return &bot{
		cfg:         cfg,
		client:      tgClient,
		dispatcher:  dispatcher,
		store:       store,
		settings:    settingsStore,
		recorder:    recorder,
		gate:        access.NewGate(cfg.Telegram.AllowedUsers, cfg.Limits.RequestsPerMinute, cfg.Limits.Burst),
		model:       cfg.AI.Model,
		temperature: cfg.AI.Temperature,
	}, nil
}

// Close releases the bot's persistent resources.
func (b *bot) Close() {
	if b.recorder != nil {
		b.recorder.Close()
	}
}

// applyConfig adopts the runtime-adjustable parts of a reloaded config.
// Transport and storage wiring keeps its original configuration.
func (b *bot) applyConfig(cfg *config.Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.model = cfg.AI.Model
	b.temperature = cfg.AI.Temperature
	b.gate = access.NewGate(cfg.Telegram.AllowedUsers, cfg.Limits.RequestsPerMinute, cfg.Limits.Burst)
}

// poll runs the getUpdates loop until the context is canceled.
func (b *bot) poll(ctx context.Context) error {
	var offset int64

	for {
		updates, err := b.client.GetUpdates(ctx, offset, b.cfg.Telegram.PollTimeoutSecs)
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("[relaybot] shutting down")
				return nil
			}
			log.Printf("[relaybot] getUpdates failed: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(3 * time.Second):
			}
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			b.handleUpdate(ctx, update)
		}
	}
}

// handleUpdate routes one update to the command, callback, or message path.
func (b *bot) handleUpdate(ctx context.Context, update telegram.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.From != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *bot) handleMessage(ctx context.Context, msg *telegram.Message) {
	userID := msg.From.ID
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	b.mu.RLock()
	gate := b.gate
	model := b.model
	temperature := b.temperature
	b.mu.RUnlock()

	if err := gate.Check(userID); err != nil {
		b.sendGateDenial(ctx, chatID, userID, err)
		return
	}

	if strings.HasPrefix(text, "/") {
		b.handleCommand(ctx, userID, chatID, text)
		return
	}

	us := b.settings.Get(userID)
	if !us.Enabled {
		return
	}
	if us.Model != "" {
		model = us.Model
	}
	if us.Temperature != 0 {
		temperature = us.Temperature
	}
	if !us.HistoryEnabled {
		b.store.Clear(userID)
	}

	if err := b.client.SendTyping(ctx, chatID); err != nil {
		log.Printf("[relaybot] typing indicator failed for chat %d: %v", chatID, err)
	}

	// Message handling blocks the poll loop only for this update batch;
	// per-user serialization lives in the dispatcher.
	go func() {
		err := b.dispatcher.HandleMessage(ctx, dispatch.Request{
			UserID:      userID,
			ChatID:      chatID,
			Text:        text,
			Model:       model,
			Temperature: temperature,
		})
		if err != nil {
			log.Printf("[relaybot] message from user %d failed: %v", userID, err)
		}
	}()
}

// sendGateDenial tells the user why they were turned away.
func (b *bot) sendGateDenial(ctx context.Context, chatID, userID int64, gateErr error) {
	var text string
	switch {
	case gateErr == access.ErrNotAllowed:
		text = fmt.Sprintf("You are not authorized to use this bot. Your user ID is %d.", userID)
	case gateErr == access.ErrRateLimited:
		text = "You're sending messages too fast. Please slow down."
	default:
		return
	}
	if err := b.client.Send(ctx, chatID, text, false); err != nil {
		log.Printf("[relaybot] failed to send denial to chat %d: %v", chatID, err)
	}
}

func (b *bot) handleCommand(ctx context.Context, userID, chatID int64, text string) {
	parts := strings.Fields(text)
	cmd := strings.ToLower(parts[0])
	// Commands may carry a bot-name suffix in group chats (/reset@mybot).
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}

	switch cmd {
	case "/start":
		b.store.Clear(userID)
		greeting := "Hi! Send me a message and I'll answer. Commands: /reset clears our conversation, /model sets your model, /history toggles memory, /usage shows your token usage."
		if err := b.client.SendWithKeyboard(ctx, chatID, greeting, settingsKeyboard()); err != nil {
			log.Printf("[relaybot] greeting to chat %d failed: %v", chatID, err)
		}

	case "/reset":
		b.store.Clear(userID)
		b.reply(ctx, chatID, "Conversation history cleared.")

	case "/model":
		if len(parts) < 2 {
			us := b.settings.Get(userID)
			current := us.Model
			if current == "" {
				b.mu.RLock()
				current = b.model + " (default)"
				b.mu.RUnlock()
			}
			b.reply(ctx, chatID, "Current model: "+current+"\nUse /model <name> to change it.")
			return
		}
		name := parts[1]
		if err := b.settings.Update(userID, func(us *settings.UserSettings) {
			us.Model = name
		}); err != nil {
			log.Printf("[relaybot] failed to save model for user %d: %v", userID, err)
			b.reply(ctx, chatID, "Could not save your model preference.")
			return
		}
		b.reply(ctx, chatID, "Model set to "+name+".")

	case "/usage":
		totals, err := b.recorder.TotalsForUser(userID)
		if err != nil {
			log.Printf("[relaybot] usage lookup failed for user %d: %v", userID, err)
			b.reply(ctx, chatID, "Could not look up your usage.")
			return
		}
		b.reply(ctx, chatID, fmt.Sprintf(
			"Requests: %d\nPrompt tokens: %d\nCompletion tokens: %d",
			totals.Requests, totals.PromptTokens, totals.CompletionTokens))

	case "/enable":
		b.setUserEnabled(ctx, userID, chatID, true)

	case "/disable":
		b.setUserEnabled(ctx, userID, chatID, false)

	case "/history":
		if len(parts) < 2 || (parts[1] != "on" && parts[1] != "off") {
			state := "on"
			if !b.settings.Get(userID).HistoryEnabled {
				state = "off"
			}
			b.reply(ctx, chatID, "Conversation memory is "+state+". Use /history on or /history off to change it.")
			return
		}
		on := parts[1] == "on"
		if err := b.settings.Update(userID, func(us *settings.UserSettings) {
			us.HistoryEnabled = on
		}); err != nil {
			log.Printf("[relaybot] failed to save history toggle for user %d: %v", userID, err)
			b.reply(ctx, chatID, "Could not save your history preference.")
			return
		}
		if on {
			b.reply(ctx, chatID, "Conversation memory on.")
		} else {
			b.store.Clear(userID)
			b.reply(ctx, chatID, "Conversation memory off. Each message now stands alone.")
		}

	default:
		b.reply(ctx, chatID, "Unknown command. Try /start, /reset, /model, /history, or /usage.")
	}
}

// handleCallback handles inline-button presses.
func (b *bot) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	if cb.From == nil {
		return
	}
	userID := cb.From.ID
	b.mu.RLock()
	gate := b.gate
	b.mu.RUnlock()
	if !gate.Allowed(userID) {
		b.ack(ctx, cb.ID)
		return
	}

	var chatID int64
	if cb.Message != nil {
		chatID = cb.Message.Chat.ID
	}

	switch cb.Data {
	case "enable_bot":
		b.setUserEnabled(ctx, userID, chatID, true)
	case "disable_bot":
		b.setUserEnabled(ctx, userID, chatID, false)
	case "clear_history":
		b.store.Clear(userID)
		if chatID != 0 {
			b.reply(ctx, chatID, "Conversation history cleared.")
		}
	}
	b.ack(ctx, cb.ID)
}

// settingsKeyboard builds the inline keyboard attached to the greeting.
func settingsKeyboard() *telegram.InlineKeyboardMarkup {
	return &telegram.InlineKeyboardMarkup{
		InlineKeyboard: [][]telegram.InlineKeyboardButton{
			{
				{Text: "Enable", CallbackData: "enable_bot"},
				{Text: "Disable", CallbackData: "disable_bot"},
			},
			{
				{Text: "Clear history", CallbackData: "clear_history"},
			},
		},
	}
}

// setUserEnabled flips one user's enable flag; other users are unaffected.
func (b *bot) setUserEnabled(ctx context.Context, userID, chatID int64, on bool) {
	if err := b.settings.Update(userID, func(us *settings.UserSettings) {
		us.Enabled = on
	}); err != nil {
		log.Printf("[relaybot] failed to save enable flag for user %d: %v", userID, err)
		if chatID != 0 {
			b.reply(ctx, chatID, "Could not save that setting.")
		}
		return
	}
	if chatID == 0 {
		return
	}
	if on {
		b.reply(ctx, chatID, "Bot enabled for you.")
	} else {
		b.reply(ctx, chatID, "Bot disabled for you. Use /enable to turn it back on.")
	}
}

func (b *bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.client.Send(ctx, chatID, text, false); err != nil {
		log.Printf("[relaybot] reply to chat %d failed: %v", chatID, err)
	}
}

func (b *bot) ack(ctx context.Context, callbackID string) {
	if err := b.client.AnswerCallbackQuery(ctx, callbackID); err != nil {
		log.Printf("[relaybot] callback ack failed: %v", err)
	}
}
