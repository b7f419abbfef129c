// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatch runs the message pipeline: sanitize the request, build
// the prompt context, call the completion backend with retries, format the
// reply, and deliver it in bounded segments.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/relaybot/internal/format"
	"github.com/jeranaias/relaybot/internal/history"
	"github.com/jeranaias/relaybot/internal/llm"
	"github.com/jeranaias/relaybot/internal/prompt"
	"github.com/jeranaias/relaybot/internal/sanitize"
	"github.com/jeranaias/relaybot/internal/segment"
	"github.com/jeranaias/relaybot/internal/telemetry"
)

// Retry policy for transient completion failures.
const (
	maxAttempts      = 3
	initialRetryWait = time.Second
)

// ErrPolicyRejected indicates the request was refused by the sanitizer
// before any completion call was made.
var ErrPolicyRejected = errors.New("request rejected by policy")

// RefusalMessage is sent to the user when their request is refused.
const RefusalMessage = "I can't help with that request."

// Sender delivers replies to the user.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string, rich bool) error
	SendTyping(ctx context.Context, chatID int64) error
}

// Completer produces chat completions. *llm.Client satisfies this.
type Completer interface {
	Chat(ctx context.Context, model string, messages []history.Turn, temperature float64) (*llm.Completion, error)
}

// Request carries one user message through the pipeline.
type Request struct {
	UserID      int64
	ChatID      int64
	Text        string
	Model       string
	Temperature float64
}

// Config holds the dispatcher's fixed parameters.
type Config struct {
	SystemPrompt    string
	MaxHistoryChars int
	ChunkSize       int
	// RetryWait overrides the initial retry backoff (tests shorten it).
	RetryWait time.Duration
}

// Dispatcher coordinates the reply pipeline. One in-flight request per
// user at a time; requests from different users proceed concurrently.
type Dispatcher struct {
	store     *history.Store
	completer Completer
	sender    Sender
	recorder  *telemetry.Recorder
	cfg       Config

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New creates a dispatcher. recorder may be nil to disable usage accounting.
func New(store *history.Store, completer Completer, sender Sender, recorder *telemetry.Recorder, cfg Config) *Dispatcher {
	if cfg.MaxHistoryChars <= 0 {
		cfg.MaxHistoryChars = prompt.DefaultMaxChars
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = segment.DefaultChunkSize
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = initialRetryWait
	}
	return &Dispatcher{
		store:     store,
		completer: completer,
		sender:    sender,
		recorder:  recorder,
		cfg:       cfg,
		locks:     make(map[int64]*sync.Mutex),
	}
}

// userLock returns the per-user mutex, creating it on first use.
func (d *Dispatcher) userLock(userID int64) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()

	lock, ok := d.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[userID] = lock
	}
	return lock
}

// HandleMessage runs one user message through the full pipeline and sends
// the reply. Errors are reported to the user as a generic message; the
// returned error carries the detail for the caller's log.
func (d *Dispatcher) HandleMessage(ctx context.Context, req Request) error {
	lock := d.userLock(req.UserID)
	lock.Lock()
	defer lock.Unlock()

	requestID := uuid.NewString()

	// Refuse before anything touches history or the network.
	if !sanitize.IsRequestSafe(req.Text) {
		log.Printf("[dispatch] request %s from user %d refused by policy", requestID, req.UserID)
		d.record(requestID, req, nil, telemetry.OutcomeRefused)
		if err := d.sender.Send(ctx, req.ChatID, RefusalMessage, false); err != nil {
			return fmt.Errorf("failed to send refusal: %w", err)
		}
		return ErrPolicyRejected
	}

	text, redacted := sanitize.Redact(req.Text)
	if redacted > 0 {
		log.Printf("[dispatch] request %s: redacted %d credential(s)", requestID, redacted)
	}

	d.store.Append(req.UserID, history.RoleUser, text)
	messages := prompt.Build(d.store, req.UserID, d.cfg.SystemPrompt, d.cfg.MaxHistoryChars)

	completion, err := d.completeWithRetry(ctx, req, messages)
	if err != nil {
		outcome := telemetry.OutcomeError
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			outcome = telemetry.OutcomeCanceled
		}
		d.record(requestID, req, nil, outcome)
		if sendErr := d.sender.Send(ctx, req.ChatID, UserMessage(err), false); sendErr != nil {
			log.Printf("[dispatch] request %s: failed to send error notice: %v", requestID, sendErr)
		}
		return fmt.Errorf("completion failed: %w", err)
	}

	// A canceled context means the user is gone; do not commit the reply.
	if ctx.Err() != nil {
		d.record(requestID, req, completion, telemetry.OutcomeCanceled)
		return ctx.Err()
	}

	d.store.Append(req.UserID, history.RoleAssistant, completion.Content)
	d.record(requestID, req, completion, telemetry.OutcomeOK)

	return d.deliver(ctx, req.ChatID, completion.Content)
}

// completeWithRetry calls the backend, retrying transient failures with
// doubling backoff. Auth failures, exhausted quota, and context errors are
// returned immediately.
func (d *Dispatcher) completeWithRetry(ctx context.Context, req Request, messages []history.Turn) (*llm.Completion, error) {
	wait := d.cfg.RetryWait
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		completion, err := d.completer.Chat(ctx, req.Model, messages, req.Temperature)
		if err == nil {
			return completion, nil
		}
		lastErr = err

		if !isTransient(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}

		log.Printf("[dispatch] attempt %d/%d failed (%v), retrying in %s", attempt, maxAttempts, err, wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return nil, lastErr
}

// isTransient reports whether a completion error is worth retrying.
func isTransient(err error) bool {
	if errors.Is(err, llm.ErrAuthFailed) ||
		errors.Is(err, llm.ErrQuotaExhausted) ||
		errors.Is(err, llm.ErrNotConfigured) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var httpErr *llm.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500
	}

	// Malformed responses and transport failures are transient.
	return true
}

// deliver formats the reply and sends it in bounded segments. Segments
// whose markup survives intact are sent rich; the rest go as plain text.
func (d *Dispatcher) deliver(ctx context.Context, chatID int64, content string) error {
	html := format.ToHTML(content)
	chunks := segment.Split(html, d.cfg.ChunkSize)

	for _, chunk := range chunks {
		if chunk == "" {
			continue
		}
		if err := d.sender.Send(ctx, chatID, chunk, format.SafeForMarkup(chunk)); err != nil {
			return fmt.Errorf("failed to deliver reply segment: %w", err)
		}
	}
	return nil
}

// record writes a usage entry when accounting is enabled.
func (d *Dispatcher) record(requestID string, req Request, completion *llm.Completion, outcome string) {
	if d.recorder == nil {
		return
	}
	rec := telemetry.Record{
		RequestID: requestID,
		UserID:    req.UserID,
		Model:     req.Model,
		Outcome:   outcome,
	}
	if completion != nil {
		rec.PromptTokens = completion.PromptTokens
		rec.CompletionTokens = completion.CompletionTokens
	}
	if err := d.recorder.Record(rec); err != nil {
		log.Printf("[dispatch] failed to record usage for request %s: %v", requestID, err)
	}
}

// UserMessage maps a pipeline error to the generic text shown to the user.
// Provider detail never reaches the chat.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, llm.ErrAuthFailed):
		return "The bot is misconfigured. Please contact the operator."
	case errors.Is(err, llm.ErrQuotaExhausted), errors.Is(err, llm.ErrRateLimited):
		return "The service is busy right now. Please try again in a minute."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "The request took too long. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}
