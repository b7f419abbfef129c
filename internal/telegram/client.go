// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telegram provides the Bot API client: long-poll update fetching
// and bounded-length message delivery with an HTML/plain fallback.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jeranaias/relaybot/internal/util"
)

// DefaultAPIBase is the Telegram Bot API endpoint prefix.
const DefaultAPIBase = "https://api.telegram.org/bot"

// MaxMessageLen is the Bot API text length limit per message.
const MaxMessageLen = 4096

// =============================================================================
// WIRE TYPES
// =============================================================================

// User identifies a Telegram account.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// Message is an incoming Telegram message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
}

// CallbackQuery is an inline-button press.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    *User    `json:"from,omitempty"`
	Data    string   `json:"data,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// InlineKeyboardButton is one pressable button in an inline keyboard.
type InlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
}

// InlineKeyboardMarkup is the reply_markup payload for inline keyboards.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// Update is one entry from getUpdates.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// envelope is the generic Bot API response wrapper.
type envelope struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// APIError is a Bot API call the server rejected (ok=false).
type APIError struct {
	Method      string
	Description string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed: %s", e.Method, e.Description)
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase    string
	httpClient *http.Client
}

// NewClient creates a client for the given bot token.
func NewClient(token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		apiBase: DefaultAPIBase + token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// WithAPIBase overrides the API base URL (tests point this at a fake).
// The token is appended by NewClient, so base must already include it.
func (c *Client) WithAPIBase(base string) *Client {
	c.apiBase = base
	return c
}

// GetUpdates long-polls the Bot API for new updates starting at offset.
// timeoutSec is the server-side long-poll window; the HTTP timeout must
// exceed it, which NewClient's default does for the usual 30s poll.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeoutSec))
	params.Set("allowed_updates", `["message","callback_query"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create getUpdates request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("getUpdates request failed: %w", err)
	}
	defer resp.Body.Close()

	env, err := readEnvelope(resp, "getUpdates")
	if err != nil {
		return nil, err
	}

	var updates []Update
	if err := json.Unmarshal(env.Result, &updates); err != nil {
		return nil, fmt.Errorf("failed to parse getUpdates result: %w", err)
	}
	return updates, nil
}

// sendMessagePayload is the JSON body for sendMessage.
type sendMessagePayload struct {
	ChatID      int64                 `json:"chat_id"`
	Text        string                `json:"text"`
	ParseMode   string                `json:"parse_mode,omitempty"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// Send delivers one bounded-length text block to a chat. When rich is true
// the text is sent with HTML parse mode; if Telegram rejects the markup the
// message is retried once as plain text so the reply is never lost to a
// formatting error.
func (c *Client) Send(ctx context.Context, chatID int64, text string, rich bool) error {
	if util.RuneLen(text) > MaxMessageLen {
		text = util.TruncateRunesNoEllipsis(text, MaxMessageLen)
	}

	parseMode := ""
	if rich {
		parseMode = "HTML"
	}
	err := c.sendMessage(ctx, sendMessagePayload{ChatID: chatID, Text: text, ParseMode: parseMode})
	if err == nil || !rich {
		return err
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	log.Printf("[telegram] HTML send rejected (%s), retrying as plain text", apiErr.Description)
	return c.sendMessage(ctx, sendMessagePayload{ChatID: chatID, Text: text})
}

func (c *Client) sendMessage(ctx context.Context, payload sendMessagePayload) error {
	return c.post(ctx, "sendMessage", payload)
}

// SendWithKeyboard delivers a plain-text message carrying an inline
// keyboard. Button presses come back as CallbackQuery updates with the
// buttons' callback_data values.
func (c *Client) SendWithKeyboard(ctx context.Context, chatID int64, text string, keyboard *InlineKeyboardMarkup) error {
	if util.RuneLen(text) > MaxMessageLen {
		text = util.TruncateRunesNoEllipsis(text, MaxMessageLen)
	}
	return c.sendMessage(ctx, sendMessagePayload{ChatID: chatID, Text: text, ReplyMarkup: keyboard})
}

// SendTyping shows the "typing..." chat action while a reply is generated.
func (c *Client) SendTyping(ctx context.Context, chatID int64) error {
	payload := struct {
		ChatID int64  `json:"chat_id"`
		Action string `json:"action"`
	}{ChatID: chatID, Action: "typing"}
	return c.post(ctx, "sendChatAction", payload)
}

// AnswerCallbackQuery acknowledges an inline-button press.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID string) error {
	if callbackID == "" {
		return nil
	}
	payload := struct {
		CallbackQueryID string `json:"callback_query_id"`
	}{CallbackQueryID: callbackID}
	return c.post(ctx, "answerCallbackQuery", payload)
}

// post sends one JSON-bodied Bot API call and checks the ok flag.
func (c *Client) post(ctx context.Context, method string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	_, err = readEnvelope(resp, method)
	return err
}

func readEnvelope(resp *http.Response, method string) (*envelope, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", method, err)
	}
	if !env.OK {
		return nil, &APIError{Method: method, Description: env.Description}
	}
	return &env, nil
}
