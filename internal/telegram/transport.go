// Package telegram connects the orchestrator to the Telegram Bot API via
// long polling and executes rendered outbound requests against it.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/brewva/brewva/internal/config"
	"github.com/brewva/brewva/internal/projector"
)

const (
	defaultPollTimeoutSec = 30

	// Bot API global ceiling is ~30 messages/second; stay under it.
	sendRatePerSec = 25
	sendBurst      = 5
)

// UpdateHandler receives every update the polling loop pulls in. It runs on
// the polling goroutine, so long work must be handed off.
type UpdateHandler func(ctx context.Context, update telego.Update)

// Transport owns the bot connection. Inbound updates flow to the handler,
// outbound turns go through Send.
type Transport struct {
	bot     *telego.Bot
	cfg     config.TelegramConfig
	handler UpdateHandler
	limiter *rate.Limiter

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New builds a transport from config. The bot token is validated lazily by
// the provider on the first API call.
func New(cfg config.TelegramConfig, handler UpdateHandler) (*Transport, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Transport{
		bot:     bot,
		cfg:     cfg,
		handler: handler,
		limiter: rate.NewLimiter(rate.Limit(sendRatePerSec), sendBurst),
	}, nil
}

// Username returns the authenticated bot's username, used to strip
// "@botname" suffixes from commands.
func (t *Transport) Username() string {
	return t.bot.Username()
}

// Start begins long polling for updates. Stop cancels the polling context
// and waits for the loop to exit.
func (t *Transport) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	t.pollCancel = cancel
	t.pollDone = make(chan struct{})

	timeout := t.cfg.PollTimeoutSec
	if timeout <= 0 {
		timeout = defaultPollTimeoutSec
	}

	var pollOpts []telego.LongPollingOption
	if t.cfg.RetryDelayMs > 0 {
		pollOpts = append(pollOpts,
			telego.WithLongPollingRetryTimeout(time.Duration(t.cfg.RetryDelayMs)*time.Millisecond))
	}

	updates, err := t.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout: timeout,
		AllowedUpdates: []string{
			"message",
			"edited_message",
			"callback_query",
		},
	}, pollOpts...)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	slog.Info("telegram bot connected", "username", t.bot.Username())

	// Register bot menu commands with retry.
	go func() {
		commands := MenuCommands()
		for attempt := 1; attempt <= 3; attempt++ {
			if err := t.syncMenuCommands(pollCtx, commands); err != nil {
				slog.Warn("failed to sync telegram menu commands", "error", err, "attempt", attempt)
				if attempt < 3 {
					select {
					case <-pollCtx.Done():
						return
					case <-time.After(time.Duration(attempt*5) * time.Second):
					}
				}
			} else {
				slog.Info("telegram menu commands synced")
				return
			}
		}
	}()

	go func() {
		defer close(t.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				t.handler(pollCtx, update)
			}
		}
	}()

	return nil
}

// Stop cancels long polling and waits for the goroutine to exit so that
// Telegram releases the getUpdates lock before a new instance starts.
func (t *Transport) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")

	if t.pollCancel != nil {
		t.pollCancel()
	}
	if t.pollDone != nil {
		select {
		case <-t.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// Send executes rendered requests in order, throttled under the provider's
// global rate ceiling. A failed request does not stop the rest; all failures
// come back joined.
func (t *Transport) Send(ctx context.Context, requests []projector.OutboundRequest) error {
	var errs []error
	for i, req := range requests {
		if err := t.limiter.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		if err := t.sendOne(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("request %d (%s): %w", i, req.Method, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) sendOne(ctx context.Context, req projector.OutboundRequest) error {
	switch req.Method {
	case "sendMessage":
		_, err := t.bot.SendMessage(ctx, req.Message)
		return err
	case "sendPhoto":
		_, err := t.bot.SendPhoto(ctx, req.Photo)
		return err
	case "sendDocument":
		_, err := t.bot.SendDocument(ctx, req.Document)
		return err
	default:
		return fmt.Errorf("unknown outbound method %q", req.Method)
	}
}

// SendTyping fires a typing chat action. Best effort: Telegram clears the
// indicator on its own and a miss is invisible to the user.
func (t *Transport) SendTyping(ctx context.Context, chatID int64, threadID int) {
	action := tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)
	action.MessageThreadID = threadID
	if err := t.bot.SendChatAction(ctx, action); err != nil {
		slog.Debug("typing indicator failed", "chat_id", chatID, "error", err)
	}
}

// AnswerCallback acknowledges a callback query so the client stops showing
// the button spinner. Text, when set, shows as a toast.
func (t *Transport) AnswerCallback(ctx context.Context, callbackQueryID, text string) {
	err := t.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: callbackQueryID,
		Text:            text,
	})
	if err != nil {
		slog.Debug("answer callback query failed", "callback_query_id", callbackQueryID, "error", err)
	}
}

// syncMenuCommands registers bot commands with Telegram via setMyCommands.
func (t *Transport) syncMenuCommands(ctx context.Context, commands []telego.BotCommand) error {
	if err := t.bot.DeleteMyCommands(ctx, nil); err != nil {
		slog.Debug("deleteMyCommands failed (may not exist)", "error", err)
	}
	if len(commands) == 0 {
		return nil
	}
	return t.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{
		Commands: commands,
	})
}

// MenuCommands returns the bot menu entries. Telegram's menu only accepts
// [a-z0-9_] command names, so the hyphenated forms register under their
// underscore aliases.
func MenuCommands() []telego.BotCommand {
	return []telego.BotCommand{
		{Command: "agents", Description: "List agents in this chat"},
		{Command: "new_agent", Description: "Create an agent"},
		{Command: "del_agent", Description: "Delete an agent"},
		{Command: "focus", Description: "Set the default agent for this chat"},
		{Command: "run", Description: "Fan a task out to several agents"},
		{Command: "discuss", Description: "Start a round-robin discussion"},
		{Command: "status", Description: "Show orchestrator status"},
		{Command: "help", Description: "Show available commands"},
	}
}
