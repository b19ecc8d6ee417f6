package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"postbot/internal/storage"
)

const (
	TelegramMaxText    = 4096
	TelegramMaxCaption = 1024
)

type TelegramConfig struct {
	APIBase string // default https://api.telegram.org
	HTTP    HTTPConfig
}

// Telegram sends posts to a chat or channel. The account's AccessToken is the
// bot token and ExternalAccountID is the chat id.
type Telegram struct {
	cfg  TelegramConfig
	http *http.Client
}

func NewTelegram(cfg TelegramConfig, hc *http.Client) *Telegram {
	if cfg.APIBase == "" {
		cfg.APIBase = tele.DefaultApiURL
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Telegram{cfg: cfg, http: hc}
}

func (t *Telegram) Platform() storage.Platform { return storage.PlatformTelegram }

func (t *Telegram) Post(ctx context.Context, acct storage.Account, msg Message) (Result, error) {
	n := utf8.RuneCountInString(msg.Content)
	if msg.MediaURL != "" && n > TelegramMaxCaption {
		return Result{}, &ValidationError{Platform: "telegram", Reason: fmt.Sprintf("caption exceeds %d characters (%d)", TelegramMaxCaption, n)}
	}
	if n > TelegramMaxText {
		return Result{}, &ValidationError{Platform: "telegram", Reason: fmt.Sprintf("message exceeds %d characters (%d)", TelegramMaxText, n)}
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(acct.ExternalAccountID), 10, 64)
	if err != nil {
		return Result{}, &ValidationError{Platform: "telegram", Reason: "external account id is not a chat id"}
	}
	if acct.AccessToken == "" {
		return Result{}, &ValidationError{Platform: "telegram", Reason: "account has no bot token"}
	}

	// Offline skips getMe; the client binds ctx since telebot calls take none.
	bot, err := tele.NewBot(tele.Settings{
		URL:     t.cfg.APIBase,
		Token:   acct.AccessToken,
		Client:  withContext(ctx, t.http),
		Offline: true,
	})
	if err != nil {
		return Result{}, &DeliveryError{Platform: "telegram", Op: "bot.init", Err: err}
	}

	chat := &tele.Chat{ID: chatID}
	var what any = msg.Content
	if msg.MediaURL != "" {
		what = &tele.Photo{File: tele.FromURL(msg.MediaURL), Caption: msg.Content}
	}
	sent, err := bot.Send(chat, what)
	if err != nil {
		return Result{}, telegramError(err)
	}
	return Result{ExternalID: strconv.Itoa(sent.ID)}, nil
}

func telegramError(err error) error {
	var te *tele.Error
	if errors.As(err, &te) {
		return &DeliveryError{Platform: "telegram", Op: "send", Status: te.Code, Message: te.Description, Err: err}
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &DeliveryError{Platform: "telegram", Op: "send", Status: http.StatusTooManyRequests, Message: fe.Error(), Err: err}
	}
	return &DeliveryError{Platform: "telegram", Op: "send", Err: err}
}
