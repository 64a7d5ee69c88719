// Package chat runs the IRC consumer: a bot that joins its channels with a
// managed OAuth token and reconnects whenever the token rotates. The wire
// protocol itself lives in go-twitch-irc; this package only feeds it fresh
// credentials.
package chat

import (
	"context"
	"log/slog"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/cred-tender/oauth"
)

const reconnectDelay = 10 * time.Second

// Bot keeps one bot account connected to a set of channels.
type Bot struct {
	mgr      *oauth.Manager
	username string
	channels []string
	rotated  chan struct{}
}

// NewBot creates a Bot for the given account and channels.
func NewBot(mgr *oauth.Manager, username string, channels []string) *Bot {
	return &Bot{
		mgr:      mgr,
		username: username,
		channels: channels,
		rotated:  make(chan struct{}, 1),
	}
}

// TokenRotated is the manager rotation hook: a rotation for this bot's account
// forces a reconnect so IRC authenticates with the new token.
func (b *Bot) TokenRotated(username, _ string) {
	if !strings.EqualFold(username, b.username) {
		return
	}
	select {
	case b.rotated <- struct{}{}:
	default:
	}
}

// Run connects and stays connected until ctx is cancelled. A bot that cannot
// get a fresh token degrades by waiting and retrying; it never crashes the process.
func (b *Bot) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		token, ok := b.mgr.GetFreshToken(ctx, b.username)
		if !ok {
			slog.Warn("chat: no fresh token, waiting", slog.String("user", b.username))
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		client := twitch.NewClient(b.username, "oauth:"+strings.TrimPrefix(token, "oauth:"))
		client.OnConnect(func() {
			slog.Info("chat: connected", slog.String("user", b.username), slog.Any("channels", b.channels))
		})
		client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
			slog.Debug("chat: message",
				slog.String("channel", msg.Channel),
				slog.String("from", msg.User.Name))
		})

		connDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
			case <-b.rotated:
				slog.Info("chat: token rotated, reconnecting", slog.String("user", b.username))
			case <-connDone:
				return
			}
			client.Disconnect()
		}()

		for _, ch := range b.channels {
			client.Join(ch)
		}
		if err := client.Connect(); err != nil && ctx.Err() == nil {
			slog.Error("chat: connect error", slog.String("user", b.username), slog.Any("err", err))
		}
		close(connDone)
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
