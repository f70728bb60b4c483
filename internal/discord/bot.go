// Package discord connects the service to Discord: outgoing direct
// messages and incoming "!" commands.
package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Bot owns the gateway session.
type Bot struct {
	session  *discordgo.Session
	Notifier *Notifier
}

// Open connects to the gateway with token and routes messages to router.
func Open(token string, router *Router, logger *zap.Logger) (*Bot, error) {
	if token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(router.OnMessageCreate)
	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		logger.Info("discord connected", zap.String("user", r.User.Username), zap.Int("guilds", len(r.Guilds)))
	})

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("open discord gateway: %w", err)
	}
	return &Bot{session: session, Notifier: NewNotifier(session, logger)}, nil
}

// Close disconnects from the gateway.
func (b *Bot) Close() error {
	return b.session.Close()
}
