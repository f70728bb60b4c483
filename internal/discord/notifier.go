package discord

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"lpwatch/internal/monitor"
)

// maxMessageLength is Discord's per-message character limit.
const maxMessageLength = 2000

// Session is the part of *discordgo.Session the notifier uses.
type Session interface {
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Notifier delivers direct messages to users.
type Notifier struct {
	session Session
	logger  *zap.Logger

	mu       sync.Mutex
	channels map[string]string
}

// NewNotifier creates a notifier over session.
func NewNotifier(session Session, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		session:  session,
		logger:   logger,
		channels: make(map[string]string),
	}
}

// SendDirectMessage opens (or reuses) the DM channel and sends text,
// split into chunks that fit a single message.
func (n *Notifier) SendDirectMessage(ctx context.Context, discordID, text string) error {
	channelID, err := n.channel(ctx, discordID)
	if err != nil {
		return err
	}
	for _, chunk := range splitMessage(text, maxMessageLength) {
		if _, err := n.session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			n.forget(discordID)
			return fmt.Errorf("%w: send to %s: %w", monitor.ErrNotificationDeliveryFailed, discordID, err)
		}
	}
	return nil
}

func (n *Notifier) channel(ctx context.Context, discordID string) (string, error) {
	n.mu.Lock()
	channelID, ok := n.channels[discordID]
	n.mu.Unlock()
	if ok {
		return channelID, nil
	}

	ch, err := n.session.UserChannelCreate(discordID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("%w: open dm with %s: %w", monitor.ErrNotificationDeliveryFailed, discordID, err)
	}
	n.mu.Lock()
	n.channels[discordID] = ch.ID
	n.mu.Unlock()
	n.logger.Debug("dm channel opened", zap.String("discord_id", discordID), zap.String("channel_id", ch.ID))
	return ch.ID, nil
}

func (n *Notifier) forget(discordID string) {
	n.mu.Lock()
	delete(n.channels, discordID)
	n.mu.Unlock()
}

// splitMessage breaks text on line boundaries so no chunk exceeds limit
// characters. Single lines longer than limit are cut between runes.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var (
		chunks []string
		b      strings.Builder
		runes  int
	)
	flush := func() {
		if b.Len() > 0 {
			chunks = append(chunks, strings.TrimRight(b.String(), "\n"))
			b.Reset()
			runes = 0
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		n := utf8.RuneCountInString(line)
		for n > limit {
			flush()
			head, tail := splitRunes(line, limit)
			chunks = append(chunks, head)
			line = tail
			n -= limit
		}
		if runes+n > limit {
			flush()
		}
		b.WriteString(line)
		runes += n
	}
	flush()
	return chunks
}

// splitRunes returns the first n runes of s and the rest.
func splitRunes(s string, n int) (string, string) {
	i := 0
	for ; n > 0 && i < len(s); n-- {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[:i], s[i:]
}
