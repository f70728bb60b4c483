package discord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"lpwatch/internal/dex"
	"lpwatch/internal/lpmath"
	"lpwatch/internal/model"
	"lpwatch/internal/notify"
	"lpwatch/internal/storage"
	"lpwatch/internal/tracker"
)

// Service is what the command router needs from the tracker.
type Service interface {
	Protocols() []model.Protocol
	ResolveProtocol(input string) (model.Protocol, error)
	EnsureUser(ctx context.Context, discordID string) (model.User, error)
	Track(ctx context.Context, discordID string, protocol model.Protocol, positionID uint64) (notify.PositionView, error)
	Untrack(ctx context.Context, discordID string, protocol model.Protocol, positionID uint64) error
	UntrackAll(ctx context.Context, discordID string) (int64, error)
	Balance(ctx context.Context, discordID string, protocol model.Protocol) ([]notify.PositionView, error)
}

// DefaultCommandTimeout bounds the work done for a single chat command.
const DefaultCommandTimeout = 30 * time.Second

// Router parses "!" commands and produces replies.
type Router struct {
	svc     Service
	timeout time.Duration
	logger  *zap.Logger
}

// NewRouter creates a command router. A zero timeout uses DefaultCommandTimeout.
func NewRouter(svc Service, timeout time.Duration, logger *zap.Logger) *Router {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{svc: svc, timeout: timeout, logger: logger}
}

// Handle runs the command in content for authorID. ok is false when content
// is not a command this router answers.
func (r *Router) Handle(ctx context.Context, authorID, content string) (reply string, ok bool) {
	fields := strings.Fields(content)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "!") {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	command, args := strings.ToLower(fields[0]), fields[1:]
	logger := r.logger.With(zap.String("command", command), zap.String("discord_id", authorID))

	switch command {
	case "!help":
		return notify.HelpMessage(r.svc.Protocols()), true
	case "!balance":
		return r.balance(ctx, logger, authorID, args), true
	case "!track":
		return r.track(ctx, logger, authorID, args), true
	case "!untrack":
		return r.untrack(ctx, logger, authorID, args), true
	case "!untrackall":
		return r.untrackAll(ctx, logger, authorID), true
	default:
		return "", false
	}
}

func (r *Router) balance(ctx context.Context, logger *zap.Logger, authorID string, args []string) string {
	if len(args) < 1 {
		return "Usage: !balance <protocol>"
	}
	protocol, err := r.svc.ResolveProtocol(args[0])
	if err != nil {
		return notify.InvalidProtocol(r.svc.Protocols())
	}
	if _, err := r.svc.EnsureUser(ctx, authorID); err != nil {
		return r.failure(logger, err)
	}
	views, err := r.svc.Balance(ctx, authorID, protocol)
	if err != nil {
		return r.failure(logger, err)
	}
	return notify.FormatPositions(protocol, views)
}

func (r *Router) track(ctx context.Context, logger *zap.Logger, authorID string, args []string) string {
	protocol, positionID, reply, ok := r.positionArgs("!track", args)
	if !ok {
		return reply
	}
	view, err := r.svc.Track(ctx, authorID, protocol, positionID)
	switch {
	case err == nil:
		return fmt.Sprintf("Now tracking %s position #%d (%s).", notify.DisplayName(protocol), positionID, view.Status)
	case errors.Is(err, tracker.ErrAlreadyTracked):
		return fmt.Sprintf("Position #%d on %s is already tracked.", positionID, notify.DisplayName(protocol))
	case errors.Is(err, dex.ErrPositionNotFound):
		return fmt.Sprintf("Position #%d was not found on %s.", positionID, notify.DisplayName(protocol))
	case errors.Is(err, lpmath.ErrInvalidRange):
		return fmt.Sprintf("Position #%d has an invalid tick range.", positionID)
	default:
		return r.failure(logger, err)
	}
}

func (r *Router) untrack(ctx context.Context, logger *zap.Logger, authorID string, args []string) string {
	protocol, positionID, reply, ok := r.positionArgs("!untrack", args)
	if !ok {
		return reply
	}
	err := r.svc.Untrack(ctx, authorID, protocol, positionID)
	switch {
	case err == nil:
		return fmt.Sprintf("Stopped tracking %s position #%d.", notify.DisplayName(protocol), positionID)
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Sprintf("You are not tracking %s position #%d.", notify.DisplayName(protocol), positionID)
	default:
		return r.failure(logger, err)
	}
}

func (r *Router) untrackAll(ctx context.Context, logger *zap.Logger, authorID string) string {
	removed, err := r.svc.UntrackAll(ctx, authorID)
	if err != nil {
		return r.failure(logger, err)
	}
	if removed == 1 {
		return "Stopped tracking 1 position."
	}
	return fmt.Sprintf("Stopped tracking %d positions.", removed)
}

func (r *Router) positionArgs(command string, args []string) (model.Protocol, uint64, string, bool) {
	usage := "Usage: " + command + " <protocol> <position id>"
	if len(args) < 2 {
		return "", 0, usage, false
	}
	protocol, err := r.svc.ResolveProtocol(args[0])
	if err != nil {
		return "", 0, notify.InvalidProtocol(r.svc.Protocols()), false
	}
	positionID, err := strconv.ParseUint(strings.TrimPrefix(args[1], "#"), 10, 64)
	if err != nil {
		return "", 0, usage, false
	}
	return protocol, positionID, "", true
}

func (r *Router) failure(logger *zap.Logger, err error) string {
	logger.Error("command failed", zap.Error(err))
	return notify.GenericFailure
}

// OnMessageCreate is the discordgo handler for incoming messages.
func (r *Router) OnMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	reply, ok := r.Handle(context.Background(), m.Author.ID, m.Content)
	if !ok {
		return
	}
	for _, chunk := range splitMessage(reply, maxMessageLength) {
		if _, err := s.ChannelMessageSend(m.ChannelID, chunk); err != nil {
			r.logger.Warn("reply failed", zap.String("channel_id", m.ChannelID), zap.Error(err))
			return
		}
	}
}
