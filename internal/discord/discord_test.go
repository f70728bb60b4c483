package discord

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lpwatch/internal/dex"
	"lpwatch/internal/lpmath"
	"lpwatch/internal/model"
	"lpwatch/internal/monitor"
	"lpwatch/internal/notify"
	"lpwatch/internal/storage"
	"lpwatch/internal/tracker"
)

type fakeService struct {
	trackErr   error
	untrackErr error
	balanceErr error
	views      []notify.PositionView
	removed    int64

	tracked []uint64
	users   []string
}

func (f *fakeService) Protocols() []model.Protocol {
	return []model.Protocol{"cleo", "nile"}
}

func (f *fakeService) ResolveProtocol(input string) (model.Protocol, error) {
	switch p := strings.ToLower(input); p {
	case "cleo", "nile":
		return model.Protocol(p), nil
	}
	return "", tracker.ErrUnknownProtocol
}

func (f *fakeService) EnsureUser(_ context.Context, discordID string) (model.User, error) {
	f.users = append(f.users, discordID)
	return model.User{DiscordID: discordID}, nil
}

func (f *fakeService) Track(_ context.Context, _ string, _ model.Protocol, positionID uint64) (notify.PositionView, error) {
	if f.trackErr != nil {
		return notify.PositionView{}, f.trackErr
	}
	f.tracked = append(f.tracked, positionID)
	return notify.PositionView{Status: lpmath.InRange}, nil
}

func (f *fakeService) Untrack(context.Context, string, model.Protocol, uint64) error {
	return f.untrackErr
}

func (f *fakeService) UntrackAll(context.Context, string) (int64, error) {
	return f.removed, nil
}

func (f *fakeService) Balance(context.Context, string, model.Protocol) ([]notify.PositionView, error) {
	return f.views, f.balanceErr
}

func TestRouterIgnoresNonCommands(t *testing.T) {
	r := NewRouter(&fakeService{}, 0, nil)
	for _, content := range []string{"", "hello", "!unknown", "balance nile"} {
		_, ok := r.Handle(context.Background(), "u1", content)
		assert.False(t, ok, content)
	}
}

func TestRouterHelp(t *testing.T) {
	r := NewRouter(&fakeService{}, 0, nil)
	reply, ok := r.Handle(context.Background(), "u1", "!help")
	require.True(t, ok)
	assert.Contains(t, reply, "!track")
	assert.Contains(t, reply, "Available protocols: cleo, nile")
}

func TestRouterBalance(t *testing.T) {
	svc := &fakeService{}
	r := NewRouter(svc, 0, nil)

	reply, _ := r.Handle(context.Background(), "u1", "!balance")
	assert.Equal(t, "Usage: !balance <protocol>", reply)

	reply, _ = r.Handle(context.Background(), "u1", "!balance sushi")
	assert.Equal(t, "Invalid protocol. Available protocols: cleo, nile", reply)

	reply, _ = r.Handle(context.Background(), "u1", "!balance NILE")
	assert.Equal(t, "No positions found for Nile", reply)
	assert.Equal(t, []string{"u1"}, svc.users)

	svc.views = []notify.PositionView{{
		Position: model.Position{PositionID: 7, PoolAddress: "0xpool", TickLower: -10, TickUpper: 10},
		Status:   lpmath.InRange,
	}}
	reply, _ = r.Handle(context.Background(), "u1", "!balance nile")
	assert.Contains(t, reply, "Position #7")

	svc.balanceErr = errors.New("db down")
	reply, _ = r.Handle(context.Background(), "u1", "!balance nile")
	assert.Equal(t, notify.GenericFailure, reply)
}

func TestRouterTrack(t *testing.T) {
	tests := []struct {
		name    string
		content string
		err     error
		want    string
	}{
		{"ok", "!track nile 42", nil, "Now tracking Nile position #42 (in range)."},
		{"hash prefix", "!track nile #42", nil, "Now tracking Nile position #42 (in range)."},
		{"missing id", "!track nile", nil, "Usage: !track <protocol> <position id>"},
		{"bad id", "!track nile abc", nil, "Usage: !track <protocol> <position id>"},
		{"bad protocol", "!track sushi 1", nil, "Invalid protocol. Available protocols: cleo, nile"},
		{"duplicate", "!track nile 42", tracker.ErrAlreadyTracked, "Position #42 on Nile is already tracked."},
		{"burned", "!track nile 42", dex.ErrPositionNotFound, "Position #42 was not found on Nile."},
		{"range", "!track nile 42", &lpmath.InvalidRangeError{TickLower: 1, TickUpper: 1}, "Position #42 has an invalid tick range."},
		{"upstream", "!track nile 42", monitor.ErrUpstreamUnavailable, notify.GenericFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(&fakeService{trackErr: tt.err}, 0, nil)
			reply, ok := r.Handle(context.Background(), "u1", tt.content)
			require.True(t, ok)
			assert.Equal(t, tt.want, reply)
		})
	}
}

func TestRouterUntrack(t *testing.T) {
	svc := &fakeService{}
	r := NewRouter(svc, 0, nil)

	reply, _ := r.Handle(context.Background(), "u1", "!untrack cleo 3")
	assert.Equal(t, "Stopped tracking Cleo position #3.", reply)

	svc.untrackErr = storage.ErrNotFound
	reply, _ = r.Handle(context.Background(), "u1", "!untrack cleo 3")
	assert.Equal(t, "You are not tracking Cleo position #3.", reply)

	svc.removed = 1
	reply, _ = r.Handle(context.Background(), "u1", "!untrackall")
	assert.Equal(t, "Stopped tracking 1 position.", reply)

	svc.removed = 4
	reply, _ = r.Handle(context.Background(), "u1", "!UNTRACKALL")
	assert.Equal(t, "Stopped tracking 4 positions.", reply)
}

type fakeSession struct {
	opened  int
	sent    []string
	openErr error
	sendErr error
}

func (f *fakeSession) UserChannelCreate(recipientID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened++
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func (f *fakeSession) ChannelMessageSend(channelID string, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, channelID+":"+content)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func TestNotifierReusesChannel(t *testing.T) {
	session := &fakeSession{}
	n := NewNotifier(session, nil)

	require.NoError(t, n.SendDirectMessage(context.Background(), "u1", "one"))
	require.NoError(t, n.SendDirectMessage(context.Background(), "u1", "two"))
	assert.Equal(t, 1, session.opened)
	assert.Equal(t, []string{"dm-u1:one", "dm-u1:two"}, session.sent)
}

func TestNotifierWrapsFailures(t *testing.T) {
	session := &fakeSession{openErr: errors.New("forbidden")}
	n := NewNotifier(session, nil)
	err := n.SendDirectMessage(context.Background(), "u1", "hi")
	assert.ErrorIs(t, err, monitor.ErrNotificationDeliveryFailed)

	session.openErr = nil
	session.sendErr = errors.New("rate limited")
	err = n.SendDirectMessage(context.Background(), "u1", "hi")
	assert.ErrorIs(t, err, monitor.ErrNotificationDeliveryFailed)

	session.sendErr = nil
	require.NoError(t, n.SendDirectMessage(context.Background(), "u1", "hi"))
	assert.Equal(t, 2, session.opened)
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))

	chunks := splitMessage("aaaa\nbbbb\ncccc\n", 10)
	assert.Equal(t, []string{"aaaa\nbbbb", "cccc"}, chunks)

	chunks = splitMessage(strings.Repeat("x", 25), 10)
	assert.Equal(t, []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}, chunks)
}

func TestSplitMessageKeepsRunesWhole(t *testing.T) {
	chunks := splitMessage(strings.Repeat("é", 25), 10)
	require.Len(t, chunks, 3)
	assert.Equal(t, []string{strings.Repeat("é", 10), strings.Repeat("é", 10), strings.Repeat("é", 5)}, chunks)
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c))
	}

	assert.Equal(t, []string{"ééé"}, splitMessage("ééé", 3), "limit counts characters, not bytes")

	chunks = splitMessage("🚀🚀🚀\nabc", 4)
	assert.Equal(t, []string{"🚀🚀🚀", "abc"}, chunks)
}
