// ABOUTME: Tests for the Discord sender and gateway URL resolver
// ABOUTME: Uses a recording fake of the REST client

package discord

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-bot/internal/chat"
	"github.com/2389/coven-bot/internal/gateway"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentCall struct {
	channelID string
	msg       *discordgo.MessageSend
}

type fakeClient struct {
	mu        sync.Mutex
	sent      []sentCall
	deleted   []string
	dmOpens   int
	sendErr   error
	response  []byte
	requested string
}

func (f *fakeClient) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, sentCall{channelID: channelID, msg: data})
	return &discordgo.Message{ID: "sent-" + string(rune('0'+len(f.sent))), ChannelID: channelID}, nil
}

func (f *fakeClient) ChannelMessageDelete(channelID, messageID string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, channelID+"/"+messageID)
	return nil
}

func (f *fakeClient) UserChannelCreate(recipientID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dmOpens++
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func (f *fakeClient) Request(method, urlStr string, _ any, _ ...discordgo.RequestOption) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = method + " " + urlStr
	return f.response, nil
}

func TestSender_TextWithReply(t *testing.T) {
	client := &fakeClient{}
	s := NewSender(client, testLogger())

	results, err := s.Send(context.Background(),
		chat.Target{BotID: "bot1", ChannelID: "c1", GuildID: "g1", ReplyToID: "m1"},
		chat.NewChain().Text("hi ").Mention("u1").Text(" ").Mention("").Face("", "wave").Face("123", "blob"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "sent-1", results[0].ID())

	require.Len(t, client.sent, 1)
	call := client.sent[0]
	assert.Equal(t, "c1", call.channelID)
	assert.Equal(t, "hi <@u1> @everyone:wave:<:blob:123>", call.msg.Content)
	require.NotNil(t, call.msg.Reference)
	assert.Equal(t, "m1", call.msg.Reference.MessageID)
	assert.Equal(t, "g1", call.msg.Reference.GuildID)
	require.NotNil(t, call.msg.Reference.FailIfNotExists)
	assert.False(t, *call.msg.Reference.FailIfNotExists)
}

func TestSender_EmbedsAndFiles(t *testing.T) {
	client := &fakeClient{}
	s := NewSender(client, testLogger())

	chain := chat.NewChain().
		ImageURL("https://img.test/a.png").
		ImageBytes("", []byte{1, 2, 3}).
		Voice(chat.Voice{Data: []byte{4}, Filename: "hello.ogg"}).
		Card(chat.Card{Title: "T", Description: "D", Color: 0xff0000, Fields: []chat.CardField{{Name: "k", Value: "v", Inline: true}}})

	_, err := s.Send(context.Background(), chat.Target{ChannelID: "c1"}, chain)
	require.NoError(t, err)
	require.Len(t, client.sent, 1)
	msg := client.sent[0].msg

	assert.Empty(t, msg.Content)
	assert.Nil(t, msg.Reference)
	require.Len(t, msg.Embeds, 2)
	assert.Equal(t, "https://img.test/a.png", msg.Embeds[0].Image.URL)
	assert.Equal(t, "T", msg.Embeds[1].Title)
	assert.Equal(t, 0xff0000, msg.Embeds[1].Color)
	require.Len(t, msg.Embeds[1].Fields, 1)
	assert.True(t, msg.Embeds[1].Fields[0].Inline)

	require.Len(t, msg.Files, 2)
	assert.Equal(t, "image.png", msg.Files[0].Name)
	assert.Equal(t, "hello.ogg", msg.Files[1].Name)
	data, err := io.ReadAll(msg.Files[0].Reader)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestSender_SplitsLongContent(t *testing.T) {
	client := &fakeClient{}
	s := NewSender(client, testLogger())

	long := strings.Repeat("a", MaxContentRunes) + strings.Repeat("b", 10)
	results, err := s.Send(context.Background(),
		chat.Target{ChannelID: "c1", ReplyToID: "m1"},
		chat.NewChain().Text(long).Card(chat.Card{Title: "last"}))
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Len(t, client.sent, 2)

	first, second := client.sent[0].msg, client.sent[1].msg
	assert.Len(t, []rune(first.Content), MaxContentRunes)
	assert.NotNil(t, first.Reference)
	assert.Empty(t, first.Embeds)
	assert.Equal(t, strings.Repeat("b", 10), second.Content)
	assert.Nil(t, second.Reference)
	assert.Len(t, second.Embeds, 1)
}

func TestSplitContent_PrefersNewlines(t *testing.T) {
	text := strings.Repeat("x", 8) + "\n" + strings.Repeat("y", 5)
	parts := splitContent(text, 10)
	assert.Equal(t, []string{strings.Repeat("x", 8) + "\n", strings.Repeat("y", 5)}, parts)

	assert.Nil(t, splitContent("", 10))
	assert.Equal(t, []string{"héllo"}, splitContent("héllo", 10))
}

func TestSender_DirectOpensChannelOnce(t *testing.T) {
	client := &fakeClient{}
	s := NewSender(client, testLogger())
	target := chat.Target{Direct: true, UserID: "u1"}

	for range 2 {
		_, err := s.Send(context.Background(), target, chat.NewChain().Text("psst"))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, client.dmOpens)
	assert.Equal(t, "dm-u1", client.sent[1].channelID)
}

func TestSender_ValidatesTargetBeforeIO(t *testing.T) {
	client := &fakeClient{}
	s := NewSender(client, testLogger())

	_, err := s.Send(context.Background(), chat.Target{BotID: "bot1"}, chat.NewChain().Text("x"))
	assert.ErrorIs(t, err, chat.ErrMissingScope)
	assert.Empty(t, client.sent)

	results, err := s.Send(context.Background(), chat.Target{ChannelID: "c1"}, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSender_SendErrorAndRecall(t *testing.T) {
	client := &fakeClient{}
	s := NewSender(client, testLogger())

	results, err := s.Send(context.Background(), chat.Target{ChannelID: "c1"}, chat.NewChain().Text("x"))
	require.NoError(t, err)
	require.NoError(t, results[0].Recall(context.Background()))
	assert.Equal(t, []string{"c1/sent-1"}, client.deleted)

	client.sendErr = errors.New("rate limited")
	_, err = s.Send(context.Background(), chat.Target{ChannelID: "c1"}, chat.NewChain().Text("x"))
	assert.ErrorContains(t, err, "rate limited")
}

func TestURLResolver(t *testing.T) {
	client := &fakeClient{response: []byte(`{"url":"wss://gateway.discord.gg","shards":3}`)}
	r := NewURLResolver(client, "https://discord.test/api/v10/")

	info, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gateway.Info{URL: "wss://gateway.discord.gg", Shards: 3}, info)
	assert.Equal(t, "GET https://discord.test/api/v10/gateway/bot", client.requested)

	client.response = []byte(`{"shards":1}`)
	_, err = r.Resolve(context.Background())
	assert.ErrorIs(t, err, gateway.ErrNoGatewayURL)

	client.response = []byte(`not json`)
	_, err = r.Resolve(context.Background())
	assert.Error(t, err)
}
