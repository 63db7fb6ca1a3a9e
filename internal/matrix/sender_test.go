// ABOUTME: Tests for the Matrix sender
// ABOUTME: Checks body/HTML rendering, media uploads, replies, and redaction

package matrix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-bot/internal/chat"
)

type sentEventCall struct {
	room    id.RoomID
	content *event.MessageEventContent
}

type fakeClient struct {
	mu        sync.Mutex
	sent      []sentEventCall
	uploads   []string
	redacted  []id.EventID
	uploadErr error
}

func (f *fakeClient) SendMessageEvent(_ context.Context, roomID id.RoomID, _ event.Type, contentJSON any, _ ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, _ := contentJSON.(*event.MessageEventContent)
	f.sent = append(f.sent, sentEventCall{room: roomID, content: c})
	return &mautrix.RespSendEvent{EventID: id.EventID(fmt.Sprintf("$e%d", len(f.sent)))}, nil
}

func (f *fakeClient) UploadBytes(_ context.Context, data []byte, contentType string) (*mautrix.RespMediaUpload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploads = append(f.uploads, contentType)
	return &mautrix.RespMediaUpload{ContentURI: id.ContentURI{Homeserver: "matrix.test", FileID: fmt.Sprintf("f%d", len(f.uploads))}}, nil
}

func (f *fakeClient) RedactEvent(_ context.Context, _ id.RoomID, eventID id.EventID, _ ...mautrix.ReqRedact) (*mautrix.RespSendEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redacted = append(f.redacted, eventID)
	return &mautrix.RespSendEvent{}, nil
}

func newTestSender() (*Sender, *fakeClient) {
	client := &fakeClient{}
	return NewSender(client, slog.New(slog.NewTextHandler(io.Discard, nil))), client
}

var room = chat.Target{ChannelID: "!room:matrix.test"}

func TestSend_PlainTextHasNoFormattedBody(t *testing.T) {
	s, client := newTestSender()

	results, err := s.Send(context.Background(), room, chat.NewChain().Text("a < b").Face("", "wave"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "$e1", results[0].ID())

	c := client.sent[0].content
	assert.Equal(t, id.RoomID("!room:matrix.test"), client.sent[0].room)
	assert.Equal(t, event.MsgText, c.MsgType)
	assert.Equal(t, "a < b:wave:", c.Body)
	assert.Empty(t, c.FormattedBody)
	assert.Nil(t, c.RelatesTo)
}

func TestSend_MarkdownAndMention(t *testing.T) {
	s, client := newTestSender()

	_, err := s.Send(context.Background(), room,
		chat.NewChain().Mention("@alice:matrix.test").Text(" ").Markdown("**done**"))
	require.NoError(t, err)

	c := client.sent[0].content
	assert.Equal(t, "@alice:matrix.test **done**", c.Body)
	assert.Equal(t, event.FormatHTML, c.Format)
	assert.Equal(t,
		`<a href="https://matrix.to/#/@alice:matrix.test">@alice:matrix.test</a> <p><strong>done</strong></p>`,
		c.FormattedBody)
}

func TestSend_Card(t *testing.T) {
	s, client := newTestSender()

	_, err := s.Send(context.Background(), room, chat.NewChain().Card(chat.Card{
		Title:       "Build",
		Description: "passed",
		URL:         "https://ci.test/1",
		Fields:      []chat.CardField{{Name: "time", Value: "3s"}},
	}))
	require.NoError(t, err)

	c := client.sent[0].content
	assert.Equal(t, "Build\npassed\ntime: 3s", c.Body)
	assert.Equal(t,
		`<blockquote><a href="https://ci.test/1"><strong>Build</strong></a><br>passed<br><strong>time</strong>: 3s</blockquote>`,
		c.FormattedBody)
}

func TestSend_MediaAndReply(t *testing.T) {
	s, client := newTestSender()
	target := room
	target.ReplyToID = "$orig"

	png := []byte("\x89PNG\r\n\x1a\n0000")
	results, err := s.Send(context.Background(), target, chat.NewChain().
		Text("look").
		ImageBytes("cat.png", png).
		ImageURL("mxc://matrix.test/existing").
		Voice(chat.Voice{URL: "https://audio.test/v.ogg"}))
	require.NoError(t, err)
	require.Len(t, results, 4)
	require.Len(t, client.sent, 4)

	text := client.sent[0].content
	require.NotNil(t, text.RelatesTo)
	assert.Equal(t, id.EventID("$orig"), text.RelatesTo.InReplyTo.EventID)

	img := client.sent[1].content
	assert.Equal(t, event.MsgImage, img.MsgType)
	assert.Equal(t, "cat.png", img.Body)
	assert.Equal(t, id.ContentURIString("mxc://matrix.test/f1"), img.URL)
	assert.Equal(t, "image/png", img.Info.MimeType)
	assert.Equal(t, len(png), img.Info.Size)
	assert.Nil(t, img.RelatesTo)

	existing := client.sent[2].content
	assert.Equal(t, id.ContentURIString("mxc://matrix.test/existing"), existing.URL)

	link := client.sent[3].content
	assert.Equal(t, event.MsgText, link.MsgType)
	assert.Equal(t, "https://audio.test/v.ogg", link.Body)

	assert.Equal(t, []string{"image/png"}, client.uploads)
}

func TestSend_MediaOnlyCarriesReply(t *testing.T) {
	s, client := newTestSender()
	target := room
	target.ReplyToID = "$orig"

	_, err := s.Send(context.Background(), target, chat.NewChain().ImageBytes("", []byte("GIF89a....")))
	require.NoError(t, err)
	require.Len(t, client.sent, 1)
	assert.Equal(t, "image", client.sent[0].content.Body)
	require.NotNil(t, client.sent[0].content.RelatesTo)
}

func TestSend_Errors(t *testing.T) {
	s, client := newTestSender()

	_, err := s.Send(context.Background(), chat.Target{}, chat.NewChain().Text("x"))
	assert.ErrorIs(t, err, chat.ErrMissingScope)

	_, err = s.Send(context.Background(), chat.Target{Direct: true, UserID: "@u:matrix.test"}, chat.NewChain().Text("x"))
	assert.ErrorIs(t, err, ErrNoRoom)

	client.uploadErr = errors.New("too large")
	_, err = s.Send(context.Background(), room, chat.NewChain().ImageBytes("a", []byte("x")))
	assert.ErrorContains(t, err, "too large")
	assert.Empty(t, client.sent, "nothing is sent when an upload fails")

	results, err := s.Send(context.Background(), room, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRecall_Redacts(t *testing.T) {
	s, client := newTestSender()

	results, err := s.Send(context.Background(), room, chat.NewChain().Text("oops"))
	require.NoError(t, err)
	require.NoError(t, results[0].Recall(context.Background()))
	assert.Equal(t, []id.EventID{"$e1"}, client.redacted)
}
