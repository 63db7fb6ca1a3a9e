// ABOUTME: Matrix implementation of chat.Sender using mautrix
// ABOUTME: Renders chains to plain body plus goldmark HTML and uploads inline media

package matrix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-bot/internal/chat"
)

// ErrNoRoom is returned for targets without a room id. Matrix direct chats
// are rooms too, so a bare user id cannot be addressed.
var ErrNoRoom = errors.New("matrix target needs a room id")

// Client is the subset of *mautrix.Client the sender uses.
type Client interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	UploadBytes(ctx context.Context, data []byte, contentType string) (*mautrix.RespMediaUpload, error)
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, extra ...mautrix.ReqRedact) (*mautrix.RespSendEvent, error)
}

var _ Client = (*mautrix.Client)(nil)

// NewClient creates a mautrix client authenticated with an access token.
func NewClient(homeserver, userID, accessToken string) (*mautrix.Client, error) {
	client, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return client, nil
}

// Sender implements chat.Sender for Matrix rooms.
type Sender struct {
	client Client
	md     goldmark.Markdown
	logger *slog.Logger
}

// NewSender creates a sender.
func NewSender(client Client, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		client: client,
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger: logger.With("component", "matrix.sender"),
	}
}

type sentEvent struct {
	client Client
	roomID id.RoomID
	id     id.EventID
}

func (e sentEvent) ID() string { return e.id.String() }

// Recall redacts the event.
func (e sentEvent) Recall(ctx context.Context) error {
	if _, err := e.client.RedactEvent(ctx, e.roomID, e.id); err != nil {
		return fmt.Errorf("redacting %s: %w", e.id, err)
	}
	return nil
}

// Send posts chain to the target room. The text event goes first and
// carries the reply relation; media events follow in chain order.
func (s *Sender) Send(ctx context.Context, target chat.Target, chain chat.Chain) ([]chat.SendResult, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if target.ChannelID == "" {
		return nil, ErrNoRoom
	}
	if chain.Empty() {
		return nil, nil
	}
	roomID := id.RoomID(target.ChannelID)

	text, media, err := s.render(chain)
	if err != nil {
		return nil, err
	}

	var contents []*event.MessageEventContent
	if text != nil {
		contents = append(contents, text)
	}
	for _, m := range media {
		c, err := s.mediaContent(ctx, m)
		if err != nil {
			return nil, err
		}
		contents = append(contents, c)
	}
	if len(contents) == 0 {
		return nil, nil
	}
	if target.ReplyToID != "" {
		contents[0].RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(target.ReplyToID)},
		}
	}

	var results []chat.SendResult
	for _, c := range contents {
		resp, err := s.client.SendMessageEvent(ctx, roomID, event.EventMessage, c)
		if err != nil {
			return results, fmt.Errorf("sending to room %s: %w", roomID, err)
		}
		results = append(results, sentEvent{client: s.client, roomID: roomID, id: resp.EventID})
	}

	s.logger.Debug("sent", "room", roomID.String(), "events", len(results))
	return results, nil
}

type mediaBlock struct {
	msgType  event.MessageType
	url      string
	data     []byte
	filename string
}

// render merges inline blocks into one text event and collects media.
// The formatted body is only set when some block needs HTML.
func (s *Sender) render(chain chat.Chain) (*event.MessageEventContent, []mediaBlock, error) {
	var body, formatted strings.Builder
	rich := false
	var media []mediaBlock

	for _, block := range chain {
		switch v := block.(type) {
		case chat.Text:
			body.WriteString(v.Content)
			formatted.WriteString(escape(v.Content))
		case chat.Markdown:
			var buf bytes.Buffer
			if err := s.md.Convert([]byte(v.Source), &buf); err != nil {
				return nil, nil, fmt.Errorf("rendering markdown: %w", err)
			}
			body.WriteString(v.Source)
			formatted.WriteString(strings.TrimSpace(buf.String()))
			rich = true
		case chat.Mention:
			if v.UserID == "" {
				body.WriteString("@room")
				formatted.WriteString("@room")
			} else {
				body.WriteString(v.UserID)
				fmt.Fprintf(&formatted, `<a href="https://matrix.to/#/%s">%s</a>`, html.EscapeString(v.UserID), html.EscapeString(v.UserID))
				rich = true
			}
		case chat.Face:
			body.WriteString(":" + v.Name + ":")
			formatted.WriteString(escape(":" + v.Name + ":"))
		case chat.Card:
			writeCard(&body, &formatted, v)
			rich = true
		case chat.Image:
			media = append(media, mediaBlock{msgType: event.MsgImage, url: v.URL, data: v.Data, filename: nameOr(v.Filename, "image")})
		case chat.Voice:
			media = append(media, mediaBlock{msgType: event.MsgAudio, url: v.URL, data: v.Data, filename: nameOr(v.Filename, "voice")})
		}
	}

	if body.Len() == 0 {
		return nil, media, nil
	}
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: body.String()}
	if rich {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted.String()
	}
	return content, media, nil
}

func writeCard(body, formatted *strings.Builder, c chat.Card) {
	if body.Len() > 0 {
		body.WriteString("\n")
	}
	body.WriteString(c.Title)
	if c.Description != "" {
		body.WriteString("\n" + c.Description)
	}
	for _, f := range c.Fields {
		body.WriteString("\n" + f.Name + ": " + f.Value)
	}

	formatted.WriteString("<blockquote>")
	title := "<strong>" + html.EscapeString(c.Title) + "</strong>"
	if c.URL != "" {
		title = `<a href="` + html.EscapeString(c.URL) + `">` + title + "</a>"
	}
	formatted.WriteString(title)
	if c.Description != "" {
		formatted.WriteString("<br>" + escape(c.Description))
	}
	for _, f := range c.Fields {
		formatted.WriteString("<br><strong>" + html.EscapeString(f.Name) + "</strong>: " + escape(f.Value))
	}
	formatted.WriteString("</blockquote>")
}

// mediaContent uploads inline data, or references an existing mxc URL.
// Other URLs are sent as a text link.
func (s *Sender) mediaContent(ctx context.Context, m mediaBlock) (*event.MessageEventContent, error) {
	if len(m.data) == 0 {
		if strings.HasPrefix(m.url, "mxc://") {
			return &event.MessageEventContent{MsgType: m.msgType, Body: m.filename, URL: id.ContentURIString(m.url)}, nil
		}
		return &event.MessageEventContent{MsgType: event.MsgText, Body: m.url}, nil
	}

	mime := http.DetectContentType(m.data)
	resp, err := s.client.UploadBytes(ctx, m.data, mime)
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w", m.filename, err)
	}
	return &event.MessageEventContent{
		MsgType:  m.msgType,
		Body:     m.filename,
		FileName: m.filename,
		URL:      resp.ContentURI.CUString(),
		Info:     &event.FileInfo{MimeType: mime, Size: len(m.data)},
	}, nil
}

func escape(s string) string {
	return strings.ReplaceAll(html.EscapeString(s), "\n", "<br>")
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

var _ chat.Sender = (*Sender)(nil)
