// ABOUTME: Outbound content chain made of typed blocks.
// ABOUTME: Senders switch over the closed Block set to render platform payloads.

package chat

import "strings"

// Block is one piece of outbound content. The set of implementations is
// closed: Text, Mention, Face, Image, Voice, Card, Markdown.
type Block interface {
	block()
}

// Text is plain text.
type Text struct {
	Content string
}

// Mention addresses a user. An empty UserID mentions everyone.
type Mention struct {
	UserID string
}

// Face is a platform emoji or sticker by id.
type Face struct {
	ID   string
	Name string
}

// Image is either a remote URL or inline bytes.
type Image struct {
	URL      string
	Data     []byte
	Filename string
}

// Voice is an audio clip, remote or inline.
type Voice struct {
	URL      string
	Data     []byte
	Filename string
}

// Card is a structured rich message.
type Card struct {
	Title       string
	Description string
	URL         string
	Color       int
	Fields      []CardField
}

// CardField is a name/value row of a Card.
type CardField struct {
	Name   string
	Value  string
	Inline bool
}

// Markdown is text in CommonMark syntax, rendered by senders that support it.
type Markdown struct {
	Source string
}

func (Text) block()     {}
func (Mention) block()  {}
func (Face) block()     {}
func (Image) block()    {}
func (Voice) block()    {}
func (Card) block()     {}
func (Markdown) block() {}

// Chain is an ordered list of blocks sent as one reply.
type Chain []Block

// NewChain returns a chain with the given blocks.
func NewChain(blocks ...Block) Chain {
	return Chain(blocks)
}

// Text appends a text block.
func (c Chain) Text(s string) Chain { return append(c, Text{Content: s}) }

// Mention appends a mention of userID.
func (c Chain) Mention(userID string) Chain { return append(c, Mention{UserID: userID}) }

// Face appends an emoji.
func (c Chain) Face(id, name string) Chain { return append(c, Face{ID: id, Name: name}) }

// ImageURL appends a remote image.
func (c Chain) ImageURL(url string) Chain { return append(c, Image{URL: url}) }

// ImageBytes appends an inline image.
func (c Chain) ImageBytes(filename string, data []byte) Chain {
	return append(c, Image{Filename: filename, Data: data})
}

// Voice appends an audio clip.
func (c Chain) Voice(v Voice) Chain { return append(c, v) }

// Card appends a structured card.
func (c Chain) Card(card Card) Chain { return append(c, card) }

// Markdown appends a markdown block.
func (c Chain) Markdown(src string) Chain { return append(c, Markdown{Source: src}) }

// Empty reports whether the chain has no content.
func (c Chain) Empty() bool { return len(c) == 0 }

// PlainText renders the textual blocks of the chain, for logs and for senders
// without rich content support.
func (c Chain) PlainText() string {
	var b strings.Builder
	for _, blk := range c {
		switch v := blk.(type) {
		case Text:
			b.WriteString(v.Content)
		case Markdown:
			b.WriteString(v.Source)
		case Mention:
			if v.UserID == "" {
				b.WriteString("@everyone")
			} else {
				b.WriteString("@" + v.UserID)
			}
		case Face:
			b.WriteString(":" + v.Name + ":")
		case Card:
			b.WriteString(v.Title)
			if v.Description != "" {
				if v.Title != "" {
					b.WriteString("\n")
				}
				b.WriteString(v.Description)
			}
		}
	}
	return b.String()
}
