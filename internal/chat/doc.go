// Package chat defines the canonical model shared by every platform adapter
// and the dispatcher.
//
// Inbound payloads are normalized into a Message or a list of Events. A
// Message carries the raw and derived text variants, mention flags, and the
// reply context. Once the dispatcher binds it, the Message can reply and
// suspend for follow-up messages through Wait and WaitChannel.
//
// Outbound content is a Chain of blocks (text, mention, face, image, voice,
// card, markdown) handed to a Sender together with a Target. Each Sender
// returns SendResult handles that can recall what was sent.
package chat
