// Package matrix posts chat chains to Matrix rooms through mautrix.
//
// The target's ChannelID is the room id. Text, mentions and markdown blocks
// are merged into one m.text event whose formatted_body is HTML rendered with
// goldmark. Images and voice clips with inline data are uploaded to the
// media repository and sent as their own m.image / m.audio events. Recall
// redacts every event of a send.
package matrix
