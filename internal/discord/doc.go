// Package discord adapts the Discord platform to the bot runtime.
//
// Normalizer turns gateway dispatch frames into chat messages and events.
// URLResolver asks the REST API for the gateway URL and recommended shard
// count. Sender renders a chat.Chain into Discord messages and posts them.
// All three use github.com/bwmarrin/discordgo types and its REST client;
// the gateway connection itself is owned by the gateway package.
package discord
