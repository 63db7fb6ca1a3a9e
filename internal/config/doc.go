// Package config handles configuration loading for coven-bot.
//
// # Overview
//
// Configuration is read from YAML (.yaml, .yml) or TOML (.toml) files,
// picked by extension. ${VAR_NAME} references are replaced with environment
// values before decoding; unset variables become empty strings.
//
// # Configuration File
//
// ResolvePath picks the file in this order:
//
//  1. the --config flag
//  2. COVEN_BOT_CONFIG
//  3. $XDG_CONFIG_HOME/coven/bot.yaml
//  4. ~/.config/coven/bot.yaml
//
// # Durations
//
// Duration values use time.ParseDuration syntax ("10s", "5m"). Each duration
// field has a Raw string twin that carries the file value.
//
// # Validation
//
// Load applies defaults, then Validate returns the first failure:
//
//   - bot.id and bot.token are required
//   - gateway.reconnect_budget must be positive
//   - gateway.url, when set, must be ws or wss
//   - matrix fields are required when matrix is enabled
//   - logging level and format must be known values
package config
