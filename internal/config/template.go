// ABOUTME: Starter configuration written by `coven-bot init`
// ABOUTME: Kept valid YAML so Parse can check it in tests

package config

// Template is a commented starter config. The database path placeholder is
// filled in by the init command.
const Template = `# coven-bot configuration
bot:
  id: "bot1"
  token: "${COVEN_BOT_TOKEN}"
  intents: 33281
  prefixes: ["/", "!"]
  shards: 0             # 0 uses the recommended count
  admins: []

gateway:
  url: ""               # fixed gateway URL; empty asks the API once
  api_base: "https://discord.com/api/v10"
  retry_delay: "10s"
  reconnect_budget: 3
  identify_interval: "5s"
  checkpoint_interval: "5s"

wait:
  max_time: "30s"
  channel_max_time: "60s"

dedupe:
  ttl: "5m"
  max_entries: 100000

database:
  path: "%s"            # ":memory:" for a throwaway store, "" disables persistence

server:
  http_addr: "127.0.0.1:8090"

matrix:
  enabled: false
  homeserver: ""
  user_id: ""
  access_token: ""
  alert_room: ""

logging:
  level: "info"         # debug, info, warn, error
  format: "text"        # text, json
`
