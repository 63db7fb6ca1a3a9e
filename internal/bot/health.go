// ABOUTME: HTTP health, readiness, and dispatch log endpoints for the bot
// ABOUTME: Readiness reports per-shard status as JSON

package bot

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/2389/coven-bot/internal/gateway"
	"github.com/2389/coven-bot/internal/store"
)

// readyResponse is the body of /health/ready.
type readyResponse struct {
	Ready  bool                  `json:"ready"`
	BotID  string                `json:"bot_id"`
	Shards []gateway.ShardStatus `json:"shards"`
}

// handleHealth returns 200 OK if the process is alive.
func (b *Bot) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 only when every shard is active.
func (b *Bot) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{
		Ready:  b.supervisor.Ready(),
		BotID:  b.config.Bot.ID,
		Shards: b.supervisor.Status(),
	}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type dispatchRow struct {
	ID        string `json:"id"`
	BotID     string `json:"bot_id"`
	MessageID string `json:"message_id"`
	Handler   string `json:"handler"`
	Weight    int    `json:"weight"`
	Replied   bool   `json:"replied"`
	Error     string `json:"error,omitempty"`
	At        string `json:"at"`
}

// handleDispatches lists recent dispatch log rows. ?limit=N caps the count.
func (b *Bot) handleDispatches(w http.ResponseWriter, r *http.Request) {
	if b.store == nil {
		http.Error(w, "persistence disabled", http.StatusNotFound)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	rows, err := b.store.ListDispatches(r.Context(), limit)
	if err != nil {
		b.logger.Error("listing dispatches", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toRows(rows))
}

func toRows(rows []store.Dispatch) []dispatchRow {
	out := make([]dispatchRow, 0, len(rows))
	for _, d := range rows {
		out = append(out, dispatchRow{
			ID:        d.ID,
			BotID:     d.BotID,
			MessageID: d.MessageID,
			Handler:   d.Handler,
			Weight:    d.Weight,
			Replied:   d.Replied,
			Error:     d.Error,
			At:        d.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
