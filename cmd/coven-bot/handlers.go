// ABOUTME: Example handlers registered by serve: ping, echo, a guessing game, and a channel vote
// ABOUTME: Shows single-user waits, channel-wide waits, and event subscriptions

package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-bot/internal/chat"
	"github.com/2389/coven-bot/internal/dispatch"
	"github.com/2389/coven-bot/internal/wait"
)

const (
	guessMax      = 100
	guessAttempts = 7
	voteQuorum    = 3
	voteWindow    = 30 * time.Second
)

func registerExamples(r *dispatch.Router, logger *slog.Logger) {
	registerExamplesWith(r, logger, func(n int) int { return rand.IntN(n) + 1 })
}

// registerExamplesWith takes the number picker so tests can fix it.
func registerExamplesWith(r *dispatch.Router, logger *slog.Logger, pick func(n int) int) {
	r.OnMessage(dispatch.MessageSpec{Name: "ping", Match: dispatch.Equal{Literal: "ping"}, AllowDirect: true},
		func(ctx context.Context, m *chat.Message) (chat.Chain, error) {
			return chat.NewChain().Text("pong"), nil
		})

	r.OnMessage(dispatch.MessageSpec{Name: "echo", Match: dispatch.Pattern(`^echo\s+(.+)$`), AllowDirect: true},
		func(ctx context.Context, m *chat.Message) (chat.Chain, error) {
			groups := m.Verify.Groups()
			return chat.NewChain().Text(groups[1]), nil
		})

	r.OnMessage(dispatch.MessageSpec{Name: "guess", Match: dispatch.Equal{Literal: "guess"}, AllowDirect: true},
		func(ctx context.Context, m *chat.Message) (chat.Chain, error) {
			return playGuess(ctx, m, pick(guessMax))
		})

	r.OnMessage(dispatch.MessageSpec{Name: "vote", Match: dispatch.Pattern(`^vote\s+(.+)$`)},
		func(ctx context.Context, m *chat.Message) (chat.Chain, error) {
			return runVote(ctx, m, m.Verify.Groups()[1])
		})

	r.OnEvent(func(ctx context.Context, ev chat.Event) error {
		logger.Debug("guild available", "shard", ev.Shard)
		return nil
	}, "GUILD_CREATE")
}

func guessFilter(m *chat.Message) bool {
	if m.Text == "quit" {
		return true
	}
	_, err := strconv.Atoi(m.Text)
	return err == nil
}

// playGuess runs the game inside one handler call. Each answer arrives
// through a wait on the same user.
func playGuess(ctx context.Context, m *chat.Message, secret int) (chat.Chain, error) {
	prompt := chat.NewChain().Text(fmt.Sprintf("I picked a number from 1 to %d. You have %d tries.", guessMax, guessAttempts))

	for try := 1; try <= guessAttempts; try++ {
		res := m.Wait(ctx, chat.WaitOptions{Reply: prompt, Forced: true, Filter: guessFilter})
		if !res.Ok() {
			return nil, res.Err()
		}
		if res.Value.Text == "quit" {
			return chat.NewChain().Text(fmt.Sprintf("It was %d.", secret)), nil
		}

		n, _ := strconv.Atoi(res.Value.Text)
		switch {
		case n == secret:
			return chat.NewChain().Mention(m.UserID).Text(fmt.Sprintf(" got it in %d!", try)), nil
		case n < secret:
			prompt = chat.NewChain().Text("higher")
		default:
			prompt = chat.NewChain().Text("lower")
		}
	}
	return chat.NewChain().Text(fmt.Sprintf("Out of tries. It was %d.", secret)), nil
}

// runVote collects yes/no answers from anyone in the channel until quorum
// or the window closes. A newer vote in the same channel ends this one
// without a tally.
func runVote(ctx context.Context, m *chat.Message, question string) (chat.Chain, error) {
	defer m.CloseChannelWait()

	votes := map[string]bool{}
	prompt := chat.NewChain().Text(fmt.Sprintf("Vote: %s (yes/no)", question))
	deadline := time.Now().Add(voteWindow)

	for len(votes) < voteQuorum {
		left := time.Until(deadline)
		if left <= 0 {
			break
		}
		res := m.WaitChannel(ctx, chat.ChannelWaitOptions{WaitOptions: chat.WaitOptions{
			Reply:   prompt,
			MaxTime: left,
			Filter: func(v *chat.Message) bool {
				answer := strings.ToLower(v.Text)
				return answer == "yes" || answer == "no"
			},
		}})
		prompt = nil
		if res.Status == wait.TimedOut {
			break
		}
		if !res.Ok() {
			// a newer vote took the channel, or the bot is stopping
			return nil, res.Err()
		}
		votes[res.Value.UserID] = strings.ToLower(res.Value.Text) == "yes"
	}

	yes := 0
	for _, v := range votes {
		if v {
			yes++
		}
	}
	return chat.NewChain().Text(fmt.Sprintf("%s: %d yes, %d no", question, yes, len(votes)-yes)), nil
}
