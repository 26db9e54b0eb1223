package cli

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"convodb/pkg/convindex"
	"convodb/pkg/coordinator"
	"convodb/pkg/messagelog"
	"convodb/pkg/store"
	"convodb/pkg/timeutil"
)

type seedOpts struct {
	users         int
	conversations int
	maxMessages   int
	seed          uint64
}

type seedReport struct {
	Users         []string `json:"users"`
	Conversations []string `json:"conversations"`
	Messages      int      `json:"messages"`
	Degraded      int      `json:"degraded"`
}

func newSeedCmd(g *globalOpts) *cobra.Command {
	o := seedOpts{}
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the database with random conversations for testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.users < 2 {
				return fmt.Errorf("--users must be at least 2")
			}
			ctx := cmd.Context()
			b, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			rep, err := seed(ctx, b, o, time.Now())
			if err != nil {
				return err
			}
			return g.print(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().IntVar(&o.users, "users", 10, "number of users")
	cmd.Flags().IntVar(&o.conversations, "conversations", 15, "number of conversations")
	cmd.Flags().IntVar(&o.maxMessages, "max-messages", 20, "maximum messages per conversation (at least 5 are sent)")
	cmd.Flags().Uint64Var(&o.seed, "seed", 1, "random seed")
	return cmd
}

// seed sends messages through the coordinator with a manual clock: each
// conversation starts 1-30 days before now and each message lands 1-30
// minutes after the previous one.
func seed(ctx context.Context, b store.Backend, o seedOpts, now time.Time) (*seedReport, error) {
	rng := rand.New(rand.NewPCG(o.seed, o.seed^0x9e3779b97f4a7c15))
	clock := timeutil.NewManualClock(now.UnixMilli())
	log := messagelog.New(b, messagelog.Options{Consistency: store.ConsistencyQuorum, Clock: clock})
	ix := convindex.New(b, convindex.Options{})
	coord := coordinator.New(log, ix, nil, coordinator.Options{})

	rep := &seedReport{Users: make([]string, o.users)}
	for i := range rep.Users {
		rep.Users[i] = uuid.NewString()
	}
	maxMessages := max(o.maxMessages, 5)
	for c := 0; c < o.conversations; c++ {
		n := 2 + rng.IntN(min(4, o.users)-1)
		perm := rng.Perm(o.users)[:n]
		participants := make([]string, n)
		for i, p := range perm {
			participants[i] = rep.Users[p]
		}
		conversationID := uuid.NewString()
		clock.Set(now.Add(-time.Duration(1+rng.IntN(30)) * 24 * time.Hour).UnixMilli())

		count := 5 + rng.IntN(maxMessages-4)
		for m := 0; m < count; m++ {
			r, err := coord.SendMessage(ctx, coordinator.SendRequest{
				ConversationID: conversationID,
				SenderID:       participants[rng.IntN(n)],
				ParticipantIDs: participants,
				Body:           fmt.Sprintf("Test message %d in conversation %s", m+1, conversationID),
			})
			if err != nil {
				return rep, err
			}
			rep.Messages++
			if r.Degraded {
				rep.Degraded++
			}
			clock.Advance(time.Duration(1+rng.IntN(30)) * time.Minute)
		}
		rep.Conversations = append(rep.Conversations, conversationID)
	}
	return rep, nil
}
