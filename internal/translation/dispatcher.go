package translation

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/normieai/normie-chat/internal/types"
	"golang.org/x/sync/errgroup"
)

// Dispatcher computes the per-recipient rewrites required to deliver one
// outbound message. Rewrites for distinct recipients are requested
// concurrently and joined before the result is returned, so a persisted
// translation map is never partial.
type Dispatcher struct {
	gen Generator
	log *log.Logger
}

func NewDispatcher(gen Generator, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		gen: gen,
		log: logger,
	}
}

// Dispatch returns one entry per recipient other than the sender, computed
// from the roster passed in. Recipients sharing the sender's communication
// style receive the content verbatim without a remote call. The first
// generation failure cancels the remaining calls and fails the dispatch as
// a whole.
//
// Guest senders are bypassed at the call site; Dispatch assumes an
// authenticated sender with a valid style.
func (d *Dispatcher) Dispatch(ctx context.Context, content string, sender types.User, recipients []types.User) (map[int]string, error) {
	translations := make(map[int]string, len(recipients))

	// verbatim copies are written before any goroutine starts; the
	// goroutines below only ever touch the map under the mutex
	var crossStyle []types.User
	for _, rcpt := range recipients {
		if rcpt.Id == sender.Id {
			continue
		}

		if rcpt.CommunicationStyle == sender.CommunicationStyle {
			translations[rcpt.Id] = content
			continue
		}

		crossStyle = append(crossStyle, rcpt)
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, rcpt := range crossStyle {
		g.Go(func() error {
			instruction := SelectInstruction(sender.CommunicationStyle, rcpt.CommunicationStyle)
			out, err := d.gen.Generate(ctx, instruction, content)
			if err != nil {
				return fmt.Errorf("translate for user %d: %w", rcpt.Id, err)
			}

			mu.Lock()
			translations[rcpt.Id] = out
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return translations, nil
}
