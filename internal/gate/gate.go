// Package gate enforces who may send to a room before a message reaches
// the translation dispatcher.
package gate

import (
	"fmt"
	"log"

	"github.com/normieai/normie-chat/internal/database"
	"github.com/normieai/normie-chat/internal/types"
)

const DefaultGuestMessageLimit = 5

// DeniedError is returned when a sender is not allowed to publish to a
// room. The reason is safe to surface to the sender.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return e.Reason
}

var (
	ErrPrivateRoom    = &DeniedError{Reason: "private room, sign-in required"}
	ErrGuestLimit     = &DeniedError{Reason: "guest limit reached"}
	ErrNotParticipant = &DeniedError{Reason: "private room, membership required"}
)

// DeliveryGate authorizes sends. Guest limits are enforced against the
// store's own message counts rather than anything the client reports.
type DeliveryGate struct {
	db         database.ChatRepository
	guestLimit int
	log        *log.Logger
}

func NewDeliveryGate(db database.ChatRepository, guestLimit int, logger *log.Logger) *DeliveryGate {
	if guestLimit <= 0 {
		guestLimit = DefaultGuestMessageLimit
	}
	return &DeliveryGate{
		db:         db,
		guestLimit: guestLimit,
		log:        logger,
	}
}

// Authorize decides whether sender may publish to room. On allow for an
// authenticated sender who is not yet a participant of a public room, the
// sender is subscribed before returning, so the recipient roster read for
// the message includes them.
func (g *DeliveryGate) Authorize(room types.Room, sender types.User) error {
	if sender.IsGuest() {
		if !room.IsPublic {
			return ErrPrivateRoom
		}

		count, err := g.db.CountGuestMessages(room.Id, sender.GuestId)
		if err != nil {
			return fmt.Errorf("count guest messages: %w", err)
		}
		if count >= g.guestLimit {
			return ErrGuestLimit
		}

		return nil
	}

	if g.db.SubscriptionExists(sender.Id, room.Id) {
		return nil
	}

	if !room.IsPublic {
		return ErrNotParticipant
	}

	// auto-join: a first message to a public room enrolls the sender
	if _, err := g.db.CreateSubscription(sender.Id, room.Id); err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	g.log.Printf("auto-joined user %d to room %q", sender.Id, room.ExternalId)

	return nil
}
