package types

import (
	"fmt"
	"time"
)

// CommunicationStyle describes a participant's preferred phrasing
// conventions. It selects the rewrite direction when a message is
// translated for a recipient.
type CommunicationStyle string

const (
	StyleNeurotypical CommunicationStyle = "neurotypical"
	StyleAutistic     CommunicationStyle = "autistic"
)

func ParseCommunicationStyle(s string) (CommunicationStyle, error) {
	switch CommunicationStyle(s) {
	case StyleNeurotypical:
		return StyleNeurotypical, nil
	case StyleAutistic:
		return StyleAutistic, nil
	default:
		return "", fmt.Errorf("unknown communication style %q", s)
	}
}

func (s CommunicationStyle) Valid() bool {
	return s == StyleNeurotypical || s == StyleAutistic
}

type User struct {
	Id                 int                `json:"id"`
	Username           string             `json:"username"`
	EmailAddress       string             `json:"email_address,omitempty"`
	Password           string             `json:"-"`
	CommunicationStyle CommunicationStyle `json:"communication_style,omitempty"`
	// GuestId is a session-scoped identifier supplied by unauthenticated
	// clients. A user with Id 0 and a non-empty GuestId is a guest.
	GuestId   string    `json:"guest_id,omitempty"`
	IsPresent bool      `json:"is_present,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

func (u User) IsGuest() bool {
	return u.Id == 0 && u.GuestId != ""
}

type Room struct {
	Id           int       `json:"id"`
	ExternalId   string    `json:"external_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	IsPublic     bool      `json:"is_public"`
	OwnerId      int       `json:"owner_id"`
	SeqId        int       `json:"seq_id"`
	Participants []User    `json:"participants,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Subscription struct {
	Id        int       `json:"id"`
	Room      Room      `json:"room"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type Message struct {
	SeqId  int `json:"seq_id"`
	RoomId int `json:"room_id"`
	// UserId is 0 for guest senders, in which case GuestId is set.
	UserId  int    `json:"user_id"`
	GuestId string `json:"guest_id,omitempty"`
	Content string `json:"content"`
	// Translations maps recipient user id to the variant addressed to
	// them. Empty for guest senders; an entry equals Content verbatim
	// when sender and recipient share a communication style.
	Translations map[int]string `json:"translations,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Variant returns the rewritten text addressed to the given user, or the
// original content when no variant exists for them.
func (m Message) Variant(userId int) string {
	if t, ok := m.Translations[userId]; ok {
		return t
	}
	return m.Content
}
