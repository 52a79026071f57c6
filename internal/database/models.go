package database

import (
	"time"

	"github.com/normieai/normie-chat/internal/types"
)

type User struct {
	Id                 int
	Username           string
	EmailAddress       string
	PasswordHash       string
	CommunicationStyle types.CommunicationStyle
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Room struct {
	Id            int
	ExternalId    string
	Name          string
	Description   string
	IsPublic      bool
	SeqId         int
	OwnerId       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Subscriptions []Subscription
}

type Subscription struct {
	Id                 int
	AccountId          int
	Username           string
	CommunicationStyle types.CommunicationStyle
	RoomId             int
	Room               Room
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Message struct {
	Id     int
	SeqId  int
	RoomId int
	// UserId is 0 for guest senders; GuestId carries their session id.
	UserId       int
	GuestId      string
	Content      string
	Translations map[int]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type CreateAccountParams struct {
	Username           string
	EmailAddress       string
	PasswordHash       string
	CommunicationStyle types.CommunicationStyle
}

type UpdateAccountParams struct {
	UserId             int
	Username           string
	PasswordHash       string
	CommunicationStyle types.CommunicationStyle
}

type CreateRoomParams struct {
	Name        string
	Description string
	IsPublic    bool
	OwnerId     int
	ExternalId  string
}
