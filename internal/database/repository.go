package database

type ChatRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (User, error)
	UpdateAccount(params UpdateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)
	GetRoomByExternalId(externalId string) (Room, error)
	GetRoomWithParticipants(roomId int) (*Room, error)
	CreateRoom(params CreateRoomParams) (Room, error)
	DeleteRoom(id int) error
	CreateSubscription(accountId, roomId int) (Subscription, error)
	SubscriptionExists(accountId, roomId int) bool
	ListSubscriptions(accountId int) ([]Subscription, error)
	DeleteSubscription(accountId, roomId int) error
	CreateMessage(msg Message) error
	CountGuestMessages(roomId int, guestId string) (int, error)
	GetMessages(roomId, since, before, limit int) ([]Message, error)
}
