package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/normieai/normie-chat/internal/types"
)

const createSubQuery = "INSERT INTO subscriptions (account_id, room_id, created_at, updated_at) " +
	"VALUES ($1, $2, $3, $4) RETURNING id, account_id, room_id"

func (db *PgChatRepository) CreateAccount(params CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, email, password_hash, communication_style, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) RETURNING id, username, email, communication_style, created_at, updated_at",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		params.CommunicationStyle,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.CommunicationStyle,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgChatRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"UPDATE accounts SET username = $2, password_hash = $3, communication_style = $4, updated_at = $5 "+
			"WHERE id = $1 RETURNING id, username, email, communication_style, created_at, updated_at",
		params.UserId,
		params.Username,
		params.PasswordHash,
		params.CommunicationStyle,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.CommunicationStyle,
		&u.CreatedAt,
		&u.UpdatedAt,
	)

	return u, err
}

func (db *PgChatRepository) GetAccountById(id int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, communication_style, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.CommunicationStyle,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, err
}

func (db *PgChatRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash, communication_style, created_at, updated_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.PasswordHash,
		&user.CommunicationStyle,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, err
}

func (db *PgChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, name, description, is_public, seq_id, owner_id FROM rooms "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var room Room
	err := row.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.Description,
		&room.IsPublic,
		&room.SeqId,
		&room.OwnerId,
	)

	return room, err
}

// GetRoomWithParticipants returns the room and a snapshot of each
// participant's username and communication style. The snapshot is what the
// dispatcher uses as the recipient roster for a send.
func (db *PgChatRepository) GetRoomWithParticipants(roomId int) (*Room, error) {
	query := `
		SELECT
				r.id,
				r.external_id,
				r.name,
				r.description,
				r.is_public,
				r.seq_id,
				r.owner_id,
				r.created_at,
				r.updated_at,
				s.id,
				s.account_id,
				a.username,
				a.communication_style,
				s.created_at,
				s.updated_at
		FROM rooms r
		LEFT JOIN subscriptions s ON r.id = s.room_id
		LEFT JOIN accounts a ON s.account_id = a.id
		WHERE r.id = $1;
`

	rows, err := db.conn.Query(query, roomId)
	if err != nil {
		return nil, fmt.Errorf("fetch room with participants: %w", err)
	}
	defer rows.Close()

	var room *Room
	for rows.Next() {
		var (
			id          int
			externalId  string
			name        string
			description string
			isPublic    bool
			seqId       int
			ownerId     int
			createdAt   time.Time
			updatedAt   time.Time
			subId       sql.NullInt64
			accountId   sql.NullInt64
			username    sql.NullString
			style       sql.NullString
			subCreated  sql.NullTime
			subUpdated  sql.NullTime
		)

		err := rows.Scan(
			&id,
			&externalId,
			&name,
			&description,
			&isPublic,
			&seqId,
			&ownerId,
			&createdAt,
			&updatedAt,
			&subId,
			&accountId,
			&username,
			&style,
			&subCreated,
			&subUpdated,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		if room == nil {
			room = &Room{
				Id:            id,
				ExternalId:    externalId,
				Name:          name,
				Description:   description,
				IsPublic:      isPublic,
				SeqId:         seqId,
				OwnerId:       ownerId,
				CreatedAt:     createdAt,
				UpdatedAt:     updatedAt,
				Subscriptions: make([]Subscription, 0),
			}
		}

		if accountId.Valid && username.Valid {
			room.Subscriptions = append(room.Subscriptions, Subscription{
				Id:                 int(subId.Int64),
				AccountId:          int(accountId.Int64),
				Username:           username.String,
				CommunicationStyle: parseStyle(style.String),
				RoomId:             id,
				CreatedAt:          subCreated.Time,
				UpdatedAt:          subUpdated.Time,
			})
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if room == nil {
		return nil, fmt.Errorf("room with id %d not found", roomId)
	}

	return room, nil
}

func (db *PgChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res := tx.QueryRow(
		"INSERT INTO rooms (name, external_id, description, is_public, owner_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $6) "+
			"RETURNING id, name, external_id, description, is_public, seq_id, owner_id, created_at, updated_at",
		params.Name,
		params.ExternalId,
		params.Description,
		params.IsPublic,
		params.OwnerId,
		time.Now().UTC(),
	)

	var room Room
	err = res.Scan(
		&room.Id,
		&room.Name,
		&room.ExternalId,
		&room.Description,
		&room.IsPublic,
		&room.SeqId,
		&room.OwnerId,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		return Room{}, err
	}

	// the owner is always a participant of their room
	_, err = tx.Exec(
		createSubQuery,
		params.OwnerId,
		room.Id,
		time.Now().UTC(),
		time.Now().UTC(),
	)
	if err != nil {
		return Room{}, err
	}

	if err = tx.Commit(); err != nil {
		return Room{}, err
	}

	return room, err
}

func (db *PgChatRepository) DeleteRoom(id int) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.Exec("DELETE FROM subscriptions WHERE room_id = $1", id)
	if err != nil {
		return err
	}

	_, err = tx.Exec("DELETE FROM messages WHERE room_id = $1", id)
	if err != nil {
		return err
	}

	_, err = tx.Exec("DELETE FROM rooms WHERE id = $1", id)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (db *PgChatRepository) CreateSubscription(accountId, roomId int) (Subscription, error) {
	res := db.conn.QueryRow(
		createSubQuery,
		accountId,
		roomId,
		time.Now().UTC(),
		time.Now().UTC(),
	)

	var sub Subscription
	err := res.Scan(
		&sub.Id,
		&sub.AccountId,
		&sub.RoomId,
	)
	if err != nil {
		return Subscription{}, err
	}

	row := db.conn.QueryRow(
		"SELECT username, communication_style FROM accounts WHERE id = $1 LIMIT 1",
		accountId,
	)
	var style string
	if err := row.Scan(&sub.Username, &style); err != nil {
		return Subscription{}, err
	}
	sub.CommunicationStyle = parseStyle(style)

	return sub, nil
}

func (db *PgChatRepository) SubscriptionExists(accountId, roomId int) bool {
	res := db.conn.QueryRow(
		"SELECT id FROM subscriptions WHERE account_id = $1 AND room_id = $2 LIMIT 1",
		accountId,
		roomId,
	)

	var sub Subscription
	err := res.Scan(
		&sub.Id,
	)

	return err == nil
}

func (db *PgChatRepository) ListSubscriptions(accountId int) ([]Subscription, error) {
	rows, err := db.conn.Query(
		"SELECT s.id, s.account_id, s.room_id, s.created_at, s.updated_at, "+
			"r.id, r.external_id, r.name, r.description, r.is_public, r.seq_id, r.owner_id, r.created_at, r.updated_at "+
			"FROM subscriptions s JOIN rooms r ON r.id = s.room_id WHERE s.account_id = $1",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var sub Subscription
		if err = rows.Scan(
			&sub.Id, &sub.AccountId, &sub.RoomId, &sub.CreatedAt, &sub.UpdatedAt,
			&sub.Room.Id, &sub.Room.ExternalId, &sub.Room.Name, &sub.Room.Description,
			&sub.Room.IsPublic, &sub.Room.SeqId, &sub.Room.OwnerId, &sub.Room.CreatedAt, &sub.Room.UpdatedAt,
		); err != nil {
			break
		}

		subs = append(subs, sub)
	}
	return subs, err
}

func (db *PgChatRepository) DeleteSubscription(accountId, roomId int) error {
	_, err := db.conn.Exec(
		"DELETE FROM subscriptions WHERE account_id = $1 AND room_id = $2",
		accountId,
		roomId,
	)

	return err
}

// CreateMessage writes the message row and advances the room's sequence
// counter in one transaction, so the counter never moves without a
// matching row.
func (db *PgChatRepository) CreateMessage(msg Message) error {
	translations, err := json.Marshal(msg.Translations)
	if err != nil {
		return fmt.Errorf("marshal translations: %w", err)
	}

	var userId sql.NullInt64
	if msg.UserId != 0 {
		userId = sql.NullInt64{Int64: int64(msg.UserId), Valid: true}
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.Exec("UPDATE rooms SET seq_id = $1 WHERE id = $2", msg.SeqId, msg.RoomId)
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		"INSERT INTO messages (seq_id, room_id, user_id, guest_id, content, translations, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $7)",
		msg.SeqId,
		msg.RoomId,
		userId,
		msg.GuestId,
		msg.Content,
		translations,
		msg.CreatedAt,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// CountGuestMessages is the server-authoritative guest rate-limit counter,
// keyed by (room, guest id).
func (db *PgChatRepository) CountGuestMessages(roomId int, guestId string) (int, error) {
	row := db.conn.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE room_id = $1 AND guest_id = $2",
		roomId,
		guestId,
	)

	var count int
	err := row.Scan(&count)

	return count, err
}

func (db *PgChatRepository) GetMessages(roomId, since, before, limit int) ([]Message, error) {
	var upper, lower int = 1<<31 - 1, 0
	if before > 0 {
		upper = before - 1
	}

	if since > 0 {
		lower = since
	}

	if limit <= 0 {
		limit = 20
	}

	rows, err := db.conn.Query(
		"SELECT id, seq_id, room_id, user_id, guest_id, content, translations, created_at FROM messages "+
			"WHERE room_id = $1 AND seq_id BETWEEN $2 AND $3 ORDER BY seq_id DESC LIMIT $4",
		roomId,
		lower,
		upper,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var (
			msg          Message
			userId       sql.NullInt64
			translations []byte
		)
		if err = rows.Scan(&msg.Id, &msg.SeqId, &msg.RoomId, &userId, &msg.GuestId, &msg.Content, &translations, &msg.CreatedAt); err != nil {
			break
		}

		msg.UserId = int(userId.Int64)
		if err = json.Unmarshal(translations, &msg.Translations); err != nil {
			return nil, fmt.Errorf("unmarshal translations: %w", err)
		}

		messages = append(messages, msg)
	}
	return messages, err
}

func parseStyle(s string) (style types.CommunicationStyle) {
	style, err := types.ParseCommunicationStyle(s)
	if err != nil {
		// unrecognized values take the neutral-fallback path downstream
		return types.CommunicationStyle(s)
	}
	return style
}
