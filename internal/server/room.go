package server

import (
	"context"
	"errors"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/normieai/normie-chat/internal/database"
	"github.com/normieai/normie-chat/internal/gate"
	"github.com/normieai/normie-chat/internal/types"
)

const idleRoomTimeout = 5 * time.Second

type exitReq struct {
	deleted bool
	done    chan string
}

// commitReq carries a finished dispatch back into the room loop. The
// message is persisted and broadcast there, so translation maps are
// written whole and commits from concurrent senders are serialized.
type commitReq struct {
	msg          *ClientMessage
	sender       types.User
	translations map[int]string
	err          error
}

type Room struct {
	id         int
	externalId string
	name       string
	isPublic   bool
	ownerId    int
	seqId      int
	// participants is the subscriber snapshot, including communication
	// styles, refreshed from the store on join and before each dispatch.
	participants  []types.User
	cs            *ChatServer
	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	commitChan    chan *commitReq
	clients       map[*Client]struct{}
	userMap       map[int]map[*Client]struct{}
	clientLock    sync.RWMutex
	log           *log.Logger
	// killTimer unloads the room when no clients remain
	killTimer *time.Timer
	exit      chan exitReq
	done      chan struct{}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.externalId)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()

	defer close(r.done)

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leaveMsg := <-r.leaveChan:
			r.handleLeave(leaveMsg)
		case msg := <-r.clientMsgChan:
			if msg.Publish != nil {
				r.handlePublish(msg)
			}
		case commit := <-r.commitChan:
			r.commitMessage(commit)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

// handlePublish runs the delivery pipeline for one outbound message:
// authorize, snapshot the roster, then dispatch translations off the room
// loop so a slow rewrite doesn't stall joins and leaves. The commit comes
// back through commitChan.
func (r *Room) handlePublish(msg *ClientMessage) {
	sender := msg.client.user

	if err := r.cs.gate.Authorize(r.roomInfo(), sender); err != nil {
		var denied *gate.DeniedError
		if errors.As(err, &denied) {
			r.log.Printf("send to room %q denied: %s", r.externalId, denied.Reason)
			msg.client.queueMessage(ErrNotAuthorized(msg.Id, denied.Reason))
			return
		}

		r.log.Println("authorize:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	if sender.IsGuest() {
		// guest messages carry no translations; every viewer falls back
		// to the original text
		r.commitMessage(&commitReq{msg: msg, sender: sender, translations: map[int]string{}})
		return
	}

	// roster snapshot at dispatch start; the gate's auto-join has already
	// happened, so a first-time sender sees the full recipient set
	recipients, err := r.refreshParticipants()
	if err != nil {
		r.log.Println("refresh participants:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	go func() {
		translations, err := r.cs.translator.Dispatch(context.Background(), msg.Publish.Content, sender, recipients)
		select {
		case r.commitChan <- &commitReq{msg: msg, sender: sender, translations: translations, err: err}:
		case <-r.done:
		}
	}()
}

func (r *Room) commitMessage(c *commitReq) {
	msg := c.msg

	if c.err != nil {
		r.log.Printf("dispatch failed in room %q: %v", r.externalId, c.err)
		r.cs.stats.Incr(statTranslationFailures)
		msg.client.queueMessage(ErrTranslationFailed(msg.Id, msg.Publish.Content))
		return
	}

	if err := r.cs.db.CreateMessage(database.Message{
		SeqId:        r.seqId + 1,
		RoomId:       r.id,
		UserId:       c.sender.Id,
		GuestId:      c.sender.GuestId,
		Content:      msg.Publish.Content,
		Translations: c.translations,
		CreatedAt:    msg.Timestamp,
	}); err != nil {
		r.log.Println("error saving message:", err)
		msg.client.queueMessage(ErrInternalError(msg.Id))
		return
	}

	r.seqId++
	msg.client.queueMessage(NoErrAccepted(msg.Id))

	record := &types.Message{
		SeqId:        r.seqId,
		RoomId:       r.id,
		UserId:       c.sender.Id,
		GuestId:      c.sender.GuestId,
		Content:      msg.Publish.Content,
		Translations: c.translations,
		Timestamp:    msg.Timestamp,
	}

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Id:        msg.Id,
			Timestamp: msg.Timestamp,
		},
		Message: record,
	})

	// notify participants with no active session in the room; the preview
	// carries each participant's own variant of the message
	for _, sub := range r.participants {
		if r.hasSessions(sub.Id) {
			continue
		}

		r.cs.broadcastChan <- &ServerMessage{
			Notification: &Notification{
				Message: &MessageNotification{
					RoomId:  r.externalId,
					SeqId:   r.seqId,
					Preview: record.Variant(sub.Id),
				},
			},
			UserId: sub.Id,
		}
	}

	r.cs.stats.Incr(statMessagesPublished)
	for _, t := range c.translations {
		if t != msg.Publish.Content {
			r.cs.stats.Incr(statTranslationsGenerated)
		}
	}
}

func (r *Room) handleJoin(join *ClientMessage) {
	r.killTimer.Stop()

	c := join.client

	// guests may only view public rooms
	if c.user.IsGuest() && !r.isPublic {
		if r.clientCount() == 0 {
			r.killTimer.Reset(idleRoomTimeout)
		}
		c.queueMessage(ErrNotAuthorized(join.Id, gate.ErrPrivateRoom.Reason))
		return
	}

	// private rooms require membership to view
	if !c.user.IsGuest() && !r.isPublic && !r.cs.db.SubscriptionExists(c.user.Id, r.id) {
		if r.clientCount() == 0 {
			r.killTimer.Reset(idleRoomTimeout)
		}
		c.queueMessage(ErrNotAuthorized(join.Id, gate.ErrNotParticipant.Reason))
		return
	}

	if _, err := r.refreshParticipants(); err != nil {
		r.log.Println("refresh participants:", err)
		c.queueMessage(ErrInternalError(join.Id))
		return
	}

	r.addClient(c)

	roomInfo := r.roomInfo()
	roomInfo.SeqId = r.seqId
	roomInfo.Participants = make([]types.User, len(r.participants))
	for i, p := range r.participants {
		p.IsPresent = r.hasSessions(p.Id)
		roomInfo.Participants[i] = p
	}

	c.queueMessage(NoErrOK(join.Id, map[string]any{"room": roomInfo}))

	r.broadcast(&ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Notification: &Notification{
			Presence: &Presence{
				Present: true,
				RoomId:  r.externalId,
				UserId:  c.user.Id,
			},
		},
		SkipClient: c,
	})
}

func (r *Room) handleLeave(leaveMsg *ClientMessage) {
	if leaveMsg.Leave != nil && leaveMsg.Leave.Unsubscribe && leaveMsg.GetUserId() != 0 {
		err := r.cs.db.DeleteSubscription(leaveMsg.UserId, r.id)
		if err != nil {
			r.log.Println("DeleteSubscription:", err)
			leaveMsg.client.queueMessage(ErrInternalError(leaveMsg.Id))
			return
		}

		r.removeAllClientsForUser(leaveMsg.UserId)
		r.removeParticipant(leaveMsg.UserId)

		leaveMsg.client.queueMessage(NoErrOK(leaveMsg.Id, nil))

		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			Notification: &Notification{
				ParticipantChange: &ParticipantChange{
					RoomId: r.externalId,
					Joined: false,
					User: types.User{
						Id:       leaveMsg.UserId,
						Username: leaveMsg.client.user.Username,
					},
				},
			},
		})
		return
	}

	client := leaveMsg.client
	r.removeClient(client)

	client.queueMessage(NoErrOK(leaveMsg.Id, nil))

	// notify the room the user is offline once their last session leaves
	if !r.hasSessions(client.user.Id) {
		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			Notification: &Notification{
				Presence: &Presence{
					Present: false,
					RoomId:  r.externalId,
					UserId:  client.user.Id,
				},
			},
			SkipClient: client,
		})
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q timed out", r.externalId)
	select {
	case r.cs.unloadRoomChan <- unloadRoomRequest{roomId: r.externalId}:
	default:
		// retry on the next tick if the server is busy
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.externalId)
	if e.deleted {
		r.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			Notification: &Notification{
				RoomDeleted: &RoomDeleted{RoomId: r.externalId},
			},
		})
	}

	r.clientLock.Lock()
	for c := range r.clients {
		select {
		case c.exitRoom <- r.externalId:
		default:
		}
	}
	r.clientLock.Unlock()

	for _, sub := range r.participants {
		r.cs.broadcastChan <- &ServerMessage{
			BaseMessage: BaseMessage{
				Timestamp: Now(),
			},
			Notification: &Notification{
				Presence: &Presence{
					Present: false,
					RoomId:  r.externalId,
				},
			},
			UserId: sub.Id,
		}
	}

	if e.done != nil {
		e.done <- r.externalId
	}
}

func (r *Room) roomInfo() types.Room {
	return types.Room{
		Id:         r.id,
		ExternalId: r.externalId,
		Name:       r.name,
		IsPublic:   r.isPublic,
		OwnerId:    r.ownerId,
	}
}

// refreshParticipants reloads the subscriber snapshot from the store and
// returns it as the recipient roster.
func (r *Room) refreshParticipants() ([]types.User, error) {
	dbRoom, err := r.cs.db.GetRoomWithParticipants(r.id)
	if err != nil {
		return nil, err
	}

	participants := make([]types.User, len(dbRoom.Subscriptions))
	for i, sub := range dbRoom.Subscriptions {
		participants[i] = types.User{
			Id:                 sub.AccountId,
			Username:           sub.Username,
			CommunicationStyle: sub.CommunicationStyle,
		}
	}

	r.participants = participants
	return participants, nil
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if c.user.Id != 0 {
		if r.userMap[c.user.Id] == nil {
			r.userMap[c.user.Id] = make(map[*Client]struct{})
		}
		r.userMap[c.user.Id][c] = struct{}{}
	}

	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.externalId)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.externalId)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) removeAllClientsForUser(userId int) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if userClients, ok := r.userMap[userId]; ok {
		for client := range userClients {
			delete(r.clients, client)
			client.delRoom(r.externalId)
		}
		delete(r.userMap, userId)
	}

	if len(r.clients) == 0 {
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) removeParticipant(userId int) {
	for i, sub := range r.participants {
		if sub.Id == userId {
			r.participants = slices.Delete(r.participants, i, i+1)
			return
		}
	}
}

func (r *Room) hasSessions(userId int) bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return r.userMap[userId] != nil
}

func (r *Room) clientCount() int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return len(r.clients)
}

func (r *Room) broadcast(msg *ServerMessage) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == msg.SkipClient {
			continue
		}

		client.queueMessage(msg)
	}
}
