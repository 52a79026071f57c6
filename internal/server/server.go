package server

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/normieai/normie-chat/internal/database"
	"github.com/normieai/normie-chat/internal/stats"
	"github.com/normieai/normie-chat/internal/types"
)

const (
	statActiveClients         = "ActiveClients"
	statActiveRooms           = "ActiveRooms"
	statMessagesPublished     = "MessagesPublished"
	statTranslationsGenerated = "TranslationsGenerated"
	statTranslationFailures   = "TranslationFailures"
)

// Translator computes the per-recipient rewrites for one outbound message.
type Translator interface {
	Dispatch(ctx context.Context, content string, sender types.User, recipients []types.User) (map[int]string, error)
}

// Authorizer decides whether a sender may publish to a room.
type Authorizer interface {
	Authorize(room types.Room, sender types.User) error
}

type unloadRoomRequest struct {
	roomId  string
	deleted bool
	done    chan string
}

type stopRequest struct {
	done chan struct{}
}

type ChatServer struct {
	log            *log.Logger
	db             database.ChatRepository
	gate           Authorizer
	translator     Translator
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	userMap        map[int]map[*Client]struct{}
	clientsLock    sync.Mutex
	joinChan       chan *ClientMessage
	registerChan   chan *Client
	deregisterChan chan *Client
	broadcastChan  chan *ServerMessage
	unloadRoomChan chan unloadRoomRequest
	rooms          map[string]*Room
	stop           chan stopRequest
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, g Authorizer, tr Translator, su stats.StatsProvider) (*ChatServer, error) {
	cs := &ChatServer{
		log:            logger,
		db:             db,
		gate:           g,
		translator:     tr,
		stats:          su,
		clients:        make(map[*Client]struct{}),
		userMap:        make(map[int]map[*Client]struct{}),
		joinChan:       make(chan *ClientMessage, 256),
		registerChan:   make(chan *Client),
		deregisterChan: make(chan *Client),
		broadcastChan:  make(chan *ServerMessage, 256),
		unloadRoomChan: make(chan unloadRoomRequest, 64),
		rooms:          make(map[string]*Room),
		stop:           make(chan stopRequest),
	}

	for _, name := range []string{
		statActiveClients,
		statActiveRooms,
		statMessagesPublished,
		statTranslationsGenerated,
		statTranslationFailures,
	} {
		su.RegisterMetric(name)
	}

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case joinMsg := <-cs.joinChan:
			cs.handleJoin(joinMsg)
		case client := <-cs.registerChan:
			cs.addClient(client)
			cs.stats.Incr(statActiveClients)
		case client := <-cs.deregisterChan:
			cs.removeClient(client)
			cs.stats.Decr(statActiveClients)
		case msg := <-cs.broadcastChan:
			cs.deliverToUser(msg)
		case req := <-cs.unloadRoomChan:
			cs.handleUnloadRoom(req)
		case req := <-cs.stop:
			cs.log.Println("shutting down rooms")
			for _, r := range cs.rooms {
				done := make(chan string)
				r.exit <- exitReq{done: done}
				<-done
			}

			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) handleJoin(joinMsg *ClientMessage) {
	if room, ok := cs.rooms[joinMsg.Join.RoomId]; ok {
		select {
		case room.joinChan <- joinMsg:
		default:
			cs.log.Printf("join channel full on room %q", room.externalId)
			joinMsg.client.queueMessage(ErrServiceUnavailable(joinMsg.Id))
		}
		return
	}

	dbRoom, err := cs.db.GetRoomByExternalId(joinMsg.Join.RoomId)
	if err != nil {
		joinMsg.client.queueMessage(ErrRoomNotFound(joinMsg.Id))
		return
	}

	room := &Room{
		id:            dbRoom.Id,
		externalId:    dbRoom.ExternalId,
		name:          dbRoom.Name,
		isPublic:      dbRoom.IsPublic,
		ownerId:       dbRoom.OwnerId,
		seqId:         dbRoom.SeqId,
		cs:            cs,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		commitChan:    make(chan *commitReq, 256),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[int]map[*Client]struct{}),
		log:           cs.log,
		exit:          make(chan exitReq),
		done:          make(chan struct{}),
	}

	cs.rooms[room.externalId] = room
	cs.stats.Incr(statActiveRooms)
	room.joinChan <- joinMsg

	go room.start()
}

func (cs *ChatServer) handleUnloadRoom(req unloadRoomRequest) {
	r, ok := cs.rooms[req.roomId]
	if !ok {
		if req.done != nil {
			req.done <- req.roomId
		}
		return
	}

	delete(cs.rooms, req.roomId)
	cs.stats.Decr(statActiveRooms)

	done := make(chan string)
	r.exit <- exitReq{deleted: req.deleted, done: done}
	<-done

	if req.done != nil {
		req.done <- req.roomId
	}
}

// UnloadRoom removes a loaded room from the server, notifying clients when
// the room was deleted. It is a no-op for rooms that are not loaded.
func (cs *ChatServer) UnloadRoom(ctx context.Context, roomId string, deleted bool) error {
	done := make(chan string, 1)
	select {
	case cs.unloadRoomChan <- unloadRoomRequest{roomId: roomId, deleted: deleted, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliverToUser sends a notification to every connected session of a user,
// regardless of which rooms those sessions have joined.
func (cs *ChatServer) deliverToUser(msg *ServerMessage) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	for c := range cs.userMap[msg.UserId] {
		if c == msg.SkipClient {
			continue
		}
		c.queueMessage(msg)
	}
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.registerChan <- c
}

func (cs *ChatServer) DeregisterClient(c *Client) {
	cs.deregisterChan <- c
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	if c.user.Id != 0 {
		if cs.userMap[c.user.Id] == nil {
			cs.userMap[c.user.Id] = make(map[*Client]struct{})
		}
		cs.userMap[c.user.Id][c] = struct{}{}
	}
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	delete(cs.clients, c)
	if userClients, ok := cs.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(cs.userMap, c.user.Id)
		}
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	done := make(chan struct{})
	select {
	case cs.stop <- stopRequest{done: done}:
	case <-ctx.Done():
		return fmt.Errorf("chat server shutdown: %w", ctx.Err())
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("chat server shutdown: %w", ctx.Err())
	}
}
