package server

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/normieai/normie-chat/internal/database"
	"github.com/normieai/normie-chat/internal/gate"
	"github.com/normieai/normie-chat/internal/stats"
	"github.com/normieai/normie-chat/internal/testutil"
	"github.com/normieai/normie-chat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newTestRoom(t *testing.T, cs *ChatServer) *Room {
	t.Helper()
	r := &Room{
		id:            1,
		externalId:    "test-room",
		name:          "Test Room",
		isPublic:      true,
		cs:            cs,
		joinChan:      make(chan *ClientMessage, 16),
		leaveChan:     make(chan *ClientMessage, 16),
		clientMsgChan: make(chan *ClientMessage, 16),
		commitChan:    make(chan *commitReq, 16),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[int]map[*Client]struct{}),
		exit:          make(chan exitReq),
		done:          make(chan struct{}),
		log:           testutil.TestLogger(t),
		killTimer:     time.NewTimer(time.Hour),
	}
	r.killTimer.Stop()
	return r
}

func newTestClient(t *testing.T, user types.User) *Client {
	t.Helper()
	return &Client{
		user:     user,
		send:     make(chan *ServerMessage, 16),
		rooms:    make(map[string]*Room),
		exitRoom: make(chan string, 1),
		log:      testutil.TestLogger(t),
	}
}

func Test_addClient_removeClient_room(t *testing.T) {
	room := newTestRoom(t, newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{}))

	c := newTestClient(t, types.User{Id: 1, Username: "testuser"})
	room.addClient(c)
	assert.Contains(t, room.clients, c, "expected room.clients to contain client")
	assert.Contains(t, room.userMap, c.user.Id, "expected userMap to contain user entry")
	assert.Equal(t, room, c.getRoom(room.externalId), "expected client to track the room")

	room.removeClient(c)
	assert.NotContains(t, room.clients, c, "expected client to be removed")
	assert.NotContains(t, room.userMap, c.user.Id, "expected userMap entry removed with last session")
	assert.Nil(t, c.getRoom(room.externalId), "expected client to drop the room")
}

func Test_handlePublish_denied(t *testing.T) {
	cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
	cs.gate = &stubAuthorizer{err: gate.ErrGuestLimit}
	room := newTestRoom(t, cs)

	c := newTestClient(t, types.User{Username: "guest", GuestId: "guest-session"})
	room.handlePublish(&ClientMessage{
		BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
		Publish:     &Publish{RoomId: room.externalId, Content: "hello"},
		client:      c,
	})

	select {
	case msg := <-c.send:
		assert.NotNil(t, msg.Response, "expected a response")
		assert.Equal(t, http.StatusForbidden, msg.Response.ResponseCode)
		assert.Equal(t, gate.ErrGuestLimit.Reason, msg.Response.Error, "expected the denial reason to be surfaced")
	default:
		t.Error("expected client to receive a denial")
	}
}

func Test_handlePublish_guest(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	su.On("Incr", statMessagesPublished).Return(nil).Once()

	cs := newTestChatServer(t, db, su)
	room := newTestRoom(t, cs)

	db.On("CreateMessage", mock.MatchedBy(func(msg database.Message) bool {
		return msg.UserId == 0 &&
			msg.GuestId == "guest-session" &&
			msg.Content == "hello" &&
			len(msg.Translations) == 0
	})).Return(nil).Once()

	c := newTestClient(t, types.User{Username: "guest", GuestId: "guest-session"})
	room.addClient(c)

	// guests bypass the dispatcher and are committed inline
	room.handlePublish(&ClientMessage{
		BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
		Publish:     &Publish{RoomId: room.externalId, Content: "hello"},
		client:      c,
	})

	assert.Equal(t, 1, room.seqId, "expected sequence to advance")

	msg := <-c.send
	assert.NotNil(t, msg.Response, "expected an ack")
	assert.Equal(t, http.StatusAccepted, msg.Response.ResponseCode)

	broadcastMsg := <-c.send
	assert.NotNil(t, broadcastMsg.Message, "expected the message to be broadcast")
	assert.Equal(t, "hello", broadcastMsg.Message.Content)
	assert.Empty(t, broadcastMsg.Message.Translations, "expected no translations for a guest message")
	assert.Equal(t, "guest-session", broadcastMsg.Message.GuestId)
	su.AssertExpectations(t)
}

func Test_handlePublish_dispatchesOffLoop(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	sender := types.User{Id: 1, Username: "alice", CommunicationStyle: types.StyleAutistic}

	db.On("GetRoomWithParticipants", 1).Return(&database.Room{
		Id:         1,
		ExternalId: "test-room",
		Subscriptions: []database.Subscription{
			{AccountId: 1, Username: "alice", CommunicationStyle: types.StyleAutistic},
			{AccountId: 2, Username: "bob", CommunicationStyle: types.StyleNeurotypical},
		},
	}, nil).Once()

	cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
	cs.translator = &stubTranslator{translations: map[int]string{2: "Could you please reconsider?"}}
	room := newTestRoom(t, cs)

	c := newTestClient(t, sender)
	room.addClient(c)

	room.handlePublish(&ClientMessage{
		BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
		Publish:     &Publish{RoomId: room.externalId, Content: "No."},
		client:      c,
	})

	select {
	case commit := <-room.commitChan:
		assert.NoError(t, commit.err)
		assert.Equal(t, sender, commit.sender)
		assert.Equal(t, map[int]string{2: "Could you please reconsider?"}, commit.translations)
	case <-time.After(time.Second):
		t.Fatal("timeout: dispatch result never reached the commit channel")
	}
}

func Test_commitMessage(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	su.On("Incr", statMessagesPublished).Return(nil).Once()
	su.On("Incr", statTranslationsGenerated).Return(nil).Once()

	cs := newTestChatServer(t, db, su)
	room := newTestRoom(t, cs)
	room.seqId = 4
	room.participants = []types.User{
		{Id: 1, Username: "alice", CommunicationStyle: types.StyleAutistic},
		{Id: 2, Username: "bob", CommunicationStyle: types.StyleNeurotypical},
		{Id: 3, Username: "carol", CommunicationStyle: types.StyleAutistic},
	}

	translations := map[int]string{
		2: "Could you please reconsider?",
		3: "No.",
	}
	db.On("CreateMessage", mock.MatchedBy(func(msg database.Message) bool {
		return msg.SeqId == 5 &&
			msg.RoomId == 1 &&
			msg.UserId == 1 &&
			msg.Content == "No." &&
			len(msg.Translations) == 2
	})).Return(nil).Once()

	sender := newTestClient(t, types.User{Id: 1, Username: "alice", CommunicationStyle: types.StyleAutistic})
	room.addClient(sender)

	room.commitMessage(&commitReq{
		msg: &ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Publish:     &Publish{RoomId: room.externalId, Content: "No."},
			client:      sender,
		},
		sender:       sender.user,
		translations: translations,
	})

	assert.Equal(t, 5, room.seqId, "expected sequence to advance exactly once")

	ack := <-sender.send
	assert.Equal(t, http.StatusAccepted, ack.Response.ResponseCode, "expected accepted ack for the sender")

	broadcastMsg := <-sender.send
	assert.NotNil(t, broadcastMsg.Message, "expected full message broadcast to the room")
	assert.Equal(t, 5, broadcastMsg.Message.SeqId)
	assert.Equal(t, translations, broadcastMsg.Message.Translations, "expected the whole translation map on the broadcast")

	// participants with no session in the room get a lightweight notification
	notified := map[int]string{}
	for i := 0; i < 2; i++ {
		select {
		case m := <-cs.broadcastChan:
			assert.NotNil(t, m.Notification)
			assert.NotNil(t, m.Notification.Message)
			assert.Equal(t, room.externalId, m.Notification.Message.RoomId)
			assert.Equal(t, 5, m.Notification.Message.SeqId)
			notified[m.UserId] = m.Notification.Message.Preview
		default:
			t.Fatal("expected notifications for both absent participants")
		}
	}
	assert.Equal(t, translations[2], notified[2], "expected participant 2's own variant as the preview")
	assert.Equal(t, translations[3], notified[3], "expected participant 3's own variant as the preview")
	su.AssertExpectations(t)
}

func Test_commitMessage_translationFailure(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	su.On("Incr", statTranslationFailures).Return(nil).Once()

	cs := newTestChatServer(t, db, su)
	room := newTestRoom(t, cs)
	room.seqId = 4

	sender := newTestClient(t, types.User{Id: 1, Username: "alice"})
	room.addClient(sender)

	room.commitMessage(&commitReq{
		msg: &ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Publish:     &Publish{RoomId: room.externalId, Content: "No."},
			client:      sender,
		},
		sender: sender.user,
		err:    errors.New("model unavailable"),
	})

	assert.Equal(t, 4, room.seqId, "expected sequence unchanged when nothing is persisted")
	db.AssertNotCalled(t, "CreateMessage", mock.Anything)

	msg := <-sender.send
	assert.Equal(t, http.StatusBadGateway, msg.Response.ResponseCode)
	assert.Equal(t, "No.", msg.Response.Data["original_message"], "expected original content echoed for compose restore")
	su.AssertExpectations(t)
}

func Test_commitMessage_persistFailure(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)
	db.On("CreateMessage", mock.Anything).Return(errors.New("db down")).Once()

	cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
	room := newTestRoom(t, cs)

	sender := newTestClient(t, types.User{Id: 1, Username: "alice"})
	room.addClient(sender)

	room.commitMessage(&commitReq{
		msg: &ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			Publish:     &Publish{RoomId: room.externalId, Content: "hello"},
			client:      sender,
		},
		sender:       sender.user,
		translations: map[int]string{},
	})

	assert.Equal(t, 0, room.seqId, "expected sequence unchanged on persist failure")

	msg := <-sender.send
	assert.Equal(t, http.StatusInternalServerError, msg.Response.ResponseCode)
}

func Test_handleJoin_room(t *testing.T) {
	t.Run("guest denied in private room", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(t, cs)
		room.isPublic = false

		c := newTestClient(t, types.User{Username: "guest", GuestId: "guest-session"})
		room.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{RoomId: room.externalId},
			client:      c,
		})

		msg := <-c.send
		assert.Equal(t, http.StatusForbidden, msg.Response.ResponseCode)
		assert.Empty(t, room.clients, "expected guest not to be added")
	})

	t.Run("non-member denied in private room", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("SubscriptionExists", 1, 1).Return(false).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		room := newTestRoom(t, cs)
		room.isPublic = false

		c := newTestClient(t, types.User{Id: 1, Username: "alice"})
		room.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{RoomId: room.externalId},
			client:      c,
		})

		msg := <-c.send
		assert.Equal(t, http.StatusForbidden, msg.Response.ResponseCode)
		assert.Empty(t, room.clients, "expected non-member not to be added")
	})

	t.Run("join public room returns roster with presence", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetRoomWithParticipants", 1).Return(&database.Room{
			Id:         1,
			ExternalId: "test-room",
			Subscriptions: []database.Subscription{
				{AccountId: 1, Username: "alice", CommunicationStyle: types.StyleAutistic},
				{AccountId: 2, Username: "bob", CommunicationStyle: types.StyleNeurotypical},
			},
		}, nil).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		room := newTestRoom(t, cs)
		room.seqId = 9

		c := newTestClient(t, types.User{Id: 1, Username: "alice"})
		room.handleJoin(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Join:        &Join{RoomId: room.externalId},
			client:      c,
		})

		assert.Contains(t, room.clients, c, "expected client to be added to the room")

		msg := <-c.send
		assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)
		roomInfo, ok := msg.Response.Data["room"].(types.Room)
		assert.True(t, ok, "expected room info in response data")
		assert.Equal(t, 9, roomInfo.SeqId, "expected current sequence in room info")
		assert.Len(t, roomInfo.Participants, 2, "expected full roster")

		for _, p := range roomInfo.Participants {
			if p.Id == 1 {
				assert.True(t, p.IsPresent, "expected the joining user to be marked present")
			} else {
				assert.False(t, p.IsPresent, "expected absent participants to be marked not present")
			}
		}
	})
}

func Test_handleLeave(t *testing.T) {
	t.Run("leave keeps subscription", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(t, cs)

		c := newTestClient(t, types.User{Id: 1, Username: "alice"})
		room.addClient(c)

		room.handleLeave(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Leave:       &Leave{RoomId: room.externalId},
			UserId:      1,
			client:      c,
		})

		assert.NotContains(t, room.clients, c, "expected client removed from the room")
		msg := <-c.send
		assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)
	})

	t.Run("unsubscribe removes membership", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("DeleteSubscription", 1, 1).Return(nil).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		room := newTestRoom(t, cs)
		room.participants = []types.User{
			{Id: 1, Username: "alice"},
			{Id: 2, Username: "bob"},
		}

		c := newTestClient(t, types.User{Id: 1, Username: "alice"})
		room.addClient(c)

		other := newTestClient(t, types.User{Id: 2, Username: "bob"})
		room.addClient(other)

		room.handleLeave(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Leave:       &Leave{RoomId: room.externalId, Unsubscribe: true},
			UserId:      1,
			client:      c,
		})

		assert.NotContains(t, room.clients, c, "expected all sessions for the user removed")
		assert.Len(t, room.participants, 1, "expected participant removed from the roster")
		assert.Equal(t, 2, room.participants[0].Id)

		ack := <-c.send
		assert.Equal(t, http.StatusOK, ack.Response.ResponseCode)

		change := <-other.send
		assert.NotNil(t, change.Notification, "expected participant change notification")
		assert.NotNil(t, change.Notification.ParticipantChange)
		assert.False(t, change.Notification.ParticipantChange.Joined)
		assert.Equal(t, 1, change.Notification.ParticipantChange.User.Id)
	})

	t.Run("guest leave cannot unsubscribe", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(t, cs)

		c := newTestClient(t, types.User{Username: "guest", GuestId: "guest-session"})
		room.addClient(c)

		room.handleLeave(&ClientMessage{
			BaseMessage: BaseMessage{Id: 1},
			Leave:       &Leave{RoomId: room.externalId, Unsubscribe: true},
			client:      c,
		})

		assert.NotContains(t, room.clients, c, "expected guest session removed")
		msg := <-c.send
		assert.Equal(t, http.StatusOK, msg.Response.ResponseCode)
	})
}

func Test_handleRoomTimeout(t *testing.T) {
	t.Run("requests unload", func(t *testing.T) {
		room := newTestRoom(t, newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{}))

		room.handleRoomTimeout()
		select {
		case req := <-room.cs.unloadRoomChan:
			assert.Equal(t, "test-room", req.roomId, "expected room ID to match")
			assert.False(t, req.deleted, "expected deleted flag to be false")
		default:
			t.Error("handleRoomTimeout did not send unload request")
		}
	})

	t.Run("unload channel full, timer rearmed", func(t *testing.T) {
		room := newTestRoom(t, newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{}))
		room.cs.unloadRoomChan = make(chan unloadRoomRequest, 1)
		room.cs.unloadRoomChan <- unloadRoomRequest{roomId: "another-room"}

		room.handleRoomTimeout()
		assert.True(t, room.killTimer.Stop(), "expected kill timer to be rearmed after failed unload request")
	})
}

func Test_handleRoomExit(t *testing.T) {
	t.Run("deleted room notifies clients", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(t, cs)

		c := newTestClient(t, types.User{Id: 1, Username: "alice"})
		room.addClient(c)

		done := make(chan string, 1)
		room.handleRoomExit(exitReq{deleted: true, done: done})

		msg := <-c.send
		assert.NotNil(t, msg.Notification, "expected a notification")
		assert.NotNil(t, msg.Notification.RoomDeleted, "expected room deleted notification")
		assert.Equal(t, room.externalId, msg.Notification.RoomDeleted.RoomId)

		select {
		case id := <-c.exitRoom:
			assert.Equal(t, room.externalId, id, "expected client to be told to drop the room")
		default:
			t.Error("expected exitRoom signal")
		}

		assert.Equal(t, room.externalId, <-done)
	})

	t.Run("offline presence sent to participants", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockChatRepository{}, &stats.MockStatsUpdater{})
		room := newTestRoom(t, cs)
		room.participants = []types.User{{Id: 1, Username: "alice"}}

		done := make(chan string, 1)
		room.handleRoomExit(exitReq{done: done})
		<-done

		select {
		case msg := <-cs.broadcastChan:
			assert.NotNil(t, msg.Notification)
			assert.NotNil(t, msg.Notification.Presence)
			assert.False(t, msg.Notification.Presence.Present)
			assert.Equal(t, room.externalId, msg.Notification.Presence.RoomId)
			assert.Equal(t, 1, msg.UserId)
		default:
			t.Error("expected presence notification on server broadcast channel")
		}
	})
}

func Test_refreshParticipants(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)
	db.On("GetRoomWithParticipants", 1).Return(&database.Room{
		Id:         1,
		ExternalId: "test-room",
		Subscriptions: []database.Subscription{
			{AccountId: 1, Username: "alice", CommunicationStyle: types.StyleAutistic},
			{AccountId: 2, Username: "bob", CommunicationStyle: types.StyleNeurotypical},
		},
	}, nil).Once()

	cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
	room := newTestRoom(t, cs)

	participants, err := room.refreshParticipants()
	assert.NoError(t, err)
	assert.Len(t, participants, 2)
	assert.Equal(t, types.StyleAutistic, participants[0].CommunicationStyle, "expected styles carried on the roster")
	assert.Equal(t, room.participants, participants, "expected snapshot stored on the room")
}
