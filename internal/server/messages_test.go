package server

import (
	"net/http"
	"testing"

	"github.com/normieai/normie-chat/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestGetUserId(t *testing.T) {
	t.Run("extracts id from UserId", func(t *testing.T) {
		cm := &ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			UserId:      42,
		}

		assert.Equal(t, 42, cm.GetUserId(), "expected UserId to be returned directly")
	})

	t.Run("extracts id from client", func(t *testing.T) {
		cm := &ClientMessage{
			BaseMessage: BaseMessage{Id: 1, Timestamp: Now()},
			client: &Client{
				user: types.User{Id: 42},
			},
		}

		assert.Equal(t, 42, cm.GetUserId(), "expected UserId to be extracted from client user")
	})

	t.Run("guest message has no user id", func(t *testing.T) {
		cm := &ClientMessage{
			GuestId: "guest-session",
			client: &Client{
				user: types.User{Username: "guest", GuestId: "guest-session"},
			},
		}

		assert.Equal(t, 0, cm.GetUserId(), "expected zero user id for guests")
	})
}

func TestNoErrOK(t *testing.T) {
	result := NoErrOK(1, map[string]any{"testkey": "testvalue"})

	assert.Equal(t, 1, result.Id)
	assert.Equal(t, http.StatusOK, result.Response.ResponseCode)
	assert.Equal(t, "testvalue", result.Response.Data["testkey"])
	assert.Empty(t, result.Response.Error, "expected no error on success response")
}

func TestNoErrAccepted(t *testing.T) {
	result := NoErrAccepted(3)

	assert.Equal(t, 3, result.Id)
	assert.Equal(t, http.StatusAccepted, result.Response.ResponseCode)
}

func TestErrNotAuthorized(t *testing.T) {
	result := ErrNotAuthorized(2, "guest limit reached")

	assert.Equal(t, 2, result.Id)
	assert.Equal(t, http.StatusForbidden, result.Response.ResponseCode)
	assert.Equal(t, "guest limit reached", result.Response.Error, "expected the denial reason in the response")
}

func TestErrTranslationFailed(t *testing.T) {
	result := ErrTranslationFailed(2, "Stop doing that.")

	assert.Equal(t, 2, result.Id)
	assert.Equal(t, http.StatusBadGateway, result.Response.ResponseCode)
	assert.Equal(t, "translation failed", result.Response.Error)
	assert.Equal(t, "Stop doing that.", result.Response.Data["original_message"],
		"expected the original content so the client can restore the compose input")
}

func TestErrInvalidMessage(t *testing.T) {
	t.Run("with id", func(t *testing.T) {
		result := ErrInvalidMessage(7)
		assert.Equal(t, 7, result.Id)
		assert.Equal(t, http.StatusBadRequest, result.Response.ResponseCode)
	})

	t.Run("without id", func(t *testing.T) {
		result := ErrInvalidMessage(-1)
		assert.Equal(t, 0, result.Id, "expected no id when none was parseable")
	})
}
