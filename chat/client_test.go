package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cserrors "github.com/alexjbarnes/chat-sync/internal/errors"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return srv, NewClient(srv.URL, "test-token", srv.Client())
}

func TestClient_SendsBearerToken(t *testing.T) {
	var gotAuth string

	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode([]Conversation{})
	})

	_, err := client.ListConversations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-token", gotAuth)
}

func TestListConversations(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/conversations", r.URL.Path)

		_ = json.NewEncoder(w).Encode([]Conversation{
			{ID: "c1", DisplayName: "general"},
			{ID: "c2"},
		})
	})

	convs, err := client.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "general", convs[0].DisplayName)
}

func TestListMessages(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/conversations/c1/messages", r.URL.Path)

		_ = json.NewEncoder(w).Encode([]Message{{ID: "m1", Content: "hi"}})
	})

	msgs, err := client.ListMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}

func TestSendMessage(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req SendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "c1", req.ConversationID)
		assert.Equal(t, "hello there", req.Content)

		_ = json.NewEncoder(w).Encode(Message{ID: "m-new", ConversationID: "c1", Content: req.Content})
	})

	msg, err := client.SendMessage(context.Background(), SendMessageRequest{
		ConversationID: "c1",
		Content:        "hello there",
	})
	require.NoError(t, err)
	assert.Equal(t, "m-new", msg.ID)
}

func TestEditMessage_ReturnsUpdatedMessage(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/messages/m1", r.URL.Path)

		_ = json.NewEncoder(w).Encode(Message{ID: "m1", Content: "revised"})
	})

	msg, err := client.EditMessage(context.Background(), "m1", "revised")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "revised", msg.Content)
}

func TestEditMessage_EmptyBodyMeansAckOnly(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	msg, err := client.EditMessage(context.Background(), "m1", "revised")
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestDeleteMessage(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/messages/m1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	assert.NoError(t, client.DeleteMessage(context.Background(), "m1"))
}

func TestCreateConversation(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/conversations", r.URL.Path)

		var req CreateConversationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"u1", "u2"}, req.ParticipantIDs)

		_ = json.NewEncoder(w).Encode(Conversation{ID: "c-new", IsGroup: true})
	})

	conv, err := client.CreateConversation(context.Background(), CreateConversationRequest{
		ParticipantIDs: []string{"u1", "u2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "c-new", conv.ID)
}

func TestAddParticipants(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/conversations/c1/participants", r.URL.Path)

		var req AddParticipantsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"u3"}, req.UserIDs)

		w.WriteHeader(http.StatusOK)
	})

	assert.NoError(t, client.AddParticipants(context.Background(), "c1", []string{"u3"}))
}

func TestRemoveParticipant(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/conversations/c1/participants/u3", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	assert.NoError(t, client.RemoveParticipant(context.Background(), "c1", "u3"))
}

func TestListUsers(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]User{{ID: "u1", DisplayName: "Ada"}})
	})

	users, err := client.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "Ada", users[0].DisplayName)
}

// --- error classification ---

func TestClient_NotFoundMapsToConflictOrGone(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": "not_found", "msg": "message does not exist"}`))
	})

	err := client.DeleteMessage(context.Background(), "m1")
	require.Error(t, err)
	assert.ErrorIs(t, err, cserrors.ErrConflictOrGone)
	assert.ErrorContains(t, err, "message does not exist")
}

func TestClient_GoneAndConflictMapToConflictOrGone(t *testing.T) {
	for _, status := range []int{http.StatusGone, http.StatusConflict} {
		_, client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		})

		err := client.DeleteConversation(context.Background(), "c1")
		assert.ErrorIs(t, err, cserrors.ErrConflictOrGone, "status %d", status)
	}
}

func TestClient_UnauthorizedMapsToInvalidToken(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		_, client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		})

		_, err := client.ListConversations(context.Background())
		assert.ErrorIs(t, err, cserrors.ErrInvalidToken, "status %d", status)
	}
}

func TestClient_ServerErrorMapsToAPIResponse(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.ListConversations(context.Background())
	assert.ErrorIs(t, err, cserrors.ErrAPIResponse)
}

func TestClient_ConnectionFailureMapsToTransientNetwork(t *testing.T) {
	srv, client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv.Close()

	_, err := client.ListConversations(context.Background())
	assert.ErrorIs(t, err, cserrors.ErrTransientNetwork)
}

func TestClient_MalformedResponseMapsToAPIResponse(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	})

	_, err := client.ListConversations(context.Background())
	assert.ErrorIs(t, err, cserrors.ErrAPIResponse)
}
