package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServerMessageWireFields(t *testing.T) {
	tests := []struct {
		name string
		msg  ServerMessage
		want string
	}{
		{
			"Empty snapshot",
			ServerMessage{Type: ServerMessageTypeOnlineUsers},
			`{"type":"online-users-snapshot","userIds":[]}`,
		},
		{
			"Snapshot",
			ServerMessage{Type: ServerMessageTypeOnlineUsers, RequestID: "r1", UserIDs: []string{"u2"}},
			`{"type":"online-users-snapshot","requestId":"r1","userIds":["u2"]}`,
		},
		{
			"Typing stopped",
			ServerMessage{Type: ServerMessageTypeUserTyping, ConversationID: "c1", UserID: "u1"},
			`{"type":"user-typing","conversationId":"c1","userId":"u1","isTyping":false}`,
		},
		{
			"Typing started",
			ServerMessage{Type: ServerMessageTypeUserTyping, ConversationID: "c1", UserID: "u1", Username: "Ann", IsTyping: true},
			`{"type":"user-typing","conversationId":"c1","userId":"u1","username":"Ann","isTyping":true}`,
		},
		{
			"Last reaction removed",
			ServerMessage{Type: ServerMessageTypeReactionUpdated, ConversationID: "c1", MessageID: "m1"},
			`{"type":"reaction-updated","conversationId":"c1","messageId":"m1","reactions":[]}`,
		},
		{
			"Other events stay compact",
			ServerMessage{Type: ServerMessageTypeUserOffline, UserID: "u1"},
			`{"type":"user-offline","userId":"u1"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.msg)
			require.NoError(t, err)
			require.JSONEq(t, tt.want, string(data))
		})
	}
}
