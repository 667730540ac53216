package event

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_Envelope(t *testing.T) {
	b, err := Encode(Join{Room: "dashboard"})
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(b, &env))
	assert.Equal(t, "join", env["event"])
	assert.Equal(t, map[string]any{"room": "dashboard"}, env["data"])
}

func TestEncode_Nil(t *testing.T) {
	_, err := Encode(nil)
	assert.Error(t, err)
}

func TestDecode_TypedVariants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Event
	}{
		{"authenticate", `{"event":"authenticate","data":{"user_id":7,"token":"t"}}`, Authenticate{UserID: 7, Token: "t"}},
		{"join", `{"event":"join","data":{"room":"chat"}}`, Join{Room: "chat"}},
		{"leave", `{"event":"leave","data":{"room":"chat"}}`, Leave{Room: "chat"}},
		{"ping without data", `{"event":"ping"}`, Ping{}},
		{"request_stats null data", `{"event":"request_stats","data":null}`, RequestStats{}},
		{"system alert", `{"event":"system_alert","data":{"level":"warning","message":"disk"}}`, SystemAlert{Level: "warning", Message: "disk"}},
		{"knowledge update", `{"event":"knowledge_update","data":{"id":3,"title":"Go","action":"created"}}`, KnowledgeUpdate{ID: 3, Title: "Go", Action: "created"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_DashboardUpdateStats(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"dashboard_update","data":{"stats":{"entries":{"value":42}}}}`))
	require.NoError(t, err)

	du, ok := ev.(DashboardUpdate)
	require.True(t, ok, "Decode() type = %T, want DashboardUpdate", ev)
	assert.Equal(t, float64(42), du.Stats["entries"].Value)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"not json", `{{`, ErrMalformed},
		{"unknown event", `{"event":"explode","data":{}}`, ErrUnknownEvent},
		{"transport lifecycle is not a wire event", `{"event":"connect"}`, ErrUnknownEvent},
		{"join missing room", `{"event":"join","data":{}}`, ErrMalformed},
		{"authenticate missing token", `{"event":"authenticate","data":{"user_id":1}}`, ErrMalformed},
		{"notification missing message", `{"event":"notification","data":{"type":"info"}}`, ErrMalformed},
		{"dashboard update empty", `{"event":"dashboard_update","data":{}}`, ErrMalformed},
		{"activity without id", `{"event":"dashboard_update","data":{"activity":[{"title":"x"}]}}`, ErrMalformed},
		{"wrong field type", `{"event":"join","data":{"room":5}}`, ErrMalformed},
		{"user activity missing list", `{"event":"user_activity","data":{}}`, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "Decode() error = %v, want %v", err, tt.wantErr)
		})
	}
}

func TestFieldError(t *testing.T) {
	err := Join{}.Validate()
	var fe *FieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "room", fe.Field)
	assert.True(t, errors.Is(err, errMissingField))
}

func TestEncodeDecode_Message(t *testing.T) {
	in := Message{ID: "m1", Room: "general", UserID: 2, Username: "ada", Content: "hi"}
	b, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in.Content, out.(Message).Content)
	assert.Equal(t, NameMessage, out.Name())
}

func TestKnown(t *testing.T) {
	assert.True(t, Known(NameDashboardUpdate))
	assert.False(t, Known(NameDisconnect))
}
