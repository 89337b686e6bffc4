package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_PreservesFields(t *testing.T) {
	in := Envelope{ID: 42, Type: "queue_update", Data: json.RawMessage(`{"entry":7,"status":"called"}`)}
	b, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Type, out.Type)
	assert.JSONEq(t, string(in.Data), string(out.Data))
}

func TestEncode_OmitsEmptyID(t *testing.T) {
	b, err := Encode(Envelope{Type: TypePong})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(b))
}

func TestDecode_Handshake(t *testing.T) {
	e, err := Decode([]byte(`{"type":"auth","token":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeAuth, e.Type)
	assert.Equal(t, "abc", e.Token)
	assert.False(t, e.IsReply())
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`{"data":1}`))
	assert.ErrorIs(t, err, ErrMissingType)

	_, err = Encode(Envelope{})
	assert.ErrorIs(t, err, ErrMissingType)
}

func TestMarshalData(t *testing.T) {
	raw, err := MarshalData(nil)
	assert.NoError(t, err)
	assert.Nil(t, raw)

	raw, err = MarshalData(map[string]int{"n": 1})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(raw))

	_, err = MarshalData([]byte("{bad"))
	assert.ErrorIs(t, err, ErrMalformed)

	e, err := NewEnvelope("notice", json.RawMessage(`[1,2]`))
	assert.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(e.Data))
}

func TestCloseCode(t *testing.T) {
	assert.True(t, CloseSuperseded.Terminal())
	assert.True(t, CloseInvalidCredential.Terminal())
	assert.False(t, CloseHeartbeatTimeout.Terminal())
	assert.False(t, CloseGoingAway.Terminal())
	assert.Equal(t, "authentication timeout", CloseAuthTimeout.Reason())
	assert.Equal(t, "closed", CloseCode(4999).Reason())
	assert.NotEmpty(t, FormatClose(CloseMalformed, ""))
}
