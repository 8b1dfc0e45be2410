package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeWireFormat(t *testing.T) {
	env, err := NewEnvelope(KindResponse, Response{ID: StringID("7"), Command: CommandGet, Args: Args{"error": nil}})
	require.NoError(t, err)

	b, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"response","data":{"id":"7","command":"get","args":{"error":null}}}`, string(b))

	kill, err := NewEnvelope(KindKill, nil)
	require.NoError(t, err)
	b, err = json.Marshal(kill)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"kill"}`, string(b))
}

func TestIDIsEchoedUnchanged(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		str  string
	}{
		{name: "string", raw: `"req-1"`, str: "req-1"},
		{name: "number", raw: `7`, str: "7"},
		{name: "object", raw: `{"n":1}`, str: `{"n":1}`},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			var req Request
			require.NoError(t, json.Unmarshal([]byte(`{"id":`+c.raw+`,"command":"get","args":{}}`), &req))
			assert.Equal(t, c.str, req.ID.String())
			assert.False(t, req.ID.IsZero())

			b, err := json.Marshal(Response{ID: req.ID, Command: req.Command, Args: Args{}})
			require.NoError(t, err)
			assert.JSONEq(t, `{"id":`+c.raw+`,"command":"get","args":{}}`, string(b))
		})
	}

	var data Data
	require.NoError(t, json.Unmarshal([]byte(`{"id":null,"args":{}}`), &data))
	assert.True(t, data.ID.IsZero())
	b, err := json.Marshal(data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"args":{}}`, string(b))
}

func TestEnvelopeDecodeWithoutData(t *testing.T) {
	var req Request
	err := Envelope{Message: KindRequest}.Decode(&req)
	require.ErrorContains(t, err, "request envelope has no data")
}

func TestArgsAccessors(t *testing.T) {
	var args Args
	require.NoError(t, json.Unmarshal([]byte(`{"url":"http://x","stream":true,"n":1,"headers":{"A":"b","N":2}}`), &args))

	assert.Equal(t, "http://x", args.String("url"))
	assert.Equal(t, "", args.String("missing"))
	assert.True(t, args.Bool("stream"))
	assert.True(t, args.Bool("n"))
	assert.False(t, args.Bool("missing"))
	assert.Equal(t, map[string]string{"A": "b", "N": "2"}, args.Headers("headers"))

	c := args.Clone()
	c["url"] = "changed"
	assert.Equal(t, "http://x", args.String("url"))
}

func TestNoticeProgress(t *testing.T) {
	b, err := json.Marshal(ExitNotice("boom"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"args":{"error":"boom","message":"Exited","progress":100}}`, string(b))

	b, err = json.Marshal(NewNotice(nil, NoticeFileExists, -1))
	require.NoError(t, err)
	assert.JSONEq(t, `{"args":{"error":null,"message":"File exists","progress":null}}`, string(b))
}
