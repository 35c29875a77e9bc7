package activity

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_KnownKind(t *testing.T) {
	body := []byte(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://a.example/act/1",
		"type": "Follow",
		"actor": {"id": "https://a.example/users/alice", "type": "Person"},
		"object": "https://b.example/users/bob",
		"to": "https://b.example/users/bob"
	}`)

	a, err := Parse(body)
	require.NoError(t, err)
	assert.Equal(t, KindFollow, a.Kind)
	assert.False(t, a.Unknown())
	assert.Equal(t, "https://a.example/users/alice", a.Actor)
	assert.Equal(t, []string{"https://b.example/users/bob"}, a.To)
	assert.Contains(t, a.Fields, "@context")
}

func TestParse_UnknownKeepsRawFields(t *testing.T) {
	body := []byte(`{"id":"https://a.example/x","type":"EmojiReact","actor":"https://a.example/u/a","content":"🔥"}`)

	a, err := Parse(body)
	require.NoError(t, err)
	assert.True(t, a.Unknown())
	assert.Equal(t, "EmojiReact", a.Type)
	assert.JSONEq(t, `"🔥"`, string(a.Fields["content"]))
	assert.Equal(t, body, a.Raw())
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"empty":         ``,
		"not json":      `nope`,
		"missing id":    `{"type":"Create","actor":"https://a.example/u/a"}`,
		"missing type":  `{"id":"x","actor":"https://a.example/u/a"}`,
		"missing actor": `{"id":"x","type":"Create"}`,
		"bad actor":     `{"id":"x","type":"Create","actor":"mailto:a@b"}`,
		"no object":     `{"id":"x","type":"Like","actor":"https://a.example/u/a"}`,
		"numeric id":    `{"id":5,"type":"Create","actor":"https://a.example/u/a"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}
}

func TestAudienceAndDeliveryBody(t *testing.T) {
	body := []byte(`{"id":"https://a.example/1","type":"Create","actor":"https://a.example/u/a",
		"object":{"type":"Note"},
		"to":["https://b.example/u/b","https://www.w3.org/ns/activitystreams#Public"],
		"cc":["https://b.example/u/b","https://c.example/u/c"],
		"bcc":["https://d.example/u/d"]}`)

	a, err := Parse(body)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://b.example/u/b",
		"https://www.w3.org/ns/activitystreams#Public",
		"https://c.example/u/c",
		"https://d.example/u/d",
	}, a.Audience())

	out, err := a.DeliveryBody()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.NotContains(t, m, "bcc")
	assert.Contains(t, m, "cc")
}
