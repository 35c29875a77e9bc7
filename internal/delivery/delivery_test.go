package delivery

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPlan_SharedInboxCollapse(t *testing.T) {
	targets, bad := Plan([]Recipient{
		{ID: "https://b.example/users/1", Inbox: "https://b.example/users/1/inbox", SharedInbox: "https://b.example/inbox"},
		{ID: "https://b.example/users/2", Inbox: "https://b.example/users/2/inbox", SharedInbox: "https://b.example/inbox"},
		{ID: "https://c.example/users/3", Inbox: "https://c.example/users/3/inbox"},
		{ID: "https://b.example/users/1", Inbox: "https://b.example/users/1/inbox", SharedInbox: "https://b.example/inbox"},
		{ID: "https://d.example/users/4", Inbox: "mailto:x@d.example"},
	})
	if assert.Len(t, targets, 2) {
		assert.Equal(t, "https://b.example/inbox", targets[0].Inbox)
		assert.Equal(t, []string{"https://b.example/users/1", "https://b.example/users/2"}, targets[0].Recipients)
		assert.Equal(t, "https://c.example/users/3/inbox", targets[1].Inbox)
	}
	if assert.Len(t, bad, 1) {
		assert.Equal(t, "https://d.example/users/4", bad[0].Recipient.ID)
	}
}

func TestPlan_InvalidSharedInboxFallsBackToInbox(t *testing.T) {
	targets, bad := Plan([]Recipient{{ID: "a", Inbox: "https://x.example/a/inbox", SharedInbox: "not a url"}})
	assert.Empty(t, bad)
	assert.Equal(t, "https://x.example/a/inbox", targets[0].Inbox)
}

func TestBackoff_Next(t *testing.T) {
	b := Backoff{Base: 300 * time.Second, Max: 24 * time.Hour}
	assert.Equal(t, 300*time.Second, b.Next(1))
	assert.Equal(t, 600*time.Second, b.Next(2))
	assert.Equal(t, 1200*time.Second, b.Next(3))
	assert.Equal(t, 24*time.Hour, b.Next(40))
	assert.Equal(t, 300*time.Second, b.Next(0))

	low := Backoff{Base: 100 * time.Second, Jitter: 0.2, Rand: func() float64 { return 0 }}
	high := Backoff{Base: 100 * time.Second, Jitter: 0.2, Rand: func() float64 { return 0.9999999 }}
	assert.Equal(t, 80*time.Second, low.Next(1))
	assert.InDelta(t, float64(120*time.Second), float64(high.Next(1)), float64(time.Millisecond))

	for i := 0; i < 100; i++ {
		d := Backoff{Jitter: 0.2}.Next(1)
		assert.GreaterOrEqual(t, d, 240*time.Second)
		assert.LessOrEqual(t, d, 360*time.Second)
	}
}

func TestClassify(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	resp := func(code int, retryAfter string) *Response {
		r := &Response{StatusCode: code, Header: map[string][]string{}}
		if retryAfter != "" {
			r.Header.Set("Retry-After", retryAfter)
		}
		return r
	}
	cases := []struct {
		name  string
		resp  *Response
		err   error
		class Class // 0 = éxito
		after time.Duration
	}{
		{"200", resp(200, ""), nil, 0, 0},
		{"202", resp(202, ""), nil, 0, 0},
		{"301", resp(301, ""), nil, Permanent, 0},
		{"400", resp(400, ""), nil, Permanent, 0},
		{"404", resp(404, ""), nil, Permanent, 0},
		{"410", resp(410, ""), nil, Permanent, 0},
		{"408", resp(408, ""), nil, Retryable, 0},
		{"429 seconds", resp(429, "120"), nil, Retryable, 120 * time.Second},
		{"429 date", resp(429, now.Add(time.Minute).Format("Mon, 02 Jan 2006 15:04:05 GMT")), nil, Retryable, time.Minute},
		{"429 garbage", resp(429, "soon"), nil, Retryable, 0},
		{"500", resp(500, ""), nil, Retryable, 0},
		{"503 hint", resp(503, "30"), nil, Retryable, 30 * time.Second},
		{"network", nil, assert.AnError, Retryable, 0},
		{"bad url", nil, errBadURL, Permanent, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.resp, tc.err, now)
			if tc.class == 0 {
				assert.Nil(t, got)
				return
			}
			if assert.NotNil(t, got) {
				assert.Equal(t, tc.class, got.Class)
				assert.Equal(t, tc.class == Retryable, IsRetryable(fmt.Errorf("attempt 1: %w", got)))
				assert.Equal(t, tc.after, got.RetryAfter)
			}
		})
	}
}
