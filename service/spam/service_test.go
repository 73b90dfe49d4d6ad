package spam

import (
	"context"
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

var log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

func TestService_CheckMessage(t *testing.T) {
	var gotHeaders http.Header
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathCheck, r.URL.Path)
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"action":         "add header",
			"score":          7.5,
			"required_score": 15,
			"symbols": map[string]any{
				"R_SPF_FAIL":    map[string]any{"score": 1.0},
				"BAYES_SPAM":    map[string]any{"score": 5.1},
				"MIME_GOOD":     map[string]any{"score": -0.1},
				"ARC_NA":        map[string]any{"score": 0.0},
				"ONCE_RECEIVED": map[string]any{"score": 0.1},
			},
		})
	}))
	defer srv.Close()
	svc := NewLogging(NewService(srv.URL, "secret", time.Second), log)
	v, err := svc.CheckMessage(context.TODO(), Request{
		From:    "alice@example.com",
		To:      []string{"bob@example.org", "carol@example.org"},
		Subject: "hi",
		Body:    []byte("Subject: hi\r\n\r\nhello\r\n"),
		Ip:      net.ParseIP("203.0.113.7"),
		Helo:    "mail.example.com",
	})
	require.Nil(t, err)
	assert.Equal(t, ActionAddHeader, v.Action)
	assert.Equal(t, 7.5, v.Score)
	assert.Equal(t, 15.0, v.RequiredScore)
	assert.Equal(t, []string{"BAYES_SPAM", "R_SPF_FAIL", "ONCE_RECEIVED", "ARC_NA", "MIME_GOOD"}, v.Symbols)
	assert.Equal(t, "203.0.113.7", gotHeaders.Get("IP"))
	assert.Equal(t, "mail.example.com", gotHeaders.Get("Helo"))
	assert.Equal(t, "alice@example.com", gotHeaders.Get("From"))
	assert.Equal(t, []string{"bob@example.org", "carol@example.org"}, gotHeaders.Values("Rcpt"))
	assert.Equal(t, "secret", gotHeaders.Get("Password"))
	assert.Equal(t, "Subject: hi\r\n\r\nhello\r\n", string(gotBody))
}

func TestService_CheckConnection(t *testing.T) {
	cases := map[string]struct {
		action  string
		allowed bool
		reason  string
	}{
		"allowed": {
			action:  "no action",
			allowed: true,
		},
		"rejected": {
			action: "reject",
			reason: "DNSBL_LISTED",
		},
	}
	for k, c := range cases {
		t.Run(k, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"action": c.action,
					"score":  2.0,
					"symbols": map[string]any{
						"DNSBL_LISTED": map[string]any{"score": 2.0},
					},
				})
			}))
			defer srv.Close()
			svc := NewService(srv.URL, "", time.Second)
			v, err := svc.CheckConnection(context.TODO(), net.ParseIP("198.51.100.1"), "spam.example.net")
			require.Nil(t, err)
			assert.Equal(t, c.allowed, v.Allowed)
			assert.Equal(t, 2.0, v.Score)
			assert.Equal(t, c.reason, v.Reason)
		})
	}
}

func TestService_Unavailable(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"timeout": func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(500 * time.Millisecond)
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{"))
		},
	}
	for k, h := range cases {
		t.Run(k, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			svc := NewService(srv.URL, "", 100*time.Millisecond)
			_, err := svc.CheckMessage(context.TODO(), Request{Body: []byte("x")})
			assert.ErrorIs(t, err, ErrUnavailable)
		})
	}
}

func TestNoop(t *testing.T) {
	svc := NewNoop()
	cv, err := svc.CheckConnection(context.TODO(), net.ParseIP("198.51.100.1"), "")
	assert.Nil(t, err)
	assert.True(t, cv.Allowed)
	v, err := svc.CheckMessage(context.TODO(), Request{})
	assert.Nil(t, err)
	assert.Equal(t, ActionNoAction, v.Action)
	assert.Zero(t, v.Score)
}
