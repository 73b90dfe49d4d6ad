package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/postkit/mta/model"
	"github.com/postkit/mta/service/queue"
	"github.com/postkit/mta/service/resolver"
	"github.com/postkit/mta/service/sender"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, domains ...string) (targets []model.RelayTarget, failures []resolver.DomainError) {
	for _, d := range domains {
		switch {
		case strings.HasPrefix(d, "fail"):
			failures = append(failures, resolver.DomainError{Domain: d, Err: fmt.Errorf("%w: timeout", resolver.ErrLookup)})
		case strings.HasPrefix(d, "nomail"):
			failures = append(failures, resolver.DomainError{Domain: d, Err: resolver.ErrNullMx})
		case strings.Contains(d, " "):
			failures = append(failures, resolver.DomainError{Domain: d, Err: resolver.ErrInvalidDomain})
		default:
			targets = append(targets, model.RelayTarget{Domain: d, Priority: 10, Host: "mx." + d})
		}
	}
	return
}

func (r fakeResolver) ResolveRecipients(ctx context.Context, rcpts ...string) ([]model.RelayTarget, []resolver.DomainError) {
	return r.Resolve(ctx, rcpts...)
}

type fakeSender struct{}

func (fakeSender) Deliver(ctx context.Context, j queue.Job) (r sender.Result, err error) {
	return
}

func (fakeSender) Verify(ctx context.Context, cfg model.SmtpConfig) (err error) {
	if cfg.Password != "good" {
		err = fmt.Errorf("%w: 535 authentication failed", sender.ErrVerify)
	}
	return
}

func newTestHandler(t *testing.T, token string) (h http.Handler, q queue.Service) {
	store, err := queue.NewBoltStore(filepath.Join(t.TempDir(), "queue.db"))
	require.Nil(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	q = queue.NewService(store, 5)
	h = NewHandler(fakeResolver{}, q, fakeSender{}, token, log)
	return
}

func do(h http.Handler, method, path, body string, headers ...string) (rec *httptest.ResponseRecorder) {
	var req *http.Request
	switch body {
	case "":
		req = httptest.NewRequest(method, path, nil)
	default:
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return
}

func TestHandler_Health(t *testing.T) {
	h, _ := newTestHandler(t, "")
	rec := do(h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandler_Dns(t *testing.T) {
	cases := map[string]struct {
		domain string
		status int
		host   string
	}{
		"ok": {
			domain: "example.com",
			status: http.StatusOK,
			host:   "mx.example.com",
		},
		"null mx": {
			domain: "nomail.example.com",
			status: http.StatusNotFound,
		},
		"lookup failure": {
			domain: "fail.example.com",
			status: http.StatusBadGateway,
		},
	}
	h, _ := newTestHandler(t, "")
	for k, c := range cases {
		t.Run(k, func(t *testing.T) {
			rec := do(h, http.MethodGet, "/v1/dns/"+c.domain, "")
			assert.Equal(t, c.status, rec.Code)
			if c.host != "" {
				var resp dnsResponse
				require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				require.Len(t, resp.Targets, 1)
				assert.Equal(t, c.host, resp.Targets[0].Host)
			}
		})
	}
}

func TestHandler_DnsBulk(t *testing.T) {
	var domains []string
	for i := 0; i < 9; i++ {
		domains = append(domains, fmt.Sprintf(`"d%d.example.com"`, i))
	}
	domains = append(domains, `"fail.example.com"`)
	h, _ := newTestHandler(t, "")
	rec := do(h, http.MethodPost, "/v1/dns/bulk", `{"domains":[`+strings.Join(domains, ",")+`]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp dnsResponse
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Targets, 9)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "fail.example.com", resp.Errors[0].Domain)
	//
	rec = do(h, http.MethodPost, "/v1/dns/bulk", `{"domains":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(h, http.MethodPost, "/v1/dns/bulk", `{"hosts":["example.com"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Send(t *testing.T) {
	cases := map[string]struct {
		body   string
		status int
	}{
		"ok": {
			body:   `{"draft":{"from":{"address":"app@example.org"},"to":[{"address":"user@example.com"}],"subject":"hi","text":"hello"}}`,
			status: http.StatusAccepted,
		},
		"explicit transport": {
			body:   `{"draft":{"from":{"address":"app@example.org"},"to":[{"address":"user@example.com"}],"subject":"hi","text":"hello"},"transport":{"host":"smtp.example.org","port":587}}`,
			status: http.StatusAccepted,
		},
		"no recipients": {
			body:   `{"draft":{"from":{"address":"app@example.org"},"subject":"hi"}}`,
			status: http.StatusBadRequest,
		},
		"no sender": {
			body:   `{"draft":{"to":[{"address":"user@example.com"}],"subject":"hi"}}`,
			status: http.StatusBadRequest,
		},
		"not json": {
			body:   `draft`,
			status: http.StatusBadRequest,
		},
	}
	for k, c := range cases {
		t.Run(k, func(t *testing.T) {
			h, q := newTestHandler(t, "")
			rec := do(h, http.MethodPost, "/v1/send", c.body)
			assert.Equal(t, c.status, rec.Code, rec.Body.String())
			if c.status == http.StatusAccepted {
				var resp sendResponse
				require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				j, err := q.Job(context.TODO(), resp.Id)
				require.Nil(t, err)
				assert.Equal(t, queue.KindTransactional, j.Payload.Kind)
				assert.Equal(t, queue.StatePending, j.State)
				//
				rec = do(h, http.MethodGet, "/v1/jobs/"+resp.Id, "")
				assert.Equal(t, http.StatusOK, rec.Code)
				rec = do(h, http.MethodGet, "/stats", "")
				assert.JSONEq(t, `{"pending":1,"active":0,"failed":0}`, rec.Body.String())
			}
		})
	}
}

func TestHandler_Verify(t *testing.T) {
	cases := map[string]struct {
		body   string
		status int
		ok     bool
	}{
		"ok": {
			body:   `{"host":"smtp.example.org","port":587,"username":"u","password":"good"}`,
			status: http.StatusOK,
			ok:     true,
		},
		"rejected": {
			body:   `{"host":"smtp.example.org","port":587,"username":"u","password":"bad"}`,
			status: http.StatusOK,
		},
		"no host": {
			body:   `{"port":587}`,
			status: http.StatusBadRequest,
		},
	}
	h, _ := newTestHandler(t, "")
	for k, c := range cases {
		t.Run(k, func(t *testing.T) {
			rec := do(h, http.MethodPost, "/v1/smtp/verify", c.body)
			require.Equal(t, c.status, rec.Code)
			if c.status == http.StatusOK {
				var resp verifyResponse
				require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, c.ok, resp.Ok)
				assert.Equal(t, c.ok, resp.Error == "")
			}
		})
	}
}

func TestHandler_Jobs(t *testing.T) {
	h, _ := newTestHandler(t, "")
	rec := do(h, http.MethodGet, "/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(h, http.MethodGet, "/v1/jobs/failed", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	rec = do(h, http.MethodGet, "/v1/jobs/failed?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_JobRedacted(t *testing.T) {
	h, _ := newTestHandler(t, "")
	body := `{"draft":{"from":{"address":"app@example.org"},"to":[{"address":"user@example.com"}],"subject":"hi","text":"hello",` +
		`"attachments":[{"filename":"a.txt","contentType":"text/plain","content":"U0VDUkVULUNPTlRFTlQ="}]},` +
		`"transport":{"host":"smtp.example.org","port":587,"username":"app","password":"SUPER-SECRET","tls":"starttls"}}`
	rec := do(h, http.MethodPost, "/v1/send", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp sendResponse
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	rec = do(h, http.MethodGet, "/v1/jobs/"+resp.Id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "SUPER-SECRET")
	assert.NotContains(t, rec.Body.String(), "password")
	assert.NotContains(t, rec.Body.String(), "U0VDUkVULUNPTlRFTlQ=")
	var v jobView
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, resp.Id, v.Id)
	assert.Equal(t, queue.KindTransactional, v.Kind)
	assert.Equal(t, "app@example.org", v.From)
	assert.Equal(t, []string{"user@example.com"}, v.To)
	assert.Equal(t, "hi", v.Subject)
	require.NotNil(t, v.Transport)
	assert.Equal(t, transportView{Host: "smtp.example.org", Port: 587, Username: "app", Tls: "starttls"}, *v.Transport)
}

func TestHandler_FailedRedacted(t *testing.T) {
	store, err := queue.NewBoltStore(filepath.Join(t.TempDir(), "queue.db"))
	require.Nil(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	require.Nil(t, store.Put(context.TODO(), queue.Job{
		Id: "job1",
		Payload: queue.Payload{
			Kind: queue.KindOutboundSend,
			Send: &queue.OutboundSend{
				From:      "alice@example.org",
				To:        []string{"user@example.com"},
				Raw:       []byte("Subject: payroll\r\n\r\nconfidential"),
				MessageId: "<m1@example.org>",
			},
		},
		MaxAttempts: 5,
		Attempts:    5,
		State:       queue.StateFailed,
		LastError:   "550 no such user",
	}))
	h := NewHandler(fakeResolver{}, queue.NewService(store, 5), fakeSender{}, "", log)
	rec := do(h, http.MethodGet, "/v1/jobs/failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"raw"`)
	var views []jobView
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "alice@example.org", views[0].From)
	assert.Equal(t, "<m1@example.org>", views[0].MessageId)
	assert.Equal(t, "550 no such user", views[0].LastError)
	assert.Nil(t, views[0].Transport)
}

func TestHandler_Token(t *testing.T) {
	h, _ := newTestHandler(t, "s3cret")
	rec := do(h, http.MethodGet, "/v1/dns/example.com", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(h, http.MethodGet, "/v1/dns/example.com", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(h, http.MethodGet, "/v1/dns/example.com", "", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)
	// health stays open
	rec = do(h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDecode(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"domains":["a"],"extra":1}`))
	var v dnsBulkRequest
	err := decode(req, &v)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, queue.ErrInvalidPayload))
}
