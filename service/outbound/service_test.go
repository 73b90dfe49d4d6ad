package outbound

import (
	"context"
	"errors"
	"github.com/postkit/mta/model"
	"github.com/postkit/mta/service/antivirus"
	"github.com/postkit/mta/service/converter"
	"github.com/postkit/mta/service/queue"
	"github.com/postkit/mta/service/ratelimit"
	"github.com/postkit/mta/service/spam"
	"github.com/postkit/mta/service/storage"
	"github.com/postkit/mta/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

const msgValid = "From: Alice <alice@example.org>\r\n" +
	"To: user@example.com\r\n" +
	"Subject: report\r\n" +
	"Date: Thu, 10 Oct 2024 12:34:56 +0000\r\n" +
	"Message-ID: <r1@example.org>\r\n" +
	"\r\n" +
	"Attached.\r\n"

var alice = model.Identity{
	WorkspaceId: "ws-1",
	AddressId:   "addr-alice",
	MemberId:    "member-alice",
	Address:     "alice@example.org",
}

type fakeSpam struct {
	msg    spam.Verdict
	msgErr error
}

func (f fakeSpam) CheckConnection(ctx context.Context, ip net.IP, helo string) (spam.ConnVerdict, error) {
	return spam.ConnVerdict{Allowed: true}, nil
}

func (f fakeSpam) CheckMessage(ctx context.Context, req spam.Request) (spam.Verdict, error) {
	return f.msg, f.msgErr
}

type fakeAv struct {
	r     antivirus.Result
	err   error
	calls *int
}

func (f fakeAv) Scan(ctx context.Context, data []byte) (antivirus.Result, error) {
	if f.calls != nil {
		*f.calls++
	}
	return f.r, f.err
}

type fixture struct {
	svc   Service
	store *storage.Memory
	queue queue.Service
}

func newFixture(t *testing.T, spamSvc spam.Service, av antivirus.Service, virusScan bool) (f fixture) {
	f.store = storage.NewMemory()
	require.Nil(t, f.store.AddUser("alice", "s3cret", "shared", alice, "billing@example.org"))
	require.Nil(t, f.store.AddUser("bob", "hunter2", "", model.Identity{MemberId: "member-bob", Address: "bob@example.org"}))
	qs, err := queue.NewBoltStore(filepath.Join(t.TempDir(), "queue.db"))
	require.Nil(t, err)
	t.Cleanup(func() {
		_ = qs.Close()
	})
	f.queue = queue.NewService(qs, 5)
	if spamSvc == nil {
		spamSvc = fakeSpam{
			msg: spam.Verdict{Action: spam.ActionNoAction, Score: 0.5, RequiredScore: 15},
		}
	}
	if av == nil {
		av = fakeAv{}
	}
	f.svc = NewLogging(NewService(
		Config{
			RecipientsLimit: 2,
			DataLimit:       1024,
			VirusScan:       virusScan,
		},
		ratelimit.NewService(ratelimit.NewMemoryStore(), "test", 3, time.Hour),
		spamSvc,
		av,
		converter.NewConverter("mx.example.org", util.HtmlPolicy()),
		storage.NewLogging(f.store, log),
		f.queue,
	), log)
	return
}

func authenticated(from string, rcpts ...string) (sess model.Session) {
	id := alice
	sess.RemoteAddr = net.ParseIP("198.51.100.4")
	sess.ClientHostname = "laptop.example.org"
	sess.Identity = &id
	sess.Begin()
	if from != "" {
		sess.Envelope.MailFrom = &from
	}
	for _, r := range rcpts {
		sess.Envelope.RcptTo = append(sess.Envelope.RcptTo, model.Recipient{Address: r})
	}
	return
}

func TestSvc_Mechanism(t *testing.T) {
	f := newFixture(t, nil, nil, true)
	cases := map[string]error{
		"PLAIN":       nil,
		"LOGIN":       nil,
		"CRAM-MD5":    nil,
		"XOAUTH2":     ErrAuthMechanism,
		"xoauth2":     ErrAuthMechanism,
		"OAUTHBEARER": ErrAuthMechanism,
	}
	for mech, expected := range cases {
		t.Run(mech, func(t *testing.T) {
			assert.ErrorIs(t, f.svc.Mechanism(mech), expected)
		})
	}
}

func TestSvc_Auth(t *testing.T) {
	f := newFixture(t, nil, nil, true)
	cases := map[string]struct {
		username string
		password string
		id       model.Identity
		err      error
	}{
		"ok": {
			username: "alice",
			password: "s3cret",
			id:       alice,
		},
		"wrong password": {
			username: "alice",
			password: "secret",
			err:      ErrAuth,
		},
		"unknown user": {
			username: "mallory",
			password: "s3cret",
			err:      ErrAuth,
		},
		"empty password": {
			username: "alice",
			err:      ErrAuth,
		},
	}
	for k, c := range cases {
		t.Run(k, func(t *testing.T) {
			id, err := f.svc.Auth(context.TODO(), c.username, c.password)
			assert.Equal(t, c.id, id)
			assert.ErrorIs(t, err, c.err)
			if err != nil {
				// no detail on which part was wrong
				assert.Equal(t, ErrAuth.Error(), err.Error())
			}
		})
	}
}

func TestSvc_Secret(t *testing.T) {
	f := newFixture(t, nil, nil, true)
	secret, id, err := f.svc.Secret(context.TODO(), "alice")
	assert.Nil(t, err)
	assert.Equal(t, "shared", secret)
	assert.Equal(t, alice, id)
	_, _, err = f.svc.Secret(context.TODO(), "bob")
	assert.ErrorIs(t, err, ErrAuthMechanism)
	_, _, err = f.svc.Secret(context.TODO(), "mallory")
	assert.ErrorIs(t, err, ErrAuth)
}

func TestSvc_MailFrom(t *testing.T) {
	cases := map[string]struct {
		anonymous bool
		from      string
		addr      string
		err       error
	}{
		"own address": {
			from: "Alice@Example.org",
			addr: "alice@example.org",
		},
		"extra send-as address": {
			from: "<billing@example.org>",
			addr: "billing@example.org",
		},
		"foreign address": {
			from: "ceo@example.org",
			err:  ErrSenderNotOwned,
		},
		"null sender": {
			from: "",
			err:  ErrInvalidAddress,
		},
		"not authenticated": {
			anonymous: true,
			from:      "alice@example.org",
			err:       ErrNotAuthenticated,
		},
	}
	for k, c := range cases {
		t.Run(k, func(t *testing.T) {
			f := newFixture(t, nil, nil, true)
			sess := authenticated("")
			if c.anonymous {
				sess.Identity = nil
			}
			v, err := f.svc.MailFrom(context.TODO(), sess, c.from)
			assert.ErrorIs(t, err, c.err)
			assert.Equal(t, c.addr, v.Address)
		})
	}
}

func TestSvc_MailFrom_RateLimit(t *testing.T) {
	f := newFixture(t, nil, nil, true)
	sess := authenticated("")
	for i := 0; i < 3; i++ {
		_, err := f.svc.MailFrom(context.TODO(), sess, "alice@example.org")
		require.Nil(t, err)
	}
	_, err := f.svc.MailFrom(context.TODO(), sess, "alice@example.org")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestSvc_RcptTo(t *testing.T) {
	f := newFixture(t, nil, nil, true)
	sess := authenticated("alice@example.org")
	v, err := f.svc.RcptTo(context.TODO(), sess, "User@Example.com")
	assert.Nil(t, err)
	assert.Equal(t, "user@example.com", v.Recipient.Address)
	assert.Empty(t, v.Recipient.AddressId)
	_, err = f.svc.RcptTo(context.TODO(), sess, "not an address")
	assert.ErrorIs(t, err, ErrInvalidAddress)
	sess = authenticated("alice@example.org", "a@example.com", "b@example.com")
	_, err = f.svc.RcptTo(context.TODO(), sess, "c@example.com")
	assert.ErrorIs(t, err, ErrTooManyRecipients)
}

func TestSvc_Data(t *testing.T) {
	avCalls := 0
	cases := map[string]struct {
		spam      spam.Service
		av        antivirus.Service
		virusScan bool
		msg       string
		rcpts     []string
		score     float64
		warnings  []string
		err       error
	}{
		"queued": {
			virusScan: true,
			msg:       msgValid,
			rcpts:     []string{"user@example.com"},
			score:     0.5,
		},
		"no recipients": {
			msg: msgValid,
			err: ErrNoRecipients,
		},
		"too large": {
			msg:   msgValid + strings.Repeat("x", 1024),
			rcpts: []string{"user@example.com"},
			err:   ErrTooLarge,
		},
		"spam rejected": {
			spam:  fakeSpam{msg: spam.Verdict{Action: spam.ActionReject, Score: 30}},
			msg:   msgValid,
			rcpts: []string{"user@example.com"},
			err:   ErrSpamReject,
		},
		"greylisted": {
			spam:  fakeSpam{msg: spam.Verdict{Action: spam.ActionGreylist, Score: 8}},
			msg:   msgValid,
			rcpts: []string{"user@example.com"},
			err:   ErrGreylist,
		},
		"content service down": {
			spam:     fakeSpam{msgErr: errors.New("timeout")},
			msg:      msgValid,
			rcpts:    []string{"user@example.com"},
			warnings: []string{"content reputation unavailable"},
		},
		"infected": {
			av:        fakeAv{r: antivirus.Result{Infected: true, Viruses: []string{"Eicar-Signature"}}},
			virusScan: true,
			msg:       msgValid,
			rcpts:     []string{"user@example.com"},
			err:       ErrVirus,
		},
		"scanner down": {
			av:        fakeAv{err: errors.New("connection refused")},
			virusScan: true,
			msg:       msgValid,
			rcpts:     []string{"user@example.com"},
			score:     0.5,
			warnings:  []string{"virus scan unavailable"},
		},
		"scan disabled": {
			av:    fakeAv{r: antivirus.Result{Infected: true}, calls: &avCalls},
			msg:   msgValid,
			rcpts: []string{"user@example.com"},
			score: 0.5,
		},
	}
	for k, c := range cases {
		t.Run(k, func(t *testing.T) {
			f := newFixture(t, c.spam, c.av, c.virusScan)
			sess := authenticated("alice@example.org", c.rcpts...)
			v, err := f.svc.Data(context.TODO(), sess, strings.NewReader(c.msg))
			assert.ErrorIs(t, err, c.err)
			st, statsErr := f.queue.Stats(context.TODO())
			require.Nil(t, statsErr)
			if c.err != nil {
				assert.Empty(t, v.JobId)
				assert.Equal(t, 0, st.Pending)
				return
			}
			assert.Equal(t, c.score, v.SpamScore)
			assert.Equal(t, c.warnings, v.Warnings)
			assert.Equal(t, "r1@example.org", v.MessageId)
			assert.Equal(t, 1, st.Pending)
			j, err := f.queue.Job(context.TODO(), v.JobId)
			require.Nil(t, err)
			assert.Equal(t, queue.KindOutboundSend, j.Payload.Kind)
			assert.Equal(t, "alice@example.org", j.Payload.Send.From)
			assert.Equal(t, c.rcpts, j.Payload.Send.To)
			assert.Equal(t, []byte(c.msg), j.Payload.Send.Raw)
			assert.Equal(t, alice, j.Payload.Send.Identity)
		})
	}
	assert.Equal(t, 0, avCalls)
}
