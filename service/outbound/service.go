package outbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/postkit/mta/model"
	"github.com/postkit/mta/service/antivirus"
	"github.com/postkit/mta/service/converter"
	"github.com/postkit/mta/service/queue"
	"github.com/postkit/mta/service/ratelimit"
	"github.com/postkit/mta/service/spam"
	"github.com/postkit/mta/service/storage"
	"github.com/postkit/mta/util"
	"io"
	"strings"
)

// Service implements the submission command phases. Every phase after Auth requires the session identity.
type Service interface {

	// Mechanism refuses the token based SASL mechanisms, only password credentials are accepted.
	Mechanism(name string) (err error)

	// Auth verifies the credentials. Any failure is ErrAuth without telling which part was wrong.
	Auth(ctx context.Context, username, password string) (id model.Identity, err error)

	// Secret returns the shared secret for a challenge-response mechanism.
	Secret(ctx context.Context, username string) (secret string, id model.Identity, err error)

	// MailFrom accepts only an address the authenticated identity owns.
	MailFrom(ctx context.Context, sess model.Session, from string) (v MailVerdict, err error)

	// RcptTo accepts any syntactically valid recipient up to the per-message limit.
	RcptTo(ctx context.Context, sess model.Session, to string) (v RcptVerdict, err error)

	// Data reads the message up to the size limit, checks it and queues it for delivery.
	Data(ctx context.Context, sess model.Session, r io.Reader) (v DataVerdict, err error)
}

type MailVerdict struct {
	Address string
}

type RcptVerdict struct {
	Recipient model.Recipient
}

type DataVerdict struct {
	JobId     string
	MessageId string
	SpamScore float64
	Warnings  []string
}

type Config struct {
	RecipientsLimit int
	DataLimit       int64
	VirusScan       bool
}

var ErrAuth = errors.New("authentication failed")
var ErrAuthMechanism = errors.New("authentication mechanism not supported")
var ErrNotAuthenticated = errors.New("authentication required")
var ErrSenderNotOwned = errors.New("sender address not owned by the authenticated user")
var ErrRateLimited = errors.New("submission rate exceeded")
var ErrInvalidAddress = errors.New("invalid address")
var ErrTooManyRecipients = errors.New("too many recipients")
var ErrNoRecipients = errors.New("no valid recipients")
var ErrTooLarge = errors.New("message too large")
var ErrRead = errors.New("failed to read message")
var ErrMalformed = errors.New("malformed message")
var ErrSpamReject = errors.New("message rejected as spam")
var ErrGreylist = errors.New("message deferred, try again later")
var ErrVirus = errors.New("message infected")
var ErrTemporary = errors.New("temporary failure")
var ErrQueue = errors.New("failed to queue message")

var tokenMechanisms = map[string]bool{
	"XOAUTH2":     true,
	"OAUTHBEARER": true,
}

type svc struct {
	cfg     Config
	limiter ratelimit.Service
	spam    spam.Service
	av      antivirus.Service
	conv    converter.Service
	store   storage.Storage
	queue   queue.Service
}

func NewService(
	cfg Config,
	limiter ratelimit.Service,
	spamSvc spam.Service,
	av antivirus.Service,
	conv converter.Service,
	store storage.Storage,
	q queue.Service,
) Service {
	return svc{
		cfg:     cfg,
		limiter: limiter,
		spam:    spamSvc,
		av:      av,
		conv:    conv,
		store:   store,
		queue:   q,
	}
}

func (s svc) Mechanism(name string) (err error) {
	if tokenMechanisms[strings.ToUpper(name)] {
		err = fmt.Errorf("%w: %s", ErrAuthMechanism, name)
	}
	return
}

func (s svc) Auth(ctx context.Context, username, password string) (id model.Identity, err error) {
	if username == "" || password == "" {
		err = ErrAuth
		return
	}
	id, err = s.store.Verify(ctx, username, password)
	if err != nil {
		id = model.Identity{}
		err = ErrAuth
	}
	return
}

func (s svc) Secret(ctx context.Context, username string) (secret string, id model.Identity, err error) {
	secrets, ok := s.store.(storage.Secrets)
	switch {
	case !ok:
		err = fmt.Errorf("%w: CRAM-MD5", ErrAuthMechanism)
	case username == "":
		err = ErrAuth
	default:
		secret, id, err = secrets.Secret(ctx, username)
		switch {
		case errors.Is(err, storage.ErrNoSecret):
			err = fmt.Errorf("%w: CRAM-MD5", ErrAuthMechanism)
		case err != nil:
			secret = ""
			id = model.Identity{}
			err = ErrAuth
		}
	}
	return
}

func (s svc) MailFrom(ctx context.Context, sess model.Session, from string) (v MailVerdict, err error) {
	if sess.Identity == nil {
		err = ErrNotAuthenticated
		return
	}
	var addr string
	addr, _, _, err = util.ParseAddress(from)
	if err != nil {
		err = fmt.Errorf("%w: %q", ErrInvalidAddress, from)
		return
	}
	var owns bool
	owns, err = s.store.Owns(ctx, *sess.Identity, addr)
	switch {
	case err != nil:
		err = fmt.Errorf("%w: %s", ErrTemporary, err)
		return
	case !owns:
		err = fmt.Errorf("%w: %s", ErrSenderNotOwned, addr)
		return
	}
	// the limiter fails open on store errors
	allowed, _ := s.limiter.Allow(ctx, "out:"+sess.Identity.MemberId)
	switch allowed {
	case true:
		v.Address = addr
	default:
		err = fmt.Errorf("%w: member %s", ErrRateLimited, sess.Identity.MemberId)
	}
	return
}

func (s svc) RcptTo(ctx context.Context, sess model.Session, to string) (v RcptVerdict, err error) {
	if sess.Identity == nil {
		err = ErrNotAuthenticated
		return
	}
	addr, _, _, parseErr := util.ParseAddress(to)
	switch {
	case parseErr != nil:
		err = fmt.Errorf("%w: %s", ErrInvalidAddress, to)
	case s.cfg.RecipientsLimit > 0 && len(sess.Envelope.RcptTo) >= s.cfg.RecipientsLimit:
		err = fmt.Errorf("%w: limit is %d", ErrTooManyRecipients, s.cfg.RecipientsLimit)
	default:
		v.Recipient.Address = addr
	}
	return
}

func (s svc) Data(ctx context.Context, sess model.Session, r io.Reader) (v DataVerdict, err error) {
	switch {
	case sess.Identity == nil:
		err = ErrNotAuthenticated
	case sess.Envelope.MailFrom == nil, len(sess.Envelope.RcptTo) == 0:
		err = ErrNoRecipients
	}
	if err != nil {
		return
	}
	var raw []byte
	raw, err = s.read(r)
	if err != nil {
		return
	}
	var msg model.Message
	msg, err = s.conv.Convert(raw)
	if err != nil {
		err = fmt.Errorf("%w: %s", ErrMalformed, err)
		return
	}
	v.SpamScore = sess.Envelope.SpamScore
	err = s.checkContent(ctx, sess, msg, raw, &v)
	if err == nil && s.cfg.VirusScan {
		err = s.checkVirus(ctx, raw, &v)
	}
	if err != nil {
		return
	}
	v.MessageId = msg.MessageId
	v.JobId, err = s.queue.Enqueue(ctx, queue.Payload{
		Kind: queue.KindOutboundSend,
		Send: &queue.OutboundSend{
			From:      *sess.Envelope.MailFrom,
			To:        sess.Recipients(),
			Raw:       raw,
			MessageId: msg.MessageId,
			Identity:  *sess.Identity,
		},
	})
	if err != nil {
		err = fmt.Errorf("%w: %s", ErrQueue, err)
	}
	return
}

func (s svc) read(r io.Reader) (raw []byte, err error) {
	buf := &bytes.Buffer{}
	var n int64
	n, err = io.Copy(buf, io.LimitReader(r, s.cfg.DataLimit+1))
	switch {
	case n > s.cfg.DataLimit, errors.Is(err, ErrTooLarge):
		err = fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.cfg.DataLimit)
	case err != nil:
		err = fmt.Errorf("%w: %s", ErrRead, err)
	default:
		raw = buf.Bytes()
	}
	return
}

func (s svc) checkContent(ctx context.Context, sess model.Session, msg model.Message, raw []byte, v *DataVerdict) (err error) {
	sv, spamErr := s.spam.CheckMessage(ctx, spam.Request{
		From:    *sess.Envelope.MailFrom,
		To:      sess.Recipients(),
		Subject: msg.Subject,
		Body:    raw,
		Ip:      sess.RemoteAddr,
		Helo:    sess.ClientHostname,
	})
	if spamErr != nil {
		v.Warnings = append(v.Warnings, "content reputation unavailable")
		return
	}
	switch sv.Action {
	case spam.ActionReject:
		err = fmt.Errorf("%w: score %.2f, symbols %v", ErrSpamReject, sv.Score, sv.Symbols)
	case spam.ActionGreylist, spam.ActionSoftReject:
		err = fmt.Errorf("%w: action %s, score %.2f", ErrGreylist, sv.Action, sv.Score)
	default:
		if sv.Score > 0 {
			v.SpamScore += sv.Score
		}
	}
	return
}

// checkVirus fails open when the scanner is unavailable.
func (s svc) checkVirus(ctx context.Context, raw []byte, v *DataVerdict) (err error) {
	res, avErr := s.av.Scan(ctx, raw)
	switch {
	case avErr != nil:
		v.Warnings = append(v.Warnings, "virus scan unavailable")
	case res.Infected:
		err = fmt.Errorf("%w: %s", ErrVirus, strings.Join(res.Viruses, ", "))
	}
	return
}
