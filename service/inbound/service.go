package inbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/emersion/go-msgauth/dmarc"
	"github.com/postkit/mta/model"
	"github.com/postkit/mta/service/antivirus"
	"github.com/postkit/mta/service/converter"
	"github.com/postkit/mta/service/ratelimit"
	"github.com/postkit/mta/service/reputation"
	"github.com/postkit/mta/service/spam"
	"github.com/postkit/mta/service/storage"
	"github.com/postkit/mta/util"
	"io"
	"math/rand"
	"net"
	"strings"
)

// Service implements the inbound command phases. No phase mutates the session: each returns the score delta
// and the warnings which the caller accumulates into the session.
type Service interface {

	// Connect decides on the peer before any command is processed.
	Connect(ctx context.Context, ip net.IP) (v ConnVerdict, err error)

	// Helo consults the content reputation service about the peer once its HELO/EHLO name is known.
	Helo(ctx context.Context, sess model.Session, helo string) (v ConnVerdict, err error)

	// MailFrom validates the envelope sender and evaluates its domain's MX, SPF and DMARC.
	MailFrom(ctx context.Context, sess model.Session, from string) (v MailVerdict, err error)

	// RcptTo accepts only a postmaster or an address owned by exactly one member with quota left.
	RcptTo(ctx context.Context, sess model.Session, to string) (v RcptVerdict, err error)

	// Data reads the message up to the size limit, scores and scans it, and persists it once per recipient
	// mailbox. The message is acknowledged only when err is nil.
	Data(ctx context.Context, sess model.Session, r io.Reader) (v DataVerdict, err error)
}

type ConnVerdict struct {
	Trusted  bool
	Delta    float64
	Warnings []string
}

type MailVerdict struct {
	Address    string
	Bounce     bool
	Postmaster bool
	Quarantine bool
	Delta      float64
	Warnings   []string
}

type RcptVerdict struct {
	Recipient model.Recipient
}

type DataVerdict struct {
	Delta     float64
	SpamScore float64
	Sort      model.Sort
	// MessageIds are the storage ids of the persisted records, one per recipient mailbox.
	MessageIds []string
	Warnings   []string
}

type Config struct {
	// PrivatePolicy is PrivatePolicyTrust or PrivatePolicyReject.
	PrivatePolicy        string
	RecipientsLimit      int
	DataLimit            int64
	Postmaster           string
	PenaltyReverseDns    float64
	PenaltyNoMx          float64
	PenaltyUnavailable   float64
	SpamFraction         float64
	DefaultRequiredScore float64
	// Sample draws the per-message DMARC pct sample from [0, 1). Defaults to rand.Float64.
	Sample func() float64
}

const PrivatePolicyTrust = "trust"
const PrivatePolicyReject = "reject"

var ErrNotAllowed = errors.New("connection not allowed")
var ErrRateLimited = errors.New("too many connections")
var ErrInvalidAddress = errors.New("invalid address")
var ErrDmarcReject = errors.New("rejected by sender domain policy")
var ErrRecipientUnknown = errors.New("recipient unknown")
var ErrRecipientAmbiguous = errors.New("recipient ownership undefined")
var ErrMailboxFull = errors.New("mailbox full")
var ErrTooManyRecipients = errors.New("too many recipients")
var ErrNoRecipients = errors.New("no valid recipients")
var ErrTooLarge = errors.New("message too large")
var ErrRead = errors.New("failed to read message")
var ErrMalformed = errors.New("malformed message")
var ErrSpamReject = errors.New("message rejected as spam")
var ErrGreylist = errors.New("message deferred, try again later")
var ErrVirus = errors.New("message infected")
var ErrTemporary = errors.New("temporary lookup failure")
var ErrPersist = errors.New("failed to store message")

type svc struct {
	cfg     Config
	limiter ratelimit.Service
	checker reputation.Checker
	spam    spam.Service
	av      antivirus.Service
	conv    converter.Service
	store   storage.Storage
}

func NewService(
	cfg Config,
	limiter ratelimit.Service,
	checker reputation.Checker,
	spamSvc spam.Service,
	av antivirus.Service,
	conv converter.Service,
	store storage.Storage,
) Service {
	if cfg.Sample == nil {
		cfg.Sample = rand.Float64
	}
	return svc{
		cfg:     cfg,
		limiter: limiter,
		checker: checker,
		spam:    spamSvc,
		av:      av,
		conv:    conv,
		store:   store,
	}
}

func (s svc) Connect(ctx context.Context, ip net.IP) (v ConnVerdict, err error) {
	if util.IsPrivate(ip) {
		switch s.cfg.PrivatePolicy {
		case PrivatePolicyReject:
			err = fmt.Errorf("%w: private address %s", ErrNotAllowed, ip)
		default:
			v.Trusted = true
		}
		return
	}
	// the limiter fails open on store errors
	allowed, _ := s.limiter.Allow(ctx, "in:"+ip.String())
	if !allowed {
		err = fmt.Errorf("%w: %s", ErrRateLimited, ip)
		return
	}
	status, _, rdnsErr := s.checker.ReverseDns(ctx, ip)
	switch {
	case rdnsErr != nil:
		v.Delta += s.cfg.PenaltyUnavailable
		v.Warnings = append(v.Warnings, "reverse dns lookup failed")
	case status != reputation.RdnsPass:
		v.Delta += s.cfg.PenaltyReverseDns
		v.Warnings = append(v.Warnings, fmt.Sprintf("reverse dns %s", status))
	}
	return
}

func (s svc) Helo(ctx context.Context, sess model.Session, helo string) (v ConnVerdict, err error) {
	v.Trusted = sess.Trusted
	if sess.Trusted {
		return
	}
	cv, cvErr := s.spam.CheckConnection(ctx, sess.RemoteAddr, helo)
	switch {
	case cvErr != nil:
		v.Delta += s.cfg.PenaltyUnavailable
		v.Warnings = append(v.Warnings, "connection reputation unavailable")
	case !cv.Allowed:
		err = fmt.Errorf("%w: %s, reason: %s", ErrNotAllowed, sess.RemoteAddr, cv.Reason)
	default:
		v.Delta += cv.Score
	}
	return
}

func (s svc) MailFrom(ctx context.Context, sess model.Session, from string) (v MailVerdict, err error) {
	var domain string
	switch from {
	case "":
		v.Bounce = true
		domain = sess.ClientHostname
	default:
		var local string
		v.Address, local, domain, err = util.ParseAddress(from)
		if err != nil {
			err = fmt.Errorf("%w: %s", ErrInvalidAddress, from)
			return
		}
		v.Postmaster = util.IsPostmaster(local)
	}
	if sess.Trusted {
		return
	}
	s.checkMx(ctx, domain, &v)
	spfResult, spfErr := s.checker.Spf(ctx, sess.RemoteAddr, sess.ClientHostname, v.Address)
	v.Delta += reputation.SpfPenalty(spfResult)
	switch {
	case spfErr != nil && spfResult == "":
		v.Warnings = append(v.Warnings, "spf evaluation failed")
	case spfResult != reputation.SpfPass:
		v.Warnings = append(v.Warnings, fmt.Sprintf("spf %s for %s", spfResult, domain))
	}
	if v.Bounce || spfResult == reputation.SpfPass {
		return
	}
	err = s.checkDmarc(ctx, domain, spfResult, &v)
	return
}

func (s svc) checkMx(ctx context.Context, domain string, v *MailVerdict) {
	found, err := s.checker.HasMx(ctx, domain)
	switch {
	case err != nil:
		v.Delta += s.cfg.PenaltyUnavailable
		v.Warnings = append(v.Warnings, "mx lookup failed for "+domain)
	case !found:
		v.Delta += s.cfg.PenaltyNoMx
		v.Warnings = append(v.Warnings, "no mx for "+domain)
	}
}

// checkDmarc runs only when SPF did not pass. A "reject" policy rejects on an explicit SPF fail or softfail,
// other non-pass results are only quarantined.
func (s svc) checkDmarc(ctx context.Context, domain string, spfResult reputation.SpfResult, v *MailVerdict) (err error) {
	p, dmarcErr := s.checker.Dmarc(ctx, domain)
	switch {
	case dmarcErr != nil:
		v.Warnings = append(v.Warnings, "dmarc lookup failed for "+domain)
		return
	case p == nil:
		return
	case !p.Applies(s.cfg.Sample()):
		v.Warnings = append(v.Warnings, fmt.Sprintf("dmarc %s for %s not sampled", p.Policy, domain))
		return
	}
	failing := spfResult == reputation.SpfFail || spfResult == reputation.SpfSoftFail
	switch {
	case p.Policy == dmarc.PolicyReject && failing:
		err = fmt.Errorf("%w: domain %s, spf %s", ErrDmarcReject, domain, spfResult)
	case p.Policy == dmarc.PolicyReject, p.Policy == dmarc.PolicyQuarantine:
		v.Quarantine = true
		v.Warnings = append(v.Warnings, fmt.Sprintf("dmarc %s for %s", p.Policy, domain))
	default:
		v.Warnings = append(v.Warnings, fmt.Sprintf("dmarc %s for %s", p.Policy, domain))
	}
	return
}

func (s svc) RcptTo(ctx context.Context, sess model.Session, to string) (v RcptVerdict, err error) {
	addr, local, _, parseErr := util.ParseAddress(to)
	if parseErr != nil && util.IsBarePostmaster(to) {
		addr, local, parseErr = "postmaster", "postmaster", nil
	}
	switch {
	case parseErr != nil:
		err = fmt.Errorf("%w: %s", ErrInvalidAddress, to)
	case s.cfg.RecipientsLimit > 0 && len(sess.Envelope.RcptTo) >= s.cfg.RecipientsLimit:
		err = fmt.Errorf("%w: limit is %d", ErrTooManyRecipients, s.cfg.RecipientsLimit)
	case util.IsPostmaster(local):
		v.Recipient, err = s.postmaster(ctx, addr)
	default:
		v.Recipient, err = s.mailbox(ctx, addr)
	}
	return
}

// postmaster is delivered to the configured postmaster mailbox, else to the local one. Quota is not checked.
func (s svc) postmaster(ctx context.Context, addr string) (r model.Recipient, err error) {
	r.Address = addr
	r.Postmaster = true
	target := s.cfg.Postmaster
	if target == "" {
		target = addr
	}
	var l storage.AddressLookup
	l, err = s.store.Lookup(ctx, target)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		err = fmt.Errorf("%w: no postmaster mailbox for %s", ErrRecipientUnknown, addr)
	case err != nil:
		err = fmt.Errorf("%w: %s", ErrTemporary, err)
	case l.OwnerCount != 1:
		err = fmt.Errorf("%w: %s has %d owners", ErrRecipientAmbiguous, target, l.OwnerCount)
	default:
		r.AddressId = l.AddressId
	}
	return
}

func (s svc) mailbox(ctx context.Context, addr string) (r model.Recipient, err error) {
	r.Address = addr
	var l storage.AddressLookup
	l, err = s.store.Lookup(ctx, addr)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		err = fmt.Errorf("%w: %s", ErrRecipientUnknown, addr)
		return
	case err != nil:
		err = fmt.Errorf("%w: %s", ErrTemporary, err)
		return
	case l.OwnerCount != 1:
		err = fmt.Errorf("%w: %s has %d owners", ErrRecipientAmbiguous, addr, l.OwnerCount)
		return
	}
	var remaining int64
	remaining, err = s.store.Remaining(ctx, l.AddressId)
	switch {
	case err != nil:
		err = fmt.Errorf("%w: %s", ErrTemporary, err)
	case remaining <= 0:
		err = fmt.Errorf("%w: %s", ErrMailboxFull, addr)
	default:
		r.AddressId = l.AddressId
	}
	return
}

func (s svc) Data(ctx context.Context, sess model.Session, r io.Reader) (v DataVerdict, err error) {
	if len(sess.Envelope.RcptTo) == 0 {
		err = ErrNoRecipients
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
	var requiredScore float64
	requiredScore, err = s.checkContent(ctx, sess, msg, raw, &v)
	if err == nil {
		err = s.checkVirus(ctx, raw, &v)
	}
	if err != nil {
		return
	}
	v.SpamScore = sess.Envelope.SpamScore
	if v.Delta > 0 {
		v.SpamScore += v.Delta
	}
	v.Sort = model.SortNormal
	if sess.Envelope.Quarantine || v.SpamScore >= s.cfg.SpamFraction*requiredScore {
		v.Sort = model.SortSpam
	}
	msg.SpamScore = v.SpamScore
	msg.Sort = v.Sort
	if sess.Envelope.MailFrom != nil {
		msg.EnvelopeFrom = *sess.Envelope.MailFrom
	}
	var warnings []string
	warnings = append(warnings, sess.Envelope.Warnings...)
	warnings = append(warnings, v.Warnings...)
	msg.Warning = strings.Join(warnings, "; ")
	v.MessageIds, err = s.persist(ctx, sess.Envelope.RcptTo, msg)
	return
}

// read never buffers more than the limit plus one byte.
func (s svc) read(r io.Reader) (raw []byte, err error) {
	buf := &bytes.Buffer{}
	var n int64
	n, err = io.Copy(buf, io.LimitReader(r, s.cfg.DataLimit+1))
	switch {
	case n > s.cfg.DataLimit, errors.Is(err, ErrTooLarge):
		// the transport may stop the stream at its own limit first
		err = fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.cfg.DataLimit)
	case err != nil:
		err = fmt.Errorf("%w: %s", ErrRead, err)
	default:
		raw = buf.Bytes()
	}
	return
}

func (s svc) checkContent(ctx context.Context, sess model.Session, msg model.Message, raw []byte, v *DataVerdict) (requiredScore float64, err error) {
	requiredScore = s.cfg.DefaultRequiredScore
	var from string
	if sess.Envelope.MailFrom != nil {
		from = *sess.Envelope.MailFrom
	}
	sv, spamErr := s.spam.CheckMessage(ctx, spam.Request{
		From:    from,
		To:      sess.Recipients(),
		Subject: msg.Subject,
		Body:    raw,
		Ip:      sess.RemoteAddr,
		Helo:    sess.ClientHostname,
	})
	if spamErr != nil {
		v.Delta += s.cfg.PenaltyUnavailable
		v.Warnings = append(v.Warnings, "content reputation unavailable")
		return
	}
	switch sv.Action {
	case spam.ActionReject:
		err = fmt.Errorf("%w: score %.2f, symbols %v", ErrSpamReject, sv.Score, sv.Symbols)
		return
	case spam.ActionGreylist, spam.ActionSoftReject:
		err = fmt.Errorf("%w: action %s, score %.2f", ErrGreylist, sv.Action, sv.Score)
		return
	}
	if sv.RequiredScore > 0 {
		requiredScore = sv.RequiredScore
	}
	if sv.Score > 0 {
		v.Delta += sv.Score
	}
	if sv.Action != spam.ActionNoAction && sv.Action != "" {
		v.Warnings = append(v.Warnings, fmt.Sprintf("content reputation: %s", sv.Action))
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

// persist stores one record per distinct recipient mailbox in a single all-or-nothing batch.
func (s svc) persist(ctx context.Context, rcpts []model.Recipient, msg model.Message) (ids []string, err error) {
	done := make(map[string]bool, len(rcpts))
	var batch []model.Message
	for _, rcpt := range rcpts {
		if rcpt.AddressId == "" || done[rcpt.AddressId] {
			continue
		}
		done[rcpt.AddressId] = true
		m := msg
		m.AddressId = rcpt.AddressId
		batch = append(batch, m)
	}
	if len(batch) == 0 {
		err = fmt.Errorf("%w: no recipient mailbox", ErrPersist)
		return
	}
	ids, err = s.store.Save(ctx, batch...)
	if err != nil {
		ids = nil
		err = fmt.Errorf("%w: %s", ErrPersist, err)
		return
	}
	for i, id := range ids {
		// notification failures do not fail the delivery
		_ = s.store.Notify(ctx, batch[i].AddressId, id)
	}
	return
}
