package inbound

import (
	"context"
	"errors"
	"fmt"
	"github.com/postkit/mta/model"
	"github.com/postkit/mta/util"
	"io"
	"log/slog"
	"net"
)

type logging struct {
	svc Service
	log *slog.Logger
}

func NewLogging(svc Service, log *slog.Logger) Service {
	return logging{
		svc: svc,
		log: log,
	}
}

var policyErrs = []error{
	ErrNotAllowed,
	ErrRateLimited,
	ErrInvalidAddress,
	ErrDmarcReject,
	ErrRecipientUnknown,
	ErrRecipientAmbiguous,
	ErrMailboxFull,
	ErrTooManyRecipients,
	ErrTooLarge,
	ErrMalformed,
	ErrSpamReject,
	ErrGreylist,
	ErrVirus,
}

// logLevel reports policy rejections at warning level, they carry the deciding signal.
func logLevel(err error) (lvl slog.Level) {
	lvl = util.LogLevel(err)
	for _, policyErr := range policyErrs {
		if errors.Is(err, policyErr) {
			lvl = slog.LevelWarn
			break
		}
	}
	return
}

func (l logging) Connect(ctx context.Context, ip net.IP) (v ConnVerdict, err error) {
	v, err = l.svc.Connect(ctx, ip)
	l.log.Log(ctx, logLevel(err), fmt.Sprintf("inbound.Connect(ip=%s): %+v, %s", ip, v, err))
	return
}

func (l logging) Helo(ctx context.Context, sess model.Session, helo string) (v ConnVerdict, err error) {
	v, err = l.svc.Helo(ctx, sess, helo)
	l.log.Log(ctx, logLevel(err), fmt.Sprintf("inbound.Helo(ip=%s, helo=%s): %+v, %s", sess.RemoteAddr, helo, v, err))
	return
}

func (l logging) MailFrom(ctx context.Context, sess model.Session, from string) (v MailVerdict, err error) {
	v, err = l.svc.MailFrom(ctx, sess, from)
	l.log.Log(ctx, logLevel(err), fmt.Sprintf("inbound.MailFrom(ip=%s, helo=%s, from=%s): %+v, %s", sess.RemoteAddr, sess.ClientHostname, from, v, err))
	return
}

func (l logging) RcptTo(ctx context.Context, sess model.Session, to string) (v RcptVerdict, err error) {
	v, err = l.svc.RcptTo(ctx, sess, to)
	l.log.Log(ctx, logLevel(err), fmt.Sprintf("inbound.RcptTo(ip=%s, to=%s): %+v, %s", sess.RemoteAddr, to, v.Recipient, err))
	return
}

func (l logging) Data(ctx context.Context, sess model.Session, r io.Reader) (v DataVerdict, err error) {
	v, err = l.svc.Data(ctx, sess, r)
	l.log.Log(ctx, logLevel(err), fmt.Sprintf("inbound.Data(ip=%s, rcpts=%v, score=%.2f): %+v, %s", sess.RemoteAddr, sess.Recipients(), sess.Envelope.SpamScore, v, err))
	return
}
