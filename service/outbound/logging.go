package outbound

import (
	"context"
	"errors"
	"fmt"
	"github.com/postkit/mta/model"
	"github.com/postkit/mta/util"
	"io"
	"log/slog"
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
	ErrAuth,
	ErrAuthMechanism,
	ErrNotAuthenticated,
	ErrSenderNotOwned,
	ErrRateLimited,
	ErrInvalidAddress,
	ErrTooManyRecipients,
	ErrTooLarge,
	ErrMalformed,
	ErrSpamReject,
	ErrGreylist,
	ErrVirus,
}

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

func (l logging) Mechanism(name string) (err error) {
	err = l.svc.Mechanism(name)
	l.log.Log(context.TODO(), logLevel(err), fmt.Sprintf("outbound.Mechanism(%s): %s", name, err))
	return
}

func (l logging) Auth(ctx context.Context, username, password string) (id model.Identity, err error) {
	id, err = l.svc.Auth(ctx, username, password)
	l.log.Log(ctx, logLevel(err), fmt.Sprintf("outbound.Auth(username=%s): %+v, %s", username, id, err))
	return
}

func (l logging) Secret(ctx context.Context, username string) (secret string, id model.Identity, err error) {
	secret, id, err = l.svc.Secret(ctx, username)
	l.log.Log(ctx, logLevel(err), fmt.Sprintf("outbound.Secret(username=%s): %+v, %s", username, id, err))
	return
}

func (l logging) MailFrom(ctx context.Context, sess model.Session, from string) (v MailVerdict, err error) {
	v, err = l.svc.MailFrom(ctx, sess, from)
	l.log.Log(ctx, logLevel(err), fmt.Sprintf("outbound.MailFrom(ip=%s, identity=%+v, from=%s): %+v, %s", sess.RemoteAddr, sess.Identity, from, v, err))
	return
}

func (l logging) RcptTo(ctx context.Context, sess model.Session, to string) (v RcptVerdict, err error) {
	v, err = l.svc.RcptTo(ctx, sess, to)
	l.log.Log(ctx, logLevel(err), fmt.Sprintf("outbound.RcptTo(ip=%s, to=%s): %+v, %s", sess.RemoteAddr, to, v, err))
	return
}

func (l logging) Data(ctx context.Context, sess model.Session, r io.Reader) (v DataVerdict, err error) {
	v, err = l.svc.Data(ctx, sess, r)
	l.log.Log(ctx, logLevel(err), fmt.Sprintf("outbound.Data(ip=%s, rcpts=%v): %+v, %s", sess.RemoteAddr, sess.Recipients(), v, err))
	return
}
