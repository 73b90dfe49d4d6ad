package smtp

import (
	"context"
	"errors"
	"fmt"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"io"
	"log/slog"
)

type sessionLogging struct {
	s      smtp.Session
	prefix string
	log    *slog.Logger
}

type authSessionLogging struct {
	sessionLogging
	as smtp.AuthSession
}

// NewSessionLogging keeps the AUTH capability of the wrapped session, if any.
func NewSessionLogging(s smtp.Session, prefix string, log *slog.Logger) smtp.Session {
	sl := sessionLogging{
		s:      s,
		prefix: prefix,
		log:    log,
	}
	if as, ok := s.(smtp.AuthSession); ok {
		return authSessionLogging{
			sessionLogging: sl,
			as:             as,
		}
	}
	return sl
}

func (sl sessionLogging) Reset() {
	sl.s.Reset()
	sl.log.Debug(fmt.Sprintf("%s.Reset()", sl.prefix))
	return
}

func (sl sessionLogging) Logout() (err error) {
	err = sl.s.Logout()
	sl.log.Log(context.TODO(), logLevel(err), fmt.Sprintf("%s.Logout(): err=%s", sl.prefix, err))
	return
}

func (sl sessionLogging) Mail(from string, opts *smtp.MailOptions) (err error) {
	err = sl.s.Mail(from, opts)
	sl.log.Log(context.TODO(), logLevel(err), fmt.Sprintf("%s.Mail(from=%s): err=%s", sl.prefix, from, err))
	return
}

func (sl sessionLogging) Rcpt(to string, opts *smtp.RcptOptions) (err error) {
	err = sl.s.Rcpt(to, opts)
	sl.log.Log(context.TODO(), logLevel(err), fmt.Sprintf("%s.Rcpt(to=%s): err=%s", sl.prefix, to, err))
	return
}

func (sl sessionLogging) Data(r io.Reader) (err error) {
	err = sl.s.Data(r)
	sl.log.Log(context.TODO(), logLevel(err), fmt.Sprintf("%s.Data(): err=%s", sl.prefix, err))
	return
}

func (asl authSessionLogging) AuthMechanisms() []string {
	return asl.as.AuthMechanisms()
}

func (asl authSessionLogging) Auth(mech string) (srv sasl.Server, err error) {
	srv, err = asl.as.Auth(mech)
	asl.log.Log(context.TODO(), logLevel(err), fmt.Sprintf("%s.Auth(mech=%s): err=%s", asl.prefix, mech, err))
	return
}

// logLevel reports rejections at warning level, except the 2xx replies carrying a queue id, and internal
// failures at error level.
func logLevel(err error) (lvl slog.Level) {
	var smtpErr *smtp.SMTPError
	switch {
	case err == nil:
		lvl = slog.LevelDebug
	case errors.As(err, &smtpErr) && smtpErr.Code < 400:
		lvl = slog.LevelInfo
	case errors.As(err, &smtpErr) && smtpErr.Message != replyInternal.text:
		lvl = slog.LevelWarn
	default:
		lvl = slog.LevelError
	}
	return
}
