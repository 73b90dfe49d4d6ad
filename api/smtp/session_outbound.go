package smtp

import (
	"context"
	"fmt"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/postkit/mta/model"
	"github.com/postkit/mta/service/outbound"
	"io"
	"net"
)

type outboundSession struct {
	ctx     context.Context
	cancel  context.CancelFunc
	svc     outbound.Service
	conn    *smtp.Conn
	host    string
	cramMd5 bool
	sess    model.Session
}

func newOutboundSession(ctx context.Context, cancel context.CancelFunc, svc outbound.Service, c *smtp.Conn, ip net.IP, host string, cramMd5 bool) smtp.Session {
	s := &outboundSession{
		ctx:     ctx,
		cancel:  cancel,
		svc:     svc,
		conn:    c,
		host:    host,
		cramMd5: cramMd5,
	}
	s.sess.RemoteAddr = ip
	return s
}

func (s *outboundSession) AuthMechanisms() (mechs []string) {
	mechs = []string{
		mechPlain,
		mechLogin,
	}
	if s.cramMd5 {
		mechs = append(mechs, mechCramMd5)
	}
	return
}

func (s *outboundSession) Auth(mech string) (srv sasl.Server, err error) {
	err = s.svc.Mechanism(mech)
	switch {
	case err != nil:
	case s.sess.Identity != nil:
		err = &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Already authenticated",
		}
	case mech == mechPlain:
		srv = sasl.NewPlainServer(func(identity, username, password string) error {
			return s.login(username, password)
		})
	case mech == mechLogin:
		srv = newLoginServer(s.login)
	case mech == mechCramMd5 && s.cramMd5:
		var id model.Identity
		srv = newCramMd5Server(
			s.host,
			func(username string) (secret string, err error) {
				secret, id, err = s.svc.Secret(s.ctx, username)
				return secret, replyErr(serverOutbound, "AUTH", err)
			},
			func(username string) error {
				s.bind(id)
				return nil
			},
		)
	default:
		err = fmt.Errorf("%w: %s", outbound.ErrAuthMechanism, mech)
	}
	switch err {
	case nil:
		srv = saslReply{srv}
	default:
		err = replyErr(serverOutbound, "AUTH", err)
	}
	return
}

// saslReply turns the mechanism errors into replies, go-smtp answers any other error with 454.
type saslReply struct {
	sasl.Server
}

func (sr saslReply) Next(response []byte) (challenge []byte, done bool, err error) {
	challenge, done, err = sr.Server.Next(response)
	err = replyErr(serverOutbound, "AUTH", err)
	return
}

func (s *outboundSession) login(username, password string) (err error) {
	var id model.Identity
	id, err = s.svc.Auth(s.ctx, username, password)
	switch err {
	case nil:
		s.bind(id)
	default:
		err = replyErr(serverOutbound, "AUTH", err)
	}
	return
}

func (s *outboundSession) bind(id model.Identity) {
	s.sess.Identity = &id
}

func (s *outboundSession) Reset() {
	s.sess.Begin()
}

func (s *outboundSession) Logout() (err error) {
	s.cancel()
	return
}

func (s *outboundSession) Mail(from string, opts *smtp.MailOptions) (err error) {
	s.sess.ClientHostname = s.conn.Hostname()
	s.sess.Begin()
	var v outbound.MailVerdict
	v, err = s.svc.MailFrom(s.ctx, s.sess, from)
	switch err {
	case nil:
		addr := v.Address
		s.sess.Envelope.MailFrom = &addr
	default:
		err = replyErr(serverOutbound, "MAIL", err)
	}
	return
}

func (s *outboundSession) Rcpt(to string, opts *smtp.RcptOptions) (err error) {
	var v outbound.RcptVerdict
	v, err = s.svc.RcptTo(s.ctx, s.sess, to)
	switch err {
	case nil:
		s.sess.Envelope.RcptTo = append(s.sess.Envelope.RcptTo, v.Recipient)
	default:
		err = replyErr(serverOutbound, "RCPT", err)
	}
	return
}

// Data replies with the queue job id on success.
func (s *outboundSession) Data(r io.Reader) (err error) {
	var v outbound.DataVerdict
	v, err = s.svc.Data(s.ctx, s.sess, limitedReader{r: r, tooLarge: outbound.ErrTooLarge})
	switch err {
	case nil:
		err = &smtp.SMTPError{
			Code:         250,
			EnhancedCode: smtp.EnhancedCode{2, 0, 0},
			Message:      "OK: queued as " + v.JobId,
		}
	default:
		err = replyErr(serverOutbound, "DATA", err)
	}
	return
}
