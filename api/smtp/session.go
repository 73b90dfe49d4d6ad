package smtp

import (
	"context"
	"errors"
	"github.com/emersion/go-smtp"
	"github.com/postkit/mta/model"
	"github.com/postkit/mta/service/inbound"
	"io"
	"net"
)

type inboundSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	svc    inbound.Service
	conn   *smtp.Conn
	helo   bool
	sess   model.Session
}

func newInboundSession(ctx context.Context, cancel context.CancelFunc, svc inbound.Service, c *smtp.Conn, ip net.IP, v inbound.ConnVerdict) smtp.Session {
	s := &inboundSession{
		ctx:    ctx,
		cancel: cancel,
		svc:    svc,
		conn:   c,
	}
	s.sess.RemoteAddr = ip
	s.sess.Trusted = v.Trusted
	s.sess.Warnings = append(s.sess.Warnings, v.Warnings...)
	s.sess.AddConnScore(v.Delta)
	return s
}

func (s *inboundSession) Reset() {
	s.sess.Begin()
}

// Logout aborts whatever the session still has in flight.
func (s *inboundSession) Logout() (err error) {
	s.cancel()
	return
}

func (s *inboundSession) Mail(from string, opts *smtp.MailOptions) (err error) {
	if !s.helo {
		// go-smtp has no HELO hook, the name is checked once at the first transaction
		s.sess.ClientHostname = s.conn.Hostname()
		var hv inbound.ConnVerdict
		hv, err = s.svc.Helo(s.ctx, s.sess, s.sess.ClientHostname)
		if err != nil {
			return replyErr(serverInbound, "MAIL", err)
		}
		s.helo = true
		s.sess.Warnings = append(s.sess.Warnings, hv.Warnings...)
		s.sess.AddConnScore(hv.Delta)
	}
	s.sess.Begin()
	var v inbound.MailVerdict
	v, err = s.svc.MailFrom(s.ctx, s.sess, from)
	s.sess.Envelope.AddScore(v.Delta)
	s.sess.Envelope.Warn(v.Warnings...)
	if err != nil {
		return replyErr(serverInbound, "MAIL", err)
	}
	addr := v.Address
	s.sess.Envelope.MailFrom = &addr
	s.sess.Envelope.Bounce = v.Bounce
	s.sess.Envelope.Postmaster = v.Postmaster
	s.sess.Envelope.Quarantine = v.Quarantine
	return
}

func (s *inboundSession) Rcpt(to string, opts *smtp.RcptOptions) (err error) {
	var v inbound.RcptVerdict
	v, err = s.svc.RcptTo(s.ctx, s.sess, to)
	switch err {
	case nil:
		s.sess.Envelope.RcptTo = append(s.sess.Envelope.RcptTo, v.Recipient)
	default:
		err = replyErr(serverInbound, "RCPT", err)
	}
	return
}

func (s *inboundSession) Data(r io.Reader) (err error) {
	var v inbound.DataVerdict
	v, err = s.svc.Data(s.ctx, s.sess, limitedReader{r: r, tooLarge: inbound.ErrTooLarge})
	s.sess.Envelope.AddScore(v.Delta)
	if err != nil {
		err = replyErr(serverInbound, "DATA", err)
	}
	return
}

// limitedReader reports the server's message size cutoff as the service's own size error.
type limitedReader struct {
	r        io.Reader
	tooLarge error
}

func (lr limitedReader) Read(p []byte) (n int, err error) {
	n, err = lr.r.Read(p)
	if err != nil && errors.Is(err, smtp.ErrDataTooLarge) {
		err = lr.tooLarge
	}
	return
}
