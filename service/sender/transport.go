package sender

import (
	"context"
	"errors"
	"fmt"
	"github.com/emersion/go-smtp"
	"github.com/postkit/mta/model"
)

type Envelope struct {
	From string
	To   []string
}

type Result struct {
	Accepted []string `json:"accepted"`
	Rejected []string `json:"rejected"`
	// Deferred recipients failed temporarily and are worth another attempt.
	Deferred  []string `json:"deferred,omitempty"`
	Transport string   `json:"transport"`
	MessageId string   `json:"messageId,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Transport performs one delivery attempt. It returns an error only when no recipient accepted the message:
// ErrPermanent when every recipient was rejected for good, ErrTemporary otherwise.
type Transport interface {
	Name() string
	Send(ctx context.Context, env Envelope, raw []byte) (r Result, err error)
}

var ErrPermanent = errors.New("message rejected")
var ErrTemporary = errors.New("message deferred")

func isPermanent(err error) (permanent bool) {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		permanent = smtpErr.Code >= 500
	}
	return
}

func isProtocol(err error) bool {
	var smtpErr *smtp.SMTPError
	return errors.As(err, &smtpErr)
}

// sendOver runs one mail transaction on a pooled connection. The returned transport error is set only when the
// connection failed below the SMTP replies and should not be reused.
func sendOver(c Client, env Envelope, raw []byte) (r Result, lastErr error, connErr error) {
	lastErr = c.Mail(env.From, nil)
	if lastErr != nil {
		if isPermanent(lastErr) {
			r.Rejected = env.To
		} else {
			r.Deferred = env.To
		}
		if !isProtocol(lastErr) {
			connErr = lastErr
		}
		return
	}
	var accepted []string
	for i, rcpt := range env.To {
		err := c.Rcpt(rcpt, nil)
		switch {
		case err == nil:
			accepted = append(accepted, rcpt)
		case isPermanent(err):
			r.Rejected = append(r.Rejected, rcpt)
			lastErr = err
		case isProtocol(err):
			r.Deferred = append(r.Deferred, rcpt)
			lastErr = err
		default:
			r.Deferred = append(append(r.Deferred, accepted...), env.To[i:]...)
			lastErr = err
			connErr = err
			return
		}
	}
	if len(accepted) == 0 {
		return
	}
	err := writeData(c, raw)
	switch {
	case err == nil:
		r.Accepted = accepted
	case isPermanent(err):
		r.Rejected = append(r.Rejected, accepted...)
		lastErr = err
	default:
		r.Deferred = append(r.Deferred, accepted...)
		lastErr = err
		if !isProtocol(err) {
			connErr = err
		}
	}
	return
}

func writeData(c Client, raw []byte) (err error) {
	w, err := c.Data()
	if err == nil {
		_, err = w.Write(raw)
		closeErr := w.Close()
		if err == nil {
			err = closeErr
		}
	}
	return
}

// outcome turns a result without accepted recipients into the transport error.
func outcome(r Result, lastErr error) (err error) {
	switch {
	case len(r.Accepted) > 0:
	case len(r.Deferred) > 0:
		err = fmt.Errorf("%w: %s", ErrTemporary, errText(lastErr))
	default:
		err = fmt.Errorf("%w: %s", ErrPermanent, errText(lastErr))
	}
	return
}

func errText(err error) (s string) {
	switch err {
	case nil:
		s = "no recipients"
	default:
		s = err.Error()
	}
	return
}

type smtpTransport struct {
	name string
	cfg  model.SmtpConfig
	pool *Pool
}

// NewSmtpTransport relays everything through one configured server: a smarthost or a provider's SMTP endpoint.
func NewSmtpTransport(name string, cfg model.SmtpConfig, pool *Pool) Transport {
	return smtpTransport{
		name: name,
		cfg:  cfg,
		pool: pool,
	}
}

func (t smtpTransport) Name() string {
	return t.name
}

func (t smtpTransport) Send(ctx context.Context, env Envelope, raw []byte) (r Result, err error) {
	r.Transport = t.name
	var c *Conn
	c, err = t.pool.Acquire(ctx, t.cfg)
	switch {
	case err == nil:
		var lastErr, connErr error
		r, lastErr, connErr = sendOver(c, env, raw)
		r.Transport = t.name
		t.pool.Release(c, connErr == nil)
		metricAttempts.WithLabelValues(t.name, attemptOutcome(r)).Inc()
		err = outcome(r, lastErr)
	case isPermanent(err):
		r.Rejected = env.To
		err = fmt.Errorf("%w: %s", ErrPermanent, err)
	default:
		r.Deferred = env.To
		err = fmt.Errorf("%w: %s", ErrTemporary, err)
	}
	return
}

func attemptOutcome(r Result) (o string) {
	switch {
	case len(r.Accepted) > 0:
		o = "accepted"
	case len(r.Deferred) > 0:
		o = "deferred"
	default:
		o = "rejected"
	}
	return
}
