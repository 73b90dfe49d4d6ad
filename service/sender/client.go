package sender

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/postkit/mta/model"
	"io"
	"net"
	"strconv"
	"time"
)

// Client is the part of an SMTP client session the transports use.
type Client interface {
	Mail(from string, opts *smtp.MailOptions) error
	Rcpt(to string, opts *smtp.RcptOptions) error
	Data() (io.WriteCloser, error)
	Reset() error
	Quit() error
	Close() error
}

// Dialer opens a ready to use client session: greeted, with TLS and authentication done as configured.
type Dialer func(ctx context.Context, cfg model.SmtpConfig) (c Client, err error)

var ErrConnect = errors.New("connection failure")
var ErrTls = errors.New("tls negotiation failed")

type smtpClient struct {
	*smtp.Client
}

func (c smtpClient) Data() (io.WriteCloser, error) {
	return c.Client.Data()
}

type dialer struct {
	helo    string
	timeout time.Duration
	rootCAs *x509.CertPool
}

// NewDialer returns the network dialer. An empty Tls mode in the config means opportunistic STARTTLS, which is
// what MX delivery uses: the session is redone in plain text when the server lacks STARTTLS or the handshake
// fails. A nil rootCAs verifies the servers against the system pool.
func NewDialer(helo string, timeout time.Duration, rootCAs *x509.CertPool) Dialer {
	d := dialer{
		helo:    helo,
		timeout: timeout,
		rootCAs: rootCAs,
	}
	return d.dial
}

func (d dialer) dial(ctx context.Context, cfg model.SmtpConfig) (c Client, err error) {
	var cl *smtp.Client
	switch cfg.Tls {
	case "":
		cl, err = d.open(ctx, cfg, model.TlsStartTls)
		if err != nil && !errors.Is(err, ErrConnect) && ctx.Err() == nil {
			cl, err = d.open(ctx, cfg, model.TlsNone)
		}
	default:
		cl, err = d.open(ctx, cfg, cfg.Tls)
	}
	// credentials are sent only once the tls decision is final
	if err == nil && cfg.Username != "" {
		err = cl.Auth(sasl.NewPlainClient("", cfg.Username, cfg.Password))
		if err != nil {
			_ = cl.Close()
			err = sessionErr(cfg.Host, model.TlsNone, err)
		}
	}
	if err == nil {
		c = smtpClient{Client: cl}
	}
	return
}

// open connects and greets the server in the given tls mode. The context bounds the whole handshake.
func (d dialer) open(ctx context.Context, cfg model.SmtpConfig, mode string) (cl *smtp.Client, err error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*d.timeout)
		defer cancel()
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port)))
	tlsCfg := &tls.Config{
		ServerName: cfg.Host,
		MinVersion: tls.VersionTLS12,
		RootCAs:    d.rootCAs,
	}
	nd := &net.Dialer{
		Timeout: d.timeout,
	}
	var conn net.Conn
	switch mode {
	case model.TlsImplicit:
		td := tls.Dialer{
			NetDialer: nd,
			Config:    tlsCfg,
		}
		conn, err = td.DialContext(ctx, "tcp", addr)
	default:
		conn, err = nd.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		err = fmt.Errorf("%w: %s: %s", ErrConnect, addr, err)
		return
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	switch mode {
	case model.TlsStartTls:
		cl, err = smtp.NewClientStartTLS(conn, tlsCfg)
	default:
		cl = smtp.NewClient(conn)
	}
	if err == nil {
		cl.CommandTimeout = d.timeout
		cl.SubmissionTimeout = 2 * d.timeout
		// the handshake of a STARTTLS session completes here
		err = cl.Hello(d.helo)
	}
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		cl = nil
		err = sessionErr(cfg.Host, mode, err)
	}
	return
}

// sessionErr keeps the server replies as they are so the transports can classify them.
func sessionErr(host, mode string, err error) error {
	var smtpErr *smtp.SMTPError
	switch {
	case errors.As(err, &smtpErr):
		return err
	case mode == model.TlsStartTls:
		return fmt.Errorf("%w: %s: %s", ErrTls, host, err)
	default:
		return fmt.Errorf("%w: %s: %s", ErrConnect, host, err)
	}
}
