package smtp

import (
	"fmt"
	"github.com/emersion/go-smtp"
	"log/slog"
)

type backendLogging struct {
	b    smtp.Backend
	name string
	log  *slog.Logger
}

func NewBackendLogging(b smtp.Backend, name string, log *slog.Logger) smtp.Backend {
	return backendLogging{
		b:    b,
		name: name,
		log:  log,
	}
}

func (bl backendLogging) NewSession(c *smtp.Conn) (s smtp.Session, err error) {
	_, tlsOk := c.TLSConnectionState()
	remote := c.Conn().RemoteAddr()
	s, err = bl.b.NewSession(c)
	switch err {
	case nil:
		bl.log.Debug(fmt.Sprintf("%s.NewSession(%s, tls=%t)", bl.name, remote, tlsOk))
		s = NewSessionLogging(s, fmt.Sprintf("%s[%s]", bl.name, remote), bl.log)
	default:
		bl.log.Warn(fmt.Sprintf("%s.NewSession(%s, tls=%t): err=%s", bl.name, remote, tlsOk, err))
	}
	return
}
