package smtp

import (
	"context"
	"github.com/emersion/go-smtp"
	"github.com/postkit/mta/service/inbound"
	"github.com/postkit/mta/service/outbound"
	"github.com/postkit/mta/util"
)

const (
	serverInbound  = "inbound"
	serverOutbound = "outbound"
)

type inboundBackend struct {
	svc inbound.Service
}

// NewInboundBackend runs the inbound connection checks before the greeting: a refused peer gets the reply and
// the connection is closed.
func NewInboundBackend(svc inbound.Service) smtp.Backend {
	return inboundBackend{
		svc: svc,
	}
}

func (b inboundBackend) NewSession(c *smtp.Conn) (s smtp.Session, err error) {
	ip := util.RemoteIP(c.Conn().RemoteAddr())
	ctx, cancel := context.WithCancel(context.Background())
	var v inbound.ConnVerdict
	v, err = b.svc.Connect(ctx, ip)
	switch err {
	case nil:
		s = newInboundSession(ctx, cancel, b.svc, c, ip, v)
	default:
		cancel()
		err = replyErr(serverInbound, "CONNECT", err)
	}
	return
}

type outboundBackend struct {
	svc     outbound.Service
	host    string
	cramMd5 bool
}

// NewOutboundBackend serves authenticated submission. CRAM-MD5 is offered only when the credential store keeps
// shared secrets.
func NewOutboundBackend(svc outbound.Service, host string, cramMd5 bool) smtp.Backend {
	return outboundBackend{
		svc:     svc,
		host:    host,
		cramMd5: cramMd5,
	}
}

func (b outboundBackend) NewSession(c *smtp.Conn) (s smtp.Session, err error) {
	ctx, cancel := context.WithCancel(context.Background())
	s = newOutboundSession(ctx, cancel, b.svc, c, util.RemoteIP(c.Conn().RemoteAddr()), b.host, b.cramMd5)
	return
}
