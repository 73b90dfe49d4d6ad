package spam

import (
	"context"
	"net"
)

type noop struct{}

// NewNoop is used when no content reputation service is configured: everything passes with zero score.
func NewNoop() Service {
	return noop{}
}

func (n noop) CheckConnection(ctx context.Context, ip net.IP, helo string) (v ConnVerdict, err error) {
	v.Allowed = true
	return
}

func (n noop) CheckMessage(ctx context.Context, req Request) (v Verdict, err error) {
	v.Action = ActionNoAction
	return
}
