package resolver

import (
	"context"
	"fmt"
	"github.com/postkit/mta/model"
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

func (l logging) Resolve(ctx context.Context, domains ...string) (targets []model.RelayTarget, failures []DomainError) {
	targets, failures = l.svc.Resolve(ctx, domains...)
	l.logResult(ctx, fmt.Sprintf("resolver.Resolve(domains=%v)", domains), targets, failures)
	return
}

func (l logging) ResolveRecipients(ctx context.Context, rcpts ...string) (targets []model.RelayTarget, failures []DomainError) {
	targets, failures = l.svc.ResolveRecipients(ctx, rcpts...)
	l.logResult(ctx, fmt.Sprintf("resolver.ResolveRecipients(rcpts=%v)", rcpts), targets, failures)
	return
}

func (l logging) logResult(ctx context.Context, call string, targets []model.RelayTarget, failures []DomainError) {
	switch len(failures) {
	case 0:
		l.log.Debug(fmt.Sprintf("%s: %d targets", call, len(targets)))
	default:
		l.log.Warn(fmt.Sprintf("%s: %d targets, failures: %v", call, len(targets), failures))
	}
}
