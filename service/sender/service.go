package sender

import (
	"context"
	"errors"
	"fmt"
	"github.com/postkit/mta/model"
	"github.com/postkit/mta/service/converter"
	"github.com/postkit/mta/service/queue"
	"github.com/postkit/mta/service/storage"
	"time"
)

// Service performs the delivery attempts of the queued jobs.
type Service interface {

	// Deliver makes one attempt for the job: outbound sends go to the recipients' mail exchangers, transactional
	// messages to their explicit transport, else the configured relay, else the first provider which accepts them,
	// falling back to the mail exchangers. Deferred recipients of a partially accepted message are queued again.
	Deliver(ctx context.Context, j queue.Job) (r Result, err error)

	// Verify connects with the config, greets, negotiates TLS, authenticates and quits.
	Verify(ctx context.Context, cfg model.SmtpConfig) (err error)
}

var ErrVerify = errors.New("smtp config verification failed")
var ErrPayload = errors.New("undeliverable job payload")

type service struct {
	mx         Transport
	relay      Transport
	providers  []Transport
	pool       *Pool
	dial       Dialer
	conv       converter.Service
	queue      queue.Service
	deliveries storage.Deliveries
	now        func() time.Time
}

// NewService builds the sender. The relay is optional and the providers may be empty.
func NewService(
	mx Transport,
	relay Transport,
	providers []Transport,
	pool *Pool,
	dial Dialer,
	conv converter.Service,
	q queue.Service,
	deliveries storage.Deliveries,
) Service {
	return service{
		mx:         mx,
		relay:      relay,
		providers:  providers,
		pool:       pool,
		dial:       dial,
		conv:       conv,
		queue:      q,
		deliveries: deliveries,
		now:        time.Now,
	}
}

func (svc service) Deliver(ctx context.Context, j queue.Job) (r Result, err error) {
	var env Envelope
	var raw []byte
	var identity model.Identity
	switch j.Payload.Kind {
	case queue.KindOutboundSend:
		send := j.Payload.Send
		env = Envelope{From: send.From, To: send.To}
		raw = send.Raw
		identity = send.Identity
		r, err = svc.mx.Send(ctx, env, raw)
		r.MessageId = send.MessageId
	case queue.KindTransactional:
		tx := j.Payload.Transactional
		var msgId string
		raw, msgId, err = svc.conv.Build(tx.Draft)
		if err != nil {
			err = fmt.Errorf("%w: %s", ErrPermanent, err)
			break
		}
		env = Envelope{From: tx.Draft.From.Address, To: tx.Draft.Recipients()}
		r, err = svc.sendTransactional(ctx, tx, env, raw)
		if r.MessageId == "" {
			r.MessageId = msgId
		}
	default:
		err = fmt.Errorf("%w: %s: unknown kind %q", ErrPermanent, ErrPayload, j.Payload.Kind)
	}
	if len(r.Accepted) > 0 && len(r.Deferred) > 0 {
		var id string
		id, err = svc.queue.Enqueue(ctx, queue.Payload{
			Kind: queue.KindOutboundSend,
			Send: &queue.OutboundSend{
				From:      env.From,
				To:        r.Deferred,
				Raw:       raw,
				MessageId: r.MessageId,
				Identity:  identity,
			},
		})
		switch err {
		case nil:
			r.Warnings = append(r.Warnings, fmt.Sprintf("deferred recipients %v queued as job %s", r.Deferred, id))
		default:
			// nothing was lost yet: retry the whole job, the accepted recipients may get a duplicate
			err = fmt.Errorf("%w: failed to queue the deferred recipients: %s", ErrTemporary, err)
		}
	}
	d := storage.Delivery{
		JobId:     j.Id,
		MessageId: r.MessageId,
		From:      env.From,
		Accepted:  r.Accepted,
		Rejected:  r.Rejected,
		Transport: r.Transport,
		At:        svc.now().UTC(),
	}
	if err != nil {
		d.Error = err.Error()
	}
	if recErr := svc.deliveries.Record(ctx, d); recErr != nil {
		r.Warnings = append(r.Warnings, fmt.Sprintf("failed to record the delivery: %s", recErr))
	}
	return
}

func (svc service) sendTransactional(ctx context.Context, tx *queue.Transactional, env Envelope, raw []byte) (r Result, err error) {
	switch {
	case tx.Transport != nil:
		r, err = NewSmtpTransport("explicit", *tx.Transport, svc.pool).Send(ctx, env, raw)
	case svc.relay != nil:
		r, err = svc.relay.Send(ctx, env, raw)
	default:
		var tried []string
		for _, p := range svc.providers {
			r, err = p.Send(ctx, env, raw)
			if err == nil {
				break
			}
			tried = append(tried, fmt.Sprintf("%s: %s", p.Name(), err))
		}
		if err != nil || len(svc.providers) == 0 {
			r, err = svc.mx.Send(ctx, env, raw)
			for _, t := range tried {
				r.Warnings = append(r.Warnings, "provider "+t)
			}
		}
	}
	return
}

func (svc service) Verify(ctx context.Context, cfg model.SmtpConfig) (err error) {
	var c Client
	c, err = svc.dial(ctx, cfg)
	if err == nil {
		err = c.Quit()
	}
	if err != nil {
		err = fmt.Errorf("%w: %s", ErrVerify, err)
	}
	return
}

type handler struct {
	svc Service
}

// NewHandler adapts the sender to the queue worker.
func NewHandler(svc Service) queue.Handler {
	return handler{
		svc: svc,
	}
}

func (h handler) Handle(ctx context.Context, j queue.Job) (qr queue.Result, err error) {
	var r Result
	r, err = h.svc.Deliver(ctx, j)
	qr = queue.Result{
		Accepted:  r.Accepted,
		Rejected:  r.Rejected,
		Transport: r.Transport,
		MessageId: r.MessageId,
	}
	if errors.Is(err, ErrPermanent) {
		err = fmt.Errorf("%w: %s", queue.ErrPermanent, err)
	}
	return
}
