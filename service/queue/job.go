package queue

import (
	"fmt"
	"github.com/postkit/mta/model"
	"time"
)

type Kind string

const (
	// KindOutboundSend is a message submitted by an authenticated user, relayed to the recipients' MX hosts.
	KindOutboundSend Kind = "outbound_send"
	// KindTransactional is an application generated message rendered at delivery time.
	KindTransactional Kind = "transactional"
)

// Payload is a tagged variant: exactly the field matching Kind is set.
type Payload struct {
	Kind          Kind           `json:"kind"`
	Send          *OutboundSend  `json:"send,omitempty"`
	Transactional *Transactional `json:"transactional,omitempty"`
}

type OutboundSend struct {
	From      string         `json:"from"`
	To        []string       `json:"to"`
	Raw       []byte         `json:"raw"`
	MessageId string         `json:"messageId"`
	Identity  model.Identity `json:"identity"`
}

type Transactional struct {
	Draft model.Draft `json:"draft"`
	// Transport overrides the configured transport and the provider fallback.
	Transport *model.SmtpConfig `json:"transport,omitempty"`
}

type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateFailed  State = "failed"
)

const MaxAttemptsDefault = 5

type Job struct {
	Id          string    `json:"id"`
	Payload     Payload   `json:"payload"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"createdAt"`
	// DueAt is the next attempt time of a pending job, the lease expiry of an active one.
	DueAt     time.Time `json:"dueAt"`
	LastError string    `json:"lastError,omitempty"`
}

// Result is what a delivery attempt reports on success.
type Result struct {
	Accepted  []string `json:"accepted"`
	Rejected  []string `json:"rejected"`
	Transport string   `json:"transport"`
	MessageId string   `json:"messageId"`
}

type Stats struct {
	Pending int `json:"pending"`
	Active  int `json:"active"`
	Failed  int `json:"failed"`
}

func (p Payload) validate() (err error) {
	switch {
	case p.Kind == KindOutboundSend && p.Send != nil && p.Transactional == nil:
		if len(p.Send.To) == 0 || len(p.Send.Raw) == 0 {
			err = fmt.Errorf("%w: outbound send without recipients or content", ErrInvalidPayload)
		}
	case p.Kind == KindTransactional && p.Transactional != nil && p.Send == nil:
		if len(p.Transactional.Draft.Recipients()) == 0 {
			err = fmt.Errorf("%w: transactional without recipients", ErrInvalidPayload)
		}
	default:
		err = fmt.Errorf("%w: kind %q does not match the payload", ErrInvalidPayload, p.Kind)
	}
	return
}
