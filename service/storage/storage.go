package storage

import (
	"context"
	"errors"
	"github.com/postkit/mta/model"
	"time"
)

// Recipients answers the inbound mailbox lookups.
type Recipients interface {

	// Lookup returns ErrNotFound when no mailbox has the address.
	Lookup(ctx context.Context, email string) (l AddressLookup, err error)

	// Remaining returns the storage quota left for the address, in bytes.
	Remaining(ctx context.Context, addressId string) (remaining int64, err error)
}

type AddressLookup struct {
	AddressId  string
	OwnerCount int
}

// Credentials verifies the submission users.
type Credentials interface {

	// Verify returns ErrAuth for any mismatch without telling which part of the credentials was wrong.
	Verify(ctx context.Context, username, password string) (id model.Identity, err error)

	// Owns reports whether the identity may send as the email address.
	Owns(ctx context.Context, id model.Identity, email string) (owns bool, err error)
}

// Secrets is optionally implemented by a credential store keeping shared secrets for challenge-response auth.
type Secrets interface {

	// Secret returns ErrNoSecret when the user has no shared secret.
	Secret(ctx context.Context, username string) (secret string, id model.Identity, err error)
}

type Messages interface {
	// Save persists every message against its AddressId, all of them or none, and returns the record ids in
	// the same order.
	Save(ctx context.Context, msgs ...model.Message) (ids []string, err error)
}

type Notifications interface {
	Notify(ctx context.Context, addressId, messageId string) (err error)
}

type Deliveries interface {
	Record(ctx context.Context, d Delivery) (err error)
}

type Delivery struct {
	JobId     string
	MessageId string
	From      string
	Accepted  []string
	Rejected  []string
	Transport string
	Error     string
	At        time.Time
}

type Storage interface {
	Recipients
	Credentials
	Messages
	Notifications
	Deliveries
	Close() error
}

var ErrNotFound = errors.New("not found")
var ErrAuth = errors.New("invalid credentials")
var ErrNoSecret = errors.New("no shared secret")
var ErrInternal = errors.New("storage failure")
