package storage

import (
	"context"
	"fmt"
	"github.com/postkit/mta/model"
	"github.com/postkit/mta/util"
	"log/slog"
)

type logging struct {
	s   Storage
	log *slog.Logger
}

// NewLogging wraps the storage. The result implements Secrets, failing with ErrNoSecret when s does not.
func NewLogging(s Storage, log *slog.Logger) Storage {
	return logging{
		s:   s,
		log: log,
	}
}

func (l logging) Lookup(ctx context.Context, email string) (lookup AddressLookup, err error) {
	lookup, err = l.s.Lookup(ctx, email)
	l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("storage.Lookup(email=%s): %+v, %s", email, lookup, err))
	return
}

func (l logging) Remaining(ctx context.Context, addressId string) (remaining int64, err error) {
	remaining, err = l.s.Remaining(ctx, addressId)
	l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("storage.Remaining(addressId=%s): %d, %s", addressId, remaining, err))
	return
}

func (l logging) Verify(ctx context.Context, username, password string) (id model.Identity, err error) {
	id, err = l.s.Verify(ctx, username, password)
	l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("storage.Verify(username=%s): %+v, %s", username, id, err))
	return
}

func (l logging) Secret(ctx context.Context, username string) (secret string, id model.Identity, err error) {
	secrets, ok := l.s.(Secrets)
	switch ok {
	case true:
		secret, id, err = secrets.Secret(ctx, username)
	default:
		err = ErrNoSecret
	}
	l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("storage.Secret(username=%s): %+v, %s", username, id, err))
	return
}

func (l logging) Owns(ctx context.Context, id model.Identity, email string) (owns bool, err error) {
	owns, err = l.s.Owns(ctx, id, email)
	l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("storage.Owns(id=%+v, email=%s): %t, %s", id, email, owns, err))
	return
}

func (l logging) Save(ctx context.Context, msgs ...model.Message) (ids []string, err error) {
	ids, err = l.s.Save(ctx, msgs...)
	addrIds := make([]string, len(msgs))
	for i, msg := range msgs {
		addrIds[i] = msg.AddressId
	}
	l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("storage.Save(addressIds=%v): %v, %s", addrIds, ids, err))
	return
}

func (l logging) Notify(ctx context.Context, addressId, messageId string) (err error) {
	err = l.s.Notify(ctx, addressId, messageId)
	l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("storage.Notify(addressId=%s, messageId=%s): %s", addressId, messageId, err))
	return
}

func (l logging) Record(ctx context.Context, d Delivery) (err error) {
	err = l.s.Record(ctx, d)
	l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("storage.Record(jobId=%s, accepted=%v, rejected=%v): %s", d.JobId, d.Accepted, d.Rejected, err))
	return
}

func (l logging) Close() error {
	return l.s.Close()
}
