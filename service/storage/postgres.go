package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lib/pq"
	"github.com/postkit/mta/model"
	"github.com/segmentio/ksuid"
	"golang.org/x/crypto/bcrypt"
	"strings"
)

type postgres struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS mail_addresses (
	id          VARCHAR(255) PRIMARY KEY,
	email       VARCHAR(320) NOT NULL UNIQUE,
	quota_bytes BIGINT NOT NULL DEFAULT 0,
	used_bytes  BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS mail_address_members (
	address_id VARCHAR(255) NOT NULL REFERENCES mail_addresses (id) ON DELETE CASCADE,
	member_id  VARCHAR(255) NOT NULL,
	PRIMARY KEY (address_id, member_id)
);
CREATE TABLE IF NOT EXISTS mail_credentials (
	username      VARCHAR(255) PRIMARY KEY,
	password_hash VARCHAR(255) NOT NULL,
	cram_secret   VARCHAR(255),
	workspace_id  VARCHAR(255) NOT NULL,
	address_id    VARCHAR(255) NOT NULL,
	member_id     VARCHAR(255) NOT NULL,
	address       VARCHAR(320) NOT NULL
);
CREATE TABLE IF NOT EXISTS mail_messages (
	id         VARCHAR(255) PRIMARY KEY,
	address_id VARCHAR(255) NOT NULL,
	message_id VARCHAR(998) NOT NULL,
	size_bytes BIGINT NOT NULL,
	spam_score DOUBLE PRECISION NOT NULL,
	sort       VARCHAR(32) NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS mail_notifications (
	id         BIGSERIAL PRIMARY KEY,
	address_id VARCHAR(255) NOT NULL,
	message_id VARCHAR(255) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS mail_deliveries (
	id         BIGSERIAL PRIMARY KEY,
	job_id     VARCHAR(255) NOT NULL,
	message_id VARCHAR(998) NOT NULL,
	sender     VARCHAR(320) NOT NULL,
	accepted   TEXT[] NOT NULL,
	rejected   TEXT[] NOT NULL,
	transport  VARCHAR(255) NOT NULL,
	error      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgres connects to the database and creates the missing tables.
func NewPostgres(ctx context.Context, dsn string) (s Storage, err error) {
	var db *sql.DB
	db, err = sql.Open("postgres", dsn)
	if err == nil {
		err = db.PingContext(ctx)
	}
	if err == nil {
		_, err = db.ExecContext(ctx, schema)
	}
	switch err {
	case nil:
		s = postgres{
			db: db,
		}
	default:
		if db != nil {
			_ = db.Close()
		}
		err = wrapDbErr(err)
	}
	return
}

func wrapDbErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%w: %s (%s)", ErrInternal, pqErr.Message, pqErr.Code)
	}
	return fmt.Errorf("%w: %s", ErrInternal, err)
}

func (p postgres) Lookup(ctx context.Context, email string) (l AddressLookup, err error) {
	err = p.db.
		QueryRowContext(
			ctx,
			`SELECT a.id, COUNT(m.member_id) FROM mail_addresses a
			LEFT JOIN mail_address_members m ON m.address_id = a.id
			WHERE a.email = $1 GROUP BY a.id`,
			strings.ToLower(email),
		).
		Scan(&l.AddressId, &l.OwnerCount)
	if err != nil {
		err = wrapDbErr(err)
	}
	return
}

func (p postgres) Remaining(ctx context.Context, addressId string) (remaining int64, err error) {
	err = p.db.
		QueryRowContext(ctx, `SELECT quota_bytes - used_bytes FROM mail_addresses WHERE id = $1`, addressId).
		Scan(&remaining)
	if err != nil {
		err = wrapDbErr(err)
	}
	return
}

func (p postgres) Verify(ctx context.Context, username, password string) (id model.Identity, err error) {
	var hash string
	err = p.db.
		QueryRowContext(
			ctx,
			`SELECT password_hash, workspace_id, address_id, member_id, address FROM mail_credentials WHERE username = $1`,
			username,
		).
		Scan(&hash, &id.WorkspaceId, &id.AddressId, &id.MemberId, &id.Address)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = ErrAuth
	case err != nil:
		err = wrapDbErr(err)
	case bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil:
		id = model.Identity{}
		err = ErrAuth
	}
	return
}

func (p postgres) Secret(ctx context.Context, username string) (secret string, id model.Identity, err error) {
	var s sql.NullString
	err = p.db.
		QueryRowContext(
			ctx,
			`SELECT cram_secret, workspace_id, address_id, member_id, address FROM mail_credentials WHERE username = $1`,
			username,
		).
		Scan(&s, &id.WorkspaceId, &id.AddressId, &id.MemberId, &id.Address)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = ErrAuth
	case err != nil:
		err = wrapDbErr(err)
	case !s.Valid || s.String == "":
		id = model.Identity{}
		err = ErrNoSecret
	default:
		secret = s.String
	}
	return
}

func (p postgres) Owns(ctx context.Context, id model.Identity, email string) (owns bool, err error) {
	var n int
	err = p.db.
		QueryRowContext(
			ctx,
			`SELECT COUNT(*) FROM mail_addresses a
			LEFT JOIN mail_address_members m ON m.address_id = a.id
			WHERE a.email = $1 AND (a.id = $2 OR m.member_id = $3)`,
			strings.ToLower(email), id.AddressId, id.MemberId,
		).
		Scan(&n)
	switch err {
	case nil:
		owns = n > 0
	default:
		err = wrapDbErr(err)
	}
	return
}

func (p postgres) Save(ctx context.Context, msgs ...model.Message) (ids []string, err error) {
	var tx *sql.Tx
	tx, err = p.db.BeginTx(ctx, nil)
	if err != nil {
		err = wrapDbErr(err)
		return
	}
	defer func() {
		if err != nil {
			ids = nil
			_ = tx.Rollback()
		}
	}()
	for _, msg := range msgs {
		var id string
		id, err = p.save(ctx, tx, msg)
		if err != nil {
			return
		}
		ids = append(ids, id)
	}
	err = tx.Commit()
	if err != nil {
		err = wrapDbErr(err)
	}
	return
}

func (p postgres) save(ctx context.Context, tx *sql.Tx, msg model.Message) (id string, err error) {
	var data []byte
	data, err = json.Marshal(msg)
	if err != nil {
		err = fmt.Errorf("%w: %s", ErrInternal, err)
		return
	}
	id = ksuid.New().String()
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO mail_messages (id, address_id, message_id, size_bytes, spam_score, sort, data) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, msg.AddressId, msg.MessageId, msg.SizeBytes, msg.SpamScore, string(msg.Sort), data,
	)
	if err == nil {
		_, err = tx.ExecContext(ctx, `UPDATE mail_addresses SET used_bytes = used_bytes + $1 WHERE id = $2`, msg.SizeBytes, msg.AddressId)
	}
	if err != nil {
		err = wrapDbErr(err)
	}
	return
}

func (p postgres) Notify(ctx context.Context, addressId, messageId string) (err error) {
	_, err = p.db.ExecContext(ctx, `INSERT INTO mail_notifications (address_id, message_id) VALUES ($1, $2)`, addressId, messageId)
	if err != nil {
		err = wrapDbErr(err)
	}
	return
}

func (p postgres) Record(ctx context.Context, d Delivery) (err error) {
	accepted := d.Accepted
	if accepted == nil {
		accepted = []string{}
	}
	rejected := d.Rejected
	if rejected == nil {
		rejected = []string{}
	}
	_, err = p.db.ExecContext(
		ctx,
		`INSERT INTO mail_deliveries (job_id, message_id, sender, accepted, rejected, transport, error, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.JobId, d.MessageId, d.From, pq.Array(accepted), pq.Array(rejected), d.Transport, d.Error, d.At,
	)
	if err != nil {
		err = wrapDbErr(err)
	}
	return
}

func (p postgres) Close() error {
	return p.db.Close()
}
