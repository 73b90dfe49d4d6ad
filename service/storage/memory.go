package storage

import (
	"context"
	"fmt"
	"github.com/postkit/mta/model"
	"github.com/segmentio/ksuid"
	"golang.org/x/crypto/bcrypt"
	"strings"
	"sync"
	"time"
)

// Memory keeps everything in process, for development and tests.
type Memory struct {
	lock          sync.Mutex
	addrs         map[string]*mailbox
	addrIds       map[string]*mailbox
	users         map[string]user
	messages      []model.Message
	notifications []Notification
	deliveries    []Delivery
}

type Notification struct {
	AddressId string
	MessageId string
	At        time.Time
}

type mailbox struct {
	id     string
	email  string
	owners map[string]bool
	quota  int64
	used   int64
}

type user struct {
	hash   []byte
	secret string
	id     model.Identity
	sendAs map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		addrs:   map[string]*mailbox{},
		addrIds: map[string]*mailbox{},
		users:   map[string]user{},
	}
}

// AddMailbox registers the address with its owning member ids and quota in bytes.
func (m *Memory) AddMailbox(addressId, email string, quota int64, owners ...string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	mb := &mailbox{
		id:     addressId,
		email:  strings.ToLower(email),
		owners: map[string]bool{},
		quota:  quota,
	}
	for _, o := range owners {
		mb.owners[o] = true
	}
	m.addrs[mb.email] = mb
	m.addrIds[addressId] = mb
}

// AddUser registers a submission user allowed to send as its identity's address and the extra sendAs addresses.
// A non-empty secret enables challenge-response authentication.
func (m *Memory) AddUser(username, password, secret string, id model.Identity, sendAs ...string) (err error) {
	var hash []byte
	hash, err = bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return
	}
	u := user{
		hash:   hash,
		secret: secret,
		id:     id,
		sendAs: map[string]bool{strings.ToLower(id.Address): true},
	}
	for _, a := range sendAs {
		u.sendAs[strings.ToLower(a)] = true
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.users[username] = u
	return
}

func (m *Memory) Lookup(ctx context.Context, email string) (l AddressLookup, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	mb, ok := m.addrs[strings.ToLower(email)]
	switch ok {
	case true:
		l.AddressId = mb.id
		l.OwnerCount = len(mb.owners)
	default:
		err = fmt.Errorf("%w: address %s", ErrNotFound, email)
	}
	return
}

func (m *Memory) Remaining(ctx context.Context, addressId string) (remaining int64, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	mb, ok := m.addrIds[addressId]
	switch ok {
	case true:
		remaining = mb.quota - mb.used
	default:
		err = fmt.Errorf("%w: address id %s", ErrNotFound, addressId)
	}
	return
}

func (m *Memory) Verify(ctx context.Context, username, password string) (id model.Identity, err error) {
	m.lock.Lock()
	u, ok := m.users[username]
	m.lock.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(u.hash, []byte(password)) != nil {
		err = ErrAuth
		return
	}
	id = u.id
	return
}

func (m *Memory) Secret(ctx context.Context, username string) (secret string, id model.Identity, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	u, ok := m.users[username]
	switch {
	case !ok:
		err = ErrAuth
	case u.secret == "":
		err = ErrNoSecret
	default:
		secret = u.secret
		id = u.id
	}
	return
}

func (m *Memory) Owns(ctx context.Context, id model.Identity, email string) (owns bool, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	email = strings.ToLower(email)
	for _, u := range m.users {
		if u.id == id && u.sendAs[email] {
			owns = true
			return
		}
	}
	if mb, ok := m.addrs[email]; ok {
		owns = mb.owners[id.MemberId] || mb.id == id.AddressId
	}
	return
}

func (m *Memory) Save(ctx context.Context, msgs ...model.Message) (ids []string, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, msg := range msgs {
		if _, ok := m.addrIds[msg.AddressId]; !ok {
			err = fmt.Errorf("%w: address id %s", ErrNotFound, msg.AddressId)
			return
		}
	}
	for _, msg := range msgs {
		m.addrIds[msg.AddressId].used += msg.SizeBytes
		m.messages = append(m.messages, msg)
		ids = append(ids, ksuid.New().String())
	}
	return
}

func (m *Memory) Notify(ctx context.Context, addressId, messageId string) (err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.notifications = append(m.notifications, Notification{
		AddressId: addressId,
		MessageId: messageId,
		At:        time.Now().UTC(),
	})
	return
}

func (m *Memory) Record(ctx context.Context, d Delivery) (err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.deliveries = append(m.deliveries, d)
	return
}

func (m *Memory) Close() error {
	return nil
}

// Messages returns a copy of the persisted messages.
func (m *Memory) Messages() (msgs []model.Message) {
	m.lock.Lock()
	defer m.lock.Unlock()
	msgs = append(msgs, m.messages...)
	return
}

func (m *Memory) Notifications() (ns []Notification) {
	m.lock.Lock()
	defer m.lock.Unlock()
	ns = append(ns, m.notifications...)
	return
}

func (m *Memory) Deliveries() (ds []Delivery) {
	m.lock.Lock()
	defer m.lock.Unlock()
	ds = append(ds, m.deliveries...)
	return
}
