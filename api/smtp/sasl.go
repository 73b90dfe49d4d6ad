package smtp

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/emersion/go-sasl"
	"math/big"
	"strings"
	"time"
)

const (
	mechPlain   = "PLAIN"
	mechLogin   = "LOGIN"
	mechCramMd5 = "CRAM-MD5"
)

var errSaslResponse = errors.New("malformed sasl response")

type loginAuthenticator func(username, password string) error

type loginServer struct {
	auth     loginAuthenticator
	step     int
	username string
}

// newLoginServer implements the obsolete but common LOGIN mechanism: a username then a password prompt.
func newLoginServer(auth loginAuthenticator) sasl.Server {
	return &loginServer{
		auth: auth,
	}
}

func (ls *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch ls.step {
	case 0:
		if response == nil {
			ls.step = 1
			challenge = []byte("Username:")
			return
		}
		ls.username = string(response)
		ls.step = 2
		challenge = []byte("Password:")
	case 1:
		ls.username = string(response)
		ls.step = 2
		challenge = []byte("Password:")
	default:
		done = true
		err = ls.auth(ls.username, string(response))
	}
	return
}

type secretFunc func(username string) (secret string, err error)

type cramMd5Server struct {
	host      string
	secret    secretFunc
	bind      func(username string) error
	challenge string
}

// newCramMd5Server verifies the keyed digest of a one-time challenge against the user's shared secret.
func newCramMd5Server(host string, secret secretFunc, bind func(username string) error) sasl.Server {
	return &cramMd5Server{
		host:   host,
		secret: secret,
		bind:   bind,
	}
}

func (cs *cramMd5Server) Next(response []byte) (challenge []byte, done bool, err error) {
	if cs.challenge == "" {
		var n *big.Int
		n, err = rand.Int(rand.Reader, big.NewInt(1<<62))
		if err != nil {
			done = true
			return
		}
		cs.challenge = fmt.Sprintf("<%d.%d@%s>", n, time.Now().Unix(), cs.host)
		challenge = []byte(cs.challenge)
		return
	}
	done = true
	username, digest, ok := strings.Cut(string(response), " ")
	if !ok || username == "" {
		err = errSaslResponse
		return
	}
	var secret string
	secret, err = cs.secret(username)
	if err != nil {
		return
	}
	h := hmac.New(md5.New, []byte(secret))
	h.Write([]byte(cs.challenge))
	expected := hex.EncodeToString(h.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(digest))) {
		err = errCramMd5Mismatch
		return
	}
	err = cs.bind(username)
	return
}

var errCramMd5Mismatch = errors.New("digest mismatch")
