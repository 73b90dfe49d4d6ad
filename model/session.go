package model

import (
	"net"
)

// Session is the per-connection state shared by the command phases of one SMTP connection.
// It lives only as long as the connection and is never persisted.
type Session struct {
	RemoteAddr     net.IP
	ClientHostname string
	// Trusted is set for private/loopback peers accepted without reputation checks.
	Trusted  bool
	Envelope Envelope
	// Identity is bound by a successful AUTH on the outbound server only.
	Identity *Identity
	// Warnings are collected from connection-level checks and survive RSET.
	Warnings []string
	// ConnScore is the penalty accumulated before the first transaction, restored on RSET.
	ConnScore float64
}

// Envelope is the SMTP transaction state between MAIL FROM and the end of DATA.
type Envelope struct {
	// MailFrom is nil until MAIL FROM was accepted, an empty string for a bounce.
	MailFrom   *string
	RcptTo     []Recipient
	SpamScore  float64
	Bounce     bool
	Postmaster bool
	// Quarantine is the DMARC hint carried from MAIL FROM to DATA.
	Quarantine bool
	Warnings   []string
}

type Recipient struct {
	Address    string
	AddressId  string
	Postmaster bool
}

// AddScore accumulates a penalty. Non-positive deltas are ignored, the score never decreases.
func (e *Envelope) AddScore(delta float64) {
	if delta > 0 {
		e.SpamScore += delta
	}
}

func (e *Envelope) Warn(w ...string) {
	for _, s := range w {
		if s != "" {
			e.Warnings = append(e.Warnings, s)
		}
	}
}

// Begin starts a new transaction on top of the connection-level penalty.
func (s *Session) Begin() {
	s.Envelope = Envelope{
		SpamScore: s.ConnScore,
	}
	s.Envelope.Warnings = append(s.Envelope.Warnings, s.Warnings...)
}

// AddConnScore accumulates a connection-level penalty which every following transaction starts from.
func (s *Session) AddConnScore(delta float64) {
	if delta > 0 {
		s.ConnScore += delta
		s.Envelope.AddScore(delta)
	}
}

func (s *Session) Recipients() (addrs []string) {
	for _, r := range s.Envelope.RcptTo {
		addrs = append(addrs, r.Address)
	}
	return
}
