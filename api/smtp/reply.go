package smtp

import (
	"errors"
	"github.com/emersion/go-smtp"
	"github.com/postkit/mta/service/inbound"
	"github.com/postkit/mta/service/outbound"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"strconv"
)

type reply struct {
	err  error
	code int
	enh  smtp.EnhancedCode
	text string
}

// replies maps the phase errors to the SMTP replies. The text never carries the error detail.
var replies = []reply{
	{inbound.ErrNotAllowed, 554, smtp.EnhancedCode{5, 7, 1}, "Connection refused"},
	{inbound.ErrRateLimited, 421, smtp.EnhancedCode{4, 7, 0}, "Too many connections, try again later"},
	{inbound.ErrInvalidAddress, 553, smtp.EnhancedCode{5, 1, 3}, "Invalid address"},
	{inbound.ErrDmarcReject, 550, smtp.EnhancedCode{5, 7, 1}, "Rejected by the sender domain policy"},
	{inbound.ErrRecipientUnknown, 550, smtp.EnhancedCode{5, 1, 1}, "No such recipient"},
	{inbound.ErrRecipientAmbiguous, 550, smtp.EnhancedCode{5, 1, 1}, "Recipient rejected"},
	{inbound.ErrMailboxFull, 552, smtp.EnhancedCode{5, 2, 2}, "Mailbox full"},
	{inbound.ErrTooManyRecipients, 452, smtp.EnhancedCode{4, 5, 3}, "Too many recipients"},
	{inbound.ErrNoRecipients, 554, smtp.EnhancedCode{5, 5, 1}, "No valid recipients"},
	{inbound.ErrTooLarge, 452, smtp.EnhancedCode{4, 3, 1}, "Message too large"},
	{inbound.ErrRead, 451, smtp.EnhancedCode{4, 3, 0}, "Failed to read the message"},
	{inbound.ErrMalformed, 554, smtp.EnhancedCode{5, 6, 0}, "Malformed message"},
	{inbound.ErrSpamReject, 550, smtp.EnhancedCode{5, 7, 1}, "Message rejected as spam"},
	{inbound.ErrGreylist, 451, smtp.EnhancedCode{4, 7, 1}, "Greylisted, try again later"},
	{inbound.ErrVirus, 554, smtp.EnhancedCode{5, 7, 1}, "Message infected"},
	{inbound.ErrTemporary, 451, smtp.EnhancedCode{4, 4, 3}, "Temporary lookup failure, try again later"},
	{inbound.ErrPersist, 451, smtp.EnhancedCode{4, 3, 0}, "Temporary storage failure, try again later"},
	{outbound.ErrAuth, 535, smtp.EnhancedCode{5, 7, 8}, "Authentication failed"},
	{errCramMd5Mismatch, 535, smtp.EnhancedCode{5, 7, 8}, "Authentication failed"},
	{errSaslResponse, 535, smtp.EnhancedCode{5, 7, 8}, "Authentication failed"},
	{outbound.ErrAuthMechanism, 504, smtp.EnhancedCode{5, 7, 4}, "Authentication mechanism not supported"},
	{outbound.ErrNotAuthenticated, 530, smtp.EnhancedCode{5, 7, 0}, "Authentication required"},
	{outbound.ErrSenderNotOwned, 553, smtp.EnhancedCode{5, 7, 1}, "Sender address not owned by the authenticated user"},
	{outbound.ErrRateLimited, 451, smtp.EnhancedCode{4, 7, 1}, "Submission rate exceeded, try again later"},
	{outbound.ErrInvalidAddress, 553, smtp.EnhancedCode{5, 1, 3}, "Invalid address"},
	{outbound.ErrTooManyRecipients, 452, smtp.EnhancedCode{4, 5, 3}, "Too many recipients"},
	{outbound.ErrNoRecipients, 554, smtp.EnhancedCode{5, 5, 1}, "No valid recipients"},
	{outbound.ErrTooLarge, 552, smtp.EnhancedCode{5, 3, 4}, "Message too large"},
	{outbound.ErrRead, 451, smtp.EnhancedCode{4, 3, 0}, "Failed to read the message"},
	{outbound.ErrMalformed, 554, smtp.EnhancedCode{5, 6, 0}, "Malformed message"},
	{outbound.ErrSpamReject, 550, smtp.EnhancedCode{5, 7, 1}, "Message rejected as spam"},
	{outbound.ErrGreylist, 451, smtp.EnhancedCode{4, 7, 1}, "Deferred, try again later"},
	{outbound.ErrVirus, 554, smtp.EnhancedCode{5, 7, 1}, "Message infected"},
	{outbound.ErrTemporary, 451, smtp.EnhancedCode{4, 4, 3}, "Temporary failure, try again later"},
	{outbound.ErrQueue, 451, smtp.EnhancedCode{4, 3, 0}, "Temporary queue failure, try again later"},
}

var replyInternal = reply{nil, 451, smtp.EnhancedCode{4, 3, 0}, "Internal error, try again later"}

var metricRejected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mta_smtp_rejected_total",
		Help: "SMTP commands rejected by server, command and reply code.",
	},
	[]string{
		"server",
		"command",
		"code",
	},
)

// toSmtpError converts a phase error into the reply sent to the client, counting the rejection.
func toSmtpError(server, command string, err error) (smtpErr *smtp.SMTPError) {
	if err == nil {
		return
	}
	if errors.As(err, &smtpErr) {
		return
	}
	r := replyInternal
	for _, candidate := range replies {
		if errors.Is(err, candidate.err) {
			r = candidate
			break
		}
	}
	metricRejected.WithLabelValues(server, command, strconv.Itoa(r.code)).Inc()
	smtpErr = &smtp.SMTPError{
		Code:         r.code,
		EnhancedCode: r.enh,
		Message:      r.text,
	}
	return
}

// replyErr keeps a nil interface for a nil reply.
func replyErr(server, command string, err error) error {
	if smtpErr := toSmtpError(server, command, err); smtpErr != nil {
		return smtpErr
	}
	return nil
}
