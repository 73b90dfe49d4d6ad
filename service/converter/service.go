package converter

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/jhillyerd/enmime"
	"github.com/microcosm-cc/bluemonday"
	"github.com/postkit/mta/model"
	"github.com/segmentio/ksuid"
	"net/mail"
	"strings"
	"time"
)

type Service interface {

	// Convert parses the raw RFC 5322 message into the structured record. SizeBytes is the exact raw length.
	Convert(raw []byte) (msg model.Message, err error)

	// Build renders the draft into a MIME message and returns it with the generated message id.
	Build(d model.Draft) (raw []byte, messageId string, err error)
}

type svc struct {
	host       string
	htmlPolicy *bluemonday.Policy
	now        func() time.Time
}

const hdrMessageId = "Message-Id"
const hdrDate = "Date"

var ErrParse = errors.New("failed to parse message")
var ErrBuild = errors.New("failed to build message")

var addressHeaders = []string{
	"From",
	"To",
	"Cc",
	"Bcc",
	"Reply-To",
}

// NewConverter uses the host as the right hand side of the generated message ids.
func NewConverter(host string, htmlPolicy *bluemonday.Policy) Service {
	return svc{
		host:       host,
		htmlPolicy: htmlPolicy,
		now:        time.Now,
	}
}

func (c svc) Convert(raw []byte) (msg model.Message, err error) {
	if len(raw) == 0 {
		err = fmt.Errorf("%w: %s", ErrParse, "empty message")
		return
	}
	var e *enmime.Envelope
	e, err = enmime.ReadEnvelope(bytes.NewReader(raw))
	switch err {
	case nil:
		msg = c.convert(e)
		msg.SizeBytes = int64(len(raw))
	default:
		err = fmt.Errorf("%w: %s", ErrParse, err)
	}
	return
}

func (c svc) convert(src *enmime.Envelope) (dst model.Message) {
	dst.Headers = make(map[string][]string)
	for _, k := range src.GetHeaderKeys() {
		dst.Headers[k] = src.GetHeaderValues(k)
	}
	dst.MessageId = c.convertAddr(src.GetHeader(hdrMessageId))
	if dst.MessageId == "" {
		dst.MessageId = c.newMessageId()
	}
	var err error
	dst.Date, err = mail.ParseDate(src.GetHeader(hdrDate))
	if err != nil {
		dst.Date = c.now()
	}
	dst.Date = dst.Date.UTC()
	dst.Subject = src.GetHeader("Subject")
	for _, h := range addressHeaders {
		lst := c.addressList(src, h)
		switch h {
		case "From":
			dst.From = lst
		case "To":
			dst.To = lst
		case "Cc":
			dst.Cc = lst
		case "Bcc":
			dst.Bcc = lst
		case "Reply-To":
			dst.ReplyTo = lst
		}
	}
	dst.Text = src.Text
	if src.HTML != "" {
		dst.Html = c.htmlPolicy.Sanitize(src.HTML)
	}
	var parts []*enmime.Part
	parts = append(parts, src.Attachments...)
	parts = append(parts, src.Inlines...)
	parts = append(parts, src.OtherParts...)
	for _, p := range parts {
		digest := sha256.Sum256(p.Content)
		dst.Attachments = append(dst.Attachments, model.Attachment{
			FileName:    p.FileName,
			ContentType: p.ContentType,
			ContentId:   c.convertAddr(p.ContentID),
			Size:        int64(len(p.Content)),
			Digest:      hex.EncodeToString(digest[:]),
		})
	}
	return
}

// addressList returns nil when the header is absent and a non-nil, possibly empty, list when it is present.
func (c svc) addressList(src *enmime.Envelope, name string) (lst []model.Address) {
	if len(src.GetHeaderValues(name)) == 0 {
		return
	}
	lst = []model.Address{}
	addrs, err := src.AddressList(name)
	if err != nil {
		return
	}
	for _, a := range addrs {
		lst = append(lst, model.Address{
			Address: strings.ToLower(a.Address),
			Name:    a.Name,
		})
	}
	return
}

func (c svc) convertAddr(src string) (dst string) {
	dst = strings.TrimSpace(src)
	if strings.HasPrefix(dst, "<") {
		dst = dst[1:]
		if strings.HasSuffix(dst, ">") {
			dst = dst[:len(dst)-1]
		}
	}
	return
}

func (c svc) newMessageId() string {
	return ksuid.New().String() + "@" + c.host
}

func (c svc) Build(d model.Draft) (raw []byte, messageId string, err error) {
	switch {
	case d.From.Address == "":
		err = fmt.Errorf("%w: %s", ErrBuild, "missing sender")
	case len(d.To)+len(d.Cc)+len(d.Bcc) == 0:
		err = fmt.Errorf("%w: %s", ErrBuild, "missing recipients")
	case d.Subject == "":
		err = fmt.Errorf("%w: %s", ErrBuild, "missing subject")
	case d.Text == "" && d.Html == "":
		err = fmt.Errorf("%w: %s", ErrBuild, "missing body")
	}
	if err != nil {
		return
	}
	messageId = c.newMessageId()
	b := enmime.Builder().
		From(d.From.Name, d.From.Address).
		Subject(d.Subject).
		Date(c.now()).
		ToAddrs(mailAddrs(d.To)).
		CCAddrs(mailAddrs(d.Cc)).
		BCCAddrs(mailAddrs(d.Bcc)).
		Header(hdrMessageId, "<"+messageId+">")
	if d.ReplyTo != nil {
		b = b.ReplyTo(d.ReplyTo.Name, d.ReplyTo.Address)
	}
	if d.Text != "" {
		b = b.Text([]byte(d.Text))
	}
	if d.Html != "" {
		b = b.HTML([]byte(d.Html))
	}
	for k, v := range d.Headers {
		b = b.Header(k, v)
	}
	for _, a := range d.Attachments {
		b = b.AddAttachment(a.Content, a.ContentType, a.FileName)
	}
	var root *enmime.Part
	root, err = b.Build()
	if err == nil {
		buf := &bytes.Buffer{}
		err = root.Encode(buf)
		raw = buf.Bytes()
	}
	if err != nil {
		err = fmt.Errorf("%w: %s", ErrBuild, err)
	}
	return
}

func mailAddrs(src []model.Address) (dst []mail.Address) {
	for _, a := range src {
		dst = append(dst, mail.Address{
			Name:    a.Name,
			Address: a.Address,
		})
	}
	return
}
