package model

// Draft is an application generated (transactional) message before it is rendered to MIME.
type Draft struct {
	From        Address           `json:"from"`
	To          []Address         `json:"to"`
	Cc          []Address         `json:"cc,omitempty"`
	Bcc         []Address         `json:"bcc,omitempty"`
	ReplyTo     *Address          `json:"replyTo,omitempty"`
	Subject     string            `json:"subject"`
	Text        string            `json:"text,omitempty"`
	Html        string            `json:"html,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []DraftAttachment `json:"attachments,omitempty"`
}

type DraftAttachment struct {
	FileName    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
}

// Recipients returns the envelope recipients: every To, Cc and Bcc address.
func (d Draft) Recipients() (rcpts []string) {
	for _, lst := range [][]Address{d.To, d.Cc, d.Bcc} {
		for _, a := range lst {
			rcpts = append(rcpts, a.Address)
		}
	}
	return
}
