package http

import (
	"github.com/postkit/mta/service/queue"
	"time"
)

// jobView is the public shape of a queued job. It never carries message content or transport credentials.
type jobView struct {
	Id          string         `json:"id"`
	Kind        queue.Kind     `json:"kind"`
	State       queue.State    `json:"state"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"maxAttempts"`
	CreatedAt   time.Time      `json:"createdAt"`
	DueAt       time.Time      `json:"dueAt"`
	LastError   string         `json:"lastError,omitempty"`
	From        string         `json:"from,omitempty"`
	To          []string       `json:"to,omitempty"`
	MessageId   string         `json:"messageId,omitempty"`
	Subject     string         `json:"subject,omitempty"`
	Transport   *transportView `json:"transport,omitempty"`
}

type transportView struct {
	Host     string `json:"host"`
	Port     uint16 `json:"port"`
	Username string `json:"username,omitempty"`
	Tls      string `json:"tls,omitempty"`
}

func newJobView(j queue.Job) (v jobView) {
	v = jobView{
		Id:          j.Id,
		Kind:        j.Payload.Kind,
		State:       j.State,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
		DueAt:       j.DueAt,
		LastError:   j.LastError,
	}
	switch {
	case j.Payload.Send != nil:
		v.From = j.Payload.Send.From
		v.To = j.Payload.Send.To
		v.MessageId = j.Payload.Send.MessageId
	case j.Payload.Transactional != nil:
		d := j.Payload.Transactional.Draft
		v.From = d.From.Address
		v.To = d.Recipients()
		v.Subject = d.Subject
		if t := j.Payload.Transactional.Transport; t != nil {
			v.Transport = &transportView{
				Host:     t.Host,
				Port:     t.Port,
				Username: t.Username,
				Tls:      t.Tls,
			}
		}
	}
	return
}

func newJobViews(jobs []queue.Job) (views []jobView) {
	views = make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, newJobView(j))
	}
	return
}
