package model

import (
	"time"
)

// MessageSizeMax is the inbound message size ceiling, 25 MiB.
const MessageSizeMax = 25 * 1024 * 1024

type Sort string

const (
	SortNormal    Sort = "normal"
	SortImportant Sort = "important"
	SortSpam      Sort = "spam"
	SortTrash     Sort = "trash"
	SortSent      Sort = "sent"
)

type Address struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type Attachment struct {
	FileName    string `json:"filename"`
	ContentType string `json:"contentType"`
	ContentId   string `json:"contentId,omitempty"`
	Size        int64  `json:"size"`
	// Digest is the hex encoded SHA-256 of the decoded content.
	Digest string `json:"digest"`
}

// Message is the durable record produced by an accepted DATA phase.
// A nil address list means the header was absent, an empty one means it was present but empty.
type Message struct {
	MessageId    string              `json:"messageId"`
	Subject      string              `json:"subject"`
	Date         time.Time           `json:"date"`
	SizeBytes    int64               `json:"sizeBytes"`
	From         []Address           `json:"from"`
	To           []Address           `json:"to"`
	Cc           []Address           `json:"cc"`
	Bcc          []Address           `json:"bcc"`
	ReplyTo      []Address           `json:"replyTo"`
	Text         string              `json:"text"`
	Html         string              `json:"html"`
	Headers      map[string][]string `json:"headers"`
	Attachments  []Attachment        `json:"attachments"`
	SpamScore    float64             `json:"spamScore"`
	Warning      string              `json:"warning,omitempty"`
	Sort         Sort                `json:"sort"`
	AddressId    string              `json:"addressId"`
	EnvelopeFrom string              `json:"envelopeFrom"`
}
