package converter

import (
	"context"
	"fmt"
	"github.com/postkit/mta/model"
	"github.com/postkit/mta/util"
	"log/slog"
)

type logging struct {
	svc Service
	log *slog.Logger
}

func NewLogging(svc Service, log *slog.Logger) Service {
	return logging{
		svc: svc,
		log: log,
	}
}

func (l logging) Convert(raw []byte) (msg model.Message, err error) {
	msg, err = l.svc.Convert(raw)
	l.log.Log(context.TODO(), util.LogLevel(err), fmt.Sprintf("converter.Convert(len=%d): messageId=%s, attachments=%d, %s", len(raw), msg.MessageId, len(msg.Attachments), err))
	return
}

func (l logging) Build(d model.Draft) (raw []byte, messageId string, err error) {
	raw, messageId, err = l.svc.Build(d)
	l.log.Log(context.TODO(), util.LogLevel(err), fmt.Sprintf("converter.Build(from=%s, rcpts=%d): messageId=%s, len=%d, %s", d.From.Address, len(d.Recipients()), messageId, len(raw), err))
	return
}
