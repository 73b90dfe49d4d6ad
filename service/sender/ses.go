package sender

import (
	"context"
	"fmt"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

const TransportSes = "ses"

// SendEmailApi is the SES v2 operation the transport needs.
type SendEmailApi interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type sesTransport struct {
	client SendEmailApi
}

func NewSesTransport(ctx context.Context, region, accessKeyId, secretAccessKey string) (t Transport, err error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKeyId != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyId, secretAccessKey, ""),
		))
	}
	var awsCfg aws.Config
	awsCfg, err = awsconfig.LoadDefaultConfig(ctx, opts...)
	if err == nil {
		t = NewSesTransportWithClient(sesv2.NewFromConfig(awsCfg))
	}
	return
}

func NewSesTransportWithClient(client SendEmailApi) Transport {
	return sesTransport{
		client: client,
	}
}

func (t sesTransport) Name() string {
	return TransportSes
}

func (t sesTransport) Send(ctx context.Context, env Envelope, raw []byte) (r Result, err error) {
	r.Transport = TransportSes
	var out *sesv2.SendEmailOutput
	out, err = t.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(env.From),
		Destination: &types.Destination{
			ToAddresses: env.To,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: raw,
			},
		},
	})
	switch err {
	case nil:
		r.Accepted = env.To
		if out != nil {
			r.MessageId = aws.ToString(out.MessageId)
		}
	default:
		r.Deferred = env.To
		err = fmt.Errorf("%w: ses: %s", ErrTemporary, err)
	}
	metricAttempts.WithLabelValues(TransportSes, attemptOutcome(r)).Inc()
	return
}
