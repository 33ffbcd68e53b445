package forward

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

const sesMaxRetries = 2

type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Sender must be a verified SES identity.
	Sender string
}

// SendEmailAPI is the SES v2 operation used by SES. Tests substitute it.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SES forwards the raw message through AWS SES v2.
type SES struct {
	sender     string
	client     SendEmailAPI
	retryDelay time.Duration
}

func NewSES(ctx context.Context, cfg SESConfig) (*SES, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

func NewSESWithClient(sender string, client SendEmailAPI) *SES {
	return &SES{sender: sender, client: client, retryDelay: time.Second}
}

func (s *SES) Name() string {
	return "ses"
}

func (s *SES) Forward(ctx context.Context, from, to string, raw []byte) error {
	sender := s.sender
	if sender == "" {
		sender = from
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}

	var lastErr error
	delay := s.retryDelay
	for attempt := 0; attempt <= sesMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("forward to %s: %w", to, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}
		_, err := s.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("ses forward attempt failed", "to", to, "attempt", attempt, "error", err)
	}
	return fmt.Errorf("forward to %s after %d retries: %w", to, sesMaxRetries, lastErr)
}
