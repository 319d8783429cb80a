package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"
)

type postmarkClient struct {
	client *postmark.Client
	config Config
}

// NewPostmarkClient validates cfg and returns a Postmark-backed sender.
func NewPostmarkClient(cfg Config) (EmailSender, error) {
	switch {
	case cfg.PostmarkServerToken == "":
		return nil, fmt.Errorf("%w: PostmarkServerToken is required", ErrInvalidConfig)
	case !emailRegex.MatchString(cfg.SenderEmail):
		return nil, fmt.Errorf("%w: SenderEmail must be a valid email address", ErrInvalidConfig)
	case !emailRegex.MatchString(cfg.SupportEmail):
		return nil, fmt.Errorf("%w: SupportEmail must be a valid email address", ErrInvalidConfig)
	}
	return &postmarkClient{
		client: postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken),
		config: cfg,
	}, nil
}

func MustNewPostmarkClient(cfg Config) EmailSender {
	c, err := NewPostmarkClient(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// SendEmail sends through Postmark's transactional API. Replies go to the
// support address.
func (c *postmarkClient) SendEmail(ctx context.Context, params SendEmailParams) error {
	if err := params.Validate(); err != nil {
		return err
	}

	resp, err := c.client.SendEmail(ctx, postmark.Email{
		From:       c.config.SenderEmail,
		ReplyTo:    c.config.SupportEmail,
		To:         params.SendTo,
		Subject:    params.Subject,
		Tag:        params.Tag,
		HTMLBody:   params.BodyHTML,
		TrackOpens: false,
	})
	if err != nil {
		return errors.Join(ErrFailedToSendEmail, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrFailedToSendEmail, fmt.Errorf("postmark error %d: %s", resp.ErrorCode, resp.Message))
	}
	return nil
}
