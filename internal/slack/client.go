// Package slack is the transport layer: it receives Events API callbacks,
// hands messages to the orchestrator and posts the results back, including
// Excel file uploads.
package slack

import (
	"bytes"
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"
)

// api is the slice of the Slack client the transport uses, extracted so
// tests can fake it.
type api interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	UploadFileContext(ctx context.Context, params slackapi.UploadFileParameters) (*slackapi.FileSummary, error)
}

// Client posts bot output to Slack.
type Client struct {
	api api
}

func NewClient(token string) *Client {
	return &Client{api: slackapi.New(token)}
}

func newClientWithAPI(a api) *Client {
	return &Client{api: a}
}

// PostMessage sends a markdown message and returns its timestamp for later
// editing.
func (c *Client) PostMessage(ctx context.Context, channelID, text string) (string, error) {
	_, ts, err := c.api.PostMessageContext(ctx, channelID,
		slackapi.MsgOptionText(text, false))
	if err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	return ts, nil
}

// UpdateMessage replaces an earlier message in place.
func (c *Client) UpdateMessage(ctx context.Context, channelID, ts, text string) error {
	if _, _, _, err := c.api.UpdateMessageContext(ctx, channelID, ts,
		slackapi.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// PostSQLBlock shows the user the statement that produced their export.
func (c *Client) PostSQLBlock(ctx context.Context, channelID, sql string) error {
	header := slackapi.NewSectionBlock(
		slackapi.NewTextBlockObject(slackapi.MarkdownType, "*Сгенерированный SELECT SQL-запрос:*", false, false),
		nil, nil)
	body := slackapi.NewSectionBlock(
		slackapi.NewTextBlockObject(slackapi.MarkdownType, "```"+sql+"```", false, false),
		nil, nil)

	if _, _, err := c.api.PostMessageContext(ctx, channelID,
		slackapi.MsgOptionBlocks(header, body)); err != nil {
		return fmt.Errorf("post sql block: %w", err)
	}
	return nil
}

// UploadTable attaches an xlsx file to the channel.
func (c *Client) UploadTable(ctx context.Context, channelID, filename string, content []byte, comment string) error {
	_, err := c.api.UploadFileContext(ctx, slackapi.UploadFileParameters{
		Channel:        channelID,
		Filename:       filename,
		Reader:         bytes.NewReader(content),
		InitialComment: comment,
	})
	if err != nil {
		return fmt.Errorf("upload file: %w", err)
	}
	return nil
}
