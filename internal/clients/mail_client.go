package clients

import (
	"net/http"
	"strings"
	"time"

	"context"
)

// MailRecord is M's wire shape for a single email/message, hydrated from
// GET /messages/{id}. Threads are fanned out to individual messages by
// the mail handler (spec.md §4.6 "Source M specifics").
type MailRecord struct {
	EmailID     string     `json:"email_id"`
	ThreadID    string     `json:"thread_id"`
	Subject     string     `json:"subject"`
	From        string     `json:"from"`
	To          []string   `json:"to"`
	CC          []string   `json:"cc"`
	BCC         []string   `json:"bcc"`
	BodyText    string     `json:"body_text"`
	BodyHTML    string     `json:"body_html"`
	SentAt      time.Time  `json:"sent_at"`
	ReceivedAt  time.Time  `json:"received_at"`
	Labels      []string   `json:"labels"`
	Trashed     bool       `json:"trashed"`
	Attachments []MailAttachment `json:"attachments"`
}

type MailAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"download_url"`
}

type mailListResponse struct {
	Items      []mailListItem `json:"items"`
	NextCursor string         `json:"next_cursor"`
	HasMore    bool           `json:"has_more"`
}

type mailListItem struct {
	EmailID    string    `json:"email_id"`
	UpdatedAt  time.Time `json:"updated_at"`
	ReceivedAt time.Time `json:"received_at"`
}

// DefaultMailBaseURL is source M's fixed API host. Unlike T, M is a
// single-tenant SaaS inbox provider, so there is no per-deployment
// M_BASE_URL configuration option (spec.md §6).
const DefaultMailBaseURL = "https://api.mailhub.example.com"

// MailClient implements C3 for source M: bearer token auth.
type MailClient struct {
	base baseClient
}

func NewMailClient(baseURL, apiToken string, requestsPerSecond float64) *MailClient {
	return &MailClient{
		base: newBaseClient(baseURL, requestsPerSecond, func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+apiToken)
		}),
	}
}

func (c *MailClient) ListUpdatedSince(ctx context.Context, since time.Time, cursor string) ([]UpdatedItem, string, bool, error) {
	query := map[string]string{"updated_since": since.UTC().Format(time.RFC3339)}
	if cursor != "" {
		query["cursor"] = cursor
	}
	var resp mailListResponse
	if err := c.base.doJSON(ctx, http.MethodGet, "/api/v1/messages", query, &resp); err != nil {
		return nil, "", false, err
	}
	items := make([]UpdatedItem, 0, len(resp.Items))
	for _, item := range resp.Items {
		items = append(items, UpdatedItem{ExternalID: item.EmailID, UpdatedAt: item.UpdatedAt, CreatedAt: item.ReceivedAt})
	}
	return items, resp.NextCursor, !resp.HasMore, nil
}

func (c *MailClient) Get(ctx context.Context, externalID string) (MailRecord, error) {
	var record MailRecord
	err := c.base.doJSON(ctx, http.MethodGet, "/api/v1/messages/"+encodeSegment(externalID), nil, &record)
	return record, err
}

type mailWebhookRegistrationResponse struct {
	SubscriptionID string `json:"subscription_id"`
}

// Delete and Create implement webhooks.Registrar for source M.
func (c *MailClient) Delete(ctx context.Context, registrationID string) error {
	return c.base.doJSON(ctx, http.MethodDelete, "/api/v1/subscriptions/"+encodeSegment(registrationID), nil, nil)
}

func (c *MailClient) Create(ctx context.Context, targetURL string, events []string) (string, error) {
	var resp mailWebhookRegistrationResponse
	err := c.base.doJSON(ctx, http.MethodPost, "/api/v1/subscriptions", map[string]string{
		"callback_url": targetURL,
		"topics":       strings.Join(events, ","),
	}, &resp)
	return resp.SubscriptionID, err
}
