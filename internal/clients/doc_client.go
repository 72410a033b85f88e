package clients

import (
	"context"
	"net/http"
	"time"
)

// DocRecord is C's wire shape for a single document, hydrated from
// GET /documents/{id}.
type DocRecord struct {
	DocID     string    `json:"doc_id"`
	Title     string    `json:"title"`
	BodyText  string    `json:"body_text"`
	MimeType  string    `json:"mime_type"`
	OwnerID   string    `json:"owner_id"`
	SourceURL string    `json:"source_url"`
	Trashed   bool      `json:"trashed"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedAt time.Time `json:"created_at"`
}

type docListResponse struct {
	Items      []docListItem `json:"items"`
	NextCursor string        `json:"next_cursor"`
	HasMore    bool          `json:"has_more"`
}

type docListItem struct {
	DocID     string    `json:"doc_id"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedAt time.Time `json:"created_at"`
}

// DocClient implements C3 for source C. Enabled only when C_BASE_URL is
// configured (spec.md treats C as an optional third source).
type DocClient struct {
	base baseClient
}

func NewDocClient(baseURL, apiToken string, requestsPerSecond float64) *DocClient {
	return &DocClient{
		base: newBaseClient(baseURL, requestsPerSecond, func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+apiToken)
		}),
	}
}

func (c *DocClient) ListUpdatedSince(ctx context.Context, since time.Time, cursor string) ([]UpdatedItem, string, bool, error) {
	query := map[string]string{"updated_since": since.UTC().Format(time.RFC3339)}
	if cursor != "" {
		query["cursor"] = cursor
	}
	var resp docListResponse
	if err := c.base.doJSON(ctx, http.MethodGet, "/api/v1/documents", query, &resp); err != nil {
		return nil, "", false, err
	}
	items := make([]UpdatedItem, 0, len(resp.Items))
	for _, item := range resp.Items {
		items = append(items, UpdatedItem{ExternalID: item.DocID, UpdatedAt: item.UpdatedAt, CreatedAt: item.CreatedAt})
	}
	return items, resp.NextCursor, !resp.HasMore, nil
}

func (c *DocClient) Get(ctx context.Context, externalID string) (DocRecord, error) {
	var record DocRecord
	err := c.base.doJSON(ctx, http.MethodGet, "/api/v1/documents/"+encodeSegment(externalID), nil, &record)
	return record, err
}
