package clients

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TaskRecord is T's wire shape for a single task, as returned by GET
// /tasks/{id}. Id lists are stable; name resolution happens in the
// identity cache (C10) at handler time (spec.md §4.6 "Source T specifics").
type TaskRecord struct {
	TaskID      string     `json:"task_id"`
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	TagIDs      []string   `json:"tag_ids"`
	AssigneeIDs []string   `json:"assignee_ids"`
	CreatorID   string     `json:"creator_id"`
	UpdaterID   string     `json:"updater_id"`
	DueAt       *time.Time `json:"due_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

type taskListResponse struct {
	Items      []taskListItem `json:"items"`
	NextCursor string         `json:"next_cursor"`
	HasMore    bool           `json:"has_more"`
}

type taskListItem struct {
	TaskID    string    `json:"task_id"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskClient implements C3 for source T: HTTP basic auth against a
// tenant-specific base URL.
type TaskClient struct {
	base baseClient
}

func NewTaskClient(baseURL, apiKey string, requestsPerSecond float64) *TaskClient {
	return &TaskClient{
		base: newBaseClient(baseURL, requestsPerSecond, func(req *http.Request) {
			req.SetBasicAuth(apiKey, "")
		}),
	}
}

func (c *TaskClient) ListUpdatedSince(ctx context.Context, since time.Time, cursor string) ([]UpdatedItem, string, bool, error) {
	query := map[string]string{"updated_since": since.UTC().Format(time.RFC3339)}
	if cursor != "" {
		query["cursor"] = cursor
	}
	var resp taskListResponse
	if err := c.base.doJSON(ctx, http.MethodGet, "/api/v1/tasks", query, &resp); err != nil {
		return nil, "", false, err
	}
	items := make([]UpdatedItem, 0, len(resp.Items))
	for _, item := range resp.Items {
		items = append(items, UpdatedItem{ExternalID: item.TaskID, UpdatedAt: item.UpdatedAt, CreatedAt: item.CreatedAt})
	}
	return items, resp.NextCursor, !resp.HasMore, nil
}

func (c *TaskClient) Get(ctx context.Context, externalID string) (TaskRecord, error) {
	var record TaskRecord
	err := c.base.doJSON(ctx, http.MethodGet, "/api/v1/tasks/"+encodeSegment(externalID), nil, &record)
	return record, err
}

type namedEntity struct {
	Name string `json:"name"`
}

// ResolveUser and ResolveTag back the identity cache's (C10) lookups for
// source T: display names for assignee/creator/updater and tag ids.
func (c *TaskClient) ResolveUser(ctx context.Context, id string) (string, error) {
	var entity namedEntity
	err := c.base.doJSON(ctx, http.MethodGet, "/api/v1/users/"+encodeSegment(id), nil, &entity)
	return entity.Name, err
}

func (c *TaskClient) ResolveTag(ctx context.Context, id string) (string, error) {
	var entity namedEntity
	err := c.base.doJSON(ctx, http.MethodGet, "/api/v1/tags/"+encodeSegment(id), nil, &entity)
	return entity.Name, err
}

type webhookRegistrationResponse struct {
	RegistrationID string `json:"registration_id"`
}

// Delete and Create implement webhooks.Registrar for source T.
func (c *TaskClient) Delete(ctx context.Context, registrationID string) error {
	return c.base.doJSON(ctx, http.MethodDelete, "/api/v1/webhooks/"+encodeSegment(registrationID), nil, nil)
}

func (c *TaskClient) Create(ctx context.Context, targetURL string, events []string) (string, error) {
	var resp webhookRegistrationResponse
	err := c.base.doJSON(ctx, http.MethodPost, "/api/v1/webhooks", map[string]string{
		"target_url": targetURL,
		"event":      strings.Join(events, ","),
	}, &resp)
	return resp.RegistrationID, err
}

// encodeSegment escapes an opaque external id for safe use as a single
// raw URL path segment (ids may contain '/', '?', '#', or spaces).
func encodeSegment(s string) string {
	return url.PathEscape(s)
}
