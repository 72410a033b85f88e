package handlers

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/syncbridge-dev/syncbridge/internal/attachments"
	"github.com/syncbridge-dev/syncbridge/internal/clients"
	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

// MailGetter is the subset of MailClient a handler needs.
type MailGetter interface {
	Get(ctx context.Context, externalID string) (clients.MailRecord, error)
}

// mailWebhookBody is the shape a webhook for source M may carry: either a
// single message, a conversation containing several, or a trash event.
// Poller-originated envelopes never populate MessageIDs; the single
// PollerDescriptor.ExternalID on the envelope is used instead.
type mailWebhookBody struct {
	MessageIDs []string  `json:"message_ids"`
	Trashed    bool      `json:"trashed"`
	EventTime  time.Time `json:"event_time"`
}

// MailHandler implements C6 for source M.
type MailHandler struct {
	client       MailGetter
	stager       attachments.Stager // nil disables staging; SourceURL passes through
	processAfter time.Time
	now          func() time.Time
}

func NewMailHandler(client MailGetter, stager attachments.Stager, processAfter time.Time) *MailHandler {
	return &MailHandler{client: client, stager: stager, processAfter: processAfter, now: time.Now}
}

func (h *MailHandler) Handle(ctx context.Context, env syncmodel.Envelope) (Result, error) {
	var body mailWebhookBody
	_ = json.Unmarshal(env.Payload, &body) // poller descriptors won't match; body stays zero

	if env.Kind == syncmodel.KindDelete || body.Trashed {
		at := body.EventTime
		if at.IsZero() {
			at = h.now()
		}
		return Result{Emails: []syncmodel.CanonicalEmail{h.deletedEmail(env.ExternalID, at.UTC())}}, nil
	}

	ids := body.MessageIDs
	if len(ids) == 0 {
		ids = []string{env.ExternalID}
	}

	seen := map[string]bool{}
	var out []syncmodel.CanonicalEmail
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		record, err := h.client.Get(ctx, id)
		if err != nil {
			if syncmodel.IsGone(err) {
				out = append(out, h.deletedEmail(id, h.now().UTC()))
				continue
			}
			return Result{}, err
		}
		if record.Trashed {
			out = append(out, h.deletedEmail(id, h.now().UTC()))
			continue
		}
		if processAfterFilter(h.processAfter, record.SentAt) {
			continue
		}

		email := syncmodel.CanonicalEmail{
			EmailID:    record.EmailID,
			ThreadID:   record.ThreadID,
			Subject:    record.Subject,
			From:       normalizeAddress(record.From),
			To:         normalizeAddresses(record.To),
			CC:         normalizeAddresses(record.CC),
			BCC:        normalizeAddresses(record.BCC),
			BodyText:   record.BodyText,
			BodyHTML:   record.BodyHTML,
			SentAt:     record.SentAt.UTC(),
			ReceivedAt: record.ReceivedAt.UTC(),
			Labels:     record.Labels,
		}
		for _, a := range record.Attachments {
			att := syncmodel.EmailAttachment{Filename: a.Filename, ContentType: a.ContentType, Size: a.Size, SourceURL: a.DownloadURL}
			if h.stager != nil {
				if staged, stageErr := h.stager.Stage(ctx, record.EmailID, att, a.DownloadURL); stageErr == nil {
					att.StagedURL = staged
				}
				// staging failures are non-fatal: the record still carries
				// SourceURL and can be re-staged on a later update.
			}
			email.Attachments = append(email.Attachments, att)
		}
		out = append(out, email)
	}

	return Result{Emails: out}, nil
}

func (h *MailHandler) deletedEmail(externalID string, at time.Time) syncmodel.CanonicalEmail {
	return syncmodel.CanonicalEmail{EmailID: externalID, Deleted: true, DeletedAt: &at, ReceivedAt: at}
}

// normalizeAddress coerces a free-form address into canonical
// user@host form: lowercase, trimmed, "Display Name <addr>" unwrapped.
func normalizeAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if start := strings.Index(raw, "<"); start >= 0 {
		if end := strings.Index(raw[start:], ">"); end >= 0 {
			raw = raw[start+1 : start+end]
		}
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

func normalizeAddresses(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, a := range raw {
		if n := normalizeAddress(a); n != "" {
			out = append(out, n)
		}
	}
	return out
}
