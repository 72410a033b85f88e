// Package syncmodel holds the wire- and storage-level types shared by every
// component of the ingestion core: envelopes, checkpoints, and the canonical
// records produced by the source handlers.
package syncmodel

import "time"

// Source identifies one of the upstream systems being mirrored.
type Source string

const (
	SourceTasks Source = "T"
	SourceMail  Source = "M"
	SourceDocs  Source = "C"
)

func (s Source) Valid() bool {
	switch s {
	case SourceTasks, SourceMail, SourceDocs:
		return true
	default:
		return false
	}
}

// EnvelopeKind distinguishes how an envelope was produced and what it means
// downstream.
type EnvelopeKind string

const (
	KindCreateOrUpdate EnvelopeKind = "create_or_update"
	KindDelete         EnvelopeKind = "delete"
	KindPageItem       EnvelopeKind = "page_item"
)

// EnvelopeState is the queue lifecycle state of an Envelope.
type EnvelopeState string

const (
	StatePending   EnvelopeState = "pending"
	StateLeased    EnvelopeState = "leased"
	StateCompleted EnvelopeState = "completed"
	StateFailed    EnvelopeState = "failed"
)

// Envelope is the unit of work carried by the durable queue (C1). Its
// logical identity is (Source, ID); re-enqueuing the same ID while the
// existing row is pending, leased, or failed is a no-op. Once that row has
// completed, the id is released: the entity's next real update reuses it
// and is processed rather than dropped, per spec.md's dedup rationale
// (redelivery of the same occurrence is absorbed, not every future change).
type Envelope struct {
	ID          string
	Source      Source
	Kind        EnvelopeKind
	ExternalID  string
	Payload     []byte
	Attempts    int
	State       EnvelopeState
	EnqueuedAt  time.Time
	LeasedUntil time.Time
	LastError   string
}

// EnvelopeID builds the canonical envelope identity per spec.md §4.4 step 3.
// It carries no time or version component: the queue's Enqueue is what
// releases a completed id for reuse, not the id's shape.
func EnvelopeID(source Source, externalID string, kind EnvelopeKind) string {
	return string(source) + ":" + externalID + ":" + string(kind)
}

// PollerDescriptor is the minimal payload the poller attaches to a
// create_or_update envelope; handlers hydrate the full record via C3.Get.
type PollerDescriptor struct {
	ExternalID string    `json:"external_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Checkpoint is the per-source high-water-mark used by the poller (C2).
type Checkpoint struct {
	Source        Source
	LastEventTime time.Time
	LastCursor    string
}

// CanonicalTask is produced by the T handler.
type CanonicalTask struct {
	TaskID         string
	ProjectID      string
	Title          string
	Description    string
	Status         string
	TagIDs         []string
	TagNames       []string
	AssigneeIDs    []string
	AssigneeNames  []string
	CreatorID      string
	CreatorName    string
	UpdaterID      string
	UpdaterName    string
	DueAt          *time.Time
	UpdatedAt      time.Time
	CreatedAt      time.Time
	Deleted        bool
	DeletedAt      *time.Time
}

// EmailAttachment is metadata about a message attachment, plus wherever the
// bytes currently live (upstream URL, or a staged copy in the sink's object
// store when RequiresStagedAttachments is true).
type EmailAttachment struct {
	Filename    string
	ContentType string
	Size        int64
	SourceURL   string
	StagedURL   string
}

// CanonicalEmail is produced by the M handler.
type CanonicalEmail struct {
	EmailID     string
	ThreadID    string
	Subject     string
	From        string
	To          []string
	CC          []string
	BCC         []string
	BodyText    string
	BodyHTML    string
	SentAt      time.Time
	ReceivedAt  time.Time
	Labels      []string
	Attachments []EmailAttachment
	Deleted     bool
	DeletedAt   *time.Time
}

// CanonicalDoc is produced by the C handler.
type CanonicalDoc struct {
	DocID      string
	Title      string
	BodyText   string
	MimeType   string
	OwnerID    string
	OwnerName  string
	SourceURL  string
	UpdatedAt  time.Time
	CreatedAt  time.Time
	Deleted    bool
	DeletedAt  *time.Time
}

// WebhookRegistration is the local record of a webhook registered upstream
// for a source, kept consistent with the process's current public URL (C9).
type WebhookRegistration struct {
	Source          Source
	RegistrationIDs []string
	TargetURL       string
	Events          []string
}
