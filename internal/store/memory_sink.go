package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

// MemorySink is an in-process Sink for tests. It ignores the DBTX argument
// entirely since there is no real transaction to join, and its DB() is
// nil, so a dispatcher using it takes the write-then-complete path; no
// test in this tree exercises the transactional PostgresSink path.
type MemorySink struct {
	mu          sync.Mutex
	Tasks       map[string]syncmodel.CanonicalTask
	Emails      map[string]syncmodel.CanonicalEmail
	Docs        map[string]syncmodel.CanonicalDoc
	StageAttach bool
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		Tasks:  map[string]syncmodel.CanonicalTask{},
		Emails: map[string]syncmodel.CanonicalEmail{},
		Docs:   map[string]syncmodel.CanonicalDoc{},
	}
}

func (s *MemorySink) DB() *sql.DB { return nil }

func (s *MemorySink) RequiresStagedAttachments() bool { return s.StageAttach }

func (s *MemorySink) UpsertTask(_ context.Context, _ DBTX, t syncmodel.CanonicalTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.Tasks[t.TaskID]; ok {
		if t.DueAt == nil {
			t.DueAt = existing.DueAt
		}
		if existing.UpdatedAt.After(t.UpdatedAt) && !existing.Deleted {
			return nil
		}
	}
	t.Deleted = false
	t.DeletedAt = nil
	s.Tasks[t.TaskID] = t
	return nil
}

func (s *MemorySink) UpsertEmail(_ context.Context, _ DBTX, e syncmodel.CanonicalEmail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.Emails[e.EmailID]; ok {
		if e.SentAt.IsZero() {
			e.SentAt = existing.SentAt
		}
	}
	e.Deleted = false
	e.DeletedAt = nil
	s.Emails[e.EmailID] = e
	return nil
}

func (s *MemorySink) UpsertDoc(_ context.Context, _ DBTX, d syncmodel.CanonicalDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.Docs[d.DocID]; ok && existing.UpdatedAt.After(d.UpdatedAt) && !existing.Deleted {
		return nil
	}
	d.Deleted = false
	d.DeletedAt = nil
	s.Docs[d.DocID] = d
	return nil
}

func (s *MemorySink) DeleteTask(_ context.Context, _ DBTX, taskID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Tasks[taskID]
	if !ok {
		t = syncmodel.CanonicalTask{TaskID: taskID}
	}
	t.Deleted = true
	atCopy := at
	t.DeletedAt = &atCopy
	s.Tasks[taskID] = t
	return nil
}

func (s *MemorySink) DeleteEmail(_ context.Context, _ DBTX, emailID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.Emails[emailID]
	if !ok {
		e = syncmodel.CanonicalEmail{EmailID: emailID}
	}
	e.Deleted = true
	atCopy := at
	e.DeletedAt = &atCopy
	s.Emails[emailID] = e
	return nil
}

func (s *MemorySink) DeleteDoc(_ context.Context, _ DBTX, docID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.Docs[docID]
	if !ok {
		d = syncmodel.CanonicalDoc{DocID: docID}
	}
	d.Deleted = true
	atCopy := at
	d.DeletedAt = &atCopy
	s.Docs[docID] = d
	return nil
}
