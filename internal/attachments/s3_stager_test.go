package attachments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

// newTestStager builds an S3Stager with no real AWS client. That's fine
// for the download-side classification tests below, which return before
// ever touching s.client.
func newTestStager() *S3Stager {
	return &S3Stager{http: &http.Client{Timeout: 5 * time.Second}}
}

func TestStageClassifies404AsGone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	s := newTestStager()
	_, err := s.Stage(context.Background(), "email_1", syncmodel.EmailAttachment{Filename: "a.pdf"}, server.URL)
	if !syncmodel.IsGone(err) {
		t.Fatalf("expected a 404 download to classify as GoneError, got %v", err)
	}
}

func TestStageClassifiesForbiddenAsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	s := newTestStager()
	_, err := s.Stage(context.Background(), "email_1", syncmodel.EmailAttachment{Filename: "a.pdf"}, server.URL)
	if !syncmodel.IsPermanent(err) {
		t.Fatalf("expected a 403 download to classify as PermanentError, got %v", err)
	}
}

func TestObjectKeySanitizesSlashesInFilename(t *testing.T) {
	s := &S3Stager{prefix: "attachments"}
	key := s.objectKey("email_1", "folder/name.pdf")
	if key != "attachments/email_1/folder_name.pdf" {
		t.Fatalf("expected slashes in the filename to be sanitized, got %q", key)
	}
}

func TestObjectKeyWithoutPrefix(t *testing.T) {
	s := &S3Stager{}
	key := s.objectKey("email_1", "a.pdf")
	if key != "email_1/a.pdf" {
		t.Fatalf("expected no leading prefix segment, got %q", key)
	}
}
