// Package attachments implements optional attachment staging: copying
// email attachment bytes from an upstream download URL into an
// object store the operator controls, so canonical records don't hold
// links that expire with the upstream session.
package attachments

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

// Stager copies an attachment's bytes into durable storage and returns a
// stable reference to it. A nil Stager means staging is disabled and
// handlers pass upstream SourceURL through unchanged.
type Stager interface {
	Stage(ctx context.Context, emailID string, att syncmodel.EmailAttachment, downloadURL string) (stagedURL string, err error)
}

// S3Stager uploads to a bucket/prefix using the default AWS SDK
// credential chain. Enabled only when ATTACHMENT_S3_BUCKET is set
// (SPEC_FULL §8).
type S3Stager struct {
	client *s3.Client
	bucket string
	prefix string
	http   *http.Client
}

func NewS3Stager(ctx context.Context, bucket, prefix string) (*S3Stager, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Stager{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		http:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Stage fetches the upstream bytes and puts them under
// {prefix}/{emailID}/{filename}, returning an s3:// reference.
func (s *S3Stager) Stage(ctx context.Context, emailID string, att syncmodel.EmailAttachment, downloadURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", &syncmodel.TransientError{Op: "attachment_download", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", &syncmodel.GoneError{ExternalID: downloadURL}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &syncmodel.PermanentError{Op: "attachment_download", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	key := s.objectKey(emailID, att.Filename)
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        io.LimitReader(resp.Body, maxAttachmentBytes),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", &syncmodel.TransientError{Op: "attachment_upload", Err: err}
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *S3Stager) objectKey(emailID, filename string) string {
	filename = strings.ReplaceAll(filename, "/", "_")
	if s.prefix == "" {
		return fmt.Sprintf("%s/%s", emailID, filename)
	}
	return fmt.Sprintf("%s/%s/%s", s.prefix, emailID, filename)
}

// maxAttachmentBytes bounds a single staged object; larger attachments are
// truncated rather than exhausting worker memory on a hostile upstream.
const maxAttachmentBytes = 25 << 20
