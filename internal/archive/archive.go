// Package archive copies expired jobs and their logs to object storage
// before the ledger cleanup sweep deletes them.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/ledger"
	"github.com/zulandar/switchyard/internal/models"
)

// objectStore abstracts the minio.Client methods we use, enabling test mocks.
type objectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Record is the archived document for one job.
type Record struct {
	ArchivedAt time.Time         `json:"archived_at"`
	Job        ledger.StatusView `json:"job"`
	BoardRef   string            `json:"board_ref"`
	RepoRef    string            `json:"repo_ref"`
	Logs       []LogLine         `json:"logs"`
}

// LogLine is one archived JobLog row.
type LogLine struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Minio stores one JSON object per job under jobs/{tenant}/{ticket}/{id}.json.
type Minio struct {
	store  objectStore
	bucket string
	now    func() time.Time
}

// NewMinio connects to the configured endpoint.
func NewMinio(cfg config.MinioConfig) (*Minio, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("archive: minio endpoint is not configured")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: minio client: %w", err)
	}
	return &Minio{store: client, bucket: cfg.Bucket, now: time.Now}, nil
}

// EnsureBucket creates the archive bucket if it does not exist.
func (m *Minio) EnsureBucket(ctx context.Context) error {
	exists, err := m.store.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("archive: check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.store.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("archive: create bucket %s: %w", m.bucket, err)
	}
	return nil
}

// ObjectName returns the key a job is archived under.
func ObjectName(job *models.Job) string {
	return fmt.Sprintf("jobs/%s/%s/%s.json", job.TenantID, job.TicketKey, job.ID)
}

// Archive implements ledger.Archiver.
func (m *Minio) Archive(ctx context.Context, job *models.Job, logs []models.JobLog) error {
	rec := Record{
		ArchivedAt: m.now().UTC(),
		Job:        ledger.View(job),
		BoardRef:   job.BoardRef,
		RepoRef:    job.RepoRef,
		Logs:       make([]LogLine, 0, len(logs)),
	}
	for _, l := range logs {
		rec.Logs = append(rec.Logs, LogLine{
			Level:     l.Level,
			Message:   l.Message,
			Context:   map[string]any(l.Context),
			CreatedAt: l.CreatedAt,
		})
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: marshal job %s: %w", job.ID, err)
	}
	_, err = m.store.PutObject(ctx, m.bucket, ObjectName(job), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("archive: put job %s: %w", job.ID, err)
	}
	return nil
}
