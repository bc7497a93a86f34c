// Package report builds the weekly platform activity export consumed by the
// institution dashboards.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"

	"mizan-backend/internal/config"
	"mizan-backend/internal/models"
	"mizan-backend/internal/scheduler"
)

// CountsStore provides the aggregates the export renders.
type CountsStore interface {
	PlatformCounts(ctx context.Context) (models.ReportCounts, error)
}

// Uploader stores a rendered report under a key and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Exporter renders the weekly JSON report and uploads it to S3 when a bucket
// is configured, otherwise to a local directory.
type Exporter struct {
	store    CountsStore
	uploader Uploader
	clock    clockwork.Clock
}

// NewExporter wires the uploader from config.
func NewExporter(ctx context.Context, cfg config.Config, store CountsStore, clock clockwork.Clock) (*Exporter, error) {
	var uploader Uploader
	if cfg.ReportS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		uploader = &s3Uploader{client: client, bucket: cfg.ReportS3Bucket}
	} else {
		dir := cfg.ReportOutputDir
		if dir == "" {
			dir = "./reports"
		}
		uploader = &localUploader{baseDir: dir}
	}
	return &Exporter{store: store, uploader: uploader, clock: clock}, nil
}

// NewExporterWith injects an uploader directly; used by tests.
func NewExporterWith(store CountsStore, uploader Uploader, clock clockwork.Clock) *Exporter {
	return &Exporter{store: store, uploader: uploader, clock: clock}
}

// weeklyReport is the exported document shape.
type weeklyReport struct {
	GeneratedAt time.Time           `json:"generated_at"`
	WeekOf      string              `json:"week_of"`
	Counts      models.ReportCounts `json:"counts"`
}

// Run aggregates, renders, and uploads one report.
func (e *Exporter) Run(ctx context.Context, run scheduler.Run) error {
	counts, err := e.store.PlatformCounts(ctx)
	if err != nil {
		return fmt.Errorf("aggregate counts: %w", err)
	}

	now := e.clock.Now().UTC()
	doc := weeklyReport{
		GeneratedAt: now,
		WeekOf:      now.AddDate(0, 0, -7).Format("2006-01-02"),
		Counts:      counts,
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}

	key := fmt.Sprintf("reports/weekly/%s.json", now.Format("2006-01-02"))
	location, err := e.uploader.Upload(ctx, key, body, "application/json")
	if err != nil {
		return fmt.Errorf("upload report: %w", err)
	}
	run.Logger.Infow("weekly report exported", "location", location, "bytes", len(body))
	return nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ReportS3Region),
	}
	if cfg.ReportS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ReportS3Endpoint,
					HostnameImmutable: cfg.ReportS3PathStyle,
					SigningRegion:     cfg.ReportS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ReportS3PathStyle
	}), nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}
