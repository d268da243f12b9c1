package corpus

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"roidecode/internal/download"
)

// Source delivers a Neurosynth release tarball.
type Source interface {
	// Fetch writes the tarball into f. It may be called again after a failure,
	// each time with a fresh file.
	Fetch(ctx context.Context, f *os.File) error
	String() string
}

// HTTPSource downloads the tarball from a URL.
type HTTPSource struct {
	URL    string
	Client *download.Client
}

func (s *HTTPSource) Fetch(ctx context.Context, f *os.File) error {
	return s.Client.Get(ctx, s.URL, f)
}

func (s *HTTPSource) String() string {
	return s.URL
}

// S3Config locates a tarball mirrored in S3 or an S3-compatible store.
type S3Config struct {
	Bucket string
	Key    string
	Region string
	// "http://127.0.0.1:9000"
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3Source downloads the tarball from an object store in parallel parts.
type S3Source struct {
	Bucket   string
	Key      string
	Client   *s3.Client
	PartSize int64
}

const s3PartSize = 16 * 1024 * 1024

// NewS3Source connects to the configured endpoint. Without an access key
// requests are sent unsigned, which suits public buckets.
func NewS3Source(cfg S3Config) *S3Source {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client := s3.NewFromConfig(aws.Config{Region: region}, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.AccessKey != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		}
	})
	return &S3Source{Bucket: cfg.Bucket, Key: cfg.Key, Client: client, PartSize: s3PartSize}
}

func (s *S3Source) Fetch(ctx context.Context, f *os.File) error {
	downloader := manager.NewDownloader(s.Client, func(d *manager.Downloader) {
		d.PartSize = s.PartSize
	})
	_, err := downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
	})
	if err != nil {
		return fmt.Errorf("s3 download %s: %w", s, err)
	}
	return nil
}

func (s *S3Source) String() string {
	return "s3://" + s.Bucket + "/" + s.Key
}
