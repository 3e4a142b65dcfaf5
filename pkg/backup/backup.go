// Package backup pushes database snapshots to S3 and restores them.
//
// Snapshots are content addressed: the object name is the configured prefix
// followed by the unpadded base64url BLAKE2b-256 digest of the snapshot, so
// pushing an unchanged database uploads nothing.
package backup

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/hashicorp/go-hclog"
	"github.com/minio/blake2b-simd"

	"github.com/conuredb/kvdb/pkg/config"
)

// ErrNotFound is returned by Pull for a snapshot name that is not in the bucket.
var ErrNotFound = errors.New("snapshot not found")

// S3Interface is the subset of the S3 client used here.
type S3Interface interface {
	HeadObjectWithContext(ctx aws.Context, input *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error)
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
	ListObjectsV2PagesWithContext(ctx aws.Context, input *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, opts ...request.Option) error
}

// Source produces snapshots. *db.DB satisfies it.
type Source interface {
	SnapshotTo(w io.Writer) error
}

// Target accepts snapshots. *db.DB satisfies it.
type Target interface {
	RestoreFrom(r io.Reader) error
}

// Snapshot describes a stored snapshot.
type Snapshot struct {
	Name         string
	Size         int64
	LastModified time.Time
}

// Store reads and writes snapshots under one bucket and prefix.
type Store struct {
	s3     S3Interface
	bucket string
	prefix string
	log    hclog.Logger
}

// NewStore returns a Store using client. A nil logger discards output.
func NewStore(client S3Interface, bucket, prefix string, logger hclog.Logger) *Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{s3: client, bucket: bucket, prefix: prefix, log: logger}
}

// NewS3Client builds a client for cfg. A custom endpoint implies path-style
// addressing, as S3-compatible servers expect. Credentials come from the
// default AWS provider chain.
func NewS3Client(cfg config.Backup) (*s3.S3, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
		if strings.HasPrefix(cfg.Endpoint, "http://") {
			awsCfg = awsCfg.WithDisableSSL(true)
		}
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return s3.New(sess), nil
}

// Name returns the object name a snapshot with the given contents gets.
func (s *Store) Name(snapshot []byte) string {
	sum := blake2b.Sum256(snapshot)
	return s.prefix + base64.RawURLEncoding.EncodeToString(sum[:])
}

// Push snapshots src and uploads it unless an identical snapshot exists.
// It returns the snapshot's name.
func (s *Store) Push(ctx context.Context, src Source) (string, error) {
	var buf bytes.Buffer
	if err := src.SnapshotTo(&buf); err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	name := s.Name(buf.Bytes())

	exists, err := s.exists(ctx, name)
	if err != nil {
		return "", err
	}
	if exists {
		s.log.Debug("snapshot already stored", "name", name)
		return name, nil
	}

	_, err = s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	s.log.Info("pushed snapshot", "name", name, "bytes", buf.Len())
	return name, nil
}

// Pull downloads the named snapshot, checks its digest and restores dst
// from it.
func (s *Store) Pull(ctx context.Context, name string, dst Target) error {
	out, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("download %s: %w", name, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("download %s: %w", name, err)
	}
	if got := s.Name(data); got != name {
		return fmt.Errorf("snapshot %s has digest name %s", name, got)
	}
	if err := dst.RestoreFrom(bytes.NewReader(data)); err != nil {
		return err
	}
	s.log.Info("restored snapshot", "name", name, "bytes", len(data))
	return nil
}

// List returns the stored snapshots, newest first.
func (s *Store) List(ctx context.Context) ([]Snapshot, error) {
	var snaps []Snapshot
	err := s.s3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			snaps = append(snaps, Snapshot{
				Name:         aws.StringValue(obj.Key),
				Size:         aws.Int64Value(obj.Size),
				LastModified: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].LastModified.After(snaps[j].LastModified)
	})
	return snaps, nil
}

func (s *Store) exists(ctx context.Context, name string) (bool, error) {
	_, err := s.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("head %s: %w", name, err)
}

func isNotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		switch awsErr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
