// Package s3store implements pkg/storage.ObjectStore against S3.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rlm-rs/orchestrator/pkg/rlmerr"
	"github.com/rlm-rs/orchestrator/pkg/storage"
)

// Store wraps an s3.Client scoped to a single bucket. Callers pass the
// full logical key; Store does not prefix it further.
type Store struct {
	client *s3.Client
	bucket string
}

// New returns a Store bound to bucket. cli is normally built from
// config.LoadDefaultConfig at startup.
func New(cli *s3.Client, bucket string) *Store {
	return &Store{client: cli, bucket: bucket}
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return rlmerr.Wrap(rlmerr.CodeS3ReadError, fmt.Sprintf("put %s", key), err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string, r *storage.ByteRange) (io.ReadCloser, storage.ObjectMeta, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if r != nil {
		in.Range = aws.String(formatRange(*r))
	}
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, storage.ObjectMeta{}, rlmerr.Wrap(rlmerr.CodeS3ReadError, fmt.Sprintf("object not found: %s", key), err)
		}
		return nil, storage.ObjectMeta{}, rlmerr.Wrap(rlmerr.CodeS3ReadError, fmt.Sprintf("get %s", key), err)
	}
	meta := storage.ObjectMeta{Key: key}
	meta.Size = out.ContentLength
	if out.ContentType != nil {
		meta.ContentType = *out.ContentType
	}
	if out.ETag != nil {
		meta.ETag = *out.ETag
	}
	return out.Body, meta, nil
}

func (s *Store) List(ctx context.Context, prefix, cursor string) ([]string, string, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if cursor != "" {
		in.ContinuationToken = aws.String(cursor)
	}
	out, err := s.client.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, "", rlmerr.Wrap(rlmerr.CodeS3ReadError, fmt.Sprintf("list %s", prefix), err)
	}
	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		if obj.Key != nil {
			keys = append(keys, *obj.Key)
		}
	}
	next := ""
	if out.NextContinuationToken != nil {
		next = *out.NextContinuationToken
	}
	return keys, next, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return rlmerr.Wrap(rlmerr.CodeS3ReadError, fmt.Sprintf("delete %s", key), err)
	}
	return nil
}

func formatRange(r storage.ByteRange) string {
	if r.End < 0 {
		return "bytes=" + strconv.FormatInt(r.Start, 10) + "-"
	}
	return "bytes=" + strconv.FormatInt(r.Start, 10) + "-" + strconv.FormatInt(r.End, 10)
}
