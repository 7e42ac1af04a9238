package barstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/quantcore/platform/internal/symbol"
)

// S3Client is the subset of *s3.Client this store needs, so tests can
// substitute a fake.
type S3Client interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store is an optional backup BarStore backed by S3-compatible
// object storage. Bars for a given (symbol, interval, UTC day) are
// stored together as one JSON array object, keyed
// "bars/<symbol>/<interval>/<yyyy-mm-dd>.json", so a day's worth of
// replication is a single read-modify-write.
type S3Store struct {
	client S3Client
	bucket string
	prefix string
}

// NewS3Store constructs an S3-backed BarStore against bucket, with all
// object keys under prefix (may be "").
func NewS3Store(client S3Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (s *S3Store) key(sym, interval string, day time.Time) string {
	k := fmt.Sprintf("bars/%s/%s/%s.json", sym, interval, day.Format("2006-01-02"))
	if s.prefix == "" {
		return k
	}
	return s.prefix + "/" + k
}

func (s *S3Store) Write(ctx context.Context, bars []Bar) error {
	byDay := map[string][]Bar{}
	for _, b := range bars {
		b = b.Canonical()
		if err := b.Validate(); err != nil {
			return err
		}
		day := b.Timestamp.UTC().Truncate(24 * time.Hour)
		k := s.key(b.Symbol, b.Interval, day)
		byDay[k] = append(byDay[k], b)
	}
	for key, newBars := range byDay {
		existing, err := s.getObject(ctx, key)
		if err != nil {
			return err
		}
		merged := mergeBars(existing, newBars)
		body, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("barstore: s3 marshal: %w", err)
		}
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(body),
		})
		if err != nil {
			return fmt.Errorf("barstore: s3 put %s: %w", key, err)
		}
	}
	return nil
}

func mergeBars(existing, fresh []Bar) []Bar {
	byKey := map[string]Bar{}
	for _, b := range existing {
		byKey[b.Timestamp.Format(timeLayout)] = b
	}
	for _, b := range fresh {
		byKey[b.Timestamp.Format(timeLayout)] = b
	}
	out := make([]Bar, 0, len(byKey))
	for _, b := range byKey {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (s *S3Store) getObject(ctx context.Context, key string) ([]Bar, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("barstore: s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("barstore: s3 read body: %w", err)
	}
	var bars []Bar
	if err := json.Unmarshal(data, &bars); err != nil {
		return nil, fmt.Errorf("barstore: s3 unmarshal %s: %w", key, err)
	}
	return bars, nil
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound")
}

func (s *S3Store) Read(ctx context.Context, sym, interval string, start, end time.Time) ([]Bar, error) {
	canon := symbol.Canonicalize(sym)
	if canon == "" {
		return nil, nil
	}
	var out []Bar
	for day := start.UTC().Truncate(24 * time.Hour); !day.After(end); day = day.Add(24 * time.Hour) {
		bars, err := s.getObject(ctx, s.key(canon, interval, day))
		if err != nil {
			return nil, err
		}
		for _, b := range bars {
			if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
				out = append(out, b)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *S3Store) LatestTimestamp(ctx context.Context, sym, interval string) (time.Time, bool, error) {
	canon := symbol.Canonicalize(sym)
	if canon == "" {
		return time.Time{}, false, nil
	}
	listPrefix := fmt.Sprintf("bars/%s/%s/", canon, interval)
	if s.prefix != "" {
		listPrefix = s.prefix + "/" + listPrefix
	}
	var latestKey string
	res, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(listPrefix),
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("barstore: s3 list: %w", err)
	}
	for _, obj := range res.Contents {
		if obj.Key == nil {
			continue
		}
		if *obj.Key > latestKey {
			latestKey = *obj.Key
		}
	}
	if latestKey == "" {
		return time.Time{}, false, nil
	}
	bars, err := s.getObject(ctx, latestKey)
	if err != nil {
		return time.Time{}, false, err
	}
	var latest time.Time
	found := false
	for _, b := range bars {
		if !found || b.Timestamp.After(latest) {
			latest = b.Timestamp
			found = true
		}
	}
	return latest, found, nil
}

func (s *S3Store) Delete(ctx context.Context, sym, interval string, start, end time.Time) error {
	canon := symbol.Canonicalize(sym)
	if canon == "" {
		return nil
	}
	for day := start.UTC().Truncate(24 * time.Hour); !day.After(end); day = day.Add(24 * time.Hour) {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(canon, interval, day)),
		})
		if err != nil {
			return fmt.Errorf("barstore: s3 delete: %w", err)
		}
	}
	return nil
}
