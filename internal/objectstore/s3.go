package objectstore

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type (
	// S3API is the subset of *s3.Client the store uses.
	S3API interface {
		s3.ListObjectsV2APIClient
		GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	}

	// S3Config configures the S3 client. Without an access key the client makes anonymous
	// requests, which is enough for public buckets.
	S3Config struct {
		Region          string
		AccessKeyID     string
		SecretAccessKey string
		SessionToken    string
	}

	// S3Store serves objects from S3.
	S3Store struct {
		client S3API
	}
)

// NewS3Client builds an S3 client from cfg.
func NewS3Client(cfg S3Config) *s3.Client {
	var provider aws.CredentialsProvider = aws.AnonymousCredentials{}
	if cfg.AccessKeyID != "" {
		provider = aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		)
	}

	return s3.NewFromConfig(aws.Config{
		Region:      cfg.Region,
		Credentials: provider,
	})
}

// NewS3Store creates an S3Store backed by client.
func NewS3Store(client S3API) *S3Store {
	return &S3Store{client: client}
}

// List implements Store. Keys ending in "/" (folder markers) are skipped.
func (s *S3Store) List(ctx context.Context, location string) ([]Object, error) {
	loc, err := s.parse(location)
	if err != nil {
		return nil, err
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(loc.Bucket),
		Prefix: aws.String(loc.Path),
	})

	var objects []Object

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", location, err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}

			objects = append(objects, Object{
				Location: Location{Scheme: SchemeS3, Bucket: loc.Bucket, Path: key}.String(),
				Key:      key,
			})
		}
	}

	if len(objects) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoObjects, location)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	return objects, nil
}

// Open implements Store.
func (s *S3Store) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	loc, err := s.parse(location)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Path),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", location, err)
	}

	return out.Body, nil
}

func (s *S3Store) parse(location string) (Location, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return Location{}, err
	}

	if loc.Scheme != SchemeS3 {
		return Location{}, fmt.Errorf("%w: %s is not an s3 location", ErrUnsupportedScheme, location)
	}

	return loc, nil
}
