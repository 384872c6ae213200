package objectstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects  map[string]string
	listed   []*s3.ListObjectsV2Input
	listErr  error
	getInput *s3.GetObjectInput
}

func (f *fakeS3) ListObjectsV2(
	_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options),
) (*s3.ListObjectsV2Output, error) {
	f.listed = append(f.listed, params)

	if f.listErr != nil {
		return nil, f.listErr
	}

	out := &s3.ListObjectsV2Output{}

	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(params.Prefix)) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
		}
	}

	return out, nil
}

func (f *fakeS3) GetObject(
	_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options),
) (*s3.GetObjectOutput, error) {
	f.getInput = params

	content, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}

	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(content))}, nil
}

func TestS3StoreList(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	client := &fakeS3{objects: map[string]string{
		"log_data/2018/11/2018-11-02-events.json": "{}",
		"log_data/2018/11/2018-11-01-events.json": "{}",
		"log_data/2018/11/":                       "",
		"song_data/A/A/A/TRAAAAK128F9318786.json": "{}",
	}}

	store := NewS3Store(client)

	objects, err := store.List(ctx, "s3://udacity-dend/log_data")
	require.NoError(t, err)

	assert.Equal(t, []Object{
		{
			Location: "s3://udacity-dend/log_data/2018/11/2018-11-01-events.json",
			Key:      "log_data/2018/11/2018-11-01-events.json",
		},
		{
			Location: "s3://udacity-dend/log_data/2018/11/2018-11-02-events.json",
			Key:      "log_data/2018/11/2018-11-02-events.json",
		},
	}, objects)

	require.Len(t, client.listed, 1)
	assert.Equal(t, "udacity-dend", aws.ToString(client.listed[0].Bucket))
	assert.Equal(t, "log_data", aws.ToString(client.listed[0].Prefix))

	_, err = store.List(ctx, "s3://udacity-dend/event_data")
	assert.ErrorIs(t, err, ErrNoObjects)

	_, err = store.List(ctx, "/local/path")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	client.listErr = errors.New("AccessDenied")
	_, err = store.List(ctx, "s3://udacity-dend/log_data")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list s3://udacity-dend/log_data: AccessDenied")
}

func TestS3StoreOpen(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()

	client := &fakeS3{objects: map[string]string{"log_json_path.json": `{"jsonpaths": []}`}}
	store := NewS3Store(client)

	data, err := ReadAll(ctx, store, "s3://udacity-dend/log_json_path.json")
	require.NoError(t, err)
	assert.Equal(t, `{"jsonpaths": []}`, string(data))
	assert.Equal(t, "udacity-dend", aws.ToString(client.getInput.Bucket))

	_, err = store.Open(ctx, "s3://udacity-dend/missing.json")
	assert.ErrorContains(t, err, "NoSuchKey")
}

func TestNewS3Client(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	keyed := NewS3Client(S3Config{Region: "us-west-2", AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "secret"})
	require.NotNil(t, keyed)

	var _ S3API = keyed

	assert.NotNil(t, NewS3Client(S3Config{Region: "us-west-2"}))
}
