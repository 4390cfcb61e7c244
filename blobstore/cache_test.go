package blobstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	calls int
	texts map[string]string
	err   error
}

func (f *countingFetcher) FetchText(ctx context.Context, etld1, versionID string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.texts[etld1+"@"+versionID], nil
}

func TestCachedFetcher_CollapsesRepeatFetches(t *testing.T) {
	inner := &countingFetcher{texts: map[string]string{
		"acme.example@v1": "acme text",
	}}
	fetcher := NewCachedFetcher(inner, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		text, err := fetcher.FetchText(ctx, "acme.example", "v1")
		require.NoError(t, err)
		assert.Equal(t, "acme text", text)
	}
	assert.Equal(t, 1, inner.calls)
}

func TestCachedFetcher_KeysIncludeVersion(t *testing.T) {
	inner := &countingFetcher{texts: map[string]string{
		"acme.example@v1": "old text",
		"acme.example@v2": "new text",
	}}
	fetcher := NewCachedFetcher(inner, time.Minute)
	ctx := context.Background()

	v1, err := fetcher.FetchText(ctx, "acme.example", "v1")
	require.NoError(t, err)
	v2, err := fetcher.FetchText(ctx, "acme.example", "v2")
	require.NoError(t, err)

	assert.Equal(t, "old text", v1)
	assert.Equal(t, "new text", v2)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedFetcher_ErrorsAreNotCached(t *testing.T) {
	inner := &countingFetcher{err: errors.New("s3 unavailable")}
	fetcher := NewCachedFetcher(inner, time.Minute)
	ctx := context.Background()

	_, err := fetcher.FetchText(ctx, "acme.example", "v1")
	require.Error(t, err)

	inner.err = nil
	inner.texts = map[string]string{"acme.example@v1": "recovered"}

	text, err := fetcher.FetchText(ctx, "acme.example", "v1")
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, 2, inner.calls)
}

func TestS3Fetcher_ObjectKey(t *testing.T) {
	fetcher := &S3Fetcher{prefix: "scraped/"}
	assert.Equal(t, "scraped/acme.example.txt", fetcher.objectKey("acme.example"))

	fetcher = &S3Fetcher{}
	assert.Equal(t, "acme.example.txt", fetcher.objectKey("acme.example"))
}
