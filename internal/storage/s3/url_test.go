package s3

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Location
	}{
		{"s3://bucket/path/to/key", Location{Bucket: "bucket", Key: "path/to/key"}},
		{"https://bucket.s3.amazonaws.com/key.html", Location{Bucket: "bucket", Key: "key.html"}},
		{"https://my.bucket.s3.amazonaws.com/a/b", Location{Bucket: "my.bucket", Key: "a/b"}},
		{"https://bucket.s3-us-west-2.amazonaws.com/k", Location{Bucket: "bucket", Region: "us-west-2", Key: "k"}},
		{"https://bucket.s3.eu-central-1.amazonaws.com/k", Location{Bucket: "bucket", Region: "eu-central-1", Key: "k"}},
		{"https://s3.amazonaws.com/bucket/key", Location{Bucket: "bucket", Key: "key"}},
		{"http://s3-us-west-2.amazonaws.com/bucket/a/b", Location{Bucket: "bucket", Region: "us-west-2", Key: "a/b"}},
		{"https://s3.us-east-2.amazonaws.com/bucket/k", Location{Bucket: "bucket", Region: "us-east-2", Key: "k"}},
	}
	for _, tc := range cases {
		got, ok := ParseURL(tc.in)
		assert.True(t, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseURLRejectsNonS3(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"https://example.com/bucket/key",
		"https://s3.amazonaws.com/bucket-only",
		"https://bucket.s3.amazonaws.com/",
		"s3://bucket",
		"ftp://bucket.s3.amazonaws.com/key",
		"not a url at all %%",
	} {
		_, ok := ParseURL(in)
		assert.False(t, ok, in)
	}
}
