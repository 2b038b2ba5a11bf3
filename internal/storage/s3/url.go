package s3

import (
	"net/url"
	"regexp"
	"strings"
)

// s3Host matches AWS S3 hostnames in virtual-hosted and path-style form,
// with or without a region qualifier:
//
//	bucket.s3.amazonaws.com
//	bucket.s3-us-west-2.amazonaws.com
//	bucket.s3.us-west-2.amazonaws.com
//	s3.amazonaws.com, s3-us-west-2.amazonaws.com, s3.us-west-2.amazonaws.com
var s3Host = regexp.MustCompile(`^(?:(.+)\.)?s3(?:[.-]([a-z0-9-]+))?\.amazonaws\.com$`)

// Location identifies an object in S3.
type Location struct {
	Bucket string
	Region string
	Key    string
}

// ParseURL extracts bucket and key from an s3:// URL or an AWS S3 HTTP(S) URL.
// It reports false for URLs that do not address an S3 object.
func ParseURL(raw string) (Location, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Location{}, false
	}
	switch strings.ToLower(u.Scheme) {
	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Location{}, false
		}
		return Location{Bucket: u.Host, Key: key}, true
	case "http", "https":
	default:
		return Location{}, false
	}

	m := s3Host.FindStringSubmatch(strings.ToLower(u.Hostname()))
	if m == nil {
		return Location{}, false
	}
	loc := Location{Bucket: m[1], Region: m[2]}
	path := strings.TrimPrefix(u.Path, "/")
	if loc.Bucket == "" {
		bucket, key, ok := strings.Cut(path, "/")
		if !ok {
			return Location{}, false
		}
		loc.Bucket, path = bucket, key
	}
	if loc.Bucket == "" || path == "" {
		return Location{}, false
	}
	loc.Key = path
	return loc, true
}
