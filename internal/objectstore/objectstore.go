// Package objectstore stores run manifests and aggregate reports. The core
// scheduling path never touches it.
package objectstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"jobfleet/internal/apperrors"
)

// Store puts and gets whole objects.
type Store interface {
	Put(ctx context.Context, bucket, key string, data []byte) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// Open returns the store for rawURL: http(s) URLs use the HTTP store, file
// URLs and plain paths the filesystem store. An empty URL returns nil.
func Open(rawURL string, client *http.Client) (Store, error) {
	if rawURL == "" {
		return nil, nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperrors.Validation("objectStoreURL", fmt.Sprintf("malformed URL: %v", err))
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		if parsed.Host == "" {
			return nil, apperrors.Validation("objectStoreURL", "URL must have a host")
		}
		return NewHTTP(rawURL, HTTPConfig{Client: client}), nil
	case "file":
		return NewFS(parsed.Path), nil
	case "":
		return NewFS(rawURL), nil
	default:
		return nil, apperrors.Validation("objectStoreURL", fmt.Sprintf("unsupported scheme %q", parsed.Scheme))
	}
}

func validate(bucket, key string) error {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return apperrors.Validation("bucket", fmt.Sprintf("invalid bucket %q", bucket))
	}
	if key == "" {
		return apperrors.Validation("key", "key is required")
	}
	if strings.HasPrefix(key, "/") || filepath.IsAbs(key) {
		return apperrors.Validation("key", "key must be relative")
	}
	for part := range strings.SplitSeq(key, "/") {
		if part == ".." {
			return apperrors.Validation("key", "path traversal not allowed")
		}
	}
	return nil
}
