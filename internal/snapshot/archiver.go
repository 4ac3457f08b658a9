// Package snapshot keeps copies of origin pages that could not be parsed so
// extractor strategies can be fixed against real markup.
package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/chapterbot/internal/updater"
)

const contentType = "text/html; charset=utf-8"

// Archiver writes pages to a BlobStore under a stable key layout.
type Archiver struct {
	store  updater.BlobStore
	clock  updater.Clock
	prefix string
}

// New creates an Archiver. prefix defaults to "snapshots".
func New(store updater.BlobStore, clock updater.Clock, prefix string) *Archiver {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "snapshots"
	}
	return &Archiver{store: store, clock: clock, prefix: prefix}
}

// Key builds <prefix>/<sourceID>/<unix>-<digest>.html. The digest is the
// first 16 hex characters of the body's SHA-256.
func (a *Archiver) Key(sourceID string, body []byte) string {
	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])[:16]
	name := fmt.Sprintf("%d-%s.html", a.clock.Now().Unix(), digest)
	return path.Join(a.prefix, sanitize(sourceID), name)
}

// Archive stores the page body and returns its URI.
func (a *Archiver) Archive(ctx context.Context, sourceID string, page updater.Page) (string, error) {
	if a == nil || a.store == nil {
		return "", nil
	}
	key := a.Key(sourceID, page.Body)
	uri, err := a.store.PutObject(ctx, key, contentType, bytes.NewReader(page.Body))
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", sourceID, err)
	}
	return uri, nil
}

func sanitize(id string) string {
	id = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
	if id == "" {
		return "_"
	}
	return id
}
