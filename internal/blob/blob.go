// Package blob stores raw source bytes, content-addressed and namespaced by
// tenant. The canonical locator form is blob://<tenant>/<sha256>.
package blob

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// URLScheme prefixes every blob locator.
const URLScheme = "blob"

// Ref addresses one stored blob.
type Ref struct {
	Tenant string
	Hash   string
}

// Valid reports whether the ref is usable: non-empty tenant and a 64-char
// lowercase hex hash.
func (r Ref) Valid() bool {
	if r.Tenant == "" || len(r.Hash) != 64 {
		return false
	}
	for _, c := range r.Hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return !strings.ContainsAny(r.Tenant, "/\\")
}

// URL renders the canonical locator for the ref.
func (r Ref) URL() string {
	return fmt.Sprintf("%s://%s/%s", URLScheme, r.Tenant, r.Hash)
}

// ParseURL parses a blob:// locator back into a ref.
func ParseURL(u string) (Ref, error) {
	rest, ok := strings.CutPrefix(u, URLScheme+"://")
	if !ok {
		return Ref{}, fmt.Errorf("blob: not a %s:// url: %q", URLScheme, u)
	}
	tenant, hash, ok := strings.Cut(rest, "/")
	if !ok {
		return Ref{}, fmt.Errorf("blob: malformed url %q", u)
	}
	ref := Ref{Tenant: tenant, Hash: hash}
	if !ref.Valid() {
		return Ref{}, fmt.Errorf("blob: invalid ref in url %q", u)
	}
	return ref, nil
}

// Writer is an in-progress blob write. Exactly one of Commit or Cancel must
// be called; Commit makes the blob visible atomically.
type Writer interface {
	io.Writer
	Commit() error
	Cancel() error
}

// Store is the blob storage contract. Writes are all-or-nothing: a blob is
// either fully committed under its ref or absent.
type Store interface {
	// Create opens a writer for the ref. The blob is invisible until Commit.
	Create(ctx context.Context, ref Ref) (Writer, error)
	// Put writes data under ref in one call. Overwrite of an existing ref is
	// a no-op since content addressing makes the bytes identical.
	Put(ctx context.Context, ref Ref, data []byte) error
	// Open returns a reader over the committed blob.
	Open(ctx context.Context, ref Ref) (io.ReadCloser, error)
	// Stat returns the committed blob's size in bytes.
	Stat(ctx context.Context, ref Ref) (int64, error)
	// Delete removes the blob. Deleting an absent ref is not an error.
	Delete(ctx context.Context, ref Ref) error
}
