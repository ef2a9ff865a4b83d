package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/veridian-security/customer-registry-service/internal/model"
)

// ComputeETag fingerprints a list page: the ordered identifier set plus
// each row's modification timestamp. Identical result sets always produce
// identical tags, so clients can revalidate with If-None-Match.
func ComputeETag(page *model.CustomerPage) string {
	h := sha256.New()
	for _, c := range page.Items {
		h.Write([]byte(c.ID.String()))
		h.Write([]byte(c.UpdatedAt.UTC().Format(time.RFC3339Nano)))
		h.Write([]byte{0})
	}
	var count [8]byte
	for i, n := 0, page.TotalCount; i < 8; i++ {
		count[i] = byte(n >> (8 * i))
	}
	h.Write(count[:])
	return `"` + hex.EncodeToString(h.Sum(nil)[:16]) + `"`
}

// etagMatches implements If-None-Match comparison: a comma-separated tag
// list, weak validators compared by opaque value.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	if strings.TrimSpace(header) == "*" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}

// writeListCacheHeaders annotates a list response for shared caches: a
// short public lifetime plus the entity tag for revalidation.
func writeListCacheHeaders(w http.ResponseWriter, etag string) {
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.Header().Set("ETag", etag)
}
