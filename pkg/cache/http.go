package cache

import (
	"encoding/binary"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ETag returns a strong entity tag for body.
func ETag(body []byte) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], xxhash.Sum64(body))
	return `"` + hex.EncodeToString(buf[:]) + `"`
}

// MatchesETag reports whether an If-None-Match header value matches etag.
// Comparison is weak, as RFC 9110 requires for If-None-Match.
func MatchesETag(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" || etag == "" {
		return false
	}

	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if strings.TrimPrefix(candidate, "W/") == want {
			return true
		}
	}
	return false
}

// IsNotModified reports whether req can be answered with 304 for etag.
// Only safe methods qualify.
func IsNotModified(req *http.Request, etag string) bool {
	if req == nil {
		return false
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	return MatchesETag(req.Header.Get("If-None-Match"), etag)
}
