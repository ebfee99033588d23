package multipart

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// compositeETag accumulates the multipart ETag: the md5 of the binary md5
// digests of the parts, suffixed with the part count.
type compositeETag struct {
	h hash.Hash
	n int
}

func newCompositeETag() *compositeETag {
	return &compositeETag{h: md5.New()}
}

// add folds in the hex md5 of the next part.
func (c *compositeETag) add(partMD5 string) error {
	raw, err := hex.DecodeString(partMD5)
	if err != nil || len(raw) != md5.Size {
		return fmt.Errorf("part md5 %q is not a hex digest", partMD5)
	}
	c.h.Write(raw)
	c.n++
	return nil
}

// String returns the quoted ETag, for example "9b2cf535f27731c974343645a3985328-3".
func (c *compositeETag) String() string {
	return fmt.Sprintf(`"%x-%d"`, c.h.Sum(nil), c.n)
}

// CompositeETag computes the multipart ETag of parts with the given hex
// md5 digests, in order.
func CompositeETag(partMD5s []string) (string, error) {
	c := newCompositeETag()
	for _, s := range partMD5s {
		if err := c.add(NormalizeETag(s)); err != nil {
			return "", err
		}
	}
	return c.String(), nil
}

// NormalizeETag strips surrounding whitespace and quotes and lowercases an
// ETag so that client-supplied values compare with stored digests.
func NormalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.ToLower(strings.Trim(etag, `"`))
}

// QuoteETag wraps a hex digest in double quotes.
func QuoteETag(md5hex string) string {
	return `"` + md5hex + `"`
}
