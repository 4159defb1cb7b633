package github

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
)

// BlobSHA returns the git object id of content stored as a blob.
func BlobSHA(content []byte) string {
	h := sha1.New()
	h.Write([]byte("blob " + strconv.Itoa(len(content)) + "\x00"))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}
