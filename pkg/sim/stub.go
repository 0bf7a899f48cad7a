package sim

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// stubReply synthesizes the deterministic offline reply used to validate
// the pipeline without calling a paid backend. The digest depends only on
// (from, to, tick, content) — never on wall-clock or allocation state —
// so identical inputs produce byte-identical output across runs.
func stubReply(from, to string, tick int, content string) string {
	return fmt.Sprintf("[STUB] %s -> %s @ tick %d (%s)", from, to, tick, stubDigest(from, to, tick, content))
}

// stubDigest returns the 8-char hex prefix of the content-dependent hash.
func stubDigest(from, to string, tick int, content string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d|%s", from, to, tick, content))
	return hex.EncodeToString(sum[:])[:8]
}
