package artifact

import (
	"fmt"
	"hash/fnv"
)

// FingerprintPrefix is how many leading bytes of content feed the fingerprint.
const FingerprintPrefix = 128

// Fingerprint derives a ParseCache key from the content length, a fixed-size
// prefix and the completeness flag, so partial and complete versions of the
// same message never share an entry. Two different texts with equal length
// and prefix do collide; this is an accepted approximation.
func Fingerprint(text string, complete bool) string {
	prefix := text
	if len(prefix) > FingerprintPrefix {
		prefix = prefix[:FingerprintPrefix]
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(prefix))

	flag := "p"
	if complete {
		flag = "c"
	}
	return fmt.Sprintf("%d:%016x:%s", len(text), h.Sum64(), flag)
}
