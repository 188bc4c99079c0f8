package sandbox

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// NamePrefix is the container name prefix identifying containers managed by
// this process (and by concurrent manager instances sharing the engine). The
// orphan reaper scopes its listing to this prefix.
const NamePrefix = "sbx-"

// maxIdentPart bounds each sanitized identifier segment so the full name
// stays well under engine name-length limits.
const maxIdentPart = 12

// nameEntropyBytes is the random suffix size for container names.
const nameEntropyBytes = 4

// sessionIDBytes is the random token size for generated session identifiers.
const sessionIDBytes = 16

// sanitizeIdent reduces an identifier to an engine-legal alphanumeric
// segment, truncated to maxIdentPart characters.
func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() >= maxIdentPart {
				break
			}
		}
	}
	if b.Len() == 0 {
		return "x"
	}
	return strings.ToLower(b.String())
}

// randomHex returns n bytes of CSPRNG entropy as a hex string.
func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand is documented to never fail on supported platforms;
		// an error here means the process cannot do anything safely.
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(buf)
}

// ContainerName produces a collision-resistant, engine-legal container name
// for a (user, workspace) pair. Names are never reused within a process
// lifetime: even identical pairs created concurrently receive distinct
// random suffixes.
func ContainerName(userID, workspaceID string) string {
	return NamePrefix + sanitizeIdent(userID) + "-" + sanitizeIdent(workspaceID) + "-" + randomHex(nameEntropyBytes)
}

// SessionID returns the override verbatim when supplied (caller-managed
// session continuity), otherwise a fresh 16-byte random hex token.
func SessionID(override string) string {
	if override != "" {
		return override
	}
	return randomHex(sessionIDBytes)
}
