package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerName(t *testing.T) {
	t.Run("HasPrefix", func(t *testing.T) {
		name := ContainerName("alice", "ws1")
		assert.True(t, strings.HasPrefix(name, NamePrefix))
	})

	t.Run("SanitizesIllegalCharacters", func(t *testing.T) {
		name := ContainerName("al/ice@example", "../../etc")
		parts := strings.Split(strings.TrimPrefix(name, NamePrefix), "-")
		require.Len(t, parts, 3)
		assert.Equal(t, "aliceexample", parts[0])
		assert.Equal(t, "etc", parts[1])
	})

	t.Run("TruncatesLongIdentifiers", func(t *testing.T) {
		name := ContainerName(strings.Repeat("a", 64), strings.Repeat("b", 64))
		parts := strings.Split(strings.TrimPrefix(name, NamePrefix), "-")
		require.Len(t, parts, 3)
		assert.Len(t, parts[0], maxIdentPart)
		assert.Len(t, parts[1], maxIdentPart)
	})

	t.Run("EmptyIdentifierGetsPlaceholder", func(t *testing.T) {
		name := ContainerName("!!!", "")
		parts := strings.Split(strings.TrimPrefix(name, NamePrefix), "-")
		require.Len(t, parts, 3)
		assert.Equal(t, "x", parts[0])
		assert.Equal(t, "x", parts[1])
	})

	t.Run("UniqueForRepeatedPairs", func(t *testing.T) {
		seen := make(map[string]bool)
		for range 200 {
			name := ContainerName("alice", "ws1")
			assert.False(t, seen[name], "name %q repeated", name)
			seen[name] = true
		}
	})

	t.Run("RandomSuffixLength", func(t *testing.T) {
		name := ContainerName("alice", "ws1")
		parts := strings.Split(name, "-")
		suffix := parts[len(parts)-1]
		assert.Len(t, suffix, nameEntropyBytes*2)
	})
}

func TestSessionID(t *testing.T) {
	t.Run("OverrideReturnedVerbatim", func(t *testing.T) {
		assert.Equal(t, "my-session", SessionID("my-session"))
	})

	t.Run("GeneratedTokenLength", func(t *testing.T) {
		id := SessionID("")
		assert.Len(t, id, sessionIDBytes*2)
	})

	t.Run("GeneratedTokensUnique", func(t *testing.T) {
		seen := make(map[string]bool)
		for range 200 {
			id := SessionID("")
			assert.False(t, seen[id])
			seen[id] = true
		}
	})
}
