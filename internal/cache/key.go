package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
)

// maxKeyIDPrefix bounds the task-id prefix embedded in cache keys.
const maxKeyIDPrefix = 16

// BuildKey computes a deterministic cache key from a task's semantic inputs.
// List-typed inputs are sorted before hashing, so set-equal lists collapse to
// the same key. The task id is embedded as a sanitized prefix for debuggability;
// it does not contribute extra entropy beyond its own sub-hash.
func BuildKey(taskID, specification, projectContext string, techStack, dependencies, patterns []string, fileSnapshot map[string]string) string {
	parts := []string{
		hashString(taskID),
		hashString(specification),
		hashString(projectContext),
		hashStringSet(techStack),
		hashStringSet(dependencies),
		hashStringSet(patterns),
		hashFileMap(fileSnapshot),
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%s-%s", sanitizeID(taskID), hex.EncodeToString(sum[:]))
}

// BuildDependencyHash digests the combined outputs of a task's declared
// dependencies. Dependency ids are processed in sorted order; ids absent from
// the output map are skipped, which is itself deterministic for fixed inputs.
func BuildDependencyHash(dependencyIDs []string, outputsByID map[string]map[string]string) string {
	sorted := make([]string, len(dependencyIDs))
	copy(sorted, dependencyIDs)
	sort.Strings(sorted)

	h := sha256.New()
	for _, depID := range sorted {
		files, ok := outputsByID[depID]
		if !ok {
			continue
		}
		writeLenPrefixed(h, depID)
		writeLenPrefixed(h, hashFileMap(files))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashContent returns the content hash of a task's own specification text.
func HashContent(specification string) string {
	return hashString(specification)
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// hashStringSet hashes a list ignoring element order.
func hashStringSet(items []string) string {
	sorted := make([]string, len(items))
	copy(sorted, items)
	sort.Strings(sorted)

	h := sha256.New()
	for _, item := range sorted {
		writeLenPrefixed(h, item)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// hashFileMap hashes a path->content mapping ignoring insertion order.
// Paths and contents are length-prefixed to prevent boundary ambiguity.
func hashFileMap(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, path := range paths {
		writeLenPrefixed(h, path)
		writeLenPrefixed(h, files[path])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeLenPrefixed(h io.Writer, s string) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

// sanitizeID reduces a task id to a bounded, filesystem-safe prefix.
func sanitizeID(taskID string) string {
	var b strings.Builder
	for _, r := range taskID {
		if b.Len() >= maxKeyIDPrefix {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "task"
	}
	return b.String()
}
