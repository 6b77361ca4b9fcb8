package dataset

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/example/go-s2a/internal/s2a"
)

const (
	acousticTag = "atoks-3kbps"
	semanticTag = "maxvad-stoks"
)

// ShardGlob expands a shard spec: a directory (every .tar and .tar.gz
// inside), a glob pattern, or a single file.
func ShardGlob(spec string) ([]string, error) {
	pattern := spec
	if st, err := os.Stat(spec); err == nil && st.IsDir() {
		pattern = filepath.Join(spec, "*.tar*")
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("dataset: bad shard spec %q: %w", spec, err)
	}

	shards := matches[:0]
	for _, m := range matches {
		if strings.HasSuffix(m, ".tar") || strings.HasSuffix(m, ".tar.gz") || strings.HasSuffix(m, ".tgz") {
			shards = append(shards, m)
		}
	}

	if len(shards) == 0 {
		return nil, fmt.Errorf("%w: no shards match %q", ErrMissingShard, spec)
	}

	slices.Sort(shards)

	return shards, nil
}

// SemanticShard derives the semantic shard path for an acoustic shard: the
// basename with the acoustic tag replaced, placed in dir.
func SemanticShard(acoustic, dir string) string {
	base := strings.Replace(filepath.Base(acoustic), acousticTag, semanticTag, 1)
	return filepath.Join(dir, base)
}

// LoadSpeakerMap reads the speakers sidecar of every shard and numbers the
// distinct speaker ids in sorted order.
func LoadSpeakerMap(shards []string) (s2a.SpeakerMap, error) {
	lists := make([][]string, 0, len(shards))

	for _, shard := range shards {
		ids, err := ReadLines(shard + sidecarName)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrMissingSidecar, shard+sidecarName)
			}

			return nil, err
		}

		lists = append(lists, ids)
	}

	return s2a.NewSpeakerMap(lists...), nil
}

// ReadExcludes collects sample keys from newline-separated files.
func ReadExcludes(files ...string) (map[string]struct{}, error) {
	keys := map[string]struct{}{}

	for _, f := range files {
		lines, err := ReadLines(f)
		if err != nil {
			return nil, err
		}

		for _, l := range lines {
			keys[l] = struct{}{}
		}
	}

	return keys, nil
}

// ReadLines returns the trimmed non-empty lines of a file.
func ReadLines(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			out = append(out, l)
		}
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dataset: read %s: %w", name, err)
	}

	return out, nil
}

// WriteSpeakers writes a sidecar listing each distinct speaker once, sorted.
func WriteSpeakers(shard string, speakers []string) error {
	ids := slices.Clone(speakers)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var b strings.Builder
	for _, id := range ids {
		b.WriteString(id)
		b.WriteByte('\n')
	}

	if err := os.WriteFile(shard+sidecarName, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("dataset: write speakers sidecar: %w", err)
	}

	return nil
}

// SidecarPath is the speakers sidecar name for a shard.
func SidecarPath(shard string) string {
	return shard + sidecarName
}
