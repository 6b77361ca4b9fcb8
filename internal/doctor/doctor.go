// Package doctor provides environment preflight checks for s2a.
package doctor

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// LookFunc resolves an executable name, as exec.LookPath does.
type LookFunc func(name string) (string, error)

// ShardFunc checks one shard spec and returns the number of shards it names.
type ShardFunc func(spec string) (int, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// RuntimeVersion returns the ONNX Runtime version used by the semantic
	// encoder.
	RuntimeVersion VersionFunc
	// SkipRuntime skips the runtime check (exec encoder).
	SkipRuntime bool
	// Commands are external programs (transcriber, encoder) that must resolve.
	Commands []string
	LookPath LookFunc
	// Files must exist on disk.
	Files []string
	// Shards are dataset shard specs checked with CheckShards.
	Shards      []string
	CheckShards ShardFunc
	// WritableDirs must accept a new file.
	WritableDirs []string
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- ONNX Runtime -----------------------------------------------------
	switch {
	case cfg.SkipRuntime:
		fmt.Fprintf(w, "%s onnx runtime: skipped\n", PassMark)
	case cfg.RuntimeVersion == nil:
		res.fail("onnx runtime: no version probe configured")
		fmt.Fprintf(w, "%s onnx runtime: no version probe\n", FailMark)
	default:
		ver, err := cfg.RuntimeVersion()
		if err != nil {
			res.fail(fmt.Sprintf("onnx runtime: %v", err))
			fmt.Fprintf(w, "%s onnx runtime: not found (%v)\n", FailMark, err)
		} else if ver == "unknown" {
			fmt.Fprintf(w, "%s onnx runtime: found, version unknown\n", PassMark)
		} else if verErr := checkRuntimeVersion(ver); verErr != nil {
			res.fail(fmt.Sprintf("onnx runtime: %v", verErr))
			fmt.Fprintf(w, "%s onnx runtime %s: %v\n", FailMark, ver, verErr)
		} else {
			fmt.Fprintf(w, "%s onnx runtime: %s\n", PassMark, ver)
		}
	}

	// ---- external commands ------------------------------------------------
	for _, name := range cfg.Commands {
		if cfg.LookPath == nil {
			res.fail(fmt.Sprintf("command %q: no lookup configured", name))
			fmt.Fprintf(w, "%s command %s: no lookup\n", FailMark, name)

			continue
		}

		if path, err := cfg.LookPath(name); err != nil {
			res.fail(fmt.Sprintf("command %q: %v", name, err))
			fmt.Fprintf(w, "%s command %s: not found\n", FailMark, name)
		} else {
			fmt.Fprintf(w, "%s command %s: %s\n", PassMark, name, path)
		}
	}

	// ---- files ------------------------------------------------------------
	for _, path := range cfg.Files {
		if _, err := os.Stat(path); err != nil {
			res.fail(fmt.Sprintf("file %q: %v", path, err))
			fmt.Fprintf(w, "%s file %s: not found\n", FailMark, path)
		} else {
			fmt.Fprintf(w, "%s file: %s\n", PassMark, path)
		}
	}

	// ---- shards -----------------------------------------------------------
	for _, spec := range cfg.Shards {
		if cfg.CheckShards == nil {
			break
		}

		if n, err := cfg.CheckShards(spec); err != nil {
			res.fail(fmt.Sprintf("shards %q: %v", spec, err))
			fmt.Fprintf(w, "%s shards %s: %v\n", FailMark, spec, err)
		} else {
			fmt.Fprintf(w, "%s shards %s: %d\n", PassMark, spec, n)
		}
	}

	// ---- writable directories ---------------------------------------------
	for _, dir := range cfg.WritableDirs {
		if err := checkWritable(dir); err != nil {
			res.fail(fmt.Sprintf("directory %q: %v", dir, err))
			fmt.Fprintf(w, "%s directory %s: not writable\n", FailMark, dir)
		} else {
			fmt.Fprintf(w, "%s directory: %s\n", PassMark, dir)
		}
	}

	return res
}

// MinRuntimeMinor is the oldest 1.x release serving the C API version the
// semantic encoder requests.
const MinRuntimeMinor = 23

// checkRuntimeVersion returns an error if ver is older than 1.MinRuntimeMinor.
func checkRuntimeVersion(ver string) error {
	major, minor, err := parseMajorMinor(ver)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}
	if major != 1 {
		return fmt.Errorf("requires ONNX Runtime 1.x, got %d", major)
	}
	if minor < MinRuntimeMinor {
		return fmt.Errorf("requires ONNX Runtime >=1.%d, got 1.%d", MinRuntimeMinor, minor)
	}
	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(strings.TrimPrefix(ver, "v"), ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}
	return major, minor, nil
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".s2a-doctor-*")
	if err != nil {
		return err
	}

	name := f.Name()
	if err := f.Close(); err != nil {
		return err
	}

	return os.Remove(name)
}
