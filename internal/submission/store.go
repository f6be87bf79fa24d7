// Copyright 2018-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package submission

// This file contains the on disk submission store.  A directory per
// submission is the system of record for the server, everything else,
// including the leaderboard, can be regenerated from it.

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andreidenissov-cog/go-service/pkg/log"
	"github.com/otiai10/copy"

	appio "github.com/leaf-ai/arena-go-server/internal/io"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// The artifact files making up one submission directory.  The first group is
// written when a submission is accepted, the second by the build and measure
// stage.
const (
	CodeFN     = "submitted_code.hpp"
	FlagsFN    = "flags.txt"
	UserFN     = "user_id"
	AuthorFN   = "author"
	IPFN       = "ip"
	HarnessFN  = "benchmark.cpp"
	ExitCodeFN = "exit_code"

	compileLogFN  = "compile_stderr.log.html"
	highlightFN   = "submitted_code.highlight.html"
	disasmFN      = "disassembly.html"
	disasmSrcFN   = "disassembly_with_source.html"
	benchOutputFN = "benchmark_output"
	bestTimeFN    = "best_time.txt"
)

// benchOutputMax bounds how much of the benchmark output is read back for
// display, a misbehaving submission binary can write without limit
const benchOutputMax = 64 * 1024

// IDSource hands out submission ids of the form NNNN-XXXX, a monotonic
// counter for the process lifetime joined to four random hex digits.  The
// caller owns the locking, the pipeline mutex serializes id assignment so
// observed ids reflect submission acceptance order.
//
type IDSource struct {
	counter int
}

// Seed moves the counter past ids that were handed out by earlier runs of
// the process, one count per record or directory found at startup
func (ids *IDSource) Seed(used int) {
	ids.counter = used
}

// Next returns a fresh submission id.  Uniqueness is only guaranteed within
// a process, a directory collision at create time is treated as a bug.
//
func (ids *IDSource) Next() (id string) {
	ids.counter++
	return fmt.Sprintf("%04d-%04x", ids.counter, rand.Intn(0x10000))
}

// Store is the directory per submission layout rooted at
// submissions/<task> beneath the server root
type Store struct {
	dir    string
	task   string
	logger *log.Logger
}

// NewStore prepares the store directory for a task, creating it when the
// server is run for the first time
//
func NewStore(rootDir string, taskName string, logger *log.Logger) (store *Store, err kv.Error) {
	store = &Store{
		dir:    filepath.Join(rootDir, "submissions", taskName),
		task:   taskName,
		logger: logger,
	}
	if errGo := os.MkdirAll(store.dir, 0700); errGo != nil {
		return nil, kv.Wrap(errGo).With("dir", store.dir).With("stack", stack.Trace().TrimRuntime())
	}
	return store, nil
}

// Dir returns the location of the per task store directory
func (store *Store) Dir() (dir string) {
	return store.dir
}

// SubmissionDir returns the directory a submission id resolves to.  The id
// must have been through defense.CleanID before it is joined here.
//
func (store *Store) SubmissionDir(id string) (dir string) {
	return filepath.Join(store.dir, id)
}

// Create materializes the directory for a freshly admitted submission and
// writes the input side of its artifacts.  The directory must not already
// exist, the id generator guarantees uniqueness and a collision here is a
// bug that the caller surfaces as an internal error.
//
func (store *Store) Create(id string, code string, flags string, userID string, author Author, ip string, harness string) (err kv.Error) {
	dir := store.SubmissionDir(id)
	store.logger.Debug("creating submission", "dir", dir)

	if errGo := os.Mkdir(dir, 0700); errGo != nil {
		return kv.Wrap(errGo).With("dir", dir).With("stack", stack.Trace().TrimRuntime())
	}

	files := []struct {
		fn      string
		content string
	}{
		{CodeFN, code},
		{FlagsFN, flags},
		{UserFN, userID},
		{AuthorFN, author.String()},
		{IPFN, ip},
	}
	for _, file := range files {
		if errGo := os.WriteFile(filepath.Join(dir, file.fn), []byte(file.content), 0600); errGo != nil {
			return kv.Wrap(errGo).With("dir", dir, "file", file.fn).With("stack", stack.Trace().TrimRuntime())
		}
	}

	if errGo := copy.Copy(harness, filepath.Join(dir, HarnessFN)); errGo != nil {
		return kv.Wrap(errGo).With("dir", dir, "harness", harness).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// Load reads a submission directory back.  The reader is tolerant, any
// missing artifact leaves its field at the sentinel default so that
// directories from failed or partial runs still render.  The compile and
// correctness booleans are derived from the status code alone.
//
func (store *Store) Load(id string) (result *Result) {
	result = newResult(store.task, id)

	dir := store.SubmissionDir(id)
	if stat, errGo := os.Stat(dir); errGo != nil || !stat.IsDir() {
		return result
	}
	result.Found = true

	if result.Code = appio.ReadTrimmed(filepath.Join(dir, highlightFN)); len(result.Code) == 0 {
		result.Code = appio.ReadTrimmed(filepath.Join(dir, CodeFN))
	}
	result.Flags = appio.ReadTrimmed(filepath.Join(dir, FlagsFN))
	result.UserID = appio.ReadTrimmed(filepath.Join(dir, UserFN))
	result.Author = appio.ReadTrimmed(filepath.Join(dir, AuthorFN))
	result.CompilerOutput = appio.ReadTrimmed(filepath.Join(dir, compileLogFN))
	if tail, errIO := appio.ReadLast(filepath.Join(dir, benchOutputFN), benchOutputMax); errIO == nil {
		result.BenchmarkOutput = strings.Trim(tail, "\n")
	}

	result.Status = atoi(appio.ReadTrimmed(filepath.Join(dir, ExitCodeFN)))

	switch Classify(result.Status) {
	case StatusCompileFailed:
	default:
		result.CompileOK = true
		result.Disassembly = appio.ReadTrimmed(filepath.Join(dir, disasmFN))
		result.DisassemblyWithSource = appio.ReadTrimmed(filepath.Join(dir, disasmSrcFN))

		if Classify(result.Status) == StatusOK {
			result.TestOK = true
			result.BestTime, result.CyclesPerCall = parseTimes(appio.ReadTrimmed(filepath.Join(dir, bestTimeFN)))
		}
	}

	return result
}

// List enumerates the submission ids present in the store in lexical name
// order.  Non directory entries are skipped.
//
func (store *Store) List() (ids []string, err kv.Error) {
	entries, errGo := os.ReadDir(store.dir)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("dir", store.dir).With("stack", stack.Trace().TrimRuntime())
	}

	ids = make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// atoi mirrors the C library integer parse used by tooling that shares
// these files, an optional sign followed by leading digits, anything
// trailing is ignored and no digits at all reads as zero
func atoi(content string) (value int) {
	content = strings.TrimSpace(content)
	pos := 0
	negative := false
	if pos < len(content) && (content[pos] == '-' || content[pos] == '+') {
		negative = content[pos] == '-'
		pos++
	}
	for ; pos < len(content); pos++ {
		if content[pos] < '0' || content[pos] > '9' {
			break
		}
		value = value*10 + int(content[pos]-'0')
	}
	if negative {
		value = -value
	}
	return value
}

// parseTimes splits the contents of the timing artifact into the best wall
// clock time and the cycles per call measurement.  Older harnesses emit the
// time alone, the missing measurement stays at infinity.
//
func parseTimes(content string) (bestTime float64, cyclesPerCall float64) {
	fields := strings.Fields(content)
	parsed := make([]float64, 0, 2)
	for _, field := range fields {
		value := 0.0
		if _, errGo := fmt.Sscanf(field, "%g", &value); errGo != nil {
			break
		}
		parsed = append(parsed, value)
		if len(parsed) == 2 {
			break
		}
	}

	bestTime, cyclesPerCall = math.Inf(1), math.Inf(1)
	if len(parsed) > 0 {
		bestTime = parsed[0]
	}
	if len(parsed) > 1 {
		cyclesPerCall = parsed[1]
	}
	return bestTime, cyclesPerCall
}
