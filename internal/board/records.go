// Copyright 2018-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package board

// This file contains the persistence of the leaderboard projection, one
// small JSON record per successful submission kept beside the store.  The
// writer is best effort and the reader is deliberately permissive, records
// written before the author or cycles measurements existed must still load.

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andreidenissov-cog/go-service/pkg/log"
	"github.com/karlmutch/go-shortid"
	"github.com/valyala/fastjson"

	"github.com/leaf-ai/arena-go-server/internal/submission"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// record is the wire shape of one projection file.  The float fields are
// pointers so that non finite values can be omitted on write, JSON has no
// infinity and the loader treats absence as unmeasured.
type record struct {
	Task          string   `json:"task"`
	UserID        string   `json:"user_id"`
	SubmissionID  string   `json:"submission_id"`
	BestTime      *float64 `json:"best_time,omitempty"`
	CyclesPerCall *float64 `json:"cycles_per_call,omitempty"`
	Author        string   `json:"author,omitempty"`
}

func finite(value float64) (out *float64) {
	if math.IsInf(value, 0) || math.IsNaN(value) {
		return nil
	}
	return &value
}

// WriteRecord persists the projection record for one entry as
// <submission_id>.json inside the per task leaderboard directory.  The
// write goes through a temporary name and a rename so that a reader, or a
// crash, never observes a half written record.  Failures are reported but
// the caller treats persistence as best effort, the submission store can
// regenerate every record.
//
func WriteRecord(dir string, e Entry) (err kv.Error) {
	rec := record{
		Task:          e.Task,
		UserID:        e.UserID,
		SubmissionID:  e.SubmissionID,
		BestTime:      finite(e.BestTime),
		CyclesPerCall: finite(e.CyclesPerCall),
		Author:        e.Author,
	}

	data, errGo := json.MarshalIndent(rec, "", "  ")
	if errGo != nil {
		return kv.Wrap(errGo).With("id", e.SubmissionID).With("stack", stack.Trace().TrimRuntime())
	}

	suffix, errGo := shortid.Generate()
	if errGo != nil {
		return kv.Wrap(errGo).With("id", e.SubmissionID).With("stack", stack.Trace().TrimRuntime())
	}

	fn := filepath.Join(dir, e.SubmissionID+".json")
	tmp := fn + "." + suffix
	if errGo = os.WriteFile(tmp, data, 0600); errGo != nil {
		return kv.Wrap(errGo).With("file", tmp).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo = os.Rename(tmp, fn); errGo != nil {
		os.Remove(tmp)
		return kv.Wrap(errGo).With("file", fn).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// LoadRecords reads every projection record in the per task leaderboard
// directory, in lexical name order, and returns the sorted entries together
// with the number of records seen for seeding the id counter.  Unknown keys
// are ignored and missing measurements default the same way the store
// loader defaults them.
//
func LoadRecords(dir string, logger *log.Logger) (entries []Entry, seen int, err kv.Error) {
	files, errGo := os.ReadDir(dir)
	if errGo != nil {
		return nil, 0, kv.Wrap(errGo).With("dir", dir).With("stack", stack.Trace().TrimRuntime())
	}

	names := make([]string, 0, len(files))
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		names = append(names, file.Name())
	}
	sort.Strings(names)

	parser := fastjson.Parser{}
	entries = make([]Entry, 0, len(names))
	for _, name := range names {
		seen++
		fn := filepath.Join(dir, name)
		logger.Debug("loading leaderboard entry", "file", fn)

		data, errGo := os.ReadFile(fn)
		if errGo != nil {
			logger.Warn("projection record unreadable", "file", fn, "error", errGo.Error())
			continue
		}
		value, errGo := parser.ParseBytes(data)
		if errGo != nil {
			logger.Warn("projection record unparseable", "file", fn, "error", errGo.Error())
			continue
		}

		e := Entry{
			Task:          string(value.GetStringBytes("task")),
			UserID:        string(value.GetStringBytes("user_id")),
			SubmissionID:  string(value.GetStringBytes("submission_id")),
			BestTime:      math.Inf(1),
			CyclesPerCall: math.Inf(1),
			Author:        string(value.GetStringBytes("author")),
		}
		if item := value.Get("best_time"); item != nil && item.Type() == fastjson.TypeNumber {
			e.BestTime = item.GetFloat64()
		}
		if item := value.Get("cycles_per_call"); item != nil && item.Type() == fastjson.TypeNumber {
			e.CyclesPerCall = item.GetFloat64()
		}
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i int, j int) bool {
		return entries[i].BestTime < entries[j].BestTime
	})
	return entries, seen, nil
}

// Rebuild regenerates the projection from the submission store, the
// fallback used when records are absent or the operator forces it.  Every
// directory counts towards the id seed, only those whose result classifies
// as a completed benchmark run become entries.
//
func Rebuild(store *submission.Store, logger *log.Logger) (entries []Entry, seen int, err kv.Error) {
	ids, err := store.List()
	if err != nil {
		return nil, 0, err
	}

	entries = make([]Entry, 0, len(ids))
	for _, id := range ids {
		seen++
		result := store.Load(id)
		if !result.Found || !result.CompileOK || !result.TestOK {
			continue
		}
		entries = append(entries, FromResult(result))
	}

	sort.SliceStable(entries, func(i int, j int) bool {
		return entries[i].BestTime < entries[j].BestTime
	})
	return entries, seen, nil
}
