// Copyright 2018-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package board

// This file contains the in memory leaderboard projection.  The projection
// is a sorted view over the successful submissions of one task and can
// always be rebuilt, either from the small per submission records written
// alongside it or from a scan of the submission store itself.

import (
	"sort"

	"github.com/leaf-ai/arena-go-server/internal/submission"
)

// Entry is one leaderboard row, a value projection of a successful
// submission.  Resolution back to the full submission is by id lookup
// against the store, entries hold no references.
//
type Entry struct {
	Task          string
	UserID        string
	SubmissionID  string
	BestTime      float64
	CyclesPerCall float64
	Author        string
}

// FromResult projects a loaded submission onto its leaderboard entry.  Only
// results whose status classifies as a completed benchmark run may be
// projected.
//
func FromResult(result *submission.Result) (e Entry) {
	return Entry{
		Task:          result.Task,
		UserID:        result.UserID,
		SubmissionID:  result.ID,
		BestTime:      result.BestTime,
		CyclesPerCall: result.CyclesPerCall,
		Author:        result.Author,
	}
}

// Row is an Entry annotated for display.  FirstOfUser marks the best
// placed submission of each user and UserRank numbers those rows from
// zero in rank order, both drive highlighting in the rendered table.
//
type Row struct {
	Entry

	Index       int
	FirstOfUser bool
	UserRank    int
}

// Board holds the sorted projection.  It carries no lock of its own, the
// pipeline mutex in the web layer owns all mutation and the read paths copy
// under that same lock.
//
type Board struct {
	entries []Entry
}

// Len returns the number of entries currently projected
func (b *Board) Len() (count int) {
	return len(b.entries)
}

// Insert appends an entry and restores the best time ascending order.  The
// sort is stable so entries sharing a time keep their insertion order,
// expected sizes are classroom sized and a full sort per insert is fine.
//
func (b *Board) Insert(e Entry) {
	b.entries = append(b.entries, e)
	b.sort()
}

// Replace swaps in a freshly rebuilt set of entries
func (b *Board) Replace(entries []Entry) {
	b.entries = entries
	b.sort()
}

func (b *Board) sort() {
	sort.SliceStable(b.entries, func(i int, j int) bool {
		return b.entries[i].BestTime < b.entries[j].BestTime
	})
}

// Rows returns the display annotated view of the projection in rank order.
// Exactly one row per distinct user carries the FirstOfUser flag and it is
// always that users best placed row.
//
func (b *Board) Rows() (rows []Row) {
	rows = make([]Row, 0, len(b.entries))

	seen := map[string]struct{}{}
	userRank := -1
	for i, e := range b.entries {
		row := Row{
			Entry: e,
			Index: i,
		}
		if _, known := seen[e.UserID]; !known {
			seen[e.UserID] = struct{}{}
			userRank++
			row.FirstOfUser = true
			row.UserRank = userRank
		}
		rows = append(rows, row)
	}
	return rows
}
