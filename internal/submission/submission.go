// Copyright 2018-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package submission

// This file contains the submission domain types, the author provenance
// labels and the status codes produced by the build and measure pipeline

import (
	"math"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Statuses a submission can carry once the external toolchain has run.
// These mirror the exit code contract of the compile script.
const (
	StatusOK            = 0 // Benchmark ran, timing results were emitted
	StatusCompileFailed = 1 // The submission did not compile
	StatusTestFailed    = 2 // Compiled but the correctness test failed
)

// Classify maps a raw process exit code onto the closed status set.  Any
// code outside the documented contract is treated as a compile failure.
//
func Classify(exitCode int) (status int) {
	switch exitCode {
	case StatusOK, StatusTestFailed:
		return exitCode
	}
	return StatusCompileFailed
}

// Author is the self declared provenance of a submission, a closed set that
// is validated once at the HTTP boundary and carried as a tagged value
// afterwards
type Author int

const (
	// AuthorUnknown is the zero value and never admitted on submit
	AuthorUnknown Author = iota
	// AuthorHuman is an individual student
	AuthorHuman
	// AuthorChatGPT is machine generated code
	AuthorChatGPT
	// AuthorHumanTeam is a team of students
	AuthorHumanTeam
	// AuthorHybridTeam is students working with a machine
	AuthorHybridTeam
	// AuthorTeacher is the reference setter
	AuthorTeacher
)

var (
	authorLabels = map[Author]string{
		AuthorHuman:      "Human",
		AuthorChatGPT:    "ChatGPT",
		AuthorHumanTeam:  "HumanTeam",
		AuthorHybridTeam: "HybridTeam",
		AuthorTeacher:    "Teacher",
	}

	authorIcons = map[string]string{
		"Human":      "👩",
		"ChatGPT":    "🤖",
		"HumanTeam":  "👩👩",
		"HybridTeam": "🤖👩",
		"Teacher":    "🧑‍🏫",
	}
)

// ParseAuthor validates a raw form value against the closed author set
func ParseAuthor(label string) (author Author, err kv.Error) {
	for author, known := range authorLabels {
		if label == known {
			return author, nil
		}
	}
	return AuthorUnknown, kv.NewError("unknown author label").With("author", label).With("stack", stack.Trace().TrimRuntime())
}

func (a Author) String() (label string) {
	return authorLabels[a]
}

// AuthorIcon maps a stored author label onto its display icon.  Labels from
// before the author field existed come back empty and render as no icon.
//
func AuthorIcon(label string) (icon string) {
	return authorIcons[label]
}

// Result is everything known about one submission after reading its
// directory back.  Missing artifacts leave the corresponding fields at
// their defaults, empty text and infinite times.
//
type Result struct {
	Found bool

	Task   string
	ID     string
	UserID string
	Author string

	Code  string // Highlighted HTML when available, raw source otherwise
	Flags string

	Status    int
	CompileOK bool
	TestOK    bool

	CompilerOutput        string
	Disassembly           string
	DisassemblyWithSource string
	BenchmarkOutput       string

	BestTime      float64
	CyclesPerCall float64
}

func newResult(task string, id string) (result *Result) {
	return &Result{
		Task:          task,
		ID:            id,
		BestTime:      math.Inf(1),
		CyclesPerCall: math.Inf(1),
	}
}
