// Copyright 2018-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package defense

// This file contains the implementation of the admission gate applied to
// submitted source code and compiler flags before anything is handed to the
// external toolchain.  The gate is a conservative lexical filter, it matches
// raw text without tokenization and accepts false positives as the price of
// simplicity.

import (
	"regexp"
	"strings"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

var (
	// badCodePatterns are matched as regular expressions against the raw
	// source text.  Word boundary anchors are used where a name is too
	// common to ban as a bare substring.
	badCodePatterns = []string{
		// spawning processes
		"system", "execl", "execlp", "execle", "execv", "execvp", "execvpe",
		"fork",
		// inline assembly
		`\basm`,
		// overriding or reentering main
		`\bmain\b`, "argv", "argc", `\b_main\b`, `\bstart\b`,
		// memory primitives
		"calloc", "malloc", "free", `\bnew\b`, `\bmmap\b`,
		// threading
		"pthread", "async", "launch", "thread",
		// file IO
		"fstream", "fopen", "fputc", "filesystem", "directory_iterator",
		"dirent", "opendir", "readdir", "fread", "fwrite",
		// stdin and stdout
		"printf", "puts", "fputs", "putc", `\bcout\b`, `\bcerr\b`, `\bcin\b`,
	}

	// badCodeTokens are literal substrings, the digraphs and the
	// preprocessor marker.  The # ban is total, no preprocessor
	// directives may appear in a submission.
	badCodeTokens = []string{
		"<%", "%>", "<:", ":>", "%:", "%:%:", "#",
	}

	// badFlagTokens are literal substrings that make a compiler flag
	// string unacceptable
	badFlagTokens = []string{
		";", "&&", "||", "|", "&", ".", "/", "<", ">",
	}

	badCode = mustCompile(badCodePatterns)
)

func mustCompile(patterns []string) (compiled []*regexp.Regexp) {
	compiled = make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		compiled = append(compiled, regexp.MustCompile(pattern))
	}
	return compiled
}

// CompilePatterns turns the lines of a task supplied denylist into matchers
// with the same semantics as the fixed source denylist.  Empty lines are
// skipped.  A malformed pattern fails the whole list so that a broken task
// definition is caught at startup rather than silently admitting code.
//
func CompilePatterns(lines []string) (compiled []*regexp.Regexp, err kv.Error) {
	compiled = make([]*regexp.Regexp, 0, len(lines))
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		matcher, errGo := regexp.Compile(line)
		if errGo != nil {
			return nil, kv.Wrap(errGo).With("pattern", line).With("stack", stack.Trace().TrimRuntime())
		}
		compiled = append(compiled, matcher)
	}
	return compiled, nil
}

// CheckCode applies the fixed denylists and then the task specific extra
// patterns to the raw submitted source.  nil is returned when the source is
// admitted.  Matching is case sensitive.
//
func CheckCode(code string, extra []*regexp.Regexp) (err kv.Error) {
	for _, matcher := range badCode {
		if matcher.MatchString(code) {
			return kv.NewError("code rejected").With("pattern", matcher.String()).With("stack", stack.Trace().TrimRuntime())
		}
	}
	for _, token := range badCodeTokens {
		if strings.Contains(code, token) {
			return kv.NewError("code rejected").With("token", token).With("stack", stack.Trace().TrimRuntime())
		}
	}
	for _, matcher := range extra {
		if matcher.MatchString(code) {
			return kv.NewError("code rejected").With("pattern", matcher.String(), "origin", "task").With("stack", stack.Trace().TrimRuntime())
		}
	}
	return nil
}

// CheckFlags applies the literal substring denylist to the raw compiler flag
// string.  nil is returned when the flags are admitted.
//
func CheckFlags(flags string) (err kv.Error) {
	for _, token := range badFlagTokens {
		if strings.Contains(flags, token) {
			return kv.NewError("flags rejected").With("token", token).With("stack", stack.Trace().TrimRuntime())
		}
	}
	return nil
}
