// Copyright 2020-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package task

// This file contains the implementation of the per competition task
// registry.  A task is a directory prepared by the operator carrying
// everything one competition needs, the benchmark harness, the symbol whose
// disassembly will be shown, and optionally task specific denylist patterns
// and presentation metadata.

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/andreidenissov-cog/go-service/pkg/log"

	"github.com/leaf-ai/arena-go-server/internal/defense"
	"github.com/leaf-ai/arena-go-server/internal/io"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Spec carries the immutable configuration of one task.  It is loaded once
// at startup and treated as read only by every other component.
//
type Spec struct {
	Name     string           // The short task name, also the directory name
	Dir      string           // The task directory that was loaded
	Title    string           // Display title, defaults to the task name
	Symbol   string           // The function symbol whose disassembly is rendered
	Harness  string           // Location of the benchmark harness source
	ExtraBad []*regexp.Regexp // Task specific additions to the source denylist
}

// meta mirrors the optional task.toml file inside a task directory
type meta struct {
	Title string `toml:"title"`
}

// LoadSpec reads the tasks/<name> directory beneath the supplied root.  The
// task directory and its symbol file are mandatory and their absence is a
// startup failure for the server.
//
func LoadSpec(rootDir string, name string, logger *log.Logger) (spec *Spec, err kv.Error) {
	dir := filepath.Join(rootDir, "tasks", name)
	stat, errGo := os.Stat(dir)
	if errGo != nil || !stat.IsDir() {
		return nil, kv.NewError("no task directory found").With("dir", dir).With("stack", stack.Trace().TrimRuntime())
	}

	spec = &Spec{
		Name:    name,
		Dir:     dir,
		Title:   name,
		Harness: filepath.Join(dir, "benchmark.cpp"),
	}

	symbolFN := filepath.Join(dir, "symbol")
	if _, errGo = os.Stat(symbolFN); errGo != nil {
		return nil, kv.Wrap(errGo, "no symbol file found").With("task", name, "file", symbolFN).With("stack", stack.Trace().TrimRuntime())
	}
	if spec.Symbol = io.ReadTrimmed(symbolFN); len(spec.Symbol) == 0 {
		return nil, kv.NewError("symbol file is empty").With("task", name, "file", symbolFN).With("stack", stack.Trace().TrimRuntime())
	}

	if _, errGo = os.Stat(spec.Harness); errGo != nil {
		return nil, kv.Wrap(errGo, "no benchmark harness found").With("task", name, "file", spec.Harness).With("stack", stack.Trace().TrimRuntime())
	}

	badFN := filepath.Join(dir, "bad_code.regex")
	if data, errGo := os.ReadFile(badFN); errGo == nil {
		if spec.ExtraBad, err = defense.CompilePatterns(strings.Split(string(data), "\n")); err != nil {
			return nil, err.With("task", name)
		}
		patterns := make([]string, 0, len(spec.ExtraBad))
		for _, matcher := range spec.ExtraBad {
			patterns = append(patterns, matcher.String())
		}
		logger.Info("task denylist loaded", "task", name, "patterns", patterns)
	} else {
		logger.Info("no task denylist found", "task", name)
	}

	metaFN := filepath.Join(dir, "task.toml")
	if _, errGo := os.Stat(metaFN); errGo == nil {
		m := meta{}
		if _, errGo = toml.DecodeFile(metaFN, &m); errGo != nil {
			return nil, kv.Wrap(errGo).With("task", name, "file", metaFN).With("stack", stack.Trace().TrimRuntime())
		}
		if len(m.Title) != 0 {
			spec.Title = m.Title
		}
	}

	return spec, nil
}
