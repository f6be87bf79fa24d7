// Copyright 2018-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package web

// This file contains the page rendering for the server.  Templates are
// plain HTML files carrying ${NAME} placeholders that are substituted with
// a global string replace.  The values substituted are either server
// generated or have already passed the admission gate, templates trust
// nothing else.

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/leaf-ai/arena-go-server/internal/board"
	"github.com/leaf-ai/arena-go-server/internal/ident"
	"github.com/leaf-ai/arena-go-server/internal/submission"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// ownRowColor highlights the requesting users rows on the leaderboard
const ownRowColor = "#caddb7"

// expand substitutes every placeholder in the template text.  Substitution
// is a single pass per placeholder, values are not rescanned for further
// placeholders.
//
func expand(tmpl string, vars map[string]string) (html string) {
	html = tmpl
	for name, value := range vars {
		html = strings.ReplaceAll(html, "${"+name+"}", value)
	}
	return html
}

func (s *Server) template(name string) (tmpl string, err kv.Error) {
	fn := filepath.Join(s.templatesDir, name)
	data, errGo := os.ReadFile(fn)
	if errGo != nil {
		return "", kv.Wrap(errGo).With("template", fn).With("stack", stack.Trace().TrimRuntime())
	}
	return string(data), nil
}

func green(text string) (span string) {
	return "<span style='color:green;'>" + text + "</span>"
}

func red(text string) (span string) {
	return "<span style='color:red;'>" + text + "</span>"
}

// formatTime renders a wall clock measurement taken in seconds as
// milliseconds, the scale students reason about
func formatTime(seconds float64) (text string) {
	return fmt.Sprintf("%.5f ms", seconds*1e3)
}

func formatCycles(cyclesPerCall float64) (text string) {
	return fmt.Sprintf("%.3f cycles/call", cyclesPerCall)
}

// formatAuthor renders the provenance label of a submission.  Leaderboard
// rows carry the icon alone, the submission page spells the label out.
//
func formatAuthor(label string, withText bool) (text string) {
	text = submission.AuthorIcon(label)
	if withText {
		if len(text) != 0 {
			text += " "
		}
		text += label
	}
	return text
}

// renderLeaderboard fills the leaderboard template with one table row per
// entry.  The requesting users rows are highlighted and rows are only
// linked to their submission when the viewer owns them or the server is
// public.
//
func (s *Server) renderLeaderboard(rows []board.Row, userID string) (html string, err kv.Error) {
	tmpl, err := s.template("leaderboard.html")
	if err != nil {
		return "", err
	}

	rendered := strings.Builder{}
	for _, row := range rows {
		class := ""
		if row.FirstOfUser {
			class = "first-of-user"
		}
		if userID == row.UserID {
			rendered.WriteString("<tr class='" + class + "' style='background-color: " + ownRowColor + ";'>")
		} else {
			rendered.WriteString("<tr class='" + class + "'>")
		}

		rendered.WriteString("<td>" + strconv.Itoa(row.Index) + "</td>")
		if row.FirstOfUser {
			rendered.WriteString("<td>" + strconv.Itoa(row.UserRank) + "</td>")
		} else {
			rendered.WriteString("<td></td>")
		}

		if userID == row.UserID || s.public {
			rendered.WriteString("<td><a href='view_submission?id=" + row.SubmissionID + "'>" + row.SubmissionID + "</a></td>")
		} else {
			rendered.WriteString("<td>" + row.SubmissionID + "</td>")
		}

		rendered.WriteString("<td style='background-color: " + ident.RowColor(row.UserID) + "; color: white;'>" +
			ident.Anonymize(row.UserID, s.spec.Name) + "</td>")
		rendered.WriteString("<td>" + formatTime(row.BestTime) + "</td>")
		rendered.WriteString("<td>" + formatCycles(row.CyclesPerCall) + "</td>")
		rendered.WriteString("<td>" + formatAuthor(row.Author, false) + "</td>")
		rendered.WriteString("</tr>\n")
	}

	return expand(tmpl, map[string]string{
		"TASK":             s.spec.Title,
		"LEADERBOARD_ROWS": rendered.String(),
	}), nil
}

// renderSubmission fills the inspection page for one loaded submission.
// The owner is always shown through the anonymized display name, raw
// tokens never reach a page.
//
func (s *Server) renderSubmission(result *submission.Result) (html string, err kv.Error) {
	tmpl, err := s.template("submission_result.html")
	if err != nil {
		return "", err
	}

	compileStatus := red("Failed")
	if result.CompileOK {
		compileStatus = green("Success")
	}
	testStatus := red("Failed")
	if result.TestOK {
		testStatus = green("Success")
	}

	return expand(tmpl, map[string]string{
		"TASK":                      s.spec.Title,
		"USER_ID":                   ident.Anonymize(result.UserID, s.spec.Name),
		"SUBMISSION_ID":             result.ID,
		"COMPILER_FLAGS":            result.Flags,
		"COMPILE_STATUS":            compileStatus,
		"CORRECTNESS_TEST":          testStatus,
		"BENCHMARK_BEST_TIME":       formatTime(result.BestTime),
		"BENCHMARK_CYCLES_PER_CALL": formatCycles(result.CyclesPerCall),
		"AI_GENERATED":              formatAuthor(result.Author, true),
		"INPUT_CODE":                result.Code,
		"COMPILER_OUTPUT":           result.CompilerOutput,
		"DISASSEMBLY":               result.Disassembly,
		"DISASSEMBLY_WITH_SOURCE":   result.DisassemblyWithSource,
		"BENCHMARK_OUTPUT":          result.BenchmarkOutput,
	}), nil
}
