// Copyright 2018-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package web

// End to end coverage of the HTTP surface against a fake compile script.
// The script copies the submitted source into the timing artifact so that
// tests can steer benchmark outcomes through the submission body alone.

import (
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andreidenissov-cog/go-service/pkg/log"
	"github.com/go-test/deep"
	"github.com/rs/xid"

	"github.com/leaf-ai/arena-go-server/internal/bench"
	"github.com/leaf-ai/arena-go-server/internal/board"
	"github.com/leaf-ai/arena-go-server/internal/submission"
	"github.com/leaf-ai/arena-go-server/internal/task"

	appio "github.com/leaf-ai/arena-go-server/internal/io"
)

var logger = log.NewLogger("web_test")

const fakeCompile = `#!/bin/bash
cd "$1" || exit 1
cp submitted_code.hpp best_time.txt
exit 0
`

const leaderboardTmpl = `<html><h1>${TASK}</h1><table>
${LEADERBOARD_ROWS}
</table></html>
`

const submissionTmpl = `<html><h1>${TASK} ${SUBMISSION_ID}</h1>
user ${USER_ID}
flags ${COMPILER_FLAGS}
compile ${COMPILE_STATUS}
test ${CORRECTNESS_TEST}
time ${BENCHMARK_BEST_TIME}
cycles ${BENCHMARK_CYCLES_PER_CALL}
author ${AI_GENERATED}
<code>${INPUT_CODE}</code>
${COMPILER_OUTPUT}
${DISASSEMBLY}
${DISASSEMBLY_WITH_SOURCE}
${BENCHMARK_OUTPUT}
</html>
`

type fixture struct {
	rootDir string
	store   *submission.Store
	brd     *board.Board
	server  *Server
	web     *httptest.Server
	client  *http.Client
}

func newFixture(t *testing.T, public bool, script string) (f *fixture) {
	f = &fixture{
		rootDir: filepath.Join(os.TempDir(), xid.New().String()),
	}
	t.Cleanup(func() { os.RemoveAll(f.rootDir) })

	trees := map[string]string{
		filepath.Join("tasks", "haversine", "symbol"):                   "student_haversine\n",
		filepath.Join("tasks", "haversine", "benchmark.cpp"):            "// harness\n",
		filepath.Join("runtime", "compile.sh"):                          script,
		filepath.Join("runtime", "templates", "leaderboard.html"):       leaderboardTmpl,
		filepath.Join("runtime", "templates", "submission_result.html"): submissionTmpl,
		filepath.Join("runtime", "static", "style.css"):                 "body {}\n",
	}
	for fn, content := range trees {
		full := filepath.Join(f.rootDir, fn)
		if errGo := os.MkdirAll(filepath.Dir(full), 0700); errGo != nil {
			t.Fatal(errGo)
		}
		if errGo := os.WriteFile(full, []byte(content), 0700); errGo != nil {
			t.Fatal(errGo)
		}
	}
	if errGo := os.MkdirAll(filepath.Join(f.rootDir, "leaderboard", "haversine"), 0700); errGo != nil {
		t.Fatal(errGo)
	}

	spec, err := task.LoadSpec(f.rootDir, "haversine", logger)
	if err != nil {
		t.Fatal(err.Error())
	}
	if f.store, err = submission.NewStore(f.rootDir, "haversine", logger); err != nil {
		t.Fatal(err.Error())
	}
	runner, err := bench.NewRunner(f.rootDir, logger)
	if err != nil {
		t.Fatal(err.Error())
	}

	f.brd = &board.Board{}
	f.server = NewServer(f.rootDir, spec, f.store, runner, f.brd, &submission.IDSource{}, public, logger)

	f.web = httptest.NewServer(f.server.Handler())
	t.Cleanup(f.web.Close)

	f.client = &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return f
}

func (f *fixture) get(t *testing.T, path string, userID string) (resp *http.Response, body string) {
	req, errGo := http.NewRequest("GET", f.web.URL+path, nil)
	if errGo != nil {
		t.Fatal(errGo)
	}
	if len(userID) != 0 {
		req.AddCookie(&http.Cookie{Name: "userId", Value: userID})
	}
	resp, errGo = f.client.Do(req)
	if errGo != nil {
		t.Fatal(errGo)
	}
	defer resp.Body.Close()
	data, errGo := io.ReadAll(resp.Body)
	if errGo != nil {
		t.Fatal(errGo)
	}
	return resp, string(data)
}

func (f *fixture) submit(t *testing.T, userID string, form url.Values) (resp *http.Response, body string) {
	req, errGo := http.NewRequest("POST", f.web.URL+"/submit", strings.NewReader(form.Encode()))
	if errGo != nil {
		t.Fatal(errGo)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if len(userID) != 0 {
		req.AddCookie(&http.Cookie{Name: "userId", Value: userID})
	}
	resp, errGo = f.client.Do(req)
	if errGo != nil {
		t.Fatal(errGo)
	}
	defer resp.Body.Close()
	data, errGo := io.ReadAll(resp.Body)
	if errGo != nil {
		t.Fatal(errGo)
	}
	return resp, string(data)
}

func submitForm(code string, flags string, author string) (form url.Values) {
	return url.Values{
		"code":   []string{code},
		"flags":  []string{flags},
		"author": []string{author},
	}
}

// submissionID extracts the id from the redirect issued after an accepted
// submission.  The handler emits a relative target which the HTTP library
// resolves against the request path, so the recorded Location header reads
// /view_submission?id=<id>.
func submissionID(t *testing.T, resp *http.Response) (id string) {
	location := resp.Header.Get("Location")
	if !strings.HasPrefix(location, "/view_submission?id=") {
		t.Fatal("unexpected redirect", "location", location)
	}
	return strings.TrimPrefix(location, "/view_submission?id=")
}

func TestCookieIssued(t *testing.T) {
	f := newFixture(t, false, fakeCompile)

	resp, _ := f.get(t, "/", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatal("leaderboard not served", "status", resp.StatusCode)
	}
	issued := ""
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "userId" {
			issued = cookie.Value
		}
	}
	if len(issued) != 8 {
		t.Fatal("no user id cookie issued", "issued", issued)
	}

	// A caller that already has an identity keeps it
	resp, _ = f.get(t, "/leaderboard", "cafe0123")
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "userId" {
			t.Fatal("identity reissued over an existing cookie")
		}
	}
}

func TestSubmitHappyPath(t *testing.T) {
	f := newFixture(t, false, fakeCompile)

	resp, _ := f.submit(t, "cafe0123", submitForm("float f(float x, float e){return x;}", "-O2", "Human"))
	if resp.StatusCode != http.StatusFound {
		t.Fatal("accepted submission did not redirect", "status", resp.StatusCode)
	}
	id := submissionID(t, resp)

	dir := f.store.SubmissionDir(id)
	if stat, errGo := os.Stat(dir); errGo != nil || !stat.IsDir() {
		t.Fatal("submission directory missing", "dir", dir)
	}
	if code := appio.ReadTrimmed(filepath.Join(dir, submission.ExitCodeFN)); code != "0" {
		t.Fatal("exit code not recorded", "code", code)
	}

	// Every leaderboard entry corresponds to a directory whose recorded
	// exit code is zero
	for _, row := range f.brd.Rows() {
		code := appio.ReadTrimmed(filepath.Join(f.store.SubmissionDir(row.SubmissionID), submission.ExitCodeFN))
		if code != "0" {
			t.Fatal("leaderboard entry without a completed run", "id", row.SubmissionID, "code", code)
		}
	}

	resp, body := f.get(t, "/view_submission?id="+id, "cafe0123")
	if resp.StatusCode != http.StatusOK {
		t.Fatal("owner could not view their submission", "status", resp.StatusCode)
	}
	if !strings.Contains(body, id) || !strings.Contains(body, "float f(float x, float e){return x;}") {
		t.Fatal("submission page incomplete")
	}
	if strings.Contains(body, "cafe0123") {
		t.Fatal("raw user token leaked into the page")
	}
}

func TestSubmitRejects(t *testing.T) {
	f := newFixture(t, false, fakeCompile)

	cases := []struct {
		name   string
		cookie string
		form   url.Values
		body   string
	}{
		{"banned call", "cafe0123", submitForm(`float f(float x){ printf("%f", x); return x; }`, "-O2", "Human"), msgBadCode},
		{"preprocessor", "cafe0123", submitForm("#include <cmath>", "-O2", "Human"), msgBadCode},
		{"shell flags", "cafe0123", submitForm("float f(float x){return x;}", "-O2 ; rm -rf /", "Human"), msgBadFlags},
		{"include path flags", "cafe0123", submitForm("float f(float x){return x;}", "-I/usr/include", "Human"), msgBadFlags},
		{"unknown author", "cafe0123", submitForm("float f(float x){return x;}", "-O2", "Alien"), msgInvalidForm},
		{"no cookie", "", submitForm("float f(float x){return x;}", "-O2", "Human"), msgInvalidForm},
		{"missing fields", "cafe0123", url.Values{"code": []string{"float f(float x){return x;}"}}, msgInvalidForm},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			resp, body := f.submit(t, c.cookie, c.form)
			if resp.StatusCode != http.StatusNotFound {
				t.Fatal("rejection status mismatch", "status", resp.StatusCode)
			}
			if strings.TrimSpace(body) != c.body {
				t.Fatal("rejection body mismatch", "body", body)
			}
		})
	}

	// Nothing was admitted, the store must still be empty
	ids, err := f.store.List()
	if err != nil {
		t.Fatal(err.Error())
	}
	if len(ids) != 0 {
		t.Fatal("a rejected submission left a directory behind", "ids", ids)
	}
	if f.brd.Len() != 0 {
		t.Fatal("a rejected submission reached the leaderboard")
	}
}

// TestLeaderboardOrdering walks two users through two submissions each and
// checks row order, highlighting annotations, and link visibility
func TestLeaderboardOrdering(t *testing.T) {
	f := newFixture(t, false, fakeCompile)

	// The fake script copies the code body into the timing artifact
	submissions := []struct {
		user string
		time string
	}{
		{"u1000001", "1.0"},
		{"u1000001", "2.0"},
		{"u2000002", "1.5"},
		{"u2000002", "3.0"},
	}
	ids := make([]string, 0, len(submissions))
	for _, s := range submissions {
		resp, _ := f.submit(t, s.user, submitForm(s.time, "-O2", "Human"))
		if resp.StatusCode != http.StatusFound {
			t.Fatal("submission rejected", "status", resp.StatusCode)
		}
		ids = append(ids, submissionID(t, resp))
	}

	rows := f.brd.Rows()
	expected := []struct {
		id    string
		first bool
		rank  int
	}{
		{ids[0], true, 0},
		{ids[2], true, 1},
		{ids[1], false, 0},
		{ids[3], false, 0},
	}
	for i, e := range expected {
		if rows[i].SubmissionID != e.id || rows[i].FirstOfUser != e.first {
			t.Fatal("row annotation mismatch", "index", i, "row", rows[i])
		}
		if e.first && rows[i].UserRank != e.rank {
			t.Fatal("user rank mismatch", "index", i, "row", rows[i])
		}
	}

	// A private server only links the viewers own rows
	_, body := f.get(t, "/leaderboard", "u1000001")
	for _, id := range []string{ids[0], ids[1]} {
		if !strings.Contains(body, "view_submission?id="+id) {
			t.Fatal("own submission not linked", "id", id)
		}
	}
	for _, id := range []string{ids[2], ids[3]} {
		if strings.Contains(body, "view_submission?id="+id) {
			t.Fatal("foreign submission linked on a private server", "id", id)
		}
	}
}

func TestViewAccess(t *testing.T) {
	f := newFixture(t, false, fakeCompile)

	resp, _ := f.submit(t, "u1000001", submitForm("0.5", "-O2", "Human"))
	id := submissionID(t, resp)

	cases := []struct {
		name   string
		cookie string
		status int
		body   string
	}{
		{"owner", "u1000001", http.StatusOK, ""},
		{"stranger", "u2000002", http.StatusForbidden, msgNotYours},
		{"anonymous", "", http.StatusForbidden, msgNotYours},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			resp, body := f.get(t, "/view_submission?id="+id, c.cookie)
			if resp.StatusCode != c.status {
				t.Fatal("status mismatch", "status", resp.StatusCode)
			}
			if len(c.body) != 0 && strings.TrimSpace(body) != c.body {
				t.Fatal("body mismatch", "body", body)
			}
		})
	}

	resp, body := f.get(t, "/view_submission?id=0009-dead", "u1000001")
	if resp.StatusCode != http.StatusNotFound || strings.TrimSpace(body) != msgNotFound {
		t.Fatal("unknown submission not a 404", "status", resp.StatusCode, "body", body)
	}

	resp, _ = f.get(t, "/view_submission?id=../../escape", "u1000001")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatal("escaping id not rejected", "status", resp.StatusCode)
	}
}

func TestPublicMode(t *testing.T) {
	f := newFixture(t, true, fakeCompile)

	resp, _ := f.submit(t, "u1000001", submitForm("0.5", "-O2", "Human"))
	id := submissionID(t, resp)

	resp, _ = f.get(t, "/view_submission?id="+id, "u2000002")
	if resp.StatusCode != http.StatusOK {
		t.Fatal("public server denied a viewer", "status", resp.StatusCode)
	}

	_, body := f.get(t, "/leaderboard", "u2000002")
	if !strings.Contains(body, "view_submission?id="+id) {
		t.Fatal("public leaderboard row not linked")
	}
}

func TestCompileFailureRendered(t *testing.T) {
	script := "#!/bin/bash\nexit 1\n"
	f := newFixture(t, false, script)

	resp, _ := f.submit(t, "u1000001", submitForm("float f(float x){return x;}", "-O2", "Human"))
	if resp.StatusCode != http.StatusFound {
		t.Fatal("failed compile must still redirect to the result page", "status", resp.StatusCode)
	}
	id := submissionID(t, resp)

	if f.brd.Len() != 0 {
		t.Fatal("failed compile reached the leaderboard")
	}

	_, body := f.get(t, "/view_submission?id="+id, "u1000001")
	if !strings.Contains(body, "compile <span style='color:red;'>Failed</span>") {
		t.Fatal("compile failure not rendered red")
	}
}

func TestCorrectnessFailureRendered(t *testing.T) {
	script := "#!/bin/bash\nexit 2\n"
	f := newFixture(t, false, script)

	resp, _ := f.submit(t, "u1000001", submitForm("float f(float x){return x;}", "-O2", "Human"))
	id := submissionID(t, resp)

	if f.brd.Len() != 0 {
		t.Fatal("failed correctness reached the leaderboard")
	}

	_, body := f.get(t, "/view_submission?id="+id, "u1000001")
	if !strings.Contains(body, "compile <span style='color:green;'>Success</span>") {
		t.Fatal("compile success not rendered green")
	}
	if !strings.Contains(body, "test <span style='color:red;'>Failed</span>") {
		t.Fatal("correctness failure not rendered red")
	}
}

// TestRebuildMatchesBoard regenerates the projection from the submission
// store and expects it to agree with the board the pipeline built up
func TestRebuildMatchesBoard(t *testing.T) {
	f := newFixture(t, false, fakeCompile)

	for _, time := range []string{"2.0", "1.0", "3.0"} {
		if resp, _ := f.submit(t, "u1000001", submitForm(time, "-O2", "Human")); resp.StatusCode != http.StatusFound {
			t.Fatal("submission rejected", "status", resp.StatusCode)
		}
	}

	rebuilt, seen, err := board.Rebuild(f.store, logger)
	if err != nil {
		t.Fatal(err.Error())
	}
	if seen != 3 {
		t.Fatal("rebuild did not visit every directory", "seen", seen)
	}

	live := make([]board.Entry, 0, f.brd.Len())
	for _, row := range f.brd.Rows() {
		live = append(live, row.Entry)
	}
	if diff := deep.Equal(rebuilt, live); diff != nil {
		t.Fatal(diff)
	}
	if rebuilt[0].BestTime != 1.0 || !math.IsInf(rebuilt[0].CyclesPerCall, 1) {
		t.Fatal("rebuild measurements mismatch", "entry", rebuilt[0])
	}
}

func TestStaticFallback(t *testing.T) {
	f := newFixture(t, false, fakeCompile)

	resp, body := f.get(t, "/style.css", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "body") {
		t.Fatal("static file not served", "status", resp.StatusCode)
	}

	resp, _ = f.get(t, "/no-such-file.css", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatal("missing static file not a 404", "status", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, false, fakeCompile)

	// The readiness flag only goes up once ListenAndServe runs, the bare
	// handler reports starting
	resp, _ := f.get(t, "/healthz", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatal("unexpected readiness", "status", resp.StatusCode)
	}
}
