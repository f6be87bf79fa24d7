// Copyright 2018-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package web

// This file contains the HTTP surface of the competition server.  Three
// routes carry the whole contract, the leaderboard page, the submission
// form handler, and the per submission inspection page.  Everything else
// under / is served from the static runtime tree.

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/andreidenissov-cog/go-service/pkg/log"
	uberatomic "go.uber.org/atomic"

	"github.com/leaf-ai/arena-go-server/internal/bench"
	"github.com/leaf-ai/arena-go-server/internal/board"
	"github.com/leaf-ai/arena-go-server/internal/defense"
	"github.com/leaf-ai/arena-go-server/internal/ident"
	"github.com/leaf-ai/arena-go-server/internal/submission"
	"github.com/leaf-ai/arena-go-server/internal/task"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// The exact reject bodies are part of the external contract, students and
// their tooling key off them
const (
	msgInvalidForm = "Invalid form submission."
	msgBadCode     = "Code does not comply with the rules!"
	msgBadFlags    = "Disallowed compiler flags."
	msgNotFound    = "Submission not found."
	msgNotYours    = "Not your submission."
	msgServerIssue = "Submission could not be processed."
)

// Server wires the pipeline components together behind the HTTP routes.
// The mutex is the pipeline lock of the design, id assignment, store
// writes, the external build, projection persistence and the board
// mutation all happen under it so that exactly one submission is in
// flight at a time.
//
type Server struct {
	spec   *task.Spec
	store  *submission.Store
	runner *bench.Runner
	brd    *board.Board
	ids    *submission.IDSource

	boardDir     string
	templatesDir string
	staticFiles  http.Handler

	public bool
	ready  *uberatomic.Bool

	mu sync.Mutex

	logger *log.Logger
}

// NewServer assembles the request surface for one task
func NewServer(rootDir string, spec *task.Spec, store *submission.Store, runner *bench.Runner, brd *board.Board,
	ids *submission.IDSource, public bool, logger *log.Logger) (server *Server) {

	staticDir := filepath.Join(rootDir, "runtime", "static")
	return &Server{
		spec:         spec,
		store:        store,
		runner:       runner,
		brd:          brd,
		ids:          ids,
		boardDir:     filepath.Join(rootDir, "leaderboard", spec.Name),
		templatesDir: filepath.Join(rootDir, "runtime", "templates"),
		staticFiles:  http.FileServer(http.Dir(staticDir)),
		public:       public,
		ready:        uberatomic.NewBool(false),
		logger:       logger,
	}
}

// Ready exposes the readiness flag so the monitor can report it
func (s *Server) Ready() (ready bool) {
	return s.ready.Load()
}

// BoardSize samples the projection size under the pipeline lock for the
// metrics exporter
func (s *Server) BoardSize() (count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.brd.Len()
}

// Handler builds the route table.  The root handler doubles as the static
// file fallback, the named routes always win because the mux matches them
// first.
//
func (s *Server) Handler() (mux *http.ServeMux) {
	mux = http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("/submit", s.handleSubmit)
	mux.HandleFunc("/view_submission", s.handleView)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// ListenAndServe runs the server until the context is cancelled.  Fatal
// listener errors are sent to errorC, the caller owns process shutdown
// policy.
//
func (s *Server) ListenAndServe(ctx context.Context, host string, port int, errorC chan<- kv.Error) {
	h := http.Server{
		Addr:    net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		Handler: s.Handler(),
	}

	go func() {
		s.logger.Info("server started", "address", h.Addr, "task", s.spec.Name, "public", s.public)
		s.ready.Store(true)
		if errGo := h.ListenAndServe(); errGo != http.ErrServerClosed {
			errorC <- kv.Wrap(errGo).With("address", h.Addr).With("stack", stack.Trace().TrimRuntime())
		}
	}()

	go func() {
		<-ctx.Done()
		s.ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if errGo := h.Shutdown(shutdownCtx); errGo != nil {
			s.logger.Warn("server shutdown issue", "error", errGo.Error())
		}
	}()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}
	fmt.Fprint(w, "ok")
}

// handleRoot serves the leaderboard at / and hands every other path to the
// static file tree
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.staticFiles.ServeHTTP(w, r)
		return
	}
	s.handleLeaderboard(w, r)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	userID := ident.FromRequest(r)
	if len(userID) == 0 {
		userID = ident.Issue(w)
	}

	s.mu.Lock()
	rows := s.brd.Rows()
	s.mu.Unlock()

	html, err := s.renderLeaderboard(rows, userID)
	if err != nil {
		s.logger.Warn("leaderboard render failed", "error", err.Error())
		http.Error(w, msgServerIssue, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, html)
}

// handleSubmit is the admission and pipeline entry point.  The checks run
// in a fixed order, form shape, author label, source denylist, flag
// denylist, and every rejection is a 404 with its contract body.
//
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, msgInvalidForm, http.StatusNotFound)
		return
	}

	userID := ident.FromRequest(r)
	if errGo := r.ParseForm(); errGo != nil {
		http.Error(w, msgInvalidForm, http.StatusNotFound)
		return
	}

	_, hasCode := r.PostForm["code"]
	_, hasFlags := r.PostForm["flags"]
	_, hasAuthor := r.PostForm["author"]
	if !hasCode || !hasFlags || !hasAuthor || len(userID) == 0 {
		http.Error(w, msgInvalidForm, http.StatusNotFound)
		return
	}

	code := r.PostForm.Get("code")
	flags := r.PostForm.Get("flags")

	submissionsReceived.With(taskLabel(s.spec.Name)).Inc()

	author, err := submission.ParseAuthor(r.PostForm.Get("author"))
	if err != nil {
		admissionRejects.With(rejectLabel(s.spec.Name, "author")).Inc()
		http.Error(w, msgInvalidForm, http.StatusNotFound)
		return
	}

	if err = defense.CheckCode(code, s.spec.ExtraBad); err != nil {
		s.logger.Debug("code rejected", "user", userID, "error", err.Error())
		admissionRejects.With(rejectLabel(s.spec.Name, "code")).Inc()
		http.Error(w, msgBadCode, http.StatusNotFound)
		return
	}

	if err = defense.CheckFlags(flags); err != nil {
		s.logger.Debug("flags rejected", "user", userID, "error", err.Error())
		admissionRejects.With(rejectLabel(s.spec.Name, "flags")).Inc()
		http.Error(w, msgBadFlags, http.StatusNotFound)
		return
	}

	id, err := s.runPipeline(r.Context(), userID, code, flags, author, clientIP(r))
	if err != nil {
		s.logger.Warn("submission pipeline failed", "user", userID, "error", err.Error())
		http.Error(w, msgServerIssue, http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "view_submission?id="+id, http.StatusFound)
}

// runPipeline performs the serialized portion of a submission, everything
// between id assignment and the leaderboard mutation
func (s *Server) runPipeline(ctx context.Context, userID string, code string, flags string,
	author submission.Author, ip string) (id string, err kv.Error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	id = s.ids.Next()
	if err = s.store.Create(id, code, flags, userID, author, ip, s.spec.Harness); err != nil {
		return "", err
	}

	status, err := s.runner.Run(ctx, s.store.SubmissionDir(id), s.spec.Symbol)
	if err != nil {
		// The submission directory stands, render whatever the script
		// managed to produce
		s.logger.Warn("runner did not complete", "id", id, "error", err.Error())
	}
	runnerOutcomes.With(statusLabel(s.spec.Name, status)).Inc()

	if status == submission.StatusOK {
		result := s.store.Load(id)
		entry := board.FromResult(result)
		if err := board.WriteRecord(s.boardDir, entry); err != nil {
			// Best effort, a store scan regenerates lost records
			s.logger.Warn("projection record not written", "id", id, "error", err.Error())
		}
		s.brd.Insert(entry)
	}

	return id, nil
}

// handleView renders the inspection page for one submission.  Non public
// servers only show a submission to the cookie that created it.
//
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	userID := ident.FromRequest(r)
	id := r.URL.Query().Get("id")

	if err := defense.CleanID(id); err != nil {
		s.logger.Debug("rejecting submission id", "id", id, "error", err.Error())
		http.Error(w, msgNotFound, http.StatusNotFound)
		return
	}

	s.mu.Lock()
	result := s.store.Load(id)
	s.mu.Unlock()

	if !result.Found {
		http.Error(w, msgNotFound, http.StatusNotFound)
		return
	}

	if !s.public && result.UserID != userID {
		http.Error(w, msgNotYours, http.StatusForbidden)
		return
	}

	html, err := s.renderSubmission(result)
	if err != nil {
		s.logger.Warn("submission render failed", "id", id, "error", err.Error())
		http.Error(w, msgServerIssue, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, html)
}

// clientIP strips the port the HTTP library appends to the peer address
func clientIP(r *http.Request) (ip string) {
	if host, _, errGo := net.SplitHostPort(r.RemoteAddr); errGo == nil {
		return host
	}
	return r.RemoteAddr
}
