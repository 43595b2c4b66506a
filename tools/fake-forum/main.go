// Command fake-forum is a local stand-in for the forum reply API, for
// running pacer end to end with FORUM_MODE=http.
//
//	POST /threads/{thread}/replies   publish (as SELF_AUTHOR)
//	GET  /threads/{thread}/replies   list, paginated by cursor
//	POST /threads/{thread}/inject    add a reply from someone else
//	POST /fail?status=503&count=2    fail the next publishes with status
//	GET  /stats, /health, POST /reset
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/pacer/internal/forum"
	"github.com/djlord-it/pacer/internal/logging"
)

type reply struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type published struct {
	Thread      string `json:"thread"`
	Destination string `json:"destination"`
	Content     string `json:"content"`
	At          string `json:"at"`
}

type stats struct {
	Published    int64       `json:"published"`
	Rejected     int64       `json:"rejected"`
	LastRequests []published `json:"last_requests"`
	Since        string      `json:"since"`
}

type serverConfig struct {
	Token         string
	SigningSecret string
	SelfAuthor    string
	MaxStored     int
}

type server struct {
	config serverConfig
	now    func() time.Time
	logger *zap.Logger

	mu        sync.Mutex
	threads   map[string][]reply
	published int64
	rejected  int64
	last      []published
	since     time.Time
	failNext  int
	failCode  int
}

func newServer(config serverConfig, logger *zap.Logger) *server {
	if config.MaxStored <= 0 {
		config.MaxStored = 50
	}
	if config.SelfAuthor == "" {
		config.SelfAuthor = "pacer"
	}
	return &server{
		config:  config,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logging.OrNop(logger),
		threads: make(map[string][]reply),
		since:   time.Now().UTC(),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads/{thread}/replies", s.publish)
	mux.HandleFunc("GET /threads/{thread}/replies", s.list)
	mux.HandleFunc("POST /threads/{thread}/inject", s.inject)
	mux.HandleFunc("POST /fail", s.fail)
	mux.HandleFunc("GET /stats", s.stats)
	mux.HandleFunc("POST /reset", s.reset)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

func main() {
	logger, err := logging.New("info", "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	s := newServer(serverConfig{
		Token:         os.Getenv("FORUM_TOKEN"),
		SigningSecret: os.Getenv("FORUM_SIGNING_SECRET"),
		SelfAuthor:    os.Getenv("SELF_AUTHOR"),
	}, logger)

	logger.Info("fake-forum listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// authorize checks the bearer token and, when a secret is set, the body signature.
func (s *server) authorize(r *http.Request, body []byte) error {
	if s.config.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.config.Token {
		return errors.New("bad token")
	}
	if s.config.SigningSecret == "" {
		return nil
	}
	ts := r.Header.Get(forum.HeaderTimestamp)
	if !forum.VerifySignature(s.config.SigningSecret, ts, body, r.Header.Get(forum.HeaderSignature)) {
		return errors.New("bad signature")
	}
	return nil
}

func (s *server) publish(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if err := s.authorize(r, body); err != nil {
		s.reject(w, http.StatusUnauthorized, err.Error())
		return
	}
	var req struct {
		Destination string `json:"destination"`
		Content     string `json:"content"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Content == "" {
		s.reject(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.mu.Lock()
	if s.failNext > 0 {
		s.failNext--
		code := s.failCode
		s.rejected++
		s.mu.Unlock()
		http.Error(w, "injected failure", code)
		return
	}
	thread := r.PathValue("thread")
	now := s.now()
	rep := reply{ID: uuid.NewString(), Author: s.config.SelfAuthor, Text: req.Content, CreatedAt: now}
	s.threads[thread] = append(s.threads[thread], rep)
	s.published++
	s.last = append(s.last, published{
		Thread:      thread,
		Destination: req.Destination,
		Content:     req.Content,
		At:          now.Format(time.RFC3339Nano),
	})
	if len(s.last) > s.config.MaxStored {
		s.last = s.last[len(s.last)-s.config.MaxStored:]
	}
	count := s.published
	s.mu.Unlock()

	s.logger.Info("reply published",
		zap.Int64("count", count),
		zap.String("thread", thread),
		zap.String("destination", req.Destination))
	writeJSON(w, http.StatusCreated, map[string]string{"id": rep.ID})
}

func (s *server) list(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, nil); err != nil {
		s.reject(w, http.StatusUnauthorized, err.Error())
		return
	}

	q := r.URL.Query()
	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = t
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	offset := 0
	if v := q.Get("cursor"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		offset = n
	}

	s.mu.Lock()
	var matching []reply
	for _, rep := range s.threads[r.PathValue("thread")] {
		if rep.CreatedAt.After(since) {
			matching = append(matching, rep)
		}
	}
	s.mu.Unlock()

	page := struct {
		Replies    []reply `json:"replies"`
		NextCursor string  `json:"next_cursor"`
	}{Replies: []reply{}}
	if offset < len(matching) {
		end := min(offset+limit, len(matching))
		page.Replies = matching[offset:end]
		if end < len(matching) {
			page.NextCursor = strconv.Itoa(end)
		}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *server) inject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Author string `json:"author"`
		Text   string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Author == "" || req.Text == "" {
		http.Error(w, "author and text are required", http.StatusBadRequest)
		return
	}
	thread := r.PathValue("thread")
	rep := reply{ID: uuid.NewString(), Author: req.Author, Text: req.Text, CreatedAt: s.now()}

	s.mu.Lock()
	s.threads[thread] = append(s.threads[thread], rep)
	s.mu.Unlock()

	s.logger.Info("reply injected", zap.String("thread", thread), zap.String("author", req.Author))
	writeJSON(w, http.StatusCreated, rep)
}

func (s *server) fail(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(r.URL.Query().Get("status"))
	if err != nil || code < 400 || code > 599 {
		http.Error(w, "status must be 400-599", http.StatusBadRequest)
		return
	}
	count := 1
	if v := r.URL.Query().Get("count"); v != "" {
		if count, err = strconv.Atoi(v); err != nil || count < 0 {
			http.Error(w, "invalid count", http.StatusBadRequest)
			return
		}
	}

	s.mu.Lock()
	s.failNext, s.failCode = count, code
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) stats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	st := stats{
		Published:    s.published,
		Rejected:     s.rejected,
		LastRequests: slices.Clone(s.last),
		Since:        s.since.Format(time.RFC3339),
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, st)
}

func (s *server) reset(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.threads = make(map[string][]reply)
	s.published, s.rejected = 0, 0
	s.last = nil
	s.failNext = 0
	s.since = s.now()
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "reset")
}

func (s *server) reject(w http.ResponseWriter, status int, msg string) {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
	s.logger.Warn("request rejected", zap.Int("status", status), zap.String("reason", msg))
	http.Error(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
