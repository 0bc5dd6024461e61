package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/TobiSchelling/smallrss/internal/database"
	"github.com/TobiSchelling/smallrss/internal/metrics"
)

const maxArticles = 500

// Server exposes reader state, read toggles and metrics over HTTP.
type Server struct {
	db      *database.DB
	metrics *metrics.Metrics
	mux     *http.ServeMux
}

// New creates a new Server. m may be nil, which disables /metrics.
func New(db *database.DB, m *metrics.Metrics) *Server {
	s := &Server{db: db, metrics: m, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	if s.metrics != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/feeds/", s.handleFeed)
}

type feedView struct {
	ID                int64  `json:"id"`
	URL               string `json:"url"`
	Title             string `json:"title"`
	Domain            string `json:"domain"`
	Position          int    `json:"position"`
	EnrichmentEnabled bool   `json:"enrichment_enabled"`
	Unread            int    `json:"unread"`
}

type articleView struct {
	Key       string     `json:"key"`
	Title     string     `json:"title"`
	Link      *string    `json:"link,omitempty"`
	Summary   *string    `json:"summary,omitempty"`
	Published *time.Time `json:"published,omitempty"`
	Read      bool       `json:"read"`
}

type statusView struct {
	Feeds             []feedView `json:"feeds"`
	Articles          int        `json:"articles"`
	Unread            int        `json:"unread"`
	CachedEnrichments int        `json:"cached_enrichments"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := s.db.GetStats(ctx)
	if err != nil {
		s.internalError(w, "status", err)
		return
	}
	feeds, err := s.db.ListFeeds(ctx)
	if err != nil {
		s.internalError(w, "status", err)
		return
	}

	out := statusView{
		Feeds:             make([]feedView, 0, len(feeds)),
		Articles:          stats.Articles,
		Unread:            stats.UnreadArticles,
		CachedEnrichments: stats.CachedEnrichments,
	}
	for _, f := range feeds {
		unread, err := s.db.UnreadCount(ctx, f.ID)
		if err != nil {
			s.internalError(w, "status", err)
			return
		}
		out.Feeds = append(out.Feeds, feedView{
			ID:                f.ID,
			URL:               f.URL,
			Title:             f.Title,
			Domain:            f.Domain,
			Position:          f.Position,
			EnrichmentEnabled: f.EnrichmentEnabled,
			Unread:            unread,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleFeed serves /api/feeds/{id}/{action}.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/feeds/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	feedID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	switch parts[1] {
	case "articles":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.listArticles(w, r, feedID)
	case "read", "mark-all-read", "enrichment":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.update(w, r, feedID, parts[1])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) listArticles(w http.ResponseWriter, r *http.Request, feedID int64) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > maxArticles {
		limit = maxArticles
	}
	articles, err := s.db.ListArticles(r.Context(), database.ArticleFilter{
		FeedID:     feedID,
		UnreadOnly: r.URL.Query().Get("unread") == "1",
		Limit:      limit,
	})
	if err != nil {
		s.internalError(w, "articles", err)
		return
	}

	out := make([]articleView, 0, len(articles))
	for _, a := range articles {
		out = append(out, articleView{
			Key:       a.Key,
			Title:     a.Title,
			Link:      a.Link,
			Summary:   a.Summary,
			Published: a.Published,
			Read:      a.Read,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request, feedID int64, action string) {
	ctx := r.Context()
	feed, err := s.db.GetFeedByID(ctx, feedID)
	if err != nil {
		s.internalError(w, action, err)
		return
	}
	if feed == nil {
		http.NotFound(w, r)
		return
	}

	switch action {
	case "read":
		key := strings.TrimSpace(r.FormValue("key"))
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		err = s.db.SetRead(ctx, feedID, key, r.FormValue("read") != "false")
	case "mark-all-read":
		err = s.db.MarkAllRead(ctx, feedID)
	case "enrichment":
		err = s.db.SetFeedEnrichmentEnabled(ctx, feedID, r.FormValue("enabled") == "true")
	}
	if err != nil {
		s.internalError(w, action, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	log.WithField("op", op).Errorf("Request failed: %v", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Error encoding response: %v", err)
	}
}

// Serve runs the server on addr until ctx is done.
func Serve(ctx context.Context, db *database.DB, m *metrics.Metrics, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           New(db, m).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Infof("Server listening on http://%s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
