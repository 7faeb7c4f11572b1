// Package webapi provides a web API for the spam detector: checking messages, updating and
// removing samples, reloading training data and reporting model statistics.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	cache "github.com/go-pkgz/expirable-cache/v3"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/routegroup"
	"golang.org/x/sync/singleflight"

	"github.com/umputun/trie-spam/app/storage"
	"github.com/umputun/trie-spam/app/trainer"
	"github.com/umputun/trie-spam/lib"
	"github.com/umputun/trie-spam/lib/trie"
)

// Server is a web API server.
type Server struct {
	Config
	checks   cache.Cache[string, lib.CheckResult]
	inflight singleflight.Group // concurrent checks of the same message share a single detector call
	metrics  *metrics
}

// Config defines server parameters
type Config struct {
	Version    string        // version to show in headers
	ListenAddr string        // listen address
	Detector   Detector      // spam detector
	Trainer    Trainer       // model updates and reloads
	AuthPasswd string        // basic auth password for user "trie-spam", no auth if empty
	CacheTTL   time.Duration // ttl of cached check results
	CacheSize  int           // max number of cached check results
	RateLimit  float64       // max requests per second per client
}

// Detector is a spam detector interface
type Detector interface {
	Check(msg string) (lib.CheckResult, error)
	Stats() lib.Stats
	TopWords(class trie.Class, n int) []lib.WordCount
}

// Trainer updates the detector model
type Trainer interface {
	UpdateSpam(msg string) error
	UpdateHam(msg string) error
	RemoveSpam(msg string) (int, error)
	RemoveHam(msg string) (int, error)
	ReloadSamples(ctx context.Context) (lib.LoadResult, error)
	Version() uint64
	SamplesStats(ctx context.Context) (*storage.SamplesStats, error)
	Samples(ctx context.Context, class trie.Class, o storage.SampleOrigin) (iter.Seq[string], error)
}

// NewServer creates a new web API server
func NewServer(config Config) *Server {
	if config.CacheTTL <= 0 {
		config.CacheTTL = 10 * time.Minute
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 10000
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 50
	}
	res := &Server{
		Config: config,
		checks: cache.NewCache[string, lib.CheckResult]().WithTTL(config.CacheTTL).WithMaxKeys(config.CacheSize),
	}
	res.metrics = newMetrics(func() float64 { return float64(res.Detector.Stats().Distinct) })
	return res
}

// Run starts server and accepts requests until the context is canceled
func (s *Server) Run(ctx context.Context) error {
	if s.AuthPasswd != "" {
		log.Printf("[INFO] basic auth enabled for webapi server")
	} else {
		log.Printf("[WARN] basic auth disabled, access to webapi is not protected")
	}

	srv := &http.Server{Addr: s.ListenAddr, Handler: s.routes(), ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout: 5 * time.Second, WriteTimeout: 30 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown webapi server: %v", err)
		} else {
			log.Printf("[INFO] webapi server stopped")
		}
	}()

	log.Printf("[INFO] start webapi server on %s", s.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to run server: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	lmt := tollbooth.NewLimiter(s.RateLimit, nil)
	lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})

	router := routegroup.New(http.NewServeMux())
	router.Use(rest.Recoverer(lgr.Default()))
	router.Use(rest.AppInfo("trie-spam", "umputun", s.Version), rest.Ping)
	router.Use(func(next http.Handler) http.Handler { return tollbooth.LimitHandler(lmt, next) })
	router.Use(rest.SizeLimit(1024 * 1024)) // 1M max request size

	router.Handle("GET /metrics", s.metrics.handler())

	router.Group().Route(func(api *routegroup.Bundle) {
		if s.AuthPasswd != "" {
			api.Use(rest.BasicAuthWithUserPasswd("trie-spam", s.AuthPasswd))
		}
		api.HandleFunc("POST /check", s.checkHandler)                 // check a message for spam
		api.HandleFunc("POST /update/{class}", s.updateSampleHandler) // learn spam or ham sample
		api.HandleFunc("POST /delete/{class}", s.deleteSampleHandler) // unlearn spam or ham sample
		api.HandleFunc("PUT /samples", s.reloadSamplesHandler)        // reload training data
		api.HandleFunc("GET /samples/{class}", s.samplesHandler)      // stored samples of the class
		api.HandleFunc("GET /stats", s.statsHandler)                  // model and samples statistics
		api.HandleFunc("GET /top/{class}", s.topWordsHandler)         // most frequent words of the class
	})
	return router
}

// checkHandler handles POST /check request, gets message text from the request body and returns check result
func (s *Server) checkHandler(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Msg string `json:"msg"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.renderError(w, http.StatusBadRequest, "can't decode request", err)
		return
	}

	// the model version is a part of the key, results of an older model are never served
	key := strconv.FormatUint(s.Trainer.Version(), 10) + ":" + req.Msg
	if res, ok := s.checks.Get(key); ok {
		s.metrics.cacheHits.Inc()
		rest.RenderJSON(w, res)
		return
	}
	s.metrics.cacheMisses.Inc()

	v, err, _ := s.inflight.Do(key, func() (any, error) {
		st := time.Now()
		res, err := s.Detector.Check(req.Msg)
		if err != nil {
			return nil, err
		}
		s.metrics.checkLatency.Observe(time.Since(st).Seconds())
		verdict := "ham"
		if res.Spam {
			verdict = "spam"
		}
		s.metrics.checks.WithLabelValues(verdict).Inc()
		s.checks.Set(key, res, 0)
		return res, nil
	})
	if err != nil {
		s.renderError(w, http.StatusServiceUnavailable, "can't check message", err)
		return
	}
	rest.RenderJSON(w, v.(lib.CheckResult))
}

// updateSampleHandler handles POST /update/{class} request, learns the message as spam or ham
func (s *Server) updateSampleHandler(w http.ResponseWriter, r *http.Request) {
	class, msg, ok := s.sampleRequest(w, r)
	if !ok {
		return
	}
	update := s.Trainer.UpdateHam
	if class == trie.Spam {
		update = s.Trainer.UpdateSpam
	}
	if err := update(msg); err != nil {
		s.renderError(w, http.StatusInternalServerError, "can't update samples", err)
		return
	}
	s.modelChanged("update_" + class.String())
	rest.RenderJSON(w, rest.JSON{"updated": true, "class": class.String(), "msg": msg})
}

// deleteSampleHandler handles POST /delete/{class} request, unlearns the message
func (s *Server) deleteSampleHandler(w http.ResponseWriter, r *http.Request) {
	class, msg, ok := s.sampleRequest(w, r)
	if !ok {
		return
	}
	remove := s.Trainer.RemoveHam
	if class == trie.Spam {
		remove = s.Trainer.RemoveSpam
	}
	count, err := remove(msg)
	if errors.Is(err, storage.ErrNotFound) {
		s.renderError(w, http.StatusNotFound, "sample not found", err)
		return
	}
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "can't remove sample", err)
		return
	}
	s.modelChanged("delete_" + class.String())
	rest.RenderJSON(w, rest.JSON{"deleted": true, "class": class.String(), "msg": msg, "count": count})
}

// reloadSamplesHandler handles PUT /samples request, retrains the model from training data
func (s *Server) reloadSamplesHandler(w http.ResponseWriter, r *http.Request) {
	lr, err := s.Trainer.ReloadSamples(r.Context())
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "can't reload samples", err)
		return
	}
	s.modelChanged("reload")
	rest.RenderJSON(w, rest.JSON{"reloaded": true, "result": lr})
}

// statsHandler handles GET /stats request, samples statistics are included if samples storage is configured
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	res := struct {
		lib.Stats
		Samples *storage.SamplesStats `json:"samples,omitempty"`
	}{Stats: s.Detector.Stats()}

	st, err := s.Trainer.SamplesStats(r.Context())
	switch {
	case errors.Is(err, trainer.ErrNoStorage):
	case err != nil:
		s.renderError(w, http.StatusInternalServerError, "can't get samples stats", err)
		return
	default:
		res.Samples = st
	}
	rest.RenderJSON(w, res)
}

// samplesHandler handles GET /samples/{class}?origin=user request, returns stored messages from the newest
func (s *Server) samplesHandler(w http.ResponseWriter, r *http.Request) {
	class, err := trie.ParseClass(r.PathValue("class"))
	if err != nil {
		s.renderError(w, http.StatusBadRequest, "invalid class", err)
		return
	}
	origin := storage.SampleOriginAny
	if v := r.URL.Query().Get("origin"); v != "" {
		origin = storage.SampleOrigin(v)
	}
	if err = origin.Validate(); err != nil {
		s.renderError(w, http.StatusBadRequest, "invalid origin", err)
		return
	}

	messages, err := s.Trainer.Samples(r.Context(), class, origin)
	if errors.Is(err, trainer.ErrNoStorage) {
		s.renderError(w, http.StatusNotImplemented, "no samples storage", err)
		return
	}
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "can't get samples", err)
		return
	}
	res := slices.Collect(messages)
	if res == nil {
		res = []string{}
	}
	rest.RenderJSON(w, rest.JSON{"class": class.String(), "origin": origin, "samples": res, "count": len(res)})
}

// topWordsHandler handles GET /top/{class}?n=10 request
func (s *Server) topWordsHandler(w http.ResponseWriter, r *http.Request) {
	class, err := trie.ParseClass(r.PathValue("class"))
	if err != nil {
		s.renderError(w, http.StatusBadRequest, "invalid class", err)
		return
	}
	n := 10
	if v := r.URL.Query().Get("n"); v != "" {
		if n, err = strconv.Atoi(v); err != nil || n <= 0 {
			s.renderError(w, http.StatusBadRequest, "invalid n", fmt.Errorf("n must be a positive number, got %q", v))
			return
		}
	}
	rest.RenderJSON(w, s.Detector.TopWords(class, n))
}

// sampleRequest parses class from the path and message from the body, renders error if any
func (s *Server) sampleRequest(w http.ResponseWriter, r *http.Request) (class trie.Class, msg string, ok bool) {
	class, err := trie.ParseClass(r.PathValue("class"))
	if err != nil {
		s.renderError(w, http.StatusBadRequest, "invalid class", err)
		return class, "", false
	}
	req := struct {
		Msg string `json:"msg"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.renderError(w, http.StatusBadRequest, "can't decode request", err)
		return class, "", false
	}
	if req.Msg == "" {
		s.renderError(w, http.StatusBadRequest, "empty message", errors.New("msg is required"))
		return class, "", false
	}
	return class, req.Msg, true
}

func (s *Server) modelChanged(op string) {
	s.checks.Purge()
	s.metrics.updates.WithLabelValues(op).Inc()
}

func (s *Server) renderError(w http.ResponseWriter, code int, msg string, err error) {
	log.Printf("[WARN] %s: %v", msg, err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	rest.RenderJSON(w, rest.JSON{"error": msg, "details": err.Error()})
}
