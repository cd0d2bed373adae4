// Package api exposes the engine over HTTP: send/list/read endpoints, the
// inbox directory, room provisioning, and the websocket change feed.
package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"chatrelay/pkg/config"
	"chatrelay/pkg/directory"
	"chatrelay/pkg/engine"
	"chatrelay/pkg/feed"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/store"
)

// API wires the handlers to their collaborators.
type API struct {
	store    *store.Store
	sender   engine.Sender
	broker   *feed.Broker
	dir      *directory.Directory
	limiters limiterPool
}

// New builds the API surface. sender is the fallback-wrapped store so room
// sends get the legacy-channel retry.
func New(s *store.Store, sender engine.Sender, b *feed.Broker, d *directory.Directory, sec config.SecurityConfig) *API {
	return &API{
		store:  s,
		sender: sender,
		broker: b,
		dir:    d,
		limiters: limiterPool{
			rps:   sec.RateLimit.RPS,
			burst: sec.RateLimit.Burst,
		},
	}
}

// Router returns the mux router with all endpoints registered.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLog)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	a.registerMessages(v1)
	a.registerConversations(v1)
	a.registerFeed(v1)
	return r
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.LogRequest(r)
		next.ServeHTTP(w, r)
	})
}

// limiterPool keeps one token bucket per sender so one chat client cannot
// flood the append path.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*rate.Limiter)
	}
	if l, ok := p.m[key]; ok {
		return l
	}
	rps := p.rps
	if rps <= 0 {
		rps = 5
	}
	burst := p.burst
	if burst <= 0 {
		burst = 10
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	p.m[key] = l
	return l
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}
