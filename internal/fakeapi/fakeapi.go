// Package fakeapi is a scripted stand-in for the bulk processing service,
// used by tests across the module. Responses are queued per endpoint; the
// last queued response repeats once the queue is exhausted.
package fakeapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// BasePath prefixes every route; clients use URL()+BasePath as base URL.
const BasePath = "/api"

// Raw is written to the response body verbatim instead of JSON-encoded.
type Raw string

// Response scripts one reply.
type Response struct {
	// Status defaults to 200.
	Status int
	// Body is JSON-encoded unless it is Raw. Nil writes "{}".
	Body any
	// Delay holds the reply; Block holds it until closed. Both give up when
	// the request context ends or the server closes.
	Delay time.Duration
	Block <-chan struct{}
}

// ReceivedUpload records one multipart upload.
type ReceivedUpload struct {
	FileName    string
	ProjectName string
	Content     []byte
	ContentType string
}

// Server wraps httptest.Server with scripted routes and call accounting.
type Server struct {
	srv  *httptest.Server
	done chan struct{}
	once sync.Once

	mu          sync.Mutex
	begin       []Response
	status      []Response
	cancel      []Response
	routes      map[string][]Response
	uploads     []ReceivedUpload
	statusCalls int
	cancelCalls int
	inFlight    int
	maxInFlight int
	requestIDs  []string
	userAgents  []string
	queries     map[string][]url.Values
	hits        map[string]int
}

// New starts a server that acknowledges uploads with session "s1" and
// reports completion on the first poll.
func New() *Server {
	s := &Server{
		done:    make(chan struct{}),
		begin:   []Response{{Body: map[string]any{"sessionId": "s1", "message": "upload accepted"}}},
		status:  []Response{{Body: Progress("complete", 100, 10, 10)}},
		cancel:  []Response{{Body: map[string]any{"success": true}}},
		routes:  make(map[string][]Response),
		queries: make(map[string][]url.Values),
		hits:    make(map[string]int),
	}
	r := chi.NewRouter()
	r.Use(s.track)
	r.Route(BasePath, func(r chi.Router) {
		r.Post("/subir-con-progreso", s.handleBegin)
		r.Get("/progreso/{sessionId}", s.handleStatus)
		r.Delete("/progreso/{sessionId}/cancelar", s.handleCancel)
		r.Get("/*", s.handleRoute)
	})
	s.srv = httptest.NewServer(r)
	return s
}

// BaseURL is the value clients should use as their API base.
func (s *Server) BaseURL() string {
	return s.srv.URL + BasePath
}

// Close releases held handlers and shuts the server down.
func (s *Server) Close() {
	s.once.Do(func() {
		close(s.done)
		s.srv.Close()
	})
}

// OnBegin replaces the upload script.
func (s *Server) OnBegin(rs ...Response) { s.set(&s.begin, rs) }

// OnStatus replaces the progress script.
func (s *Server) OnStatus(rs ...Response) { s.set(&s.status, rs) }

// OnCancel replaces the cancellation script.
func (s *Server) OnCancel(rs ...Response) { s.set(&s.cancel, rs) }

// On scripts any other GET path below BasePath, e.g. "/visor/buscar-mapa".
func (s *Server) On(path string, rs ...Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[path] = append([]Response(nil), rs...)
}

func (s *Server) set(dst *[]Response, rs []Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*dst = append([]Response(nil), rs...)
}

// Uploads returns the uploads received so far.
func (s *Server) Uploads() []ReceivedUpload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReceivedUpload(nil), s.uploads...)
}

// StatusCalls counts progress requests received.
func (s *Server) StatusCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCalls
}

// CancelCalls counts cancellation requests received.
func (s *Server) CancelCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelCalls
}

// MaxInFlight is the highest number of concurrent requests observed.
func (s *Server) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// RequestIDs returns the X-Request-ID header of every request.
func (s *Server) RequestIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requestIDs...)
}

// UserAgents returns the User-Agent header of every request.
func (s *Server) UserAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.userAgents...)
}

// Queries returns the query strings received on path.
func (s *Server) Queries(path string) []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.queries[path]...)
}

// Hits counts requests received on a scripted GET path.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// Progress builds a successful progress payload.
func Progress(status string, percent float64, processed, total int) map[string]any {
	return map[string]any{
		"success": true,
		"progress": map[string]any{
			"percentage": percent,
			"message":    status,
			"status":     status,
			"details": map[string]any{
				"processedRecords": processed,
				"totalRecords":     total,
			},
			"isComplete": status == "complete",
			"hasError":   status == "error",
		},
	}
}

func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.inFlight++
		if s.inFlight > s.maxInFlight {
			s.maxInFlight = s.inFlight
		}
		s.requestIDs = append(s.requestIDs, r.Header.Get("X-Request-ID"))
		s.userAgents = append(s.userAgents, r.Header.Get("User-Agent"))
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			s.inFlight--
			s.mu.Unlock()
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	up := ReceivedUpload{ContentType: r.Header.Get("Content-Type")}
	if mr, err := r.MultipartReader(); err == nil {
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			data, _ := io.ReadAll(part)
			switch part.FormName() {
			case "archivo":
				up.FileName = part.FileName()
				up.Content = data
			case "nombreProyecto":
				up.ProjectName = string(data)
			}
		}
	}
	s.mu.Lock()
	s.uploads = append(s.uploads, up)
	resp := next(&s.begin)
	s.mu.Unlock()
	s.reply(w, r, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.statusCalls++
	resp := next(&s.status)
	s.mu.Unlock()
	s.reply(w, r, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.cancelCalls++
	resp := next(&s.cancel)
	s.mu.Unlock()
	s.reply(w, r, resp)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	path := "/" + chi.URLParam(r, "*")
	s.mu.Lock()
	s.hits[path]++
	s.queries[path] = append(s.queries[path], r.URL.Query())
	queue, ok := s.routes[path]
	var resp Response
	if ok {
		resp = next(&queue)
		s.routes[path] = queue
	}
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.reply(w, r, resp)
}

// next pops the head of the queue, keeping the final entry in place.
func next(queue *[]Response) Response {
	q := *queue
	if len(q) == 0 {
		return Response{}
	}
	head := q[0]
	if len(q) > 1 {
		*queue = q[1:]
	}
	return head
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request, resp Response) {
	if resp.Delay > 0 {
		timer := time.NewTimer(resp.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
	}
	if resp.Block != nil {
		select {
		case <-resp.Block:
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if raw, ok := resp.Body.(Raw); ok {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, string(raw))
		return
	}
	body := resp.Body
	if body == nil {
		body = map[string]any{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
