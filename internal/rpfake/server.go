// Package rpfake is an in-memory ReportPortal used by tests. It implements
// only the endpoints the manager calls and records everything it receives.
package rpfake

import (
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mdalboni/reportportal-manager/pkg/models"
)

// Launch is a launch as seen by the fake server
type Launch struct {
	models.StartLaunchRQ
	Number   int64
	Finished bool
	EndTime  string
	Status   models.Status
}

// Item is a test item as seen by the fake server
type Item struct {
	models.StartItemRQ
	ParentUUID string
	Finished   bool
	EndTime    string
	Status     models.Status
}

// Log is a saved log entry
type Log struct {
	models.SaveLogRQ
	AttachmentName        string
	AttachmentContentType string
	AttachmentData        []byte
}

// Server is a fake ReportPortal server
type Server struct {
	project string
	token   string
	router  *mux.Router
	http    *httptest.Server

	mu       sync.Mutex
	launches map[string]*Launch
	items    map[string]*Item
	order    []string
	logs     []*Log
	calls    []string
	failures map[string]int
	number   int64
}

// New creates a fake server for a project; requests must carry token
func New(project, token string) *Server {
	s := &Server{
		project:  project,
		token:    token,
		router:   mux.NewRouter(),
		launches: make(map[string]*Launch),
		items:    make(map[string]*Item),
		failures: make(map[string]int),
	}
	s.RegisterRoutes(s.router)
	return s
}

// Start creates and starts an httptest server. Close must be called.
func Start(project, token string) *Server {
	s := New(project, token)
	s.http = httptest.NewServer(s.router)
	return s
}

// URL returns the base URL of a started server
func (s *Server) URL() string {
	return s.http.URL
}

// Close stops a started server
func (s *Server) Close() {
	if s.http != nil {
		s.http.Close()
	}
}

// ServeHTTP lets the server be mounted without httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// RegisterRoutes registers the API routes on r
func (s *Server) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1/{project}").Subrouter()
	api.Use(s.authenticate)

	// Specific routes before parameterized ones
	api.HandleFunc("/launch", s.handle("start_launch", s.startLaunch)).Methods("POST")
	api.HandleFunc("/launch/uuid/{uuid}", s.handle("get_launch", s.getLaunch)).Methods("GET")
	api.HandleFunc("/launch/{uuid}/finish", s.handle("finish_launch", s.finishLaunch)).Methods("PUT")
	api.HandleFunc("/item", s.handle("start_item", s.startItem)).Methods("POST")
	api.HandleFunc("/item/{parent}", s.handle("start_item", s.startItem)).Methods("POST")
	api.HandleFunc("/item/{uuid}", s.handle("finish_item", s.finishItem)).Methods("PUT")
	api.HandleFunc("/log", s.handle("save_log", s.saveLog)).Methods("POST")
}

// FailNext makes the next call of op answer with status
func (s *Server) FailNext(op string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = status
}

// Calls returns the operations received, in order
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Launch returns a copy of the launch with the given uuid
func (s *Server) Launch(id string) (Launch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.launches[id]
	if !ok {
		return Launch{}, false
	}
	return *l, true
}

// Launches returns copies of all launches
func (s *Server) Launches() []Launch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Launch, 0, len(s.launches))
	for _, l := range s.launches {
		out = append(out, *l)
	}
	return out
}

// Items returns copies of all items in start order
func (s *Server) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.items[id])
	}
	return out
}

// Item returns a copy of the item with the given uuid
func (s *Server) Item(id string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Logs returns copies of all saved logs in arrival order
func (s *Server) Logs() []Log {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Log, 0, len(s.logs))
	for _, l := range s.logs {
		out = append(out, *l)
	}
	return out
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["project"] != s.project {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "full authentication is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handle(op string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, op)
		status, fail := s.failures[op]
		delete(s.failures, op)
		s.mu.Unlock()

		if fail {
			writeError(w, status, "injected failure")
			return
		}
		fn(w, r)
	}
}

func (s *Server) startLaunch(w http.ResponseWriter, r *http.Request) {
	var rq models.StartLaunchRQ
	if err := json.NewDecoder(r.Body).Decode(&rq); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if rq.Name == "" || rq.StartTime == "" {
		writeError(w, http.StatusBadRequest, "name and startTime are required")
		return
	}
	if rq.UUID == "" {
		rq.UUID = uuid.New().String()
	}

	s.mu.Lock()
	s.number++
	l := &Launch{StartLaunchRQ: rq, Number: s.number}
	s.launches[rq.UUID] = l
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, models.EntryCreatedRS{ID: rq.UUID, Number: l.Number})
}

func (s *Server) finishLaunch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	var rq models.FinishExecutionRQ
	if err := json.NewDecoder(r.Body).Decode(&rq); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.launches[id]
	if !ok {
		writeError(w, http.StatusNotFound, "launch not found")
		return
	}
	if l.Finished {
		writeError(w, http.StatusNotAcceptable, "launch already finished")
		return
	}
	l.Finished = true
	l.EndTime = rq.EndTime
	l.Status = rq.Status
	if l.Status == "" {
		l.Status = s.launchStatusLocked(id)
	}
	writeJSON(w, http.StatusOK, models.MessageRS{Message: "Launch with ID = '" + id + "' successfully finished."})
}

// launchStatusLocked derives a launch status from its root items
func (s *Server) launchStatusLocked(launchID string) models.Status {
	status := models.StatusPassed
	for _, it := range s.items {
		if it.LaunchUUID == launchID && it.ParentUUID == "" && it.Status == models.StatusFailed {
			status = models.StatusFailed
		}
	}
	return status
}

func (s *Server) getLaunch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	s.mu.Lock()
	l, ok := s.launches[id]
	var out models.Launch
	if ok {
		status := "IN_PROGRESS"
		if l.Finished {
			status = string(l.Status)
		}
		out = models.Launch{
			ID:          l.Number,
			UUID:        l.UUID,
			Name:        l.Name,
			Number:      l.Number,
			Description: l.Description,
			Status:      status,
			Mode:        string(l.Mode),
			StartTime:   l.StartTime,
			Attributes:  l.Attributes,
		}
		if l.Finished {
			out.EndTime = l.EndTime
		}
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "launch not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) startItem(w http.ResponseWriter, r *http.Request) {
	parent := mux.Vars(r)["parent"]
	var rq models.StartItemRQ
	if err := json.NewDecoder(r.Body).Decode(&rq); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if rq.Name == "" || rq.Type == "" || rq.StartTime == "" {
		writeError(w, http.StatusBadRequest, "name, type and startTime are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.launches[rq.LaunchUUID]
	if !ok {
		writeError(w, http.StatusNotFound, "launch not found")
		return
	}
	if l.Finished {
		writeError(w, http.StatusNotAcceptable, "launch already finished")
		return
	}
	if parent != "" {
		p, ok := s.items[parent]
		if !ok {
			writeError(w, http.StatusNotFound, "parent item not found")
			return
		}
		if p.Finished {
			writeError(w, http.StatusNotAcceptable, "parent item already finished")
			return
		}
	}
	if rq.UUID == "" {
		rq.UUID = uuid.New().String()
	}
	s.items[rq.UUID] = &Item{StartItemRQ: rq, ParentUUID: parent}
	s.order = append(s.order, rq.UUID)
	writeJSON(w, http.StatusCreated, models.EntryCreatedRS{ID: rq.UUID})
}

func (s *Server) finishItem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]
	var rq models.FinishExecutionRQ
	if err := json.NewDecoder(r.Body).Decode(&rq); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	if it.Finished {
		writeError(w, http.StatusNotAcceptable, "item already finished")
		return
	}
	it.Finished = true
	it.EndTime = rq.EndTime
	it.Status = rq.Status
	writeJSON(w, http.StatusOK, models.MessageRS{Message: "TestItem with ID = '" + id + "' successfully finished."})
}

func (s *Server) saveLog(w http.ResponseWriter, r *http.Request) {
	mediaType, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		s.saveMultipartLog(w, r, params["boundary"])
		return
	}

	var rq models.SaveLogRQ
	if err := json.NewDecoder(r.Body).Decode(&rq); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := uuid.New().String()
	s.mu.Lock()
	s.logs = append(s.logs, &Log{SaveLogRQ: rq})
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, models.EntryCreatedRS{ID: id})
}

func (s *Server) saveMultipartLog(w http.ResponseWriter, r *http.Request, boundary string) {
	reader := multipart.NewReader(r.Body, boundary)
	var (
		rqs   []models.SaveLogRQ
		files = make(map[string]*Log)
	)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		data, err := io.ReadAll(part)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		switch part.FormName() {
		case "json_request_part":
			if err := json.Unmarshal(data, &rqs); err != nil {
				writeError(w, http.StatusBadRequest, "invalid json_request_part")
				return
			}
		case "file":
			files[part.FileName()] = &Log{
				AttachmentName:        part.FileName(),
				AttachmentContentType: part.Header.Get("Content-Type"),
				AttachmentData:        data,
			}
		}
	}

	var responses []models.EntryCreatedRS
	s.mu.Lock()
	for _, rq := range rqs {
		entry := &Log{SaveLogRQ: rq}
		if rq.File != nil {
			if f, ok := files[rq.File.Name]; ok {
				entry.AttachmentName = f.AttachmentName
				entry.AttachmentContentType = f.AttachmentContentType
				entry.AttachmentData = f.AttachmentData
			}
		}
		s.logs = append(s.logs, entry)
		responses = append(responses, models.EntryCreatedRS{ID: uuid.New().String()})
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]interface{}{"responses": responses})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"errorCode": status * 10, "message": message})
}
