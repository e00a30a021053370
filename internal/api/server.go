package api

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"taskplanner/internal/dates"
	"taskplanner/internal/domain"
	"taskplanner/internal/generator"
	"taskplanner/internal/planner"
	"taskplanner/internal/queue"
	"taskplanner/internal/scheduler"
)

//go:embed templates/*.html
var templateFS embed.FS

// Planner builds a plan for a goal synchronously.
type Planner interface {
	Plan(ctx context.Context, req domain.PlanRequest) (domain.PlanResult, error)
}

// Options configures the HTTP surface.
type Options struct {
	Location    *time.Location
	HoursPerDay int
	MaxAttempts int
	Debug       bool
	Now         func() time.Time
}

type Server struct {
	r         *chi.Mux
	planner   Planner
	repo      queue.Repository
	templates *template.Template
	opts      Options
}

func NewServer(p Planner, repo queue.Repository, opts Options) http.Handler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.HoursPerDay <= 0 {
		opts.HoursPerDay = domain.DefaultHoursPerDay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(
		middleware.SetHeader("Access-Control-Allow-Origin", "*"),
		middleware.SetHeader("Access-Control-Allow-Headers", "Content-Type, Authorization"),
		middleware.SetHeader("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS"),
		preflight,
	)

	s := &Server{
		r:         r,
		planner:   p,
		repo:      repo,
		templates: template.Must(template.ParseFS(templateFS, "templates/*.html")),
		opts:      opts,
	}

	r.Get("/", s.home)
	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/plan", s.plan)
	r.Post("/api/schedule", s.schedule)
	r.Post("/api/plans", s.submitPlan)
	r.Get("/api/plans", s.listPlans)
	r.Get("/api/plans/{id}", s.getPlan)
	r.Post("/api/recurring", s.createRecurring)
	r.Get("/api/recurring", s.listRecurring)
	r.Get("/api/recurring/{id}", s.getRecurring)
	r.Put("/api/recurring/{id}", s.updateRecurring)
	r.Delete("/api/recurring/{id}", s.deleteRecurring)

	// Debug routes (pprof)
	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) home(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Today       string
		HoursPerDay int
	}{
		Today:       s.opts.Now().In(s.opts.Location).Format(dates.Layout),
		HoursPerDay: s.opts.HoursPerDay,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), 500)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("taskplanner_up 1\n"))
}

type errorResp struct {
	Error string `json:"error"`
}

func (s *Server) plan(w http.ResponseWriter, r *http.Request) {
	var req domain.PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if r.URL.Query().Get("mode") == "chained" {
		req.Chained = true
	}
	res, err := s.planner.Plan(r.Context(), req)
	switch {
	case errors.Is(err, planner.ErrGoalRequired):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "Goal required"})
		return
	case err != nil:
		log.Error().Err(err).Str("goal", req.Goal).Msg("plan failed")
		writeJSON(w, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type scheduleReq struct {
	Tasks       []domain.Task `json:"tasks"`
	StartDate   string        `json:"start_date"`
	Deadline    string        `json:"deadline"`
	HoursPerDay int           `json:"work_hours_per_day"`
	Chained     bool          `json:"chained"`
}

// schedule lays out a caller-supplied batch without consulting the generator.
func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if r.URL.Query().Get("mode") == "chained" {
		req.Chained = true
	}
	start := dates.ParseStart(req.StartDate, s.opts.Now().In(s.opts.Location))
	deadline := dates.ParseDeadline(req.Deadline, start)
	hpd := req.HoursPerDay
	if hpd <= 0 {
		hpd = s.opts.HoursPerDay
	}
	generator.AssignIDs(req.Tasks)
	writeJSON(w, http.StatusOK, planner.Schedule(req.Tasks, start, deadline, hpd, req.Chained))
}

type submitReq struct {
	domain.PlanRequest
	MaxAttempts    int     `json:"max_attempts"`
	IdempotencyKey *string `json:"idempotency_key"`
}

type submitResp struct {
	ID string `json:"id"`
}

func (s *Server) submitPlan(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	req.Goal = strings.TrimSpace(req.Goal)
	if req.Goal == "" {
		http.Error(w, "goal is required", 400)
		return
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = s.opts.MaxAttempts
	}
	id, err := s.repo.Enqueue(r.Context(), domain.PlanJob{
		Request:        req.PlanRequest,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

type jobResp struct {
	ID          string             `json:"id"`
	Goal        string             `json:"goal"`
	State       string             `json:"state"`
	Attempts    int                `json:"attempts"`
	MaxAttempts int                `json:"max_attempts"`
	NextRunAt   string             `json:"next_run_at"`
	RecurringID *string            `json:"recurring_id,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
	Result      *domain.PlanResult `json:"result,omitempty"`
	History     []queue.Attempt    `json:"attempt_history,omitempty"`
}

func toJobResp(j domain.PlanJob) jobResp {
	return jobResp{
		ID:          j.ID,
		Goal:        j.Request.Goal,
		State:       j.State,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		NextRunAt:   j.NextRunAt.Format(time.RFC3339),
		RecurringID: j.RecurringID,
		LastError:   j.LastError,
		Result:      j.Result,
	}
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.repo.Get(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	resp := toJobResp(j)
	if resp.History, err = s.repo.Attempts(r.Context(), id); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, resp)
}

func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	jobs, err := s.repo.ListRecentJobs(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]jobResp, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResp(j))
	}
	writeJSON(w, 200, out)
}

type recurringReq struct {
	Name        string `json:"name"`
	CronExpr    string `json:"cron_expr"`
	Goal        string `json:"goal"`
	Deadline    string `json:"deadline"`
	HoursPerDay int    `json:"work_hours_per_day"`
	MaxAttempts int    `json:"max_attempts"`
	Enabled     *bool  `json:"enabled"`
}

type createRecurringResp struct {
	ID string `json:"id"`
}

func (s *Server) createRecurring(w http.ResponseWriter, r *http.Request) {
	var req recurringReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if req.CronExpr == "" {
		http.Error(w, "cron_expr is required", 400)
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		http.Error(w, "goal is required", 400)
		return
	}

	if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}
	nextRun, err := scheduler.NextRunTime(req.CronExpr, s.opts.Now().In(s.opts.Location))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = s.opts.MaxAttempts
	}

	p := domain.RecurringPlan{
		Name:        req.Name,
		CronExpr:    req.CronExpr,
		Goal:        strings.TrimSpace(req.Goal),
		Deadline:    req.Deadline,
		HoursPerDay: req.HoursPerDay,
		MaxAttempts: req.MaxAttempts,
		Enabled:     req.Enabled == nil || *req.Enabled,
		NextRun:     nextRun,
	}
	id, err := s.repo.CreateRecurring(r.Context(), p)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, createRecurringResp{ID: id})
}

func (s *Server) listRecurring(w http.ResponseWriter, r *http.Request) {
	plans, err := s.repo.ListRecurring(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if plans == nil {
		plans = []domain.RecurringPlan{}
	}
	writeJSON(w, 200, plans)
}

func (s *Server) getRecurring(w http.ResponseWriter, r *http.Request) {
	p, err := s.repo.GetRecurring(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, p)
}

func (s *Server) updateRecurring(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := s.repo.GetRecurring(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	var req recurringReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	if req.Name != "" {
		p.Name = req.Name
	}
	if req.CronExpr != "" {
		if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), 400)
			return
		}
		nextRun, err := scheduler.NextRunTime(req.CronExpr, s.opts.Now().In(s.opts.Location))
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		p.CronExpr = req.CronExpr
		p.NextRun = nextRun
	}
	if g := strings.TrimSpace(req.Goal); g != "" {
		p.Goal = g
	}
	if req.Deadline != "" {
		p.Deadline = req.Deadline
	}
	if req.HoursPerDay > 0 {
		p.HoursPerDay = req.HoursPerDay
	}
	if req.MaxAttempts > 0 {
		p.MaxAttempts = req.MaxAttempts
	}
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}

	if err := s.repo.UpdateRecurring(r.Context(), p); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, p)
}

func (s *Server) deleteRecurring(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteRecurring(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// preflight answers CORS preflight requests before routing.
func preflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
