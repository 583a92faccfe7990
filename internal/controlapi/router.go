// Package controlapi implements the Control API (C7, spec.md §4.7): a
// thin command surface translating HTTP requests into conditional Store
// mutations. It never touches Workers directly.
//
// Grounded on the teacher's declared gin-gonic/gin + gin-contrib/cors
// stack; route shapes follow spec.md §6 exactly.
package controlapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/example/articlescreen/internal/obslog"
	"github.com/example/articlescreen/internal/screening"
	"github.com/example/articlescreen/internal/store"
)

// Server wires the Store into HTTP handlers.
type Server struct {
	store  store.Store
	logger obslog.Logger
}

// NewRouter builds the gin engine with CORS enabled for all origins,
// matching the original's allow_origins=["*"] bootstrap (spec.md §1:
// "CORS and process bootstrap" are out of scope for this system's core
// but still need a concrete surface to exercise the other components).
func NewRouter(st store.Store) *gin.Engine {
	s := &Server{store: st, logger: obslog.NewComponentLogger("controlapi")}

	r := gin.New()
	r.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	r.Use(cors.New(corsCfg))

	api := r.Group("/api")
	api.POST("/tasks", s.createTask)
	api.POST("/tasks/:id/screen", s.attachArticles)
	api.POST("/tasks/:id/request-full-screening", s.requestFullScreening)
	api.POST("/tasks/:id/cancel", s.cancelTask)
	api.GET("/tasks", s.listTasks)
	api.GET("/tasks/:id", s.getTask)
	api.GET("/tasks/:id/results", s.getResults)

	return r
}

type createTaskRequest struct {
	UserID       string `json:"user_id"`
	SearchQuery  string `json:"search_query"`
	Criteria     string `json:"criteria" binding:"required"`
	Model        string `json:"model" binding:"required"`
	TotalArticles int   `json:"total_articles" binding:"required,gt=0"`
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	task := &screening.Task{
		TaskID:      uuid.NewString(),
		UserID:      req.UserID,
		SearchQuery: req.SearchQuery,
		Criteria:    req.Criteria,
		Model:       req.Model,
		Status:      screening.StatusRunning,
		Progress:    screening.Progress{Total: req.TotalArticles, Current: 0},
		StartedAt:   time.Now(),
	}
	if err := s.store.CreateTask(c.Request.Context(), task); err != nil {
		s.logger.Error("create_task: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "task": task})
}

type articleEntry struct {
	ID       string `json:"id" binding:"required"`
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
}

type attachArticlesRequest struct {
	Articles []articleEntry `json:"articles" binding:"required"`
}

func (s *Server) attachArticles(c *gin.Context) {
	taskID := c.Param("id")
	var req attachArticlesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	inputs := make([]store.ArticleInput, len(req.Articles))
	for i, a := range req.Articles {
		inputs[i] = store.ArticleInput{ArticleID: a.ID, Title: a.Title, Abstract: a.Abstract}
	}

	inserted, err := s.store.AttachArticles(c.Request.Context(), taskID, inputs)
	if err != nil {
		s.respondStoreErr(c, err)
		return
	}
	if inserted != len(inputs) {
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "not all articles were inserted"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type requestFullScreeningRequest struct {
	RemainingArticles []string `json:"remaining_articles"`
}

func (s *Server) requestFullScreening(c *gin.Context) {
	taskID := c.Param("id")
	var req requestFullScreeningRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err := s.store.RequestFullScreening(c.Request.Context(), taskID, req.RemainingArticles); err != nil {
		s.respondStoreErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) cancelTask(c *gin.Context) {
	taskID := c.Param("id")
	msg := "Task cancelled by user"
	now := time.Now()
	applied, err := s.store.CASStatus(c.Request.Context(), taskID,
		[]screening.Status{screening.StatusRunning, screening.StatusPaused, screening.StatusFullScreening},
		screening.StatusError,
		store.TaskFields{Error: &msg, CompletedAt: &now, ClearProcessingLock: true})
	if err != nil {
		s.respondStoreErr(c, err)
		return
	}
	if !applied {
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "task already terminal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) listTasks(c *gin.Context) {
	status := screening.Status(c.Query("status"))
	page := queryInt(c, "page", 1)
	limit := queryInt(c, "limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	tasks, total, err := s.store.ListTasks(c.Request.Context(), status, page, limit)
	if err != nil {
		s.logger.Error("list_tasks: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks": tasks,
		"pagination": gin.H{"page": page, "limit": limit, "total": total},
	})
}

func (s *Server) getTask(c *gin.Context) {
	taskID := c.Param("id")
	task, err := s.store.GetTask(c.Request.Context(), taskID)
	if err != nil {
		s.respondStoreErr(c, err)
		return
	}
	articles, err := s.store.ListArticles(c.Request.Context(), taskID)
	if err != nil {
		s.logger.Error("list_articles: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}
	processedCount, err := s.store.CountResults(c.Request.Context(), taskID)
	if err != nil {
		s.logger.Error("count_results: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task":            task,
		"stats":           gin.H{"progress": task.Progress, "status": task.Status},
		"article_count":   len(articles),
		"processed_count": processedCount,
	})
}

func (s *Server) getResults(c *gin.Context) {
	taskID := c.Param("id")
	page := queryInt(c, "page", 1)
	limit := queryInt(c, "limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	var included *bool
	if v := c.Query("included"); v != "" {
		b := v == "true"
		included = &b
	}

	results, total, err := s.store.ListResults(c.Request.Context(), taskID, included, page, limit)
	if err != nil {
		s.logger.Error("get_results: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"results":    results,
		"pagination": gin.H{"page": page, "limit": limit, "total": total},
	})
}

func (s *Server) respondStoreErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not found"})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "conflict"})
	default:
		s.logger.Error("store error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
