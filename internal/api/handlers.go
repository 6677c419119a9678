package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kelsos/crawl-sync/internal/logger"
	"github.com/kelsos/crawl-sync/internal/models"
	"github.com/kelsos/crawl-sync/internal/posts"
	"github.com/kelsos/crawl-sync/internal/settings"
)

const (
	defaultTaskListLimit = 20
	maxTaskListLimit     = 1000
)

var sinceDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// download and filter switches accepted by /api/config/update, all 0 or 1
var settingFlags = []string{
	"only_crawl_original",
	"original_pic_download",
	"retweet_pic_download",
	"original_video_download",
	"retweet_video_download",
	"download_comment",
	"download_repost",
}

// Coordinator runs crawl tasks one at a time
type Coordinator interface {
	Submit(targets []string) (models.TaskID, error)
	Status(id models.TaskID) (models.Task, error)
	Active() (models.Task, bool)
	List(limit int) []models.Task
}

// SettingsStore manages the crawler settings and user list
type SettingsStore interface {
	Targets() ([]string, error)
	AddTargets(ids []string) ([]string, error)
	RemoveTarget(id string) error
	Redacted() (map[string]any, error)
	Update(updates map[string]any) error
}

// PostsReader queries collected posts
type PostsReader interface {
	List(ctx context.Context, q posts.Query) ([]posts.Post, error)
}

// Scheduler controls the periodic crawl
type Scheduler interface {
	Running() bool
	Interval() time.Duration
	Reschedule(interval time.Duration)
}

// Handler serves the coordinator API
type Handler struct {
	coordinator Coordinator
	settings    SettingsStore
	posts       PostsReader
	scheduler   Scheduler
}

// NewHandler creates a handler over the given components
func NewHandler(coordinator Coordinator, settings SettingsStore, posts PostsReader, scheduler Scheduler) *Handler {
	return &Handler{
		coordinator: coordinator,
		settings:    settings,
		posts:       posts,
		scheduler:   scheduler,
	}
}

func ok[T any](c *gin.Context, message string, data T) {
	c.JSON(http.StatusOK, models.APIResponse[T]{Success: true, Message: message, Data: data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, models.APIResponse[any]{Success: false, Message: message})
}

func conflict(c *gin.Context, message string, running models.Task) {
	c.JSON(http.StatusConflict, models.APIResponse[models.RunningTaskConflict]{
		Success: false,
		Message: message,
		Data:    models.RunningTaskConflict{RunningTask: &running},
	})
}

// Root describes the service
func (h *Handler) Root(c *gin.Context) {
	ok(c, "crawl-sync coordinator is running", gin.H{
		"health": "/api/health",
		"tasks":  "/api/tasks",
	})
}

// Health reports whether the settings are readable and what is currently running
func (h *Handler) Health(c *gin.Context) {
	status := models.HealthStatus{
		Status:          "healthy",
		ConfigLoaded:    true,
		SchedulerActive: h.scheduler.Running(),
		IntervalMinutes: h.scheduler.Interval().Minutes(),
	}

	if _, err := h.settings.Redacted(); err != nil {
		status.Status = "unhealthy"
		status.ConfigLoaded = false
		status.Error = err.Error()
	}

	if task, active := h.coordinator.Active(); active {
		status.HasRunningTask = true
		status.RunningTask = &task
	}

	c.JSON(http.StatusOK, status)
}

// Posts returns collected posts, newest first
func (h *Handler) Posts(c *gin.Context) {
	q := posts.Query{UserIDs: splitIDs(c.Query("user_ids"))}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > posts.MaxLimit {
			fail(c, http.StatusBadRequest, fmt.Sprintf("limit must be an integer between 1 and %d", posts.MaxLimit))
			return
		}
		q.Limit = limit
	}

	rows, err := h.posts.List(c.Request.Context(), q)
	if err != nil {
		logger.Error("Failed to query posts: %v", err)
		fail(c, http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
		return
	}

	message := "ok"
	if len(rows) == 0 {
		message = "no posts found"
	}
	ok(c, message, models.PostsList{Posts: rows, Count: len(rows)})
}

// Users lists the configured user ids
func (h *Handler) Users(c *gin.Context) {
	users, err := h.settings.Targets()
	if err != nil {
		logger.Error("Failed to read users: %v", err)
		fail(c, http.StatusInternalServerError, fmt.Sprintf("failed to read users: %v", err))
		return
	}
	ok(c, "ok", models.UsersList{Users: users, Count: len(users)})
}

// Settings returns the crawler settings with the cookie masked
func (h *Handler) Settings(c *gin.Context) {
	config, err := h.settings.Redacted()
	if err != nil {
		logger.Error("Failed to read settings: %v", err)
		fail(c, http.StatusInternalServerError, fmt.Sprintf("failed to read settings: %v", err))
		return
	}
	ok(c, "ok", models.SettingsView{Config: config})
}

// Task returns one task by id
func (h *Handler) Task(c *gin.Context) {
	task, err := h.coordinator.Status(models.TaskID(c.Param("id")))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			fail(c, http.StatusNotFound, "task not found")
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, "ok", models.TaskView{Task: task})
}

// Tasks lists recent tasks, newest first
func (h *Handler) Tasks(c *gin.Context) {
	limit := defaultTaskListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxTaskListLimit {
			fail(c, http.StatusBadRequest, fmt.Sprintf("limit must be an integer between 1 and %d", maxTaskListLimit))
			return
		}
		limit = parsed
	}

	tasks := h.coordinator.List(limit)
	ok(c, "ok", models.TaskList{Tasks: tasks, Count: len(tasks)})
}

// Scheduler reports the periodic crawl state
func (h *Handler) Scheduler(c *gin.Context) {
	ok(c, "ok", h.schedulerStatus())
}

func (h *Handler) schedulerStatus() models.SchedulerStatus {
	return models.SchedulerStatus{
		Running:         h.scheduler.Running(),
		IntervalMinutes: h.scheduler.Interval().Minutes(),
	}
}

type addUsersRequest struct {
	UserIDs []string `json:"user_ids"`
}

// AddUsers adds users to the settings and starts crawling them right away
func (h *Handler) AddUsers(c *gin.Context) {
	var req addUsersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request payload")
		return
	}

	ids := cleanIDs(req.UserIDs)
	if len(ids) == 0 {
		fail(c, http.StatusBadRequest, "user_ids must contain at least one user id")
		return
	}

	added, err := h.settings.AddTargets(ids)
	if err != nil {
		logger.Error("Failed to add users: %v", err)
		fail(c, http.StatusInternalServerError, fmt.Sprintf("failed to add users: %v", err))
		return
	}
	if added == nil {
		added = []string{}
	}

	id, err := h.coordinator.Submit(ids)
	if err != nil {
		if errors.Is(err, models.ErrAlreadyActive) {
			if running, active := h.coordinator.Active(); active {
				conflict(c, fmt.Sprintf("added %d users but a crawl task is already running", len(added)), running)
				return
			}
		}
		logger.Error("Failed to start crawl for added users: %v", err)
		fail(c, http.StatusInternalServerError, fmt.Sprintf("failed to start crawl: %v", err))
		return
	}

	logger.Info("Added users %v, crawl task %s", ids, id)
	ok(c, fmt.Sprintf("added %d users, crawl started", len(added)), models.SubmitResult{
		TaskID:   id,
		UserIDs:  ids,
		NewUsers: added,
	})
}

type deleteUserRequest struct {
	UserID string `json:"user_id"`
}

// DeleteUser removes a user from the settings
func (h *Handler) DeleteUser(c *gin.Context) {
	var req deleteUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request payload")
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		fail(c, http.StatusBadRequest, "user_id is required")
		return
	}

	if err := h.settings.RemoveTarget(userID); err != nil {
		if errors.Is(err, settings.ErrTargetNotFound) {
			fail(c, http.StatusNotFound, fmt.Sprintf("user %s does not exist", userID))
			return
		}
		logger.Error("Failed to delete user %s: %v", userID, err)
		fail(c, http.StatusInternalServerError, fmt.Sprintf("failed to delete user: %v", err))
		return
	}

	ok(c, fmt.Sprintf("deleted user %s", userID), models.RemovedUser{UserID: userID})
}

// UpdateSettings applies a validated subset of crawler settings
func (h *Handler) UpdateSettings(c *gin.Context) {
	var req map[string]any
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request payload")
		return
	}

	updates, keys, err := settingsUpdates(req)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if len(updates) == 0 {
		fail(c, http.StatusBadRequest, "no settings to update")
		return
	}

	if err := h.settings.Update(updates); err != nil {
		logger.Error("Failed to update settings: %v", err)
		fail(c, http.StatusInternalServerError, fmt.Sprintf("failed to update settings: %v", err))
		return
	}

	logger.Info("Settings updated: %v", keys)

	echo := make(map[string]any, len(updates))
	for k, v := range updates {
		echo[k] = v
	}
	if cookie, isString := echo[settings.CookieKey].(string); isString && cookie != "" {
		echo[settings.CookieKey] = settings.MaskCookie(cookie)
	}

	ok(c, "settings updated: "+strings.Join(keys, ", "), models.SettingsUpdate{Updated: echo})
}

// settingsUpdates validates the request body and returns the accepted updates in a stable key order
func settingsUpdates(req map[string]any) (map[string]any, []string, error) {
	updates := make(map[string]any)
	var keys []string

	for _, key := range settingFlags {
		raw, present := req[key]
		if !present || raw == nil {
			continue
		}
		flag, isInt := wholeNumber(raw)
		if !isInt || (flag != 0 && flag != 1) {
			return nil, nil, fmt.Errorf("%s must be 0 or 1", key)
		}
		updates[key] = flag
		keys = append(keys, key)
	}

	if raw, present := req["since_date"]; present && raw != nil {
		switch v := raw.(type) {
		case string:
			if !sinceDatePattern.MatchString(v) {
				return nil, nil, errors.New("since_date must be a number of days or a yyyy-mm-dd date")
			}
			if _, err := time.Parse(time.DateOnly, v); err != nil {
				return nil, nil, errors.New("since_date must be a number of days or a yyyy-mm-dd date")
			}
			updates["since_date"] = v
		default:
			days, isInt := wholeNumber(v)
			if !isInt || days < 0 {
				return nil, nil, errors.New("since_date must be a number of days or a yyyy-mm-dd date")
			}
			updates["since_date"] = days
		}
		keys = append(keys, "since_date")
	}

	if raw, present := req[settings.CookieKey]; present && raw != nil {
		cookie, isString := raw.(string)
		if !isString {
			return nil, nil, errors.New("cookie must be a string")
		}
		updates[settings.CookieKey] = cookie
		keys = append(keys, settings.CookieKey)
	}

	return updates, keys, nil
}

func wholeNumber(v any) (int, bool) {
	f, isFloat := v.(float64)
	if !isFloat || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}

// TriggerCrawl starts a crawl of the given users, or of every configured user when none are given
func (h *Handler) TriggerCrawl(c *gin.Context) {
	var ids []string
	if raw, given := c.GetQuery("user_ids"); given && strings.TrimSpace(raw) != "" {
		ids = splitIDs(raw)
		if len(ids) == 0 {
			fail(c, http.StatusBadRequest, "user_ids is empty")
			return
		}
	} else {
		targets, err := h.settings.Targets()
		if err != nil {
			logger.Error("Failed to read users: %v", err)
			fail(c, http.StatusInternalServerError, fmt.Sprintf("failed to read users: %v", err))
			return
		}
		if len(targets) == 0 {
			fail(c, http.StatusBadRequest, "no users configured")
			return
		}
		ids = targets
	}

	if running, active := h.coordinator.Active(); active {
		conflict(c, "a crawl task is already running", running)
		return
	}

	id, err := h.coordinator.Submit(ids)
	if err != nil {
		if errors.Is(err, models.ErrAlreadyActive) {
			if running, active := h.coordinator.Active(); active {
				conflict(c, "a crawl task is already running", running)
				return
			}
		}
		logger.Error("Failed to trigger crawl: %v", err)
		fail(c, http.StatusInternalServerError, fmt.Sprintf("failed to trigger crawl: %v", err))
		return
	}

	ok(c, "crawl task started", models.SubmitResult{TaskID: id, UserIDs: ids})
}

type intervalRequest struct {
	Minutes float64 `json:"minutes"`
}

// RescheduleInterval changes the periodic crawl interval; the wait already in progress is unaffected
func (h *Handler) RescheduleInterval(c *gin.Context) {
	var req intervalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request payload")
		return
	}
	if req.Minutes <= 0 || math.IsInf(req.Minutes, 0) || math.IsNaN(req.Minutes) {
		fail(c, http.StatusBadRequest, "minutes must be greater than zero")
		return
	}

	h.scheduler.Reschedule(time.Duration(req.Minutes * float64(time.Minute)))
	ok(c, "crawl interval updated", h.schedulerStatus())
}

func splitIDs(raw string) []string {
	return cleanIDs(strings.Split(raw, ","))
}

func cleanIDs(ids []string) []string {
	var out []string
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
