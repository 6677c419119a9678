package models

// APIResponse is the envelope returned by every coordinator endpoint
type APIResponse[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    T      `json:"data,omitempty"`
}

// HealthStatus is returned by /api/health
type HealthStatus struct {
	Status          string  `json:"status"`
	ConfigLoaded    bool    `json:"config_loaded"`
	HasRunningTask  bool    `json:"has_running_task"`
	RunningTask     *Task   `json:"running_task"`
	SchedulerActive bool    `json:"scheduler_active"`
	IntervalMinutes float64 `json:"interval_minutes"`
	Error           string  `json:"error,omitempty"`
}

// SubmitResult is returned when a crawl task is accepted
type SubmitResult struct {
	TaskID   TaskID   `json:"task_id"`
	UserIDs  []string `json:"user_ids"`
	NewUsers []string `json:"new_users,omitempty"`
}

// RunningTaskConflict is returned with 409 when another task holds the active slot
type RunningTaskConflict struct {
	RunningTask *Task `json:"running_task"`
}

// UsersList holds the configured user ids
type UsersList struct {
	Users []string `json:"users"`
	Count int      `json:"count"`
}

// RemovedUser echoes the deleted user id
type RemovedUser struct {
	UserID string `json:"user_id"`
}

// PostsList holds rows from the collected posts database
type PostsList struct {
	Posts []map[string]any `json:"weibos"`
	Count int              `json:"count"`
}

// SettingsView holds the crawler settings with secrets masked
type SettingsView struct {
	Config map[string]any `json:"config"`
}

// SettingsUpdate echoes the applied settings changes
type SettingsUpdate struct {
	Updated map[string]any `json:"updated"`
}

// TaskView wraps a single task snapshot
type TaskView struct {
	Task Task `json:"task"`
}

// TaskList holds recent tasks, newest first
type TaskList struct {
	Tasks []Task `json:"tasks"`
	Count int    `json:"count"`
}

// SchedulerStatus describes the periodic trigger
type SchedulerStatus struct {
	Running         bool    `json:"running"`
	IntervalMinutes float64 `json:"interval_minutes"`
}
