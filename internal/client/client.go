package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kelsos/crawl-sync/internal/config"
	"github.com/kelsos/crawl-sync/internal/logger"
	"github.com/kelsos/crawl-sync/internal/models"
)

// HTTPError is returned for any non-200 response
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps coordinator status codes back to the model errors
func (e *HTTPError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusConflict:
		return models.ErrAlreadyActive
	case http.StatusNotFound:
		return models.ErrNotFound
	default:
		return nil
	}
}

// APIClient handles all HTTP communication with the coordinator API
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewAPIClient creates a new API client with the given configuration
func NewAPIClient(cfg *config.Config) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		token:   cfg.APIToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// BuildURL constructs a full URL for the given endpoint
func (c *APIClient) BuildURL(endpoint string) string {
	return fmt.Sprintf("%s/api%s", c.baseURL, endpoint)
}

// Get makes a GET request to the specified endpoint
func (c *APIClient) Get(endpoint string, result interface{}) error {
	return c.request(http.MethodGet, endpoint, nil, result)
}

// Post makes a POST request to the specified endpoint
func (c *APIClient) Post(endpoint string, body interface{}, result interface{}) error {
	return c.request(http.MethodPost, endpoint, body, result)
}

// request is the core HTTP request method
func (c *APIClient) request(method, endpoint string, body interface{}, result interface{}) error {
	url := c.BuildURL(endpoint)
	start := time.Now()
	logger.Debug("Starting %s request to %s", method, url)

	var requestBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error marshaling request body: %w", err)
		}
		requestBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequest(method, url, requestBody)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		elapsed := time.Since(start)
		logger.Debug("Request to %s failed after %v: %v", url, elapsed, err)
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	elapsed := time.Since(start)
	logger.Debug("Request to %s completed in %v with status %d", url, elapsed, resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &HTTPError{StatusCode: resp.StatusCode, Message: errorMessage(bodyBytes)}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			logger.Error("%s: Error decoding response: %v", url, err)
			return fmt.Errorf("error decoding response: %w", err)
		}
	}

	return nil
}

func errorMessage(body []byte) string {
	var envelope models.APIResponse[json.RawMessage]
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Message != "" {
		return envelope.Message
	}
	return strings.TrimSpace(string(body))
}

// Health returns the coordinator health report
func (c *APIClient) Health() (*models.HealthStatus, error) {
	var status models.HealthStatus
	if err := c.Get("/health", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Submit starts a crawl of userIDs, or of every configured user when userIDs is empty
func (c *APIClient) Submit(userIDs []string) (*models.SubmitResult, error) {
	endpoint := "/crawl/trigger"
	if len(userIDs) > 0 {
		endpoint = BuildURLWithParams(endpoint, map[string]string{"user_ids": strings.Join(userIDs, ",")})
	}

	var resp models.APIResponse[models.SubmitResult]
	if err := c.Post(endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// AddUsers adds users to the settings and starts crawling them
func (c *APIClient) AddUsers(userIDs []string) (*models.SubmitResult, error) {
	var resp models.APIResponse[models.SubmitResult]
	if err := c.Post("/users/add", map[string][]string{"user_ids": userIDs}, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// Status returns one task
func (c *APIClient) Status(id models.TaskID) (*models.Task, error) {
	var resp models.APIResponse[models.TaskView]
	if err := c.Get("/task/"+url.PathEscape(string(id)), &resp); err != nil {
		return nil, err
	}
	return &resp.Data.Task, nil
}

// Tasks returns up to limit recent tasks, newest first
func (c *APIClient) Tasks(limit int) ([]models.Task, error) {
	endpoint := "/tasks"
	if limit > 0 {
		endpoint = BuildURLWithParams(endpoint, map[string]string{"limit": strconv.Itoa(limit)})
	}

	var resp models.APIResponse[models.TaskList]
	if err := c.Get(endpoint, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Tasks, nil
}

// Users returns the configured user ids
func (c *APIClient) Users() ([]string, error) {
	var resp models.APIResponse[models.UsersList]
	if err := c.Get("/users", &resp); err != nil {
		return nil, err
	}
	return resp.Data.Users, nil
}

// SetInterval changes the periodic crawl interval
func (c *APIClient) SetInterval(minutes float64) (*models.SchedulerStatus, error) {
	var resp models.APIResponse[models.SchedulerStatus]
	if err := c.Post("/scheduler/interval", map[string]float64{"minutes": minutes}, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// WaitForTask polls the task until it reaches a terminal state
func (c *APIClient) WaitForTask(id models.TaskID, interval time.Duration, onUpdate func(models.Task)) (*models.Task, error) {
	for {
		task, err := c.Status(id)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(*task)
		}
		if task.State.IsTerminal() {
			return task, nil
		}
		time.Sleep(interval)
	}
}

// Ping checks if the API is ready
func (c *APIClient) Ping() error {
	resp, err := c.httpClient.Get(c.BuildURL("/health"))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping failed with status %d", resp.StatusCode)
	}

	return nil
}

// WaitForAPIReady waits up to attempts seconds for the API to answer
func (c *APIClient) WaitForAPIReady(attempts int) bool {
	logger.Info("Checking API readiness...")

	for attempt := 1; attempt <= attempts; attempt++ {
		logger.Debug("Checking API readiness (attempt %d/%d)...", attempt, attempts)

		if err := c.Ping(); err == nil {
			logger.Info("API is ready!")
			return true
		}

		time.Sleep(time.Second)
	}

	logger.Error("API failed to become ready after %d attempts", attempts)
	return false
}

// BuildURLWithParams properly builds a URL with query parameters
func BuildURLWithParams(endpoint string, params map[string]string) string {
	if len(params) == 0 {
		return endpoint
	}

	// Parse the endpoint to check for existing query parameters
	parts := strings.SplitN(endpoint, "?", 2)
	baseURL := parts[0]

	values := url.Values{}
	if len(parts) > 1 {
		existingParams, _ := url.ParseQuery(parts[1])
		values = existingParams
	}

	for key, value := range params {
		values.Set(key, value)
	}

	if len(values) > 0 {
		return baseURL + "?" + values.Encode()
	}
	return baseURL
}
