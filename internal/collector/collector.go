package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelsos/crawl-sync/internal/executor"
	"github.com/kelsos/crawl-sync/internal/logger"
	"github.com/kelsos/crawl-sync/internal/models"
	"github.com/kelsos/crawl-sync/internal/process"
)

// ConfigPlaceholder in the command line is replaced with the path of the per-run config file.
// Without it the path is appended as the last argument.
const ConfigPlaceholder = "{config}"

const outputTailLines = 20

// renamed settings keys, old name first
var legacyKeys = [][2]string{
	{"filter", "only_crawl_original"},
	{"result_dir_name", "user_id_as_folder_name"},
}

// Collector runs the external crawler once per task
type Collector struct {
	command []string
	workDir string
	run     func(ctx context.Context, spec process.Spec) (*process.Result, error)
}

// New creates a collector for the given command line, run in workDir
func New(command, workDir string) (*Collector, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("crawl command is empty")
	}

	if workDir == "" {
		workDir = "."
	}

	return &Collector{
		command: fields,
		workDir: workDir,
		run:     process.Run,
	}, nil
}

var _ executor.Worker = (*Collector)(nil)

// Run writes a config for targets and runs the crawler against it
func (c *Collector) Run(ctx context.Context, targets []string, settings map[string]any) (*models.RunResult, error) {
	if len(targets) == 0 {
		return nil, errors.New("no users to crawl")
	}

	configPath, err := c.writeRunConfig(targets, settings)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(configPath); err != nil && !os.IsNotExist(err) {
			logger.Warn("Failed to remove run config %s: %v", configPath, err)
		}
	}()

	spec := process.Spec{
		Name:      "crawler",
		Command:   c.command[0],
		Args:      c.args(configPath),
		Dir:       c.workDir,
		TailLines: outputTailLines,
	}
	if id, ok := executor.TaskIDFromContext(ctx); ok {
		spec.TaskID = string(id)
	}

	result, err := c.run(ctx, spec)
	if err != nil {
		return nil, err
	}

	return &models.RunResult{
		Message:  fmt.Sprintf("successfully crawled %d users", len(targets)),
		Targets:  append([]string(nil), targets...),
		Duration: result.Duration,
		Output:   strings.Join(result.Output, "\n"),
	}, nil
}

func (c *Collector) args(configPath string) []string {
	args := make([]string, 0, len(c.command))
	replaced := false
	for _, arg := range c.command[1:] {
		if strings.Contains(arg, ConfigPlaceholder) {
			arg = strings.ReplaceAll(arg, ConfigPlaceholder, configPath)
			replaced = true
		}
		args = append(args, arg)
	}
	if !replaced {
		args = append(args, configPath)
	}
	return args
}

// writeRunConfig stores the crawler config for this run in the work dir
func (c *Collector) writeRunConfig(targets []string, settings map[string]any) (string, error) {
	config := BuildRunConfig(targets, settings)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(config); err != nil {
		return "", fmt.Errorf("failed to encode run config: %w", err)
	}

	if err := os.MkdirAll(c.workDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}

	file, err := os.CreateTemp(c.workDir, "crawl-config-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create run config: %w", err)
	}

	if _, err := file.Write(buf.Bytes()); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", fmt.Errorf("failed to write run config: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("failed to write run config: %w", err)
	}

	path, err := filepath.Abs(file.Name())
	if err != nil {
		path = file.Name()
	}

	logger.Debug("Wrote run config for %d users to %s", len(targets), path)
	return path, nil
}

// BuildRunConfig returns a copy of settings with the user list replaced by targets and renamed
// keys moved to their current names
func BuildRunConfig(targets []string, settings map[string]any) map[string]any {
	config := make(map[string]any, len(settings)+1)
	for k, v := range settings {
		config[k] = v
	}

	for _, pair := range legacyKeys {
		oldName, newName := pair[0], pair[1]
		value, ok := config[oldName]
		if !ok {
			continue
		}
		if _, exists := config[newName]; !exists {
			config[newName] = value
		}
		delete(config, oldName)
	}

	config["user_id_list"] = append([]string(nil), targets...)
	return config
}
