package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/kelsos/crawl-sync/internal/backup"
	"github.com/kelsos/crawl-sync/internal/client"
	"github.com/kelsos/crawl-sync/internal/config"
	"github.com/kelsos/crawl-sync/internal/logger"
	"github.com/kelsos/crawl-sync/internal/models"
	"github.com/kelsos/crawl-sync/internal/services"
	"github.com/kelsos/crawl-sync/internal/settings"
	"github.com/kelsos/crawl-sync/internal/tui"
	"github.com/kelsos/crawl-sync/internal/utils"
)

const shutdownTimeout = 30 * time.Second

func loadConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.LoadFromEnvironment()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration: %v", err)
	}

	logger.Init(logger.Format(cfg.LogFormat), false)
	return cfg
}

type serveFlags struct {
	port       int
	interval   float64
	runOnStart bool
}

// apply overrides the environment with flags set on the command line
func (f serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Port = f.port
	}
	if cmd.Flags().Changed("interval") {
		cfg.Interval = time.Duration(f.interval * float64(time.Minute))
	}
	if cmd.Flags().Changed("run-on-start") {
		cfg.RunOnStart = f.runOnStart
	}
}

func serve(cfg *config.Config) error {
	if _, debug := os.LookupEnv("DEBUG"); !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	coordinator, err := services.NewCoordinatorService(cfg)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- coordinator.Start()
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received %s, shutting down", sig)
	case err := <-errChan:
		if err != nil {
			logger.Error("API server stopped: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return coordinator.Shutdown(ctx)
}

func printTask(task models.Task) {
	fmt.Printf("%s  %-9s %3d%%  %s\n", task.ID, task.State, task.Progress, strings.Join(task.Targets, ","))
	if task.Error != "" {
		fmt.Printf("    error: %s\n", task.Error)
	}
	if task.Result != nil {
		fmt.Printf("    %s in %s\n", task.Result.Message, task.Result.Duration.Round(time.Second))
	}
}

func waitAndReport(apiClient *client.APIClient, id models.TaskID) error {
	last := models.TaskState("")
	task, err := apiClient.WaitForTask(id, 2*time.Second, func(task models.Task) {
		if task.State != last {
			logger.Info("Task %s is %s (%d%%)", task.ID, task.State, task.Progress)
			last = task.State
		}
	})
	if err != nil {
		return err
	}

	printTask(*task)
	if task.State == models.TaskStateFailed {
		return fmt.Errorf("task %s failed: %s", task.ID, task.Error)
	}
	return nil
}

// backupFiles lists the files worth keeping from a coordinator installation
func backupFiles(cfg *config.Config) []string {
	files := []string{cfg.SettingsPath}

	store, err := settings.Load(cfg.SettingsPath)
	if err != nil {
		logger.Warn("Could not read settings, backing up the raw file only: %v", err)
	} else {
		files = append(files, store.BackupPath())
		if targetsFile := store.TargetsFile(); targetsFile != "" {
			files = append(files, targetsFile)
		}
	}

	return append(files, cfg.DBPath)
}

func main() {
	logger.Init(logger.FormatConsole, false)
	utils.LoadEnvironment()

	var flags serveFlags
	runServe := func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		flags.apply(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			logger.Fatal("Invalid configuration: %v", err)
		}
		if err := serve(cfg); err != nil {
			logger.Fatal("Coordinator failed: %v", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "crawl-sync",
		Short: "A coordinator for periodic crawler runs",
		Long:  `crawl-sync runs a crawler for a list of users on a schedule, one run at a time, and serves the results over HTTP.`,
		Run:   runServe,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		Run:   runServe,
	}
	for _, c := range []*cobra.Command{rootCmd, serveCmd} {
		c.Flags().IntVarP(&flags.port, "port", "p", 8000, "Port the API listens on")
		c.Flags().Float64VarP(&flags.interval, "interval", "i", 30, "Minutes between periodic crawls")
		c.Flags().BoolVarP(&flags.runOnStart, "run-on-start", "", false, "Crawl every configured user right after startup")
	}

	var wait bool
	submitCmd := &cobra.Command{
		Use:   "submit [user ids...]",
		Short: "Start a crawl of the given users, or of every configured user",
		Run: func(cmd *cobra.Command, args []string) {
			apiClient := client.NewAPIClient(loadConfig())

			result, err := apiClient.Submit(args)
			if errors.Is(err, models.ErrAlreadyActive) {
				logger.Fatal("A crawl is already running, try again later")
			}
			if err != nil {
				logger.Fatal("Failed to submit crawl: %v", err)
			}
			logger.Info("Crawl task %s started for %d users", result.TaskID, len(result.UserIDs))

			if wait {
				if err := waitAndReport(apiClient, result.TaskID); err != nil {
					logger.Fatal("%v", err)
				}
			}
		},
	}
	submitCmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the task to finish")

	addCmd := &cobra.Command{
		Use:   "add <user ids...>",
		Short: "Add users to the settings and crawl them",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			apiClient := client.NewAPIClient(loadConfig())

			result, err := apiClient.AddUsers(args)
			if errors.Is(err, models.ErrAlreadyActive) {
				logger.Warn("Users were added, but a crawl is already running")
				return
			}
			if err != nil {
				logger.Fatal("Failed to add users: %v", err)
			}
			logger.Info("Added %d new users, crawl task %s started", len(result.NewUsers), result.TaskID)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <task id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			apiClient := client.NewAPIClient(loadConfig())

			task, err := apiClient.Status(models.TaskID(args[0]))
			if errors.Is(err, models.ErrNotFound) {
				logger.Fatal("Task %s not found", args[0])
			}
			if err != nil {
				logger.Fatal("Failed to get task: %v", err)
			}
			printTask(*task)
		},
	}

	var limit int
	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "List recent tasks, newest first",
		Run: func(cmd *cobra.Command, args []string) {
			apiClient := client.NewAPIClient(loadConfig())

			tasks, err := apiClient.Tasks(limit)
			if err != nil {
				logger.Fatal("Failed to list tasks: %v", err)
			}
			if len(tasks) == 0 {
				fmt.Println("no tasks yet")
				return
			}
			for _, task := range tasks {
				printTask(task)
			}
		},
	}
	tasksCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of tasks to show")

	intervalCmd := &cobra.Command{
		Use:   "interval <minutes>",
		Short: "Change the periodic crawl interval",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var minutes float64
			if _, err := fmt.Sscanf(args[0], "%g", &minutes); err != nil || minutes <= 0 {
				logger.Fatal("Interval must be a positive number of minutes, got %q", args[0])
			}

			status, err := client.NewAPIClient(loadConfig()).SetInterval(minutes)
			if err != nil {
				logger.Fatal("Failed to change interval: %v", err)
			}
			logger.Info("Crawl interval is now %g minutes", status.IntervalMinutes)
		},
	}

	var refresh time.Duration
	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch the coordinator in a terminal UI",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()

			logPath, err := logger.InitFileOnly("")
			if err != nil {
				logger.Fatal("Failed to initialize file logging: %v", err)
			}
			defer logger.Close()
			logger.Info("Monitor started, logging to %s", logPath)

			apiClient := client.NewAPIClient(cfg)
			if err := tui.NewTaskMonitor(apiClient, refresh).Run(); err != nil {
				logger.Error("Monitor failed: %v", err)
				fmt.Fprintf(os.Stderr, "Monitor failed: %v\n", err)
			}
		},
	}
	monitorCmd.Flags().DurationVarP(&refresh, "refresh", "r", time.Second, "How often to poll the coordinator")

	var backupDir string
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of the settings, user list and posts database",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			dir := backupDir
			if dir == "" {
				dir = cfg.BackupDir
			}

			backupFile, err := backup.CreateBackup(backupFiles(cfg), dir)
			if err != nil {
				logger.Fatal("Failed to create backup: %v", err)
			}
			logger.Info("Backup created successfully: %s", backupFile)
		},
	}
	backupCmd.Flags().StringVarP(&backupDir, "backup-dir", "", "", "Directory where the backup will be stored (default: ~/backups)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(intervalCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(backupCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Fatal("Failed to execute command: %v", err)
	}
}
