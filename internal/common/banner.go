package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application startup banner.
func PrintBanner(config *Config, logger arbor.ILogger) {
	version := GetVersion()
	build := GetBuild()

	serviceURL := fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)

	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(80)

	fmt.Printf("\n")
	b.PrintTopLine()
	b.PrintCenteredText("HARMONY")
	b.PrintCenteredText("Work Orchestration Core")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version, 15)
	b.PrintKeyValue("Build", build, 15)
	b.PrintKeyValue("Environment", config.Environment, 15)
	b.PrintKeyValue("Worker API", serviceURL, 15)
	b.PrintKeyValue("SQLite", config.SQLite.Path, 15)
	b.PrintKeyValue("Artifacts", config.Artifacts.Path, 15)
	b.PrintBottomLine()
	fmt.Printf("\n")

	logger.Info().
		Str("version", version).
		Str("build", build).
		Str("environment", config.Environment).
		Str("worker_api", serviceURL).
		Msg("Application started")

	logFilePath := ""
	if loggerWithPath, ok := interface{}(logger).(interface{ GetLogFilePath() string }); ok {
		logFilePath = loggerWithPath.GetLogFilePath()
	}

	logger.Info().
		Str("log_file", logFilePath).
		Str("sqlite_path", config.SQLite.Path).
		Str("artifacts_path", config.Artifacts.Path).
		Float64("dispatch_rate_hz", config.Scheduler.DispatchRateHz).
		Int("max_retries", config.Limits.MaxRetries).
		Str("work_reaper_cron", config.Maintenance.WorkReaperCron).
		Msg("Configuration loaded")

	printCapabilities(config, logger)
	fmt.Printf("\n")
}

// printCapabilities prints the maintenance loops and limits that shape this
// instance's runtime behavior.
func printCapabilities(config *Config, logger arbor.ILogger) {
	fmt.Printf("Maintenance loops:\n")
	fmt.Printf("   - work reaper: %s (batch %d, age >= %dm)\n",
		config.Maintenance.WorkReaperCron, config.Maintenance.WorkReaperBatchSize, config.Maintenance.ReapableWorkAgeMinutes)
	fmt.Printf("   - user-work reconciler: %s (expire after %dm)\n",
		config.Maintenance.UserWorkUpdaterCron, config.Maintenance.UserWorkExpirationMinutes)
	fmt.Printf("   - failure-rate publisher: %s (lookback %dm)\n",
		config.Maintenance.PublishServiceFailureMetricsCron, config.Maintenance.FailureMetricsLookBackMinutes)
	fmt.Printf("   - prometheus watchdog: %s\n", config.Maintenance.RestartPrometheusCron)
	fmt.Printf("   - memory-usage snapshotter: %s\n", config.Maintenance.MemoryUsageCollectorCron)

	fmt.Printf("Limits: max_retries=%d max_errors_for_job=%d cmr_page_size=%d aggregate_page_size=%d\n",
		config.Limits.MaxRetries, config.Limits.MaxErrorsForJob,
		config.Limits.CmrMaxPageSize, config.Limits.AggregateStacCatalogMaxPageSize)

	logger.Info().
		Str("work_reaper_cron", config.Maintenance.WorkReaperCron).
		Str("user_work_updater_cron", config.Maintenance.UserWorkUpdaterCron).
		Str("failure_publisher_cron", config.Maintenance.PublishServiceFailureMetricsCron).
		Str("prometheus_watchdog_cron", config.Maintenance.RestartPrometheusCron).
		Str("memory_snapshotter_cron", config.Maintenance.MemoryUsageCollectorCron).
		Int("max_retries", config.Limits.MaxRetries).
		Int("max_errors_for_job", config.Limits.MaxErrorsForJob).
		Msg("Maintenance schedule and limits")
}

// PrintShutdownBanner displays the application shutdown banner.
func PrintShutdownBanner(logger arbor.ILogger) {
	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(42)

	b.PrintTopLine()
	b.PrintCenteredText("SHUTTING DOWN")
	b.PrintCenteredText("HARMONY")
	b.PrintBottomLine()
	fmt.Println()

	logger.Info().Msg("Application shutting down")
}

// PrintColorizedMessage prints a message with specified color to stdout. It
// does not log; the Print* helpers below log through Arbor themselves.
func PrintColorizedMessage(color, message string, logger arbor.ILogger) {
	fmt.Printf("%s%s%s\n", color, message, banner.ColorReset)
}

// PrintSuccess prints a success message in green and logs it.
func PrintSuccess(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorGreen, fmt.Sprintf("[ok] %s", message), logger)
	logger.Info().Str("type", "success").Msg(message)
}

// PrintError prints an error message in red and logs it.
func PrintError(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorRed, fmt.Sprintf("[error] %s", message), logger)
	logger.Error().Str("type", "error").Msg(message)
}

// PrintWarning prints a warning message in yellow and logs it.
func PrintWarning(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorYellow, fmt.Sprintf("[warn] %s", message), logger)
	logger.Warn().Str("type", "warning").Msg(message)
}

// PrintInfo prints an info message in cyan and logs it.
func PrintInfo(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorCyan, fmt.Sprintf("[info] %s", message), logger)
	logger.Info().Str("type", "info").Msg(message)
}
