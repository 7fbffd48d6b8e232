package startup

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"photoflow/internal/logging"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
)

// Build-time variables (injected via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetBuildInfo returns the current build information
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// Config holds all application configuration
type Config struct {
	Port          string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	OriginalsRoot string
	DerivedRoot   string

	ProcessConcurrency int
	CleanupConcurrency int
	SweepConcurrency   int
	JobMaxAttempts     int
	JobBackoffMs       int64
	EncodeTimeout      time.Duration

	SweepEnabled   bool
	SweepInterval  time.Duration
	SweepOnStart   bool
	SweepDryRun    bool
	SweepGraceMs   int64
	SweepBatchSize int

	StatsPollInterval time.Duration
}

// LoadConfig loads and validates configuration from environment variables,
// with .env autoload for local development.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logging.Debug("no .env file found, using process environment")
	}

	printBanner()
	logSystemInfo()

	logging.Info("------------------------------------------------------------")
	logging.Info("CONFIGURATION")
	logging.Info("------------------------------------------------------------")

	config := &Config{
		Port:          getEnv("PORT", "8080"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		OriginalsRoot: getEnv("ORIGINALS_DIR", "/data/originals"),
		DerivedRoot:   getEnv("DERIVED_DIR", "/data/derived"),

		ProcessConcurrency: getEnvInt("PROCESS_CONCURRENCY", 2),
		CleanupConcurrency: getEnvInt("CLEANUP_CONCURRENCY", 1),
		SweepConcurrency:   getEnvInt("SWEEP_CONCURRENCY", 1),
		JobMaxAttempts:     getEnvInt("JOB_MAX_ATTEMPTS", 5),
		JobBackoffMs:       int64(getEnvInt("JOB_BACKOFF_MS", 3000)),
		EncodeTimeout:      getEnvDuration("ENCODE_TIMEOUT", 10*time.Minute),

		SweepEnabled:   getEnvBool("SWEEP_ENABLED", true),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", 6*time.Hour),
		SweepOnStart:   getEnvBool("SWEEP_ON_START", true),
		SweepDryRun:    getEnvBool("SWEEP_DRY_RUN", true),
		SweepGraceMs:   int64(getEnvInt("SWEEP_GRACE_MS", 6*60*60*1000)),
		SweepBatchSize: getEnvInt("SWEEP_BATCH_SIZE", 1000),

		StatsPollInterval: getEnvDuration("STATS_POLL_INTERVAL", 5*time.Second),
	}

	logging.Info("  PORT:                 %s", config.Port)
	logging.Info("  DATABASE_URL:         %s", redactDSN(config.DatabaseURL))
	logging.Info("  REDIS_ADDR:           %s", config.RedisAddr)
	logging.Info("  ORIGINALS_DIR:        %s", config.OriginalsRoot)
	logging.Info("  DERIVED_DIR:          %s", config.DerivedRoot)
	logging.Info("  PROCESS_CONCURRENCY:  %d", config.ProcessConcurrency)
	logging.Info("  CLEANUP_CONCURRENCY:  %d", config.CleanupConcurrency)
	logging.Info("  SWEEP_CONCURRENCY:    %d", config.SweepConcurrency)
	logging.Info("  JOB_MAX_ATTEMPTS:     %d", config.JobMaxAttempts)
	logging.Info("  JOB_BACKOFF_MS:       %d", config.JobBackoffMs)
	logging.Info("  ENCODE_TIMEOUT:       %s", config.EncodeTimeout)
	logging.Info("  SWEEP_ENABLED:        %v", config.SweepEnabled)
	logging.Info("  SWEEP_INTERVAL:       %s", config.SweepInterval)
	logging.Info("  SWEEP_ON_START:       %v", config.SweepOnStart)
	logging.Info("  SWEEP_DRY_RUN:        %v", config.SweepDryRun)
	logging.Info("  SWEEP_GRACE_MS:       %d", config.SweepGraceMs)
	logging.Info("  SWEEP_BATCH_SIZE:     %d", config.SweepBatchSize)
	logging.Info("  LOG_LEVEL:            %s", logging.GetLevel())
	logging.Info("")

	if config.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if err := ensureDirectory(config.OriginalsRoot, "originals"); err != nil {
		return nil, err
	}
	if err := ensureDirectory(config.DerivedRoot, "derived"); err != nil {
		return nil, err
	}

	checkMediaTools()

	return config, nil
}

// RouteInfo contains information about a registered route
type RouteInfo struct {
	Method string
	Path   string
}

// GetRoutes walks the router and collects every registered route.
func GetRoutes(router *mux.Router) ([]RouteInfo, error) {
	var routes []RouteInfo

	err := router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		pathTemplate, err := route.GetPathTemplate()
		if err != nil {
			return err
		}

		methods, err := route.GetMethods()
		if err != nil {
			methods = []string{"*"}
		}

		for _, method := range methods {
			routes = append(routes, RouteInfo{Method: method, Path: pathTemplate})
		}
		return nil
	})

	return routes, err
}

// LogHTTPRoutes logs all registered HTTP routes at debug level
func LogHTTPRoutes(router *mux.Router) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("HTTP SERVER SETUP")
	logging.Info("------------------------------------------------------------")

	if logging.IsDebugEnabled() {
		routes, err := GetRoutes(router)
		if err != nil {
			logging.Warn("error walking routes: %v", err)
		}

		sort.Slice(routes, func(i, j int) bool { return routes[i].Path < routes[j].Path })
		logging.Debug("  Registered routes (%d total):", len(routes))
		for _, route := range routes {
			logging.Debug("    %-6s %s", route.Method, route.Path)
		}
	}

	logging.Info("  HTTP logging enabled")
}

// LogServerStarted logs successful server start
func LogServerStarted(port string, startupDuration time.Duration) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("WORKER STARTED")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Startup time:   %v", startupDuration)
	logging.Info("")
	logging.Info("  Control plane:  http://0.0.0.0:%s", port)
	logging.Info("  Metrics:        http://0.0.0.0:%s/metrics", port)
	logging.Info("")
	logging.Info("  Press Ctrl+C to stop")
	logging.Info("------------------------------------------------------------")
	logging.Info("")
}

// LogShutdownInitiated logs shutdown start
func LogShutdownInitiated(signal string) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("SHUTDOWN INITIATED (received %s)", signal)
	logging.Info("------------------------------------------------------------")
}

// LogShutdownStepComplete logs a completed shutdown step
func LogShutdownStepComplete(step string) {
	logging.Info("  [OK] %s", step)
}

// LogShutdownComplete logs shutdown completion
func LogShutdownComplete() {
	logging.Info("  [OK] Shutdown complete")
}

func printBanner() {
	banner := `
------------------------------------------------------------
    ____  __          __        ______
   / __ \/ /_  ____  / /_____  / ____/ /___ _      __
  / /_/ / __ \/ __ \/ __/ __ \/ /_  / / __ \ | /| / /
 / ____/ / / / /_/ / /_/ /_/ / __/ / / /_/ / |/ |/ /
/_/   /_/ /_/\____/\__/\____/_/   /_/\____/|__/|__/

------------------------------------------------------------`
	fmt.Println(banner)
	logging.Info("  Version:    %s", Version)
	logging.Info("  Commit:     %s", Commit)
	logging.Info("  Build Time: %s", BuildTime)
	logging.Info("  Started:    %s", time.Now().Format(time.RFC1123))
	logging.Info("")
}

func logSystemInfo() {
	logging.Info("------------------------------------------------------------")
	logging.Info("SYSTEM INFORMATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Go version:      %s", runtime.Version())
	logging.Info("  OS/Arch:         %s/%s", runtime.GOOS, runtime.GOARCH)
	logging.Info("  CPUs available:  %d", runtime.NumCPU())
	logging.Info("  GOMAXPROCS:      %d", runtime.GOMAXPROCS(0))

	if runtime.GOMAXPROCS(0) < runtime.NumCPU() {
		logging.Info("  (Container CPU limit detected)")
	}
	logging.Info("")
}

func ensureDirectory(path, name string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		logging.Info("  Creating %s directory: %s", name, path)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to create %s directory %s: %w", name, path, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s directory %s: %w", name, path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s path %s exists but is not a directory", name, path)
	}
	return nil
}

// checkMediaTools verifies the external encoders are on PATH. Missing tools
// are a warning, not a startup failure; jobs needing them will fail and
// retry.
func checkMediaTools() {
	for _, tool := range []string{"ffmpeg", "ffprobe"} {
		if path, err := exec.LookPath(tool); err == nil {
			logging.Info("  %s:  %s", tool, path)
		} else {
			logging.Warn("  %s not found on PATH; media jobs will fail until it is installed", tool)
		}
	}
	logging.Info("")
}

// redactDSN hides credentials in a connection string for logging.
func redactDSN(dsn string) string {
	if dsn == "" {
		return "(unset)"
	}
	if at := strings.Index(dsn, "@"); at != -1 {
		if scheme := strings.Index(dsn, "://"); scheme != -1 && scheme < at {
			return dsn[:scheme+3] + "***" + dsn[at:]
		}
	}
	return dsn
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logging.Warn("  Invalid %s=%q, using default %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logging.Warn("  Invalid %s=%q, using default %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		logging.Warn("  Invalid %s=%q, using default %s", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
