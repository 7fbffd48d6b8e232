package startup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

func TestGetBuildInfo(t *testing.T) {
	info := GetBuildInfo()
	if info.Version == "" || info.GoVersion == "" {
		t.Errorf("build info has empty fields: %+v", info)
	}
	if info.OS == "" || info.Arch == "" {
		t.Errorf("build info missing platform: %+v", info)
	}
}

func TestGetEnv(t *testing.T) {
	os.Setenv("STARTUP_TEST_KEY", "value")
	defer os.Unsetenv("STARTUP_TEST_KEY")

	if got := getEnv("STARTUP_TEST_KEY", "fallback"); got != "value" {
		t.Errorf("getEnv = %s, want value", got)
	}
	if got := getEnv("STARTUP_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("getEnv = %s, want fallback", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		fallback bool
		want     bool
	}{
		{name: "True", value: "true", fallback: false, want: true},
		{name: "False", value: "false", fallback: true, want: false},
		{name: "Numeric true", value: "1", fallback: false, want: true},
		{name: "Empty uses default", value: "", fallback: true, want: true},
		{name: "Invalid uses default", value: "maybe", fallback: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value == "" {
				os.Unsetenv("STARTUP_TEST_BOOL")
			} else {
				os.Setenv("STARTUP_TEST_BOOL", tt.value)
			}
			defer os.Unsetenv("STARTUP_TEST_BOOL")

			if got := getEnvBool("STARTUP_TEST_BOOL", tt.fallback); got != tt.want {
				t.Errorf("getEnvBool(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	os.Setenv("STARTUP_TEST_INT", "42")
	defer os.Unsetenv("STARTUP_TEST_INT")
	if got := getEnvInt("STARTUP_TEST_INT", 7); got != 42 {
		t.Errorf("getEnvInt = %d, want 42", got)
	}

	os.Setenv("STARTUP_TEST_INT", "not-a-number")
	if got := getEnvInt("STARTUP_TEST_INT", 7); got != 7 {
		t.Errorf("getEnvInt with invalid value = %d, want default 7", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	os.Setenv("STARTUP_TEST_DUR", "90s")
	defer os.Unsetenv("STARTUP_TEST_DUR")
	if got := getEnvDuration("STARTUP_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Errorf("getEnvDuration = %s, want 90s", got)
	}

	os.Setenv("STARTUP_TEST_DUR", "soon")
	if got := getEnvDuration("STARTUP_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("getEnvDuration with invalid value = %s, want default 1m", got)
	}
}

func TestRedactDSN(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
		want string
	}{
		{
			name: "Credentials redacted",
			dsn:  "postgres://user:secret@db:5432/photoflow",
			want: "postgres://***@db:5432/photoflow",
		},
		{
			name: "No credentials untouched",
			dsn:  "postgres://db:5432/photoflow",
			want: "postgres://db:5432/photoflow",
		},
		{name: "Empty marked unset", dsn: "", want: "(unset)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redactDSN(tt.dsn); got != tt.want {
				t.Errorf("redactDSN(%s) = %s, want %s", tt.dsn, got, tt.want)
			}
		})
	}
}

func TestEnsureDirectory(t *testing.T) {
	t.Run("Creates missing directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "derived")
		if err := ensureDirectory(path, "derived"); err != nil {
			t.Fatalf("ensureDirectory() unexpected error: %v", err)
		}
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			t.Errorf("directory not created: %v", err)
		}
	})

	t.Run("Accepts existing directory", func(t *testing.T) {
		if err := ensureDirectory(t.TempDir(), "originals"); err != nil {
			t.Errorf("ensureDirectory() unexpected error: %v", err)
		}
	})

	t.Run("Rejects file at path", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "collision")
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("failed to create file: %v", err)
		}
		if err := ensureDirectory(path, "originals"); err == nil {
			t.Error("ensureDirectory() should reject a regular file")
		}
	})
}

func TestGetRoutes(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/health", nil).Methods("GET")
	r.HandleFunc("/api/v1/worker/telemetry/snapshot", nil).Methods("GET")
	r.HandleFunc("/api/v1/worker/settings/encoding-profile", nil).Methods("GET", "PUT")

	routes, err := GetRoutes(r)
	if err != nil {
		t.Fatalf("GetRoutes() unexpected error: %v", err)
	}
	if len(routes) != 4 {
		t.Fatalf("GetRoutes() = %d routes, want 4", len(routes))
	}

	seen := map[string]bool{}
	for _, route := range routes {
		seen[route.Method+" "+route.Path] = true
	}
	for _, want := range []string{
		"GET /health",
		"GET /api/v1/worker/telemetry/snapshot",
		"GET /api/v1/worker/settings/encoding-profile",
		"PUT /api/v1/worker/settings/encoding-profile",
	} {
		if !seen[want] {
			t.Errorf("missing route %s", want)
		}
	}
}
