package workers

import (
	"os"
	"runtime"
	"testing"
)

func TestCount(t *testing.T) {
	// Save and restore original environment
	originalEnv := os.Getenv("WORKER_COUNT")
	defer func() {
		if originalEnv != "" {
			os.Setenv("WORKER_COUNT", originalEnv)
		} else {
			os.Unsetenv("WORKER_COUNT")
		}
	}()

	os.Unsetenv("WORKER_COUNT")

	availableCPU := runtime.GOMAXPROCS(0)

	tests := []struct {
		name       string
		multiplier float64
		limit      int
		minExpect  int
		maxExpect  int
	}{
		{
			name:       "CPU-bound task (1.0x multiplier)",
			multiplier: 1.0,
			limit:      0,
			minExpect:  1,
			maxExpect:  availableCPU,
		},
		{
			name:       "I/O-bound task (2.0x multiplier)",
			multiplier: 2.0,
			limit:      0,
			minExpect:  1,
			maxExpect:  availableCPU * 2,
		},
		{
			name:       "With limit lower than calculated",
			multiplier: 2.0,
			limit:      2,
			minExpect:  1,
			maxExpect:  2,
		},
		{
			name:       "Tiny multiplier floors at one worker",
			multiplier: 0.01,
			limit:      0,
			minExpect:  1,
			maxExpect:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Count(tt.multiplier, tt.limit)
			if got < tt.minExpect || got > tt.maxExpect {
				t.Errorf("Count(%v, %d) = %d, want between %d and %d",
					tt.multiplier, tt.limit, got, tt.minExpect, tt.maxExpect)
			}
		})
	}
}

func TestCountEnvOverride(t *testing.T) {
	originalEnv := os.Getenv("WORKER_COUNT")
	defer func() {
		if originalEnv != "" {
			os.Setenv("WORKER_COUNT", originalEnv)
		} else {
			os.Unsetenv("WORKER_COUNT")
		}
	}()

	tests := []struct {
		name     string
		override string
		limit    int
		want     int
	}{
		{name: "Override respected", override: "7", limit: 0, want: 7},
		{name: "Override capped by limit", override: "7", limit: 3, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Setenv("WORKER_COUNT", tt.override)
			if got := Count(1.0, tt.limit); got != tt.want {
				t.Errorf("Count() = %d, want %d", got, tt.want)
			}
		})
	}

	t.Run("Invalid override falls back to calculation", func(t *testing.T) {
		os.Setenv("WORKER_COUNT", "not-a-number")
		if got := Count(1.0, 0); got < 1 {
			t.Errorf("Count() = %d, want at least 1", got)
		}
	})
}

func TestForCPUAndForIO(t *testing.T) {
	cpu := ForCPU(0)
	io := ForIO(0)
	if cpu < 1 || io < 1 {
		t.Errorf("ForCPU = %d, ForIO = %d, both must be at least 1", cpu, io)
	}
	if io < cpu {
		t.Errorf("ForIO (%d) should be at least ForCPU (%d)", io, cpu)
	}
}
