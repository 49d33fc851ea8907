package devstack

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/inkwellhq/inkwell/internal/testutil"
)

func TestFindService(t *testing.T) {
	m := &Manager{prefix: "inkwell"}
	m.services = []service{
		{name: "inkwell-postgres"},
		{name: "inkwell-redis"},
	}

	tests := []struct {
		name    string
		query   string
		want    string
		wantErr bool
	}{
		{name: "short name", query: "postgres", want: "inkwell-postgres"},
		{name: "full name", query: "inkwell-redis", want: "inkwell-redis"},
		{name: "unknown", query: "mysql", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := m.findService(tt.query)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("findService(%q) expected error", tt.query)
				}
				return
			}
			if err != nil {
				t.Fatalf("findService(%q) error = %v", tt.query, err)
			}
			if svc.name != tt.want {
				t.Errorf("findService(%q) = %s, want %s", tt.query, svc.name, tt.want)
			}
		})
	}
}

// TestStack_Integration exercises the full container lifecycle against a
// real Docker daemon. Set INKWELL_TEST_DOCKER=1 to run it.
func TestStack_Integration(t *testing.T) {
	if os.Getenv("INKWELL_TEST_DOCKER") == "" {
		t.Skip("INKWELL_TEST_DOCKER not set; skipping Docker integration test")
	}

	// Register cleanup for test containers
	_ = testutil.DockerClient(t)

	ctx := context.Background()
	pgPort, err := testutil.FindFreePort()
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	redisPort, err := testutil.FindFreePort()
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}

	mgr, err := NewManager(Config{
		NamePrefix:   testutil.UniqueContainerName(t, "stack"),
		PostgresPort: pgPort,
		RedisPort:    redisPort,
		Labels:       testutil.ContainerLabels(t),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer mgr.Close()

	t.Run("Up", func(t *testing.T) {
		if err := mgr.Up(ctx); err != nil {
			t.Fatalf("Up() error = %v", err)
		}

		statuses, err := mgr.Status(ctx)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if len(statuses) != 2 {
			t.Fatalf("expected 2 services, got %d", len(statuses))
		}
		for _, s := range statuses {
			if s.Status != StatusRunning {
				t.Errorf("%s: expected running, got %s", s.Name, s.Status)
			}
		}
	})

	t.Run("Up_AlreadyRunning", func(t *testing.T) {
		if err := mgr.Up(ctx); err != nil {
			t.Errorf("Up() on running stack should succeed: %v", err)
		}
	})

	t.Run("Logs", func(t *testing.T) {
		logs, err := mgr.Logs(ctx, "postgres", "10")
		if err != nil {
			t.Fatalf("Logs() error = %v", err)
		}
		if len(logs) == 0 {
			t.Error("expected some log output")
		}
	})

	t.Run("Logs_UnknownService", func(t *testing.T) {
		if _, err := mgr.Logs(ctx, "mysql", "10"); err == nil {
			t.Error("expected error for unknown service")
		}
	})

	t.Run("Down", func(t *testing.T) {
		if err := mgr.Down(ctx); err != nil {
			t.Fatalf("Down() error = %v", err)
		}

		statuses, err := mgr.Status(ctx)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		for _, s := range statuses {
			if s.Status != StatusStopped {
				t.Errorf("%s: expected stopped, got %s", s.Name, s.Status)
			}
		}
	})

	t.Run("Down_AlreadyStopped", func(t *testing.T) {
		if err := mgr.Down(ctx); err != nil {
			t.Errorf("Down() on stopped stack should succeed: %v", err)
		}
	})

	t.Run("Restart", func(t *testing.T) {
		if err := mgr.Up(ctx); err != nil {
			t.Fatalf("Up() error = %v", err)
		}

		statuses, err := mgr.Status(ctx)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		for _, s := range statuses {
			if s.Status != StatusRunning {
				t.Errorf("%s: expected running, got %s", s.Name, s.Status)
			}
			if !strings.Contains(s.Addr, "127.0.0.1:") {
				t.Errorf("%s: expected loopback address, got %s", s.Name, s.Addr)
			}
		}
	})

	t.Run("Remove", func(t *testing.T) {
		if err := mgr.Remove(ctx); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}

		statuses, err := mgr.Status(ctx)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		for _, s := range statuses {
			if s.Status != StatusNotFound {
				t.Errorf("%s: expected not_found, got %s", s.Name, s.Status)
			}
		}
	})

	t.Run("Remove_NotFound", func(t *testing.T) {
		if err := mgr.Remove(ctx); err != nil {
			t.Errorf("Remove() on missing containers should succeed: %v", err)
		}
	})
}
