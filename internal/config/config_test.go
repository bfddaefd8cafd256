package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Scandie/openprocurement.auction.dutch/internal/config"
)

const minimal = `
auction:
  tender_id: "UA-11111"
resource_api:
  url: "https://api.example.com/api/2.5/tenders"
`

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		check   func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "valid full config",
			yaml: `
auction:
  tender_id: "UA-22222"
  sandbox: true
  dutch_steps: 12
  save_timeout: 3s
resource_api:
  url: "https://api.example.com/api/2.5/tenders/"
  token: "api-token"
  timeout: 2s
database:
  host: "db.example.com"
  port: 5433
  user: "auction"
  password: "secret"
  dbname: "auctions"
  sslmode: "require"
  driver: "postgres"
server:
  port: 9090
telemetry:
  service_name: "my-auction"
  otlp_endpoint: "localhost:4318"
notify:
  enabled: true
  addr: "redis:6379"
`,
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.Auction.TenderID != "UA-22222" || !cfg.Auction.Sandbox {
					t.Errorf("got auction %+v", cfg.Auction)
				}
				if cfg.Auction.DutchSteps != 12 {
					t.Errorf("got dutch steps %d, want 12", cfg.Auction.DutchSteps)
				}
				if cfg.Auction.SaveTimeout != 3*time.Second {
					t.Errorf("got save timeout %v, want 3s", cfg.Auction.SaveTimeout)
				}
				if cfg.ResourceAPI.Token != "api-token" {
					t.Errorf("got token %q, want %q", cfg.ResourceAPI.Token, "api-token")
				}
				if got := cfg.ResourceAPI.TenderURL("UA-22222"); got != "https://api.example.com/api/2.5/tenders/UA-22222" {
					t.Errorf("got tender url %q", got)
				}
				if cfg.Database.Port != 5433 {
					t.Errorf("got db port %d, want %d", cfg.Database.Port, 5433)
				}
				if cfg.Server.Port != 9090 {
					t.Errorf("got server port %d, want %d", cfg.Server.Port, 9090)
				}
				if !cfg.Notify.Enabled || cfg.Notify.Addr != "redis:6379" {
					t.Errorf("got notify %+v", cfg.Notify)
				}
			},
		},
		{
			name: "defaults applied",
			yaml: minimal,
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.Database.Host != "localhost" || cfg.Database.Port != 5432 {
					t.Errorf("got db %s:%d, want localhost:5432", cfg.Database.Host, cfg.Database.Port)
				}
				if cfg.Database.Driver != "postgres" {
					t.Errorf("got driver %q, want %q", cfg.Database.Driver, "postgres")
				}
				if cfg.Server.Port != 8080 {
					t.Errorf("got server port %d, want %d", cfg.Server.Port, 8080)
				}
				if cfg.Telemetry.ServiceName != "insiderauction" {
					t.Errorf("got service name %q, want %q", cfg.Telemetry.ServiceName, "insiderauction")
				}
				if cfg.Auction.Sandbox {
					t.Error("sandbox should default to false")
				}
				if cfg.ResourceAPI.Timeout != 10*time.Second {
					t.Errorf("got timeout %v, want 10s", cfg.ResourceAPI.Timeout)
				}
				if cfg.Notify.Enabled {
					t.Error("notify should default to disabled")
				}
			},
		},
		{
			name: "environment overrides secrets",
			yaml: minimal + `
database:
  password: "from-file"
`,
			env: map[string]string{
				"RESOURCE_API_TOKEN": "env-token",
				"DATABASE_PASSWORD":  "env-pass",
				"REDIS_PASSWORD":     "env-redis",
			},
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.ResourceAPI.Token != "env-token" {
					t.Errorf("got token %q, want %q", cfg.ResourceAPI.Token, "env-token")
				}
				if cfg.Database.Password != "env-pass" {
					t.Errorf("got db password %q, want %q", cfg.Database.Password, "env-pass")
				}
				if cfg.Notify.Password != "env-redis" {
					t.Errorf("got redis password %q, want %q", cfg.Notify.Password, "env-redis")
				}
			},
		},
		{
			name: "memory driver accepted",
			yaml: minimal + `
database:
  driver: "memory"
`,
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				if cfg.Database.Driver != "memory" {
					t.Errorf("got driver %q, want %q", cfg.Database.Driver, "memory")
				}
			},
		},
		{
			name:    "invalid yaml",
			yaml:    `{{{invalid`,
			wantErr: true,
		},
		{
			name: "invalid driver rejected",
			yaml: minimal + `
database:
  driver: "mongodb"
`,
			wantErr: true,
		},
		{
			name: "missing tender id rejected",
			yaml: `
resource_api:
  url: "https://api.example.com"
`,
			wantErr: true,
		},
		{
			name: "missing resource url rejected",
			yaml: `
auction:
  tender_id: "UA-1"
`,
			wantErr: true,
		},
		{
			name: "negative dutch steps rejected",
			yaml: `
auction:
  tender_id: "UA-1"
  dutch_steps: -1
resource_api:
  url: "https://api.example.com"
`,
			wantErr: true,
		},
		{
			name: "unbounded upstream retry rejected",
			yaml: `
auction:
  tender_id: "UA-1"
resource_api:
  url: "https://api.example.com"
  max_elapsed: 0s
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			dir := t.TempDir()
			path := filepath.Join(dir, "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}

			cfg, err := config.Load(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil && cfg != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := config.Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	cfg := config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "user",
		Password: "pass",
		DBName:   "testdb",
		SSLMode:  "disable",
	}
	want := "host=localhost port=5432 user=user password=pass dbname=testdb sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
