package main

import (
	"flag"
	"os"
	"strings"
	"testing"
	"time"
)

// validConfig returns a config that passes validation.
func validConfig() Config {
	return Config{
		WatchlistPath:     "watchlist.json",
		FeedURL:           "wss://feed.example.com/v3",
		FeedAccessToken:   "token",
		MarketOpen:        "09:15",
		PrepLead:          time.Second * 30,
		EntryWindow:       time.Minute * 4,
		EndOfDay:          "15:15",
		FlatGapThreshold:  0.003,
		MaxGapUp:          0.05,
		LowViolationFrac:  0.01,
		StopLossFrac:      0.04,
		ProfitTriggerFrac: 0.05,
		PositionCap:       2,
		TimeZone:          "Asia/Kolkata",
		TradeLogDir:       "logs/trades",
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(cfg *Config)
		wantErr []string
	}{
		{
			name:    "valid config",
			modify:  func(cfg *Config) {},
			wantErr: nil,
		},
		{
			name:    "missing watchlist path",
			modify:  func(cfg *Config) { cfg.WatchlistPath = "" },
			wantErr: []string{"watchlist path cannot be an empty string"},
		},
		{
			name:    "missing feed url",
			modify:  func(cfg *Config) { cfg.FeedURL = "" },
			wantErr: []string{"feed url cannot be an empty string"},
		},
		{
			name:    "missing feed access token",
			modify:  func(cfg *Config) { cfg.FeedAccessToken = "" },
			wantErr: []string{"feed access token cannot be an empty string"},
		},
		{
			name:    "malformed market open",
			modify:  func(cfg *Config) { cfg.MarketOpen = "9am" },
			wantErr: []string{"parsing market open"},
		},
		{
			name:    "malformed end of day",
			modify:  func(cfg *Config) { cfg.EndOfDay = "late" },
			wantErr: []string{"parsing end of day"},
		},
		{
			name:    "non-positive prep lead",
			modify:  func(cfg *Config) { cfg.PrepLead = 0 },
			wantErr: []string{"prep lead must be positive"},
		},
		{
			name:    "non-positive entry window",
			modify:  func(cfg *Config) { cfg.EntryWindow = 0 },
			wantErr: []string{"entry window must be positive"},
		},
		{
			name:    "flat gap threshold above the gap up cap",
			modify:  func(cfg *Config) { cfg.FlatGapThreshold = 0.06 },
			wantErr: []string{"max gap up must exceed the flat gap threshold"},
		},
		{
			name:    "stop loss fraction out of range",
			modify:  func(cfg *Config) { cfg.StopLossFrac = 1.5 },
			wantErr: []string{"stop loss fraction must be in (0, 1)"},
		},
		{
			name:    "non-positive position cap",
			modify:  func(cfg *Config) { cfg.PositionCap = 0 },
			wantErr: []string{"position cap must be positive"},
		},
		{
			name:    "unknown time zone",
			modify:  func(cfg *Config) { cfg.TimeZone = "Mars/Olympus" },
			wantErr: []string{"loading time zone"},
		},
		{
			name: "multiple errors accumulate",
			modify: func(cfg *Config) {
				cfg.WatchlistPath = ""
				cfg.FeedURL = ""
			},
			wantErr: []string{
				"watchlist path cannot be an empty string",
				"feed url cannot be an empty string",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)

			err := cfg.Validate()
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Errorf("expected no error, got: %v", err)
				}
				return
			}

			if err == nil {
				t.Fatalf("expected error(s) %v, got none", tt.wantErr)
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("expected error to contain %q, got %v", want, err)
				}
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	// Save and restore original os.Args and environment
	origArgs := os.Args
	origEnv := os.Environ()
	defer func() {
		os.Args = origArgs
		for _, kv := range origEnv {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) == 2 {
				os.Setenv(parts[0], parts[1])
			}
		}
	}()

	configEnvKeys := []string{"watchlistpath", "feedurl", "feedaccesstoken",
		"marketopen", "preplead", "entrywindow", "endofday", "positioncap"}

	tests := []struct {
		name        string
		env         map[string]string
		args        []string
		expectErr   bool
		expectInErr []string
		check       func(t *testing.T, cfg *Config)
	}{
		{
			name: "required fields from env, defaults for the rest",
			env: map[string]string{
				"watchlistpath":   "watchlist.json",
				"feedurl":         "wss://feed.example.com/v3",
				"feedaccesstoken": "token",
			},
			args: []string{"cmd"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.MarketOpen != "09:15" {
					t.Errorf("MarketOpen: got %v, want 09:15", cfg.MarketOpen)
				}
				if cfg.EndOfDay != "15:15" {
					t.Errorf("EndOfDay: got %v, want 15:15", cfg.EndOfDay)
				}
				if cfg.EntryWindow != time.Minute*4 {
					t.Errorf("EntryWindow: got %v, want 4m", cfg.EntryWindow)
				}
				if cfg.FlatGapThreshold != 0.003 {
					t.Errorf("FlatGapThreshold: got %v, want 0.003", cfg.FlatGapThreshold)
				}
				if cfg.PositionCap != 2 {
					t.Errorf("PositionCap: got %v, want 2", cfg.PositionCap)
				}
				if cfg.TimeZone != "Asia/Kolkata" {
					t.Errorf("TimeZone: got %v, want Asia/Kolkata", cfg.TimeZone)
				}
			},
		},
		{
			name: "flags override env",
			env: map[string]string{
				"watchlistpath":   "watchlist.json",
				"feedurl":         "wss://feed.example.com/v3",
				"feedaccesstoken": "token",
				"positioncap":     "2",
			},
			args: []string{"cmd", "-positioncap=3", "-entrywindow=10m"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.PositionCap != 3 {
					t.Errorf("PositionCap: got %v, want 3", cfg.PositionCap)
				}
				if cfg.EntryWindow != time.Minute*10 {
					t.Errorf("EntryWindow: got %v, want 10m", cfg.EntryWindow)
				}
			},
		},
		{
			name:      "missing required fields",
			env:       map[string]string{},
			args:      []string{"cmd"},
			expectErr: true,
			expectInErr: []string{
				"watchlist path cannot be an empty string",
				"feed url cannot be an empty string",
				"feed access token cannot be an empty string",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Reset flags for each test
			flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

			// Clear config env vars so cases do not leak into each other.
			for _, key := range configEnvKeys {
				os.Unsetenv(key)
			}

			// Set environment variables
			for k, v := range tt.env {
				os.Setenv(k, v)
			}

			// Set command-line arguments
			os.Args = tt.args

			var cfg Config
			err := loadConfig(&cfg, "") // don't load .env file

			if tt.expectErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				for _, want := range tt.expectInErr {
					if !strings.Contains(err.Error(), want) {
						t.Errorf("expected error to contain %q, got %v", want, err)
					}
				}
			} else {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				tt.check(t, &cfg)
			}

			// Clean up env
			for k := range tt.env {
				os.Unsetenv(k)
			}
		})
	}
}
