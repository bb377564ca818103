package logging

import "testing"

func TestNewLevels(t *testing.T) {
	t.Setenv("DEBUG", "")

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: Config{}},
		{name: "console", cfg: Config{Level: "warn", Format: "console"}},
		{name: "stderr json", cfg: Config{Level: "debug", Stderr: true}},
		{name: "bad level", cfg: Config{Level: "loud"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			logger.Info("hello")
		})
	}
}

func TestDebugEnvOverridesLevel(t *testing.T) {
	t.Setenv("DEBUG", "1")
	logger, err := New(Config{Level: "error", Stderr: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Error("expected debug level to be enabled")
	}
}
