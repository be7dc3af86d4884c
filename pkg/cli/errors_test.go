package cli

import (
	"errors"
	"fmt"
	"testing"

	"mercator-hq/tokengate/pkg/config"
)

func TestConfigError(t *testing.T) {
	err := NewConfigError("bucket.capacity", errors.New("must be positive"))

	expected := "config error in bucket.capacity: must be positive"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}

	bare := &ConfigError{Message: "no config file"}
	if bare.Error() != "config error: no config file" {
		t.Errorf("Error() = %q", bare.Error())
	}
}

func TestCommandErrorUnwrap(t *testing.T) {
	underlying := errors.New("database locked")
	err := NewCommandError("migrate", underlying)

	if err.Error() != "migrate failed: database locked" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, underlying) {
		t.Error("errors.Is() should see the wrapped error")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"plain", errors.New("boom"), ExitFailure},
		{"command", NewCommandError("run", errors.New("boom")), ExitFailure},
		{"config", NewConfigError("", errors.New("bad yaml")), ExitConfig},
		{
			"wrapped validation",
			fmt.Errorf("load: %w", config.ValidationError{Errors: []config.FieldError{{Field: "bucket.capacity", Message: "must be positive"}}}),
			ExitConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
