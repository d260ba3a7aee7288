package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestContextKeys(t *testing.T) {
	if PredictionIDKey != "log_prediction_id" {
		t.Errorf("PredictionIDKey = %q, want %q", PredictionIDKey, "log_prediction_id")
	}
}

func TestWithPredictionID(t *testing.T) {
	ctx := context.Background()
	id := "pred-123-abc"

	newCtx := WithPredictionID(ctx, id)

	if ctx.Value(PredictionIDKey) != nil {
		t.Error("original context should not be modified")
	}

	got := newCtx.Value(PredictionIDKey)
	if got != id {
		t.Errorf("context value = %v, want %q", got, id)
	}
}

func TestWithPredictionID_Empty(t *testing.T) {
	ctx := WithPredictionID(context.Background(), "")

	got := ctx.Value(PredictionIDKey)
	if got != "" {
		t.Errorf("context value = %v, want empty string", got)
	}
}

func TestGetPredictionID(t *testing.T) {
	tests := []struct {
		name     string
		ctx      context.Context
		expected string
	}{
		{"with prediction id", WithPredictionID(context.Background(), "pred-999"), "pred-999"},
		{"without prediction id", context.Background(), ""},
		{"empty prediction id", WithPredictionID(context.Background(), ""), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetPredictionID(tt.ctx)
			if got != tt.expected {
				t.Errorf("GetPredictionID() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetPredictionID_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), PredictionIDKey, 12345)

	got := GetPredictionID(ctx)
	if got != "" {
		t.Errorf("GetPredictionID() = %q, want empty for wrong type", got)
	}
}

func TestFromContext_NilContext(t *testing.T) {
	logger := slog.Default()
	result := FromContext(nil, logger)

	if result != logger {
		t.Error("FromContext with nil context should return original logger")
	}
}

func TestFromContext_NoPredictionID(t *testing.T) {
	logger := slog.Default()
	ctx := context.Background()

	result := FromContext(ctx, logger)

	if result != logger {
		t.Error("FromContext without prediction id should return original logger")
	}
}

func TestFromContext_WithPredictionID(t *testing.T) {
	logger := slog.Default()
	ctx := WithPredictionID(context.Background(), "pred-test-123")

	result := FromContext(ctx, logger)

	if result == logger {
		t.Error("FromContext with prediction id should return a new logger with attributes")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"Debug", slog.LevelDebug},
		{" debug ", slog.LevelDebug},

		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},

		{"warn", slog.LevelWarn},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},

		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},

		{"invalid", slog.LevelInfo},
		{"unknown", slog.LevelInfo},
		{"trace", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLogLevel(tt.input)
			if got != tt.expected {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestContextOverwrite(t *testing.T) {
	ctx := WithPredictionID(context.Background(), "pred-1")
	ctx = WithPredictionID(ctx, "pred-2")

	got := GetPredictionID(ctx)
	if got != "pred-2" {
		t.Errorf("GetPredictionID() = %q, want %q (should be overwritten)", got, "pred-2")
	}
}

func TestContextKey_Uniqueness(t *testing.T) {
	ctx := context.Background()
	ctx = context.WithValue(ctx, PredictionIDKey, "typed-value")

	rawValue := ctx.Value("log_prediction_id")
	if rawValue != nil {
		t.Error("raw string key should not match ContextKey type")
	}

	typedValue := ctx.Value(PredictionIDKey)
	if typedValue != "typed-value" {
		t.Errorf("typed key value = %v, want %q", typedValue, "typed-value")
	}
}

func TestNew(t *testing.T) {
	logger := New()
	if logger == nil {
		t.Fatal("New() should return a logger")
	}
}

func TestSetDefault(t *testing.T) {
	logger := SetDefault()
	if logger == nil {
		t.Fatal("SetDefault() should return a logger")
	}

	defaultLogger := slog.Default()
	if defaultLogger == nil {
		t.Error("slog.Default() should not be nil after SetDefault()")
	}
}
