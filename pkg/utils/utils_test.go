package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func fastRetryConfig() *RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

func TestRetryWithBackoff(t *testing.T) {
	t.Run("SuccessfulOperation", func(t *testing.T) {
		attempts := 0
		operation := func() error {
			attempts++
			if attempts < 2 {
				return errors.New("temporary error")
			}
			return nil
		}

		err := RetryWithBackoff(context.Background(), operation, fastRetryConfig())
		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
	})

	t.Run("MaxAttemptsExceeded", func(t *testing.T) {
		attempts := 0
		persistent := errors.New("persistent error")
		operation := func() error {
			attempts++
			return persistent
		}

		err := RetryWithBackoff(context.Background(), operation, fastRetryConfig())
		require.Error(t, err)
		assert.ErrorIs(t, err, persistent)
		assert.Equal(t, DefaultRetryConfig().MaxAttempts, attempts)
	})

	t.Run("NonRetryableError", func(t *testing.T) {
		retryable := errors.New("retryable")
		fatal := errors.New("fatal")
		cfg := fastRetryConfig()
		cfg.RetryableErrors = []error{retryable}

		attempts := 0
		err := RetryWithBackoff(context.Background(), func() error {
			attempts++
			return fatal
		}, cfg)
		assert.ErrorIs(t, err, fatal)
		assert.Equal(t, 1, attempts)
	})

	t.Run("FatalErrorStopsRetries", func(t *testing.T) {
		duplicate := errors.New("duplicate")
		cfg := fastRetryConfig()
		cfg.FatalErrors = []error{duplicate}

		attempts := 0
		err := RetryWithBackoff(context.Background(), func() error {
			attempts++
			return fmt.Errorf("append: %w", duplicate)
		}, cfg)
		assert.ErrorIs(t, err, duplicate)
		assert.Equal(t, 1, attempts)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0
		operation := func() error {
			attempts++
			cancel()
			return errors.New("error")
		}

		err := RetryWithBackoff(ctx, operation, DefaultRetryConfig())
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
	})
}

func TestSafeGo(t *testing.T) {
	logger := zap.NewExample()

	t.Run("NormalExecution", func(t *testing.T) {
		executed := make(chan bool)
		SafeGo(logger, func() {
			executed <- true
		})
		assert.True(t, <-executed)
	})

	t.Run("PanicRecovery", func(t *testing.T) {
		recovered := make(chan bool)
		SafeGo(logger, func() {
			defer func() {
				recovered <- true
			}()
			panic("test panic")
		})
		assert.True(t, <-recovered)
	})
}

func TestGenerateRandomBytes(t *testing.T) {
	a, err := GenerateRandomBytes(32)
	require.NoError(t, err)
	b, err := GenerateRandomBytes(32)
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.01, Clamp(0.001, 0.01, 10))
	assert.Equal(t, 10.0, Clamp(42, 0.01, 10))
	assert.Equal(t, 3.5, Clamp(3.5, 0.01, 10))
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultLogConfig()
	cfg.OutputPath = filepath.Join(t.TempDir(), "nested", "gov.log")
	cfg.Level = "debug"
	cfg.Fields = map[string]string{"service": "governanced"}

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	logger.Info("Engine started", zap.String("component", "test"))
	require.NoError(t, logger.Sync())

	content, err := os.ReadFile(cfg.OutputPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"msg":"Engine started"`)
	assert.Contains(t, string(content), `"service":"governanced"`)

	t.Run("InvalidLevel", func(t *testing.T) {
		bad := DefaultLogConfig()
		bad.OutputPath = filepath.Join(t.TempDir(), "gov.log")
		bad.Level = "loud"
		_, err := NewLogger(bad)
		assert.Error(t, err)
	})
}

func TestLogWriter(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	w := NewLogWriter(zap.New(core), zapcore.WarnLevel)

	input := []byte("first line\nsecond line\n\n")
	n, err := w.Write(input)
	require.NoError(t, err)
	assert.Equal(t, len(input), n)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "first line", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}
