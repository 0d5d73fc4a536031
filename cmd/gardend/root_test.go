//go:build !rp2040 && !rp2350

package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunRejectsMissingConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	require.Error(t, run(context.Background(), options{configPath: path, speed: 1}))
}

func TestRunRejectsBadFlags(t *testing.T) {
	require.Error(t, run(context.Background(), options{speed: 0}))
	require.Error(t, run(context.Background(), options{speed: 1, logLevel: "loud"}))
}
