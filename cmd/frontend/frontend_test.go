package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vio.frontend/internal/config"
	"github.com/banshee-data/vio.frontend/internal/vio/estimator"
	"github.com/banshee-data/vio.frontend/internal/vio/publish"
)

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, "", *configPath)
	assert.False(t, *devMode)
	assert.Equal(t, "", *listen)
	assert.Equal(t, "", *recordPath)
}

func TestLoadConfig_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "localhost:8090", cfg.GetHTTPListen())
	assert.Equal(t, 1, cfg.GetNumCameras())

	_, err = loadConfig("frontend.yaml")
	assert.Error(t, err)
}

func TestApplyFlags(t *testing.T) {
	old := *listen
	t.Cleanup(func() { *listen = old })
	*listen = "127.0.0.1:9999"

	cfg := config.MustLoadDefaultConfig()
	applyFlags(cfg)
	assert.Equal(t, "127.0.0.1:9999", cfg.GetHTTPListen())
	assert.Equal(t, "localhost:50061", cfg.GetGRPCListen())
}

func TestEstimatorConfig(t *testing.T) {
	assert.Equal(t, estimator.DefaultConfig(), estimatorConfig(&config.FrontendConfig{}))

	warmup, distance := 0, 0.0
	cfg := &config.FrontendConfig{WarmupFrames: &warmup, KeyframeDistance: &distance}
	require.NoError(t, cfg.Validate())

	ec := estimatorConfig(cfg)
	assert.Equal(t, 0, ec.WarmupFrames)
	assert.Equal(t, 0.0, ec.KeyframeDistance)
	_, err := estimator.NewDeadReckoning(ec)
	assert.NoError(t, err)
}

func TestRun_DevMode(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the full front end for two seconds")
	}
	dbPath := filepath.Join(t.TempDir(), "trajectory.db")
	httpAddr, grpcAddr, warmup, stats := "127.0.0.1:0", "127.0.0.1:0", 2, "0s"
	cfg := &config.FrontendConfig{
		HTTPListen:    &httpAddr,
		GRPCListen:    &grpcAddr,
		RecorderPath:  &dbPath,
		WarmupFrames:  &warmup,
		StatsInterval: &stats,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, true) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("front end did not shut down")
	}

	rec, err := publish.OpenRecorder(dbPath, publish.RecorderOptions{})
	require.NoError(t, err)
	defer rec.Close()
	frames, err := rec.Frames("", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, frames)
}
