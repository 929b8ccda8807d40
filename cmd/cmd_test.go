package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pricing-webhooks/internal/config"
)

type fakePurger struct {
	before time.Time
	closed bool
}

func (f *fakePurger) Purge(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return 7, nil
}

func (f *fakePurger) Close() { f.closed = true }

// These tests swap package-level hooks and must not run in parallel.

func TestPurgeUsesRetentionOverride(t *testing.T) {
	fake := &fakePurger{}
	origLoad, origOpen := loadConfig, openPurger
	t.Cleanup(func() { loadConfig, openPurger = origLoad, origOpen })

	loadConfig = func(string) (config.Config, error) {
		cfg := config.Config{}
		cfg.Database.Driver = config.DriverPostgres
		cfg.Retention.PurgeAfter = 24 * time.Hour
		return cfg, nil
	}
	openPurger = func(context.Context, config.Config) (purger, error) { return fake, nil }

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"purge", "--older-than", "1h"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	require.True(t, fake.closed)
	require.WithinDuration(t, time.Now().Add(-time.Hour), fake.before, time.Minute)
	require.Contains(t, out.String(), "deleted 7 events")
}

func TestPurgeRequiresPostgres(t *testing.T) {
	origLoad := loadConfig
	t.Cleanup(func() { loadConfig = origLoad })
	loadConfig = func(string) (config.Config, error) {
		cfg := config.Config{}
		cfg.Database.Driver = config.DriverMemory
		cfg.Retention.PurgeAfter = time.Hour
		return cfg, nil
	}

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"purge"})
	require.ErrorContains(t, root.ExecuteContext(context.Background()), "database.driver")
}

func TestRootRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["serve"])
	require.True(t, names["purge"])
}
