package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/lookupd/catalog"
	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/discovery"
	"github.com/ceyewan/lookupd/registry"
	"github.com/ceyewan/lookupd/testkit"
)

const sampleConfig = `
log:
  level: warn
http:
  addr: "127.0.0.1:0"
registry:
  member_groups: ["office", "lab"]
  min_renewal_interval: 250ms
  snapshot_threshold: 50
discovery:
  disable_multicast: true
  callback_limit:
    rate: 2
    burst: 4
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "lookupd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleConfig)
	t.Setenv("LOOKUPD_REGISTRY_STORAGE_DIR", "/tmp/lookupd-env")

	loader, cfg, err := loadConfig(t.Context(), path, clog.Discard())
	require.NoError(t, err)
	assert.Equal(t, path, loader.ConfigFileUsed())

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "127.0.0.1:0", cfg.HTTP.Addr)
	assert.Equal(t, []string{"office", "lab"}, cfg.Registry.MemberGroups)
	assert.Equal(t, 250*time.Millisecond, cfg.Registry.MinRenewalInterval)
	assert.Equal(t, 50, cfg.Registry.SnapshotThreshold)
	assert.Equal(t, "/tmp/lookupd-env", cfg.Registry.StorageDir)
	assert.True(t, cfg.Discovery.DisableMulticast)
	assert.Equal(t, 2.0, cfg.Discovery.CallbackLimit.Rate)
	assert.Equal(t, 4, cfg.Discovery.CallbackLimit.Burst)
	assert.Nil(t, cfg.Listener.NATS)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Trace.Enabled)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, _, err := loadConfig(t.Context(), filepath.Join(t.TempDir(), "nope.yaml"), clog.Discard())
	assert.Error(t, err)
}

func TestInspect(t *testing.T) {
	dir := testkit.TempStorage(t)
	reg, err := registry.New(&registry.Config{StorageDir: dir, NoFsync: true, MemberGroups: []string{"office"}})
	require.NoError(t, err)

	printer := &catalog.TypeDesc{Name: "office.Printer"}
	res, err := reg.Register(t.Context(), &registry.ServiceItem{
		Type:       printer,
		Attributes: []*registry.Entry{{Class: catalog.NewClassDesc("lookupd.Name", nil, "name"), Fields: []any{"lobby"}}},
	}, registry.LeaseAny)
	require.NoError(t, err)
	id := reg.Identity().ServiceID
	require.NoError(t, reg.Close())

	before, err := os.ReadDir(dir)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, inspect(t.Context(), dir, &buf))

	var got inspection
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, id, got.Identity.ServiceID)
	assert.Equal(t, []string{"office"}, got.Identity.MemberGroups)
	assert.Equal(t, 1, got.Stats.Services)
	require.Len(t, got.Services, 1)
	assert.Equal(t, res.ServiceID, got.Services[0].ServiceID)
	assert.Equal(t, "office.Printer", got.Services[0].Type.Name)

	after, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after), "inspect must not touch the storage dir")
}

func TestInspectMissingDir(t *testing.T) {
	err := inspect(t.Context(), filepath.Join(t.TempDir(), "missing"), &bytes.Buffer{})
	assert.Error(t, err)
}

func TestDiscoverUnicast(t *testing.T) {
	id := registry.Identity{ServiceID: uuid.New(), MemberGroups: []string{"office"}, UnicastPort: 0}
	cfg := &discovery.Config{Host: "127.0.0.1", BindHost: "127.0.0.1", DisableMulticast: true}
	e, err := discovery.New(cfg, id)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = e.Close()
	})
	require.Eventually(t, func() bool { return e.Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	var buf bytes.Buffer
	err = discover(t.Context(), cfg, discoverFlags{unicast: e.Addr().String(), timeout: 2 * time.Second}, &buf)
	require.NoError(t, err)

	var resp discovery.Response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, id.ServiceID, resp.ServiceID)
	assert.Equal(t, []string{"office"}, resp.Groups)
}

func TestWatchTunables(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)

	loader, cfg, err := loadConfig(t.Context(), path, clog.Discard())
	require.NoError(t, err)
	reg := testkit.NewRegistry(t, &cfg.Registry)
	assert.Equal(t, 250*time.Millisecond, reg.MinRenewalInterval())

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- watchTunables(ctx, loader, reg, clog.Discard()) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// 给 watch 注册留出时间
	time.Sleep(100 * time.Millisecond)
	updated := replaceLine(sampleConfig, "  min_renewal_interval: 250ms", "  min_renewal_interval: 2s")
	updated = replaceLine(updated, "  snapshot_threshold: 50", "  snapshot_threshold: 80")
	writeConfig(t, dir, updated)

	assert.Eventually(t, func() bool {
		return reg.MinRenewalInterval() == 2*time.Second && reg.SnapshotThreshold() == 80
	}, 5*time.Second, 20*time.Millisecond)
}

func replaceLine(s, old, repl string) string {
	return strings.Replace(s, old, repl, 1)
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()
	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "inspect", "discover"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}
