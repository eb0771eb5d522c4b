package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "")
	t.Setenv("PULL_PAGE_SIZE", "")
	t.Setenv("PROBE_ADDRS", "")

	cfg := Load()
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, 1000, cfg.PullPageSize)
	assert.Equal(t, 20, cfg.PullMaxPages)
	assert.Equal(t, 7, cfg.PullLookbackDays)
	assert.Equal(t, []string{"1.1.1.1:53", "8.8.8.8:53"}, cfg.ProbeAddrs)
	assert.Equal(t, "amend", cfg.CheckoutMode)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "45s")
	t.Setenv("PULL_PAGE_SIZE", "250")
	t.Setenv("PROBE_ADDRS", " 10.0.0.1:80 , ,10.0.0.2:443")
	t.Setenv("FORCE_OFFLINE", "yes")
	t.Setenv("SCAN_COOLDOWN", "not-a-duration")

	cfg := Load()
	assert.Equal(t, 45*time.Second, cfg.SyncInterval)
	assert.Equal(t, 250, cfg.PullPageSize)
	assert.Equal(t, []string{"10.0.0.1:80", "10.0.0.2:443"}, cfg.ProbeAddrs)
	assert.True(t, cfg.ForceOffline)
	assert.Equal(t, 5*time.Second, cfg.ScanCooldown)
}

func TestLocation_FallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, App{Timezone: "Mars/Olympus"}.Location())
	assert.Equal(t, "UTC", App{Timezone: "UTC"}.Location().String())
}

func TestLoadShifts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shifts.yaml")
	doc := `shifts:
  - name: Morning
    checkin_start: "08:30"
    checkin_end: "10:00"
    checkout_start: "12:00"
    checkout_end: "13:30:30"
  - name: Night
    checkin_start: "22:00"
    checkin_end: "02:00"
    checkout_start: "05:00"
    checkout_end: "07:00"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	defs, err := App{ShiftsFile: path}.Shifts()
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "Morning", defs[0].Name)
	assert.Equal(t, "08:30-10:00", defs[0].Checkin.String())
	assert.Equal(t, "12:00-13:30:30", defs[0].Checkout.String())
	assert.True(t, defs[1].Checkin.Wraps())
}

func TestLoadShifts_Invalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("shifts:\n  - name: X\n    checkin_start: noon\n"), 0o644))
	_, err := LoadShifts(bad)
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("shifts: []\n"), 0o644))
	_, err = LoadShifts(empty)
	assert.Error(t, err)

	defs, err := App{}.Shifts()
	require.NoError(t, err)
	assert.Len(t, defs, 2)
}
