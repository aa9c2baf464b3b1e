package provider

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  - name: calendar
    command: node
    args: ["build/index.js"]
    env:
      GOOGLE_OAUTH_CREDENTIALS: /secrets/gcp-oauth.keys.json
    server:
      command: npm
      args: ["start"]
      dir: /opt/google-calendar-mcp
      ready_url: http://localhost:3333
      start_timeout: 45s
  - name: datetime
    command: python3
    args: ["-m", "mcp_datetime"]
`), 0o600))

	configs, err := LoadConfigs(path)
	require.NoError(t, err)
	require.Len(t, configs, 2)

	calendar := configs[0]
	assert.Equal(t, "calendar", calendar.Name)
	assert.Equal(t, []string{"build/index.js"}, calendar.Args)
	require.NotNil(t, calendar.Server)
	assert.Equal(t, "http://localhost:3333", calendar.Server.ReadyURL)
	assert.Equal(t, 45*time.Second, calendar.Server.StartTimeout)

	assert.Nil(t, configs[1].Server)
}

func TestLoadConfigsRejectsInvalidEntries(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"missing name":       "providers:\n  - command: node\n",
		"missing command":    "providers:\n  - name: calendar\n",
		"server without url": "providers:\n  - name: c\n    command: node\n    server:\n      command: npm\n",
		"empty list":         "providers: []\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		_, err := LoadConfigs(path)
		assert.Error(t, err, name)
	}
}

func TestEnvSliceInjectsTimezone(t *testing.T) {
	env := EnvSlice(map[string]string{"FOO": "bar"}, "")
	assert.Contains(t, env, "FOO=bar")
	assert.Contains(t, env, "TZ="+DefaultTimezone)
	assert.Contains(t, env, "TIMEZONE="+DefaultTimezone)

	pinned := EnvSlice(map[string]string{"TZ": "UTC"}, "")
	assert.Contains(t, pinned, "TZ=UTC")
	assert.NotContains(t, pinned, "TZ="+DefaultTimezone)
}

func TestDefaultConfigsShape(t *testing.T) {
	configs := DefaultConfigs()
	require.Len(t, configs, 2)
	for _, cfg := range configs {
		assert.NoError(t, cfg.Validate())
	}
	require.NotNil(t, configs[0].Server)
	assert.Contains(t, configs[0].Server.ReadyURL, "3333")
}
