package adapters

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProxyLine(t *testing.T) {
	proxy, err := ParseProxyLine("10.0.0.1:8080:alice:s3cret")

	require.NoError(t, err)
	assert.Equal(t, Proxy{Host: "10.0.0.1", Port: "8080", User: "alice", Password: "s3cret"}, proxy)
}

func TestParseProxyLine_Malformed(t *testing.T) {
	for _, line := range []string{"", "10.0.0.1:8080", "a:b:c:d:e", "10.0.0.1::user:pass"} {
		_, err := ParseProxyLine(line)
		assert.Error(t, err, line)
	}
}

func TestLoadProxies_SkipsBadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.txt")
	content := "10.0.0.1:8080:u1:p1\n\nnot-a-proxy\n10.0.0.2:3128:u2:p2\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	proxies, err := LoadProxies(path)

	require.NoError(t, err)
	assert.Len(t, proxies, 2)
}

func TestLoadProxies_MissingFile(t *testing.T) {
	_, err := LoadProxies(filepath.Join(t.TempDir(), "absent.txt"))
	assert.Error(t, err)
}

func TestBuildProxyExtension_WritesManifestAndBackground(t *testing.T) {
	proxy := Proxy{Host: "10.0.0.1", Port: "8080", User: "alice", Password: "s3cret"}

	dir, opts, err := BuildProxyExtension(proxy)
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	assert.NotEmpty(t, opts)

	manifest, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	require.NoError(t, err)
	assert.Contains(t, string(manifest), `"proxy"`)
	assert.Contains(t, string(manifest), `"webRequest"`)

	background, err := os.ReadFile(filepath.Join(dir, "background.js"))
	require.NoError(t, err)
	assert.Contains(t, string(background), `host: "10.0.0.1"`)
	assert.Contains(t, string(background), `port: 8080`)
	assert.Contains(t, string(background), `username: "alice"`)
	assert.Contains(t, string(background), `onAuthRequired`)
}

func TestGraphqlFetchScript_EmbedsPayload(t *testing.T) {
	script, err := graphqlFetchScript(sigmaProductSearchQuery, map[string]any{
		"searchTerm": "acetone",
		"page":       1,
		"perPage":    sigmaPageSize,
	})

	require.NoError(t, err)
	assert.Contains(t, script, "fetch(")
	assert.Contains(t, script, "acetone")
	assert.Contains(t, script, "credentials: \"include\"")
	assert.Contains(t, script, "ProductSearch")
}
