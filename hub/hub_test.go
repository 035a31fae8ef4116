package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cachedModel creates a Model whose info and files are already in the local
// cache, so no test ever goes to the network.
func cachedModel(t *testing.T, fileNames ...string) *Model {
	t.Helper()
	m, err := New("test-org/test-model", "", t.TempDir())
	require.NoError(t, err)

	info := &Info{ID: m.ID}
	for _, name := range fileNames {
		info.Siblings = append(info.Siblings, &FileInfo{Name: name})
	}
	data, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(m.BaseDir, InfoFile), data, 0660))
	return m
}

func TestNewBaseDir(t *testing.T) {
	baseDir := t.TempDir()
	m, err := New("google/gemma-2-2b-it", "token", baseDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(baseDir, "google_gemma-2-2b-it"), m.BaseDir)
	assert.DirExists(t, m.BaseDir)
	assert.Equal(t, "token", m.AuthToken)

	// Two models share a baseDir without colliding.
	other, err := New("google/gemma-2-9b-it", "", baseDir)
	require.NoError(t, err)
	assert.NotEqual(t, m.BaseDir, other.BaseDir)
}

func TestDownloadInfoFromCache(t *testing.T) {
	m := cachedModel(t, "config.json", "model.safetensors")
	require.NoError(t, m.DownloadInfo())
	require.NotNil(t, m.Info)
	assert.Len(t, m.Info.Siblings, 2)

	// Corrupted cached info reports the file to remove.
	broken := cachedModel(t)
	require.NoError(t, os.WriteFile(filepath.Join(broken.BaseDir, InfoFile), []byte("not json"), 0660))
	err := broken.DownloadInfo()
	require.Error(t, err)
	assert.Contains(t, err.Error(), InfoFile)
}

func TestEnumerateFileNames(t *testing.T) {
	m := cachedModel(t, "config.json", "model.safetensors")
	var names []string
	for f, err := range m.EnumerateFileNames() {
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(m.BaseDir, f.Name), f.Path)
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"config.json", "model.safetensors"}, names)
}

func TestEnumerateRejectsIllegalNames(t *testing.T) {
	for _, illegal := range []string{"/etc/passwd", "../../escape.json"} {
		m := cachedModel(t, "config.json", illegal)
		var firstErr error
		for _, err := range m.EnumerateFileNames() {
			if err != nil {
				firstErr = err
				break
			}
		}
		require.Error(t, firstErr, "file name %q must be rejected", illegal)
		assert.Contains(t, firstErr.Error(), "illegal file name")
	}
}

func TestLocalPath(t *testing.T) {
	m := cachedModel(t, "config.json")
	path, exists := m.LocalPath("config.json")
	assert.Equal(t, filepath.Join(m.BaseDir, "config.json"), path)
	assert.False(t, exists)

	require.NoError(t, os.WriteFile(path, []byte("{}"), 0660))
	_, exists = m.LocalPath("config.json")
	assert.True(t, exists)
}

// fileServer serves model files at the hub's "resolve/main" URL layout.
func fileServer(t *testing.T, m *Model, contents map[string]string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		prefix := "/" + m.ID + "/resolve/main/"
		require.True(t, strings.HasPrefix(r.URL.Path, prefix), "unexpected request path %q", r.URL.Path)
		body, found := contents[strings.TrimPrefix(r.URL.Path, prefix)]
		if !found {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	m.BaseURL = server.URL
	m.AuthToken = "test-token"
	return server
}

// A single missing file goes through the synchronous path, progress bar
// included.
func TestDownloadSingleFile(t *testing.T) {
	m := cachedModel(t, "config.json", "model.safetensors")
	require.NoError(t, os.WriteFile(filepath.Join(m.BaseDir, "config.json"), []byte("{}"), 0660))
	fileServer(t, m, map[string]string{"model.safetensors": "weight-bytes"})

	require.NoError(t, m.Download())
	data, err := os.ReadFile(filepath.Join(m.BaseDir, "model.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, "weight-bytes", string(data))
	// No staging leftovers.
	assert.NoFileExists(t, filepath.Join(m.BaseDir, "model.safetensors.downloading"))
}

func TestDownloadParallel(t *testing.T) {
	m := cachedModel(t, "config.json", "model-00001.safetensors", "model-00002.safetensors")
	contents := map[string]string{
		"config.json":             "{}",
		"model-00001.safetensors": "shard-one",
		"model-00002.safetensors": "shard-two",
	}
	fileServer(t, m, contents)

	require.NoError(t, m.Download())
	for name, want := range contents {
		data, err := os.ReadFile(filepath.Join(m.BaseDir, name))
		require.NoError(t, err, "file %q", name)
		assert.Equal(t, want, string(data), "file %q", name)
	}
}

func TestDownloadMissingFileFails(t *testing.T) {
	m := cachedModel(t, "model.safetensors")
	fileServer(t, m, nil)
	err := m.Download()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.safetensors")
}

func TestDownloadAllCached(t *testing.T) {
	m := cachedModel(t, "config.json", "model.safetensors")
	for _, name := range []string{"config.json", "model.safetensors"} {
		require.NoError(t, os.WriteFile(filepath.Join(m.BaseDir, name), []byte("data"), 0660))
	}
	// Everything is cached already: no network, no error.
	require.NoError(t, m.Download())
}
