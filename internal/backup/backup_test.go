package backup

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func TestCreateBackupZipsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	settings := filepath.Join(dir, "config.json")
	users := filepath.Join(dir, "users.txt")
	nested := filepath.Join(dir, "weibo", "users.txt")
	writeFile(t, settings, `{"user_id_list": "users.txt"}`)
	writeFile(t, users, "u1\nu2\n")
	writeFile(t, nested, "u3\n")

	out := filepath.Join(dir, "out")
	file, err := CreateBackup([]string{settings, settings + ".bak", users, nested, users}, out)
	require.NoError(t, err)
	assert.FileExists(t, file)

	r, err := zip.OpenReader(file)
	require.NoError(t, err)
	defer r.Close()

	contents := make(map[string]string)
	var names []string
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		contents[f.Name] = string(data)
		names = append(names, f.Name)
	}
	sort.Strings(names)

	assert.Equal(t, []string{"config.json", "users.txt", "users_1.txt"}, names)
	assert.Equal(t, "u1\nu2\n", contents["users.txt"])
	assert.Equal(t, "u3\n", contents["users_1.txt"])
}

func TestCreateBackupNothingToBackup(t *testing.T) {
	dir := t.TempDir()
	_, err := CreateBackup([]string{filepath.Join(dir, "missing.db"), ""}, dir)
	assert.ErrorIs(t, err, ErrNothingToBackup)
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "config.json")
	dst := filepath.Join(dir, "config.json.bak")
	writeFile(t, src, "first")
	writeFile(t, dst, "a much longer previous backup")

	require.NoError(t, CopyFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	assert.Error(t, CopyFile(filepath.Join(dir, "missing"), dst))
}
