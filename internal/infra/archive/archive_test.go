package archive

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/alexmullins/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePatientDir(t *testing.T, root string) string {
	t.Helper()
	dir := filepath.Join(root, "PAT001")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "1-Axial"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1-Axial", "image.dcm"), []byte("pixels"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.txt"), []byte("findings"), 0o644))
	return dir
}

func readEntry(t *testing.T, f *zip.File, password string) string {
	t.Helper()
	if f.IsEncrypted() {
		f.SetPassword(password)
	}
	rc, err := f.Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestEnsureWritesManifestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.zip")
	archiver := NewZipArchiver()

	require.NoError(t, archiver.Ensure(path, "secret", "Archive of job 42.\n"))

	reader, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer reader.Close()

	require.Len(t, reader.File, 1)
	assert.Equal(t, "INDEX.txt", reader.File[0].Name)
	assert.True(t, reader.File[0].IsEncrypted())
	assert.Equal(t, "Archive of job 42.\n", readEntry(t, reader.File[0], "secret"))
}

func TestEnsureLeavesExistingArchiveAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.zip")
	archiver := NewZipArchiver()

	require.NoError(t, archiver.Ensure(path, "secret", "first\n"))
	require.NoError(t, archiver.Ensure(path, "secret", "second\n"))

	reader, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer reader.Close()

	require.Len(t, reader.File, 1)
	assert.Equal(t, "first\n", readEntry(t, reader.File[0], "secret"))
}

func TestAppendDirCarriesExistingEntries(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "job.zip")
	dir := writePatientDir(t, root)
	archiver := NewZipArchiver()

	require.NoError(t, archiver.Ensure(path, "secret", "manifest\n"))
	require.NoError(t, archiver.AppendDir(path, "secret", dir))

	reader, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer reader.Close()

	names := make(map[string]string, len(reader.File))
	for _, f := range reader.File {
		names[f.Name] = readEntry(t, f, "secret")
	}

	assert.Equal(t, "manifest\n", names["INDEX.txt"])
	assert.Equal(t, "pixels", names["PAT001/1-Axial/image.dcm"])
	assert.Equal(t, "findings", names["PAT001/report.txt"])
	assert.Equal(t, "INDEX.txt", reader.File[0].Name)
}

func TestAppendDirAccumulatesPatients(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "job.zip")
	archiver := NewZipArchiver()

	firstDir := writePatientDir(t, root)
	secondDir := filepath.Join(root, "PAT002")
	require.NoError(t, os.MkdirAll(secondDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(secondDir, "note.txt"), []byte("second"), 0o644))

	require.NoError(t, archiver.Ensure(path, "secret", "manifest\n"))
	require.NoError(t, archiver.AppendDir(path, "secret", firstDir))
	require.NoError(t, archiver.AppendDir(path, "secret", secondDir))

	reader, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer reader.Close()

	names := make([]string, 0, len(reader.File))
	for _, f := range reader.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "PAT001/report.txt")
	assert.Contains(t, names, "PAT002/note.txt")
}

func TestArchiveWithoutPasswordIsPlain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.zip")
	archiver := NewZipArchiver()

	require.NoError(t, archiver.Ensure(path, "", "manifest\n"))

	reader, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer reader.Close()

	require.Len(t, reader.File, 1)
	assert.False(t, reader.File[0].IsEncrypted())
	assert.Equal(t, "manifest\n", readEntry(t, reader.File[0], ""))
}
