// Package archive builds password-protected zip archives for transfer
// destinations that deliver to a download folder. Archives use AES
// encryption so the password actually protects the pixel data, not just
// the directory listing.
package archive

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/alexmullins/zip"
)

// ZipArchiver creates and extends AES-encrypted zip archives. Appending
// rewrites the archive because the zip central directory sits at the end;
// patient folders are small enough that the rewrite stays cheap.
type ZipArchiver struct{}

// NewZipArchiver creates an archiver.
func NewZipArchiver() *ZipArchiver { return &ZipArchiver{} }

// Ensure creates the archive at path with an INDEX.txt manifest as its
// first entry. An existing archive is left untouched.
func (a *ZipArchiver) Ensure(path, password, indexContent string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking archive: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*")
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	w, err := newEntry(zw, "INDEX.txt", password)
	if err != nil {
		zw.Close()
		tmp.Close()
		return err
	}
	if _, err := io.WriteString(w, indexContent); err != nil {
		zw.Close()
		tmp.Close()
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("finalizing archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// AppendDir adds the directory tree rooted at dir to the archive, entry
// names prefixed with the directory's base name. The existing entries are
// carried over into the rewritten archive.
func (a *ZipArchiver) AppendDir(path, password, dir string) error {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer reader.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*")
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	if err := copyEntries(zw, reader, password); err != nil {
		zw.Close()
		tmp.Close()
		return err
	}
	if err := addTree(zw, dir, filepath.Base(dir), password); err != nil {
		zw.Close()
		tmp.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("finalizing archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func copyEntries(zw *zip.Writer, reader *zip.ReadCloser, password string) error {
	for _, f := range reader.File {
		if f.IsEncrypted() {
			f.SetPassword(password)
		}
		src, err := f.Open()
		if err != nil {
			return fmt.Errorf("reading archive entry %s: %w", f.Name, err)
		}
		dst, err := newEntry(zw, f.Name, password)
		if err != nil {
			src.Close()
			return err
		}
		if _, err := io.Copy(dst, src); err != nil {
			src.Close()
			return fmt.Errorf("copying archive entry %s: %w", f.Name, err)
		}
		src.Close()
	}
	return nil
}

func addTree(zw *zip.Writer, dir, prefix, password string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := prefix + "/" + filepath.ToSlash(rel)

		src, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", p, err)
		}
		defer src.Close()

		dst, err := newEntry(zw, name, password)
		if err != nil {
			return err
		}
		if _, err := io.Copy(dst, src); err != nil {
			return fmt.Errorf("adding %s to archive: %w", name, err)
		}
		return nil
	})
}

// newEntry creates an archive entry, encrypted when a password is set.
func newEntry(zw *zip.Writer, name, password string) (io.Writer, error) {
	if password == "" {
		w, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("creating archive entry %s: %w", name, err)
		}
		return w, nil
	}
	w, err := zw.Encrypt(name, password)
	if err != nil {
		return nil, fmt.Errorf("creating archive entry %s: %w", name, err)
	}
	return w, nil
}
