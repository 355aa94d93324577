package reload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/newtron-network/swconf/pkg/render"
	"github.com/newtron-network/swconf/pkg/util"
)

// Installer writes artifacts to their destinations. Relative destinations
// are resolved under Root.
type Installer struct {
	Root string
}

// Path returns where dest is written.
func (in *Installer) Path(dest string) string {
	if filepath.IsAbs(dest) || in.Root == "" {
		return dest
	}
	return filepath.Join(in.Root, dest)
}

// prior is what a destination held before install.
type prior struct {
	path    string
	existed bool
	content []byte
	mode    fs.FileMode
}

// Backup remembers the previous content of every destination an install
// touched, in install order.
type Backup struct {
	entries []prior
}

// Len returns the number of destinations recorded.
func (b *Backup) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

// Restore puts every recorded destination back the way it was: prior
// content and mode are rewritten, files that did not exist are removed.
// Entries are restored in reverse order; all failures are reported.
func (b *Backup) Restore() error {
	if b == nil {
		return nil
	}
	var errs []error
	for i := len(b.entries) - 1; i >= 0; i-- {
		p := b.entries[i]
		if !p.existed {
			if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, fmt.Errorf("removing %s: %w", p.path, err))
			}
			continue
		}
		if err := writeFile(p.path, p.content, p.mode); err != nil {
			errs = append(errs, fmt.Errorf("restoring %s: %w", p.path, err))
		}
	}
	return errors.Join(errs...)
}

// Install writes every artifact. Each file is replaced atomically, so a
// reader sees either the old or the new content. If any write fails, the
// files already written are restored before returning and the error is an
// *util.ArtifactError of kind util.ErrInstallFailure.
func (in *Installer) Install(artifacts []render.Artifact) (*Backup, error) {
	b := &Backup{}
	for _, a := range artifacts {
		path := in.Path(a.Dest)
		p, err := snapshotFile(path)
		if err == nil {
			b.entries = append(b.entries, p)
			err = writeFile(path, a.Content, a.Mode)
		}
		if err != nil {
			installErr := &util.ArtifactError{Kind: util.ErrInstallFailure, Template: a.Template, Dest: a.Dest, Err: err}
			if rerr := b.Restore(); rerr != nil {
				util.WithTemplate(a.Template).Errorf("restoring after failed install: %v", rerr)
				return nil, errors.Join(installErr, rerr)
			}
			return nil, installErr
		}
		util.WithTemplate(a.Template).Debugf("installed %s (%s)", path, a.Hash)
	}
	return b, nil
}

func snapshotFile(path string) (prior, error) {
	p := prior{path: path}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, err
	}
	if info.IsDir() {
		return p, fmt.Errorf("%s is a directory", path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	p.existed = true
	p.content = content
	p.mode = info.Mode().Perm()
	return p, nil
}

// writeFile replaces path atomically. The content is staged in a temp file
// next to path that already carries mode, so the file never appears under
// path with narrower permissions.
func writeFile(path string, content []byte, mode fs.FileMode) (err error) {
	if mode == 0 {
		mode = render.DefaultMode
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".swconf-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if _, err := io.Copy(f, bytes.NewReader(content)); err != nil {
		f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return atomic.ReplaceFile(tmp, path)
}
