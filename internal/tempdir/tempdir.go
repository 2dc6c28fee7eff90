// Package tempdir allocates job directories on the shared filesystem.
package tempdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

// Prefix is the directory under the base that holds every job directory.
const Prefix = "tmp"

var ErrNoBase = errors.New("no base directory configured")

// TempDir is a job directory relative to the shared base directory. It is
// only created on disk when first needed.
type TempDir struct {
	base     string
	relative string
	created  bool
}

// New picks a fresh unique directory name under base.
func New(base string) *TempDir {
	return &TempDir{base: base, relative: filepath.Join(Prefix, uuid.NewString())}
}

// IsJob reports whether relative has the shape New gives a job directory.
func IsJob(relative string) bool {
	if filepath.Dir(relative) != Prefix {
		return false
	}
	_, err := uuid.Parse(filepath.Base(relative))
	return err == nil
}

// Existing adopts a directory that another process already created.
func Existing(base, relative string) *TempDir {
	return &TempDir{base: base, relative: relative, created: true}
}

// Create makes the directory, including the tmp/ prefix. It is safe to
// call more than once.
func (d *TempDir) Create() error {
	if d.created {
		return nil
	}
	if d.base == "" {
		return ErrNoBase
	}
	if err := os.MkdirAll(d.Full(), 0o755); err != nil {
		return fmt.Errorf("create temp directory: %w", err)
	}
	d.created = true
	return nil
}

func (d *TempDir) Relative() string {
	return d.relative
}

func (d *TempDir) Full() string {
	return filepath.Join(d.base, d.relative)
}

func (d *TempDir) Created() bool {
	return d.created
}

// Exists reports whether the directory is present on disk.
func (d *TempDir) Exists() bool {
	if d.base == "" {
		return false
	}
	info, err := os.Stat(d.Full())
	return err == nil && info.IsDir()
}

// Traverse calls fn with the name of every entry, in name order.
func (d *TempDir) Traverse(fn func(name string) error) error {
	entries, err := os.ReadDir(d.Full())
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if err := fn(e.Name()); err != nil {
			return err
		}
	}
	return nil
}

// Remove unlinks every file in the directory and then the directory.
func (d *TempDir) Remove() error {
	if !d.Exists() {
		d.created = false
		return nil
	}
	err := d.Traverse(func(name string) error {
		return os.Remove(filepath.Join(d.Full(), name))
	})
	if err != nil {
		return fmt.Errorf("remove temp directory: %w", err)
	}
	if err := os.Remove(d.Full()); err != nil {
		return fmt.Errorf("remove temp directory: %w", err)
	}
	d.created = false
	return nil
}

// Chdir changes the working directory to dir. The returned function
// restores the previous one.
func Chdir(dir string) (restore func() error, err error) {
	previous, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	if err := os.Chdir(dir); err != nil {
		return nil, err
	}
	return func() error { return os.Chdir(previous) }, nil
}

// InDir runs fn with the working directory set to dir.
func InDir(dir string, fn func() error) (err error) {
	restore, err := Chdir(dir)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := restore(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}
