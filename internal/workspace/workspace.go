// Package workspace owns the on-disk layout of job artifacts:
// <base>/<inputs|outputs|processing>/<job_id>/<filename>.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Kind is one of the three per-job directories.
type Kind string

const (
	Inputs     Kind = "inputs"
	Outputs    Kind = "outputs"
	Processing Kind = "processing"
)

var kinds = []Kind{Inputs, Outputs, Processing}

// ErrInvalidFilename is returned for names that are empty or would escape the
// job directory.
var ErrInvalidFilename = errors.New("invalid filename")

// Workspace resolves and manages job directories under a base directory.
type Workspace struct {
	base string
}

// New returns a Workspace rooted at base. The base is made absolute so that
// resolved paths handed to analysis code are absolute.
func New(base string) (*Workspace, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	return &Workspace{base: abs}, nil
}

// Base returns the absolute base directory.
func (w *Workspace) Base() string { return w.base }

// Dir returns the directory of kind for jobID.
func (w *Workspace) Dir(kind Kind, jobID string) string {
	return filepath.Join(w.base, string(kind), jobID)
}

// Path returns the location of name inside the kind directory of jobID.
func (w *Workspace) Path(kind Kind, jobID, name string) string {
	return filepath.Join(w.Dir(kind, jobID), name)
}

// Prepare creates the inputs, outputs and processing directories of jobID.
func (w *Workspace) Prepare(jobID string) error {
	for _, k := range kinds {
		if err := os.MkdirAll(w.Dir(k, jobID), 0o755); err != nil {
			return fmt.Errorf("create %s dir: %w", k, err)
		}
	}
	return nil
}

// SaveInput copies r into the inputs directory of jobID under name and
// returns the number of bytes written.
func (w *Workspace) SaveInput(jobID, name string, r io.Reader) (int64, error) {
	clean, err := SafeName(name)
	if err != nil {
		return 0, err
	}
	dst := w.Path(Inputs, jobID, clean)
	f, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create input %s: %w", clean, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write input %s: %w", clean, err)
	}
	return n, nil
}

// Stat returns the size of a regular file, or ok=false if it does not exist.
func (w *Workspace) Stat(path string) (size int64, ok bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

// Remove deletes every directory belonging to jobID.
func (w *Workspace) Remove(jobID string) error {
	var errs []error
	for _, k := range kinds {
		if err := os.RemoveAll(w.Dir(k, jobID)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SafeName reduces name to a bare filename and rejects anything that could
// address a path outside a job directory.
func SafeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	if name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return name, nil
}
