package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

// ErrNotFound is returned when an experiment workspace no longer exists,
// typically because the retention sweep purged it.
var ErrNotFound = errors.New("experiment artifacts not found")

type ResultFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Purger is what the retention loop drives; the queue's sweep returns the
// ids whose workspaces can go.
type Purger interface {
	Sweep() []string
}

// Manager serves captured logs and output artifacts for experiments, and
// removes workspaces for purged ones.
type Manager struct {
	dataDir string

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewManager(dataDir string) *Manager {
	return &Manager{
		dataDir: dataDir,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (m *Manager) experimentDir(id string) string {
	return filepath.Join(m.dataDir, "experiments", id)
}

func (m *Manager) outputDir(id string) string {
	return filepath.Join(m.experimentDir(id), "output")
}

// Logs returns the captured container log for an experiment.
func (m *Manager) Logs(id string) (string, error) {
	data, err := os.ReadFile(filepath.Join(m.outputDir(id), "container_logs.txt"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read logs for %s: %w", id, err)
	}
	return string(data), nil
}

// ListResults lists the files the experiment wrote to its output directory,
// excluding the captured container log.
func (m *Manager) ListResults(id string) ([]ResultFile, error) {
	if _, err := os.Stat(m.experimentDir(id)); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to stat workspace for %s: %w", id, err)
	}

	root := m.outputDir(id)
	files := make([]ResultFile, 0)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "container_logs.txt" {
			return nil
		}
		files = append(files, ResultFile{Name: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list results for %s: %w", id, err)
	}
	return files, nil
}

// WriteZip streams a zip of the experiment's output files plus the
// submitted script.
func (m *Manager) WriteZip(w io.Writer, id string) error {
	expDir := m.experimentDir(id)
	if _, err := os.Stat(expDir); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to stat workspace for %s: %w", id, err)
	}

	zw := zip.NewWriter(w)
	defer zw.Close()

	root := m.outputDir(id)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return m.addFile(zw, path, filepath.Join("output", rel))
	})
	if err != nil {
		return fmt.Errorf("failed to zip results for %s: %w", id, err)
	}

	scriptPath := filepath.Join(expDir, "script.py")
	if _, err := os.Stat(scriptPath); err == nil {
		if err := m.addFile(zw, scriptPath, "script.py"); err != nil {
			return fmt.Errorf("failed to zip script for %s: %w", id, err)
		}
	}

	return nil
}

func (m *Manager) addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	entry, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, f)
	return err
}

// Remove deletes an experiment's workspace.
func (m *Manager) Remove(id string) error {
	if err := os.RemoveAll(m.experimentDir(id)); err != nil {
		return fmt.Errorf("failed to remove workspace for %s: %w", id, err)
	}
	return nil
}

// StartRetention runs the periodic sweep: purge old terminal records from
// the queue, then drop their workspaces.
func (m *Manager) StartRetention(p Purger, interval time.Duration) {
	go func() {
		defer close(m.doneCh)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				for _, id := range p.Sweep() {
					if err := m.Remove(id); err != nil {
						log.Printf("[archive] %v", err)
					}
				}
			}
		}
	}()
}

func (m *Manager) StopRetention(timeout time.Duration) {
	close(m.stopCh)
	select {
	case <-m.doneCh:
	case <-time.After(timeout):
		log.Printf("[archive] retention loop shutdown timed out after %s", timeout)
	}
}
