package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"
)

func writeWorkspace(t *testing.T, dataDir, id string, outputs map[string]string) {
	t.Helper()
	outDir := filepath.Join(dataDir, "experiments", id, "output")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "experiments", id, "script.py"), []byte("print('hi')"), 0o644); err != nil {
		t.Fatal(err)
	}
	for name, content := range outputs {
		if err := os.WriteFile(filepath.Join(outDir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLogs(t *testing.T) {
	dataDir := t.TempDir()
	m := NewManager(dataDir)

	writeWorkspace(t, dataDir, "exp-1", map[string]string{
		"container_logs.txt": "starting run\ndone\n",
	})

	logs, err := m.Logs("exp-1")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if logs != "starting run\ndone\n" {
		t.Fatalf("unexpected logs: %q", logs)
	}

	if _, err := m.Logs("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListResultsExcludesCapturedLog(t *testing.T) {
	dataDir := t.TempDir()
	m := NewManager(dataDir)

	writeWorkspace(t, dataDir, "exp-1", map[string]string{
		"container_logs.txt": "log",
		"readings.csv":       "t,od600\n0,0.1\n",
		"growth.png":         "not really a png",
	})

	files, err := m.ListResults("exp-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "growth.png" || names[1] != "readings.csv" {
		t.Fatalf("unexpected files: %v", names)
	}
	for _, f := range files {
		if f.Size <= 0 {
			t.Fatalf("file %s has no size", f.Name)
		}
	}

	if _, err := m.ListResults("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListResultsEmptyOutput(t *testing.T) {
	dataDir := t.TempDir()
	m := NewManager(dataDir)
	writeWorkspace(t, dataDir, "exp-1", nil)

	files, err := m.ListResults("exp-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected no files, got %v", files)
	}
}

func TestWriteZip(t *testing.T) {
	dataDir := t.TempDir()
	m := NewManager(dataDir)

	writeWorkspace(t, dataDir, "exp-1", map[string]string{
		"container_logs.txt": "log",
		"readings.csv":       "t,od600\n",
	})

	var buf bytes.Buffer
	if err := m.WriteZip(&buf, "exp-1"); err != nil {
		t.Fatalf("zip: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}

	entries := make(map[string]bool)
	for _, f := range zr.File {
		entries[f.Name] = true
	}
	for _, want := range []string{"output/readings.csv", "output/container_logs.txt", "script.py"} {
		if !entries[want] {
			t.Fatalf("zip missing %s, has %v", want, entries)
		}
	}

	if err := m.WriteZip(&bytes.Buffer{}, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	dataDir := t.TempDir()
	m := NewManager(dataDir)
	writeWorkspace(t, dataDir, "exp-1", nil)

	if err := m.Remove("exp-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "experiments", "exp-1")); !os.IsNotExist(err) {
		t.Fatal("workspace still exists")
	}

	// Removing an already-gone workspace is fine.
	if err := m.Remove("exp-1"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

type fakePurger struct {
	mu  sync.Mutex
	ids []string
}

func (p *fakePurger) Sweep() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.ids
	p.ids = nil
	return ids
}

func TestRetentionLoopRemovesPurgedWorkspaces(t *testing.T) {
	dataDir := t.TempDir()
	m := NewManager(dataDir)
	writeWorkspace(t, dataDir, "old", nil)
	writeWorkspace(t, dataDir, "live", nil)

	p := &fakePurger{ids: []string{"old"}}
	m.StartRetention(p, 10*time.Millisecond)
	defer m.StopRetention(time.Second)

	deadline := time.Now().Add(time.Second)
	for {
		if _, err := os.Stat(filepath.Join(dataDir, "experiments", "old")); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("purged workspace was never removed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := os.Stat(filepath.Join(dataDir, "experiments", "live")); err != nil {
		t.Fatalf("live workspace should survive: %v", err)
	}
}
