// Package inbox drains a directory of markdown task files one at a time.
package inbox

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Item is one pending task file
type Item struct {
	Path string
	Name string
	// FirstMod is the modification time when the file was first seen and
	// fixes its place in the queue
	FirstMod time.Time
	// ModTime is the latest observed modification time, used for stability
	ModTime    time.Time
	ObservedAt time.Time
}

// Queue tracks the task files of an inbox in FIFO order
type Queue struct {
	dir     string
	minAge  time.Duration
	items   map[string]*Item
	skipped map[string]bool
}

// NewQueue creates a queue over dir. A file is claimable once it has not
// been modified for minAge.
func NewQueue(dir string, minAge time.Duration) *Queue {
	return &Queue{
		dir:     dir,
		minAge:  minAge,
		items:   make(map[string]*Item),
		skipped: make(map[string]bool),
	}
}

// Scan refreshes the pending set from the directory listing
func (q *Queue) Scan(now time.Time) error {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return fmt.Errorf("reading inbox: %w", err)
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".md" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between listing and stat
			continue
		}
		path := filepath.Join(q.dir, name)
		seen[path] = true
		if it, ok := q.items[path]; ok {
			it.ModTime = info.ModTime()
			continue
		}
		q.items[path] = &Item{
			Path:       path,
			Name:       name,
			FirstMod:   info.ModTime(),
			ModTime:    info.ModTime(),
			ObservedAt: now,
		}
	}
	for path := range q.items {
		if !seen[path] {
			delete(q.items, path)
			delete(q.skipped, path)
		}
	}
	return nil
}

// Pending returns the unskipped items, oldest first
func (q *Queue) Pending() []Item {
	out := make([]Item, 0, len(q.items))
	for path, it := range q.items {
		if q.skipped[path] {
			continue
		}
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstMod.Equal(out[j].FirstMod) {
			return out[i].FirstMod.Before(out[j].FirstMod)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Head returns the first pending item if it is stable at now. Items behind
// an unstable head wait.
func (q *Queue) Head(now time.Time) (Item, bool) {
	pending := q.Pending()
	if len(pending) == 0 {
		return Item{}, false
	}
	head := pending[0]
	if now.Sub(head.ModTime) < q.minAge {
		return Item{}, false
	}
	return head, true
}

// Skip excludes path until it disappears from the inbox
func (q *Queue) Skip(path string) {
	q.skipped[path] = true
}

// Remove forgets path after it was archived
func (q *Queue) Remove(path string) {
	delete(q.items, path)
	delete(q.skipped, path)
}

// StampLayout prefixes archived file names
const StampLayout = "20060102T150405.000"

// Archive moves path into dir with a UTC timestamp prefix. An existing
// target gets a numeric suffix instead of being overwritten.
func Archive(path, dir string, now time.Time) (string, error) {
	return ArchiveAs(path, dir, filepath.Base(path), now)
}

// ArchiveAs is Archive with a different base name for the target
func ArchiveAs(path, dir, name string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	stamp := now.UTC().Format(StampLayout) + "Z"
	dest := filepath.Join(dir, stamp+"_"+name)

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; exists(dest); n++ {
		dest = filepath.Join(dir, stamp+"_"+stem+"_"+strconv.Itoa(n)+ext)
	}

	err := os.Rename(path, dest)
	if errors.Is(err, unix.EXDEV) {
		err = moveAcrossDevices(path, dest)
	}
	if err != nil {
		return "", fmt.Errorf("archiving %s: %w", name, err)
	}
	return dest, nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func moveAcrossDevices(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
