// Package archive provides an offline host: classes are read from a jar file or a class
// directory, loaded through the load-time hook and written back with the synthesized
// event classes.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zip"

	"github.com/grafana/jfr-agent/pkg/internal/hook"
	"github.com/grafana/jfr-agent/pkg/internal/host"
)

func log() *slog.Logger {
	return slog.With("component", "archive.Host")
}

const classSuffix = ".class"

// Transformer is the load-time hook run on each class.
type Transformer interface {
	Transform(className string, original []byte) hook.Result
}

type entry struct {
	original []byte
	loaded   *hook.Result
}

// Host holds the content of an archive in memory.
type Host struct {
	transformer Transformer

	mt      sync.Mutex
	classes map[string]*entry
	// non class files, copied unchanged
	resources map[string][]byte
}

var _ host.Host = (*Host)(nil)

// Open reads a jar (or zip) file, or a directory of class files.
func Open(path string, t Transformer) (*Host, error) {
	h := &Host{transformer: t, classes: map[string]*entry{}, resources: map[string][]byte{}}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	if info.IsDir() {
		err = h.readDir(path)
	} else {
		err = h.readJar(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	log().Debug("archive read", "path", path, "classes", len(h.classes), "resources", len(h.resources))
	return h, nil
}

func (h *Host) add(name string, data []byte) {
	if strings.HasSuffix(name, classSuffix) {
		h.classes[strings.TrimSuffix(name, classSuffix)] = &entry{original: data}
	} else {
		h.resources[name] = data
	}
}

func (h *Host) readJar(path string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("opening %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("reading %s: %w", f.Name, err)
		}
		h.add(f.Name, data)
	}
	return nil
}

func (h *Host) readDir(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		h.add(filepath.ToSlash(rel), data)
		return nil
	})
}

// Classes returns the sorted internal names of the classes in the archive.
func (h *Host) Classes() []string {
	h.mt.Lock()
	defer h.mt.Unlock()
	out := make([]string, 0, len(h.classes))
	for name := range h.classes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HasClass tells whether the archive contains the class.
func (h *Host) HasClass(name string) bool {
	h.mt.Lock()
	defer h.mt.Unlock()
	_, ok := h.classes[name]
	return ok
}

// LoadAll runs the hook on every class of the archive, and returns how many were modified.
func (h *Host) LoadAll(ctx context.Context) (int, error) {
	modified := 0
	for _, name := range h.Classes() {
		if err := ctx.Err(); err != nil {
			return modified, err
		}
		if h.load(name) {
			modified++
		}
	}
	return modified, nil
}

func (h *Host) load(name string) bool {
	h.mt.Lock()
	e := h.classes[name]
	h.mt.Unlock()
	res := h.transformer.Transform(name, e.original)
	h.mt.Lock()
	e.loaded = &res
	h.mt.Unlock()
	return res.Modified
}

// Retransform runs the hook again on loaded classes. Classes that are not in the archive
// or were never loaded are returned as missing.
func (h *Host) Retransform(ctx context.Context, classNames []string) ([]string, error) {
	var missing []string
	for _, name := range classNames {
		if err := ctx.Err(); err != nil {
			return missing, err
		}
		h.mt.Lock()
		e, ok := h.classes[name]
		loaded := ok && e.loaded != nil
		h.mt.Unlock()
		if !loaded {
			missing = append(missing, name)
			continue
		}
		h.load(name)
	}
	return missing, nil
}

// Class returns the bytes the class was loaded with, or its original bytes if it was
// not loaded.
func (h *Host) Class(name string) ([]byte, error) {
	h.mt.Lock()
	defer h.mt.Unlock()
	e, ok := h.classes[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, host.ErrClassNotFound)
	}
	if e.loaded != nil {
		return e.loaded.Bytes, nil
	}
	return e.original, nil
}

// files returns every file of the output archive, including event classes.
func (h *Host) files() map[string][]byte {
	h.mt.Lock()
	defer h.mt.Unlock()
	out := make(map[string][]byte, len(h.classes)+len(h.resources))
	for name, data := range h.resources {
		out[name] = data
	}
	for name, e := range h.classes {
		out[name+classSuffix] = e.original
		if e.loaded == nil {
			continue
		}
		out[name+classSuffix] = e.loaded.Bytes
		for _, ec := range e.loaded.EventClasses {
			out[ec.Name+classSuffix] = ec.Bytes
		}
	}
	return out
}

// Write the archive to path: a jar file when it ends with .jar or .zip, a directory otherwise.
func (h *Host) Write(path string) error {
	files := h.files()
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".jar" || ext == ".zip" {
		return writeJar(path, files)
	}
	for name, data := range files {
		dst := filepath.Join(path, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func writeJar(path string, files map[string][]byte) error {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	// the manifest must be the first entry for the runtime to find it
	sort.Slice(names, func(i, j int) bool {
		mi, mj := strings.HasPrefix(names[i], "META-INF/"), strings.HasPrefix(names[j], "META-INF/")
		if mi != mj {
			return mi
		}
		return names[i] < names[j]
	})
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for _, name := range names {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		if _, err := w.Write(files[name]); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
