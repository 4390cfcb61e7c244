package packer

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
)

const (
	runStampLayout      = "20060102_150405"
	metadataFileName    = "batch_metadata.json"
	missingFileName     = "missing_requests.json"
	validationsFileName = "validation_errors.json"
)

// runWriter owns the run directory and the currently open JSONL file. The
// directory is created lazily so runs that pack nothing leave no trace.
type runWriter struct {
	outputDir string
	stamp     string
	prefix    string

	dirCreated bool
	current    *openFile
	files      []FileManifest
	opened     int
}

type openFile struct {
	manifest FileManifest
	file     *os.File
	buf      *bufio.Writer
	// size tracks encoded bytes written, trailing newlines included.
	size int64
}

func newRunWriter(outputDir, stamp, prefix string) *runWriter {
	return &runWriter{
		outputDir: outputDir,
		stamp:     stamp,
		prefix:    prefix,
	}
}

func (w *runWriter) runDir() string {
	return filepath.Join(w.outputDir, w.stamp)
}

func (w *runWriter) ensureDir() error {
	if w.dirCreated {
		return nil
	}
	if err := os.MkdirAll(w.runDir(), 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	w.dirCreated = true
	return nil
}

// openNext rotates to a new numbered file.
func (w *runWriter) openNext() error {
	if err := w.ensureDir(); err != nil {
		return err
	}

	name := fmt.Sprintf("%s_%s_%d.jsonl", w.stamp, w.prefix, w.opened+1)
	path := filepath.Join(w.runDir(), name)
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create batch input file: %w", err)
	}

	w.opened++
	w.current = &openFile{
		manifest: FileManifest{File: name, Path: path},
		file:     file,
		buf:      bufio.NewWriter(file),
	}
	return nil
}

// writeBundle appends one manufacturer's lines to the open file and folds
// its accounting into the manifest.
func (w *runWriter) writeBundle(b *bundle) error {
	for _, line := range b.lines {
		if _, err := w.current.buf.Write(line); err != nil {
			return fmt.Errorf("failed to write batch input line: %w", err)
		}
		if err := w.current.buf.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write batch input line: %w", err)
		}
	}

	m := &w.current.manifest
	m.Manufacturers++
	m.Requests += len(b.lines)
	m.Tokens += b.tokens
	m.CustomIDs = append(m.CustomIDs, b.ids...)
	w.current.size += b.size
	return nil
}

// closeCurrent flushes and closes the open file, recording its manifest.
// Files that ended up empty are removed instead.
func (w *runWriter) closeCurrent() error {
	if w.current == nil {
		return nil
	}
	cur := w.current
	w.current = nil

	if err := cur.buf.Flush(); err != nil {
		cur.file.Close()
		return fmt.Errorf("failed to flush batch input file: %w", err)
	}
	if err := cur.file.Close(); err != nil {
		return fmt.Errorf("failed to close batch input file: %w", err)
	}

	if cur.manifest.Requests == 0 {
		w.opened--
		return os.Remove(cur.manifest.Path)
	}
	w.files = append(w.files, cur.manifest)
	return nil
}

// abort closes and forgets the open file after a failure mid-run.
func (w *runWriter) abort() {
	if w.current == nil {
		return
	}
	w.current.file.Close()
	w.current = nil
}

// finalize writes batch_metadata.json and the sidecars. Sidecars appear only
// when they have content.
func (w *runWriter) finalize(result *PackResult) error {
	result.Files = w.files

	if len(w.files) > 0 {
		if err := w.writeJSON(metadataFileName, w.files); err != nil {
			return err
		}
	}
	if len(result.Missing) > 0 {
		if err := w.writeJSON(missingFileName, result.Missing); err != nil {
			return err
		}
	}
	if len(result.ValidationErrors) > 0 {
		if err := w.writeJSON(validationsFileName, result.ValidationErrors); err != nil {
			return err
		}
	}

	if w.dirCreated {
		result.RunDir = w.runDir()
	}
	return nil
}

func (w *runWriter) writeJSON(name string, v any) error {
	if err := w.ensureDir(); err != nil {
		return err
	}
	data, err := sonic.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(w.runDir(), name), data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
