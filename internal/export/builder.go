package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"portability/internal/domain"
	"portability/internal/registry"
)

// ArtifactStore persists finished archives.
type ArtifactStore interface {
	Put(ctx context.Context, name string, r io.Reader) (string, error)
}

// Artifact is a stored export archive.
type Artifact struct {
	Ref   string `json:"ref"`
	Name  string `json:"name"`
	Entry string `json:"entry"`
	Size  int64  `json:"size"`
}

// BuildError marks failures to produce the export document or archive.
type BuildError struct {
	RequestID string
	Stage     string
	Err       error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("export %s: %s: %v", e.RequestID, e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

type Builder struct {
	Registry   registry.Registry
	Store      ArtifactStore
	ScratchDir string
	// NewToken names the archive; it must never repeat.
	NewToken func() string
}

func (b Builder) token() string {
	if b.NewToken != nil {
		return b.NewToken()
	}
	return uuid.NewString()
}

// EntryName is the name of the single file inside a request's archive.
func EntryName(requestID string) string {
	return requestID + ".json"
}

// Build dumps the owner's data, zips it as <requestID>.json and uploads the archive.
// Scratch files are removed whatever the outcome.
func (b Builder) Build(ctx context.Context, req domain.Request) (Artifact, error) {
	if b.Registry == nil || b.Store == nil {
		return Artifact{}, &BuildError{RequestID: req.ID, Stage: "setup", Err: fmt.Errorf("registry and store are required")}
	}
	doc, err := b.Registry.DataDump(ctx, req.Owner)
	if err != nil {
		return Artifact{}, &BuildError{RequestID: req.ID, Stage: "data dump", Err: err}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Artifact{}, &BuildError{RequestID: req.ID, Stage: "serialize", Err: err}
	}

	scratch := b.ScratchDir
	if scratch == "" {
		scratch = os.TempDir()
	}
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return Artifact{}, &BuildError{RequestID: req.ID, Stage: "scratch", Err: err}
	}
	token := b.token()

	jsonPath := filepath.Join(scratch, token+"-"+EntryName(req.ID))
	defer os.Remove(jsonPath)
	if err := os.WriteFile(jsonPath, data, 0o600); err != nil {
		return Artifact{}, &BuildError{RequestID: req.ID, Stage: "write document", Err: err}
	}

	archiveName := token + ".zip"
	archivePath := filepath.Join(scratch, archiveName)
	defer os.Remove(archivePath)
	size, err := writeArchive(archivePath, jsonPath, EntryName(req.ID))
	if err != nil {
		return Artifact{}, &BuildError{RequestID: req.ID, Stage: "compress", Err: err}
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return Artifact{}, &BuildError{RequestID: req.ID, Stage: "upload", Err: err}
	}
	defer f.Close()
	ref, err := b.Store.Put(ctx, archiveName, f)
	if err != nil {
		return Artifact{}, &BuildError{RequestID: req.ID, Stage: "upload", Err: err}
	}
	return Artifact{Ref: ref, Name: archiveName, Entry: EntryName(req.ID), Size: size}, nil
}

func writeArchive(archivePath, srcPath, entry string) (int64, error) {
	out, err := os.OpenFile(archivePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	zw := zip.NewWriter(out)
	w, err := zw.Create(entry)
	if err != nil {
		out.Close()
		return 0, err
	}
	src, err := os.Open(srcPath)
	if err != nil {
		out.Close()
		return 0, err
	}
	_, err = io.Copy(w, src)
	src.Close()
	if err != nil {
		out.Close()
		return 0, err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	info, err := os.Stat(archivePath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ReadEntries lists the entries of a zip archive held in memory.
func ReadEntries(data []byte) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		out[f.Name] = content
	}
	return out, nil
}
