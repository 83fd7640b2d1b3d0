package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/crewhost/internal/errors"
)

const maxOutputFileBytes = 8 << 20

// OutputHandler lists and serves job output files from one directory.
type OutputHandler struct {
	dir      string
	patterns []string
}

// NewOutputHandler validates patterns up front so bad config fails at start.
// dir is resolved to an absolute path.
func NewOutputHandler(dir string, patterns []string) (*OutputHandler, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, errors.New("invalid output pattern: " + p)
		}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	return &OutputHandler{dir: abs, patterns: patterns}, nil
}

// OutputListing is the body of GET /output.
type OutputListing struct {
	Directory string       `json:"directory"`
	Files     []OutputFile `json:"files"`
}

// OutputFile describes one listed file.
type OutputFile struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

func (h *OutputHandler) matches(name string) bool {
	for _, p := range h.patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return ok
		}
	}
	return false
}

// List handles GET /output. A missing directory lists as empty.
func (h *OutputHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(h.dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "could not read output directory"))
		return
	}
	files := make([]OutputFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !h.matches(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, OutputFile{Name: e.Name(), Size: info.Size(), Modified: info.ModTime().UTC()})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Modified.Equal(files[j].Modified) {
			return files[i].Name < files[j].Name
		}
		return files[i].Modified.After(files[j].Modified)
	})
	writeJSON(w, http.StatusOK, OutputListing{Directory: h.dir, Files: files})
}

func validOutputName(name string) bool {
	if name == "" || name == "." || strings.Contains(name, "..") {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

// Get handles GET /output/{name}. JSON files are returned parsed under
// "content"; anything else is returned as text under "raw".
func (h *OutputHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	if !validOutputName(name) {
		respondWithError(w, r, apperrors.NewValidationError("invalid file name").WithDetail("name", name))
		return
	}
	if !h.matches(name) {
		respondWithError(w, r, apperrors.NewNotFoundError("file not found"))
		return
	}

	path := filepath.Join(h.dir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		respondWithError(w, r, apperrors.NewNotFoundError("file not found"))
		return
	}
	if info.Size() > maxOutputFileBytes {
		respondWithError(w, r, apperrors.NewValidationError("file too large to return").WithDetail("size", info.Size()))
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "could not read file"))
		return
	}

	resp := map[string]any{"name": name}
	if strings.EqualFold(filepath.Ext(name), ".json") && json.Valid(data) {
		resp["content"] = json.RawMessage(data)
	} else {
		resp["raw"] = string(data)
	}
	writeJSON(w, http.StatusOK, resp)
}
