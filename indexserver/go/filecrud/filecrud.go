// Package filecrud provides sandboxed, hash-locked file operations on
// activated repositories. Every mutation requires the SHA-256 hash the
// caller last read, so concurrent edits fail loudly instead of
// clobbering each other.
package filecrud

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.cidx.org/server/go/util"
	"go.cidx.org/server/indexserver/go/apierr"
)

// FileInfo is returned from every successful operation so the caller
// always holds the current hash.
type FileInfo struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// EditResult extends FileInfo with the replacement count of an edit.
type EditResult struct {
	FileInfo
	Replacements int `json:"replacements"`
}

// CreateResult extends FileInfo with the creation instant.
type CreateResult struct {
	FileInfo
	CreatedAt time.Time `json:"created_at"`
}

// DeleteResult reports what was removed and when.
type DeleteResult struct {
	Path      string    `json:"path"`
	DeletedAt time.Time `json:"deleted_at"`
}

// Hash returns the lowercase hex SHA-256 of content.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Resolve validates relPath against the sandbox rooted at root and
// returns the absolute path. Absolute paths, parent traversal, any
// .git path component, and symlinks escaping the root are all
// rejected.
func Resolve(root, relPath string) (string, error) {
	if relPath == "" {
		return "", apierr.New(apierr.Validation, "File path is required.")
	}
	if filepath.IsAbs(relPath) {
		return "", apierr.New(apierr.Sandbox, "Absolute paths are not allowed: %q.", relPath)
	}
	clean := filepath.Clean(relPath)
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." {
			return "", apierr.New(apierr.Sandbox, "Path %q escapes the repository.", relPath)
		}
		if part == ".git" {
			return "", apierr.New(apierr.Sandbox, "Path %q touches the .git directory.", relPath)
		}
	}
	abs := filepath.Join(root, clean)

	// Symlinks inside the tree may still point outside it. Resolve the
	// deepest existing ancestor and check containment.
	rootReal, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("Failed to resolve repository root %s: %s", root, err)
	}
	probe := abs
	for {
		real, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if real != rootReal && !strings.HasPrefix(real, rootReal+string(filepath.Separator)) {
				return "", apierr.New(apierr.Sandbox, "Path %q resolves outside the repository.", relPath)
			}
			break
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("Failed to resolve %s: %s", probe, err)
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	return abs, nil
}

// Read returns the file's content and current hash.
func Read(root, relPath string) ([]byte, *FileInfo, error) {
	abs, err := Resolve(root, relPath)
	if err != nil {
		return nil, nil, err
	}
	content, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return nil, nil, apierr.New(apierr.NotFound, "File %q does not exist.", relPath)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("Failed to read %s: %s", relPath, err)
	}
	return content, &FileInfo{
		Path: relPath,
		Hash: Hash(content),
		Size: int64(len(content)),
	}, nil
}

// Create writes a new file. It fails if the file already exists.
func Create(root, relPath string, content []byte) (*CreateResult, error) {
	abs, err := Resolve(root, relPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err == nil {
		return nil, apierr.New(apierr.Conflict, "File %q already exists.", relPath)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("Failed to stat %s: %s", relPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, fmt.Errorf("Failed to create parent directories for %s: %s", relPath, err)
	}
	if err := util.WithWriteFile(abs, func(w io.Writer) error {
		_, err := w.Write(content)
		return err
	}); err != nil {
		return nil, fmt.Errorf("Failed to write %s: %s", relPath, err)
	}
	return &CreateResult{
		FileInfo: FileInfo{
			Path: relPath,
			Hash: Hash(content),
			Size: int64(len(content)),
		},
		CreatedAt: time.Now().UTC(),
	}, nil
}

// checkHash compares the caller's expected hash against the file's
// current content.
func checkHash(relPath string, content []byte, expectedHash string) error {
	if expectedHash == "" {
		return apierr.New(apierr.Validation, "Expected file hash is required.")
	}
	actual := Hash(content)
	if !strings.EqualFold(expectedHash, actual) {
		return apierr.New(apierr.HashMismatch, "File %q was modified since it was read; re-read it and retry.", relPath)
	}
	return nil
}

// Edit replaces oldStr with newStr in the file, guarded by the
// caller's expected hash. Unless replaceAll is set, oldStr must occur
// exactly once.
func Edit(root, relPath, expectedHash, oldStr, newStr string, replaceAll bool) (*EditResult, error) {
	if oldStr == "" {
		return nil, apierr.New(apierr.Validation, "The string to replace may not be empty.")
	}
	if oldStr == newStr {
		return nil, apierr.New(apierr.Validation, "The replacement is identical to the original.")
	}
	abs, err := Resolve(root, relPath)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return nil, apierr.New(apierr.NotFound, "File %q does not exist.", relPath)
	}
	if err != nil {
		return nil, fmt.Errorf("Failed to read %s: %s", relPath, err)
	}
	if err := checkHash(relPath, content, expectedHash); err != nil {
		return nil, err
	}
	count := strings.Count(string(content), oldStr)
	if count == 0 {
		return nil, apierr.New(apierr.Validation, "String to replace not found in %q.", relPath)
	}
	if count > 1 && !replaceAll {
		return nil, apierr.New(apierr.Validation, "String to replace occurs %d times in %q; pass replace_all to replace every occurrence.", count, relPath)
	}
	replacements := count
	var updated string
	if replaceAll {
		updated = strings.ReplaceAll(string(content), oldStr, newStr)
	} else {
		updated = strings.Replace(string(content), oldStr, newStr, 1)
		replacements = 1
	}
	if err := util.WithWriteFile(abs, func(w io.Writer) error {
		_, err := w.Write([]byte(updated))
		return err
	}); err != nil {
		return nil, fmt.Errorf("Failed to write %s: %s", relPath, err)
	}
	return &EditResult{
		FileInfo: FileInfo{
			Path: relPath,
			Hash: Hash([]byte(updated)),
			Size: int64(len(updated)),
		},
		Replacements: replacements,
	}, nil
}

// Delete removes the file. The expected hash is optional for deletes;
// when supplied it is validated against the current content first.
func Delete(root, relPath, expectedHash string) (*DeleteResult, error) {
	abs, err := Resolve(root, relPath)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return nil, apierr.New(apierr.NotFound, "File %q does not exist.", relPath)
	}
	if err != nil {
		return nil, fmt.Errorf("Failed to read %s: %s", relPath, err)
	}
	if expectedHash != "" {
		if err := checkHash(relPath, content, expectedHash); err != nil {
			return nil, err
		}
	}
	if err := os.Remove(abs); err != nil {
		return nil, fmt.Errorf("Failed to delete %s: %s", relPath, err)
	}
	return &DeleteResult{
		Path:      relPath,
		DeletedAt: time.Now().UTC(),
	}, nil
}
