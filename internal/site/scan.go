// Package site scans a built documentation artifact and syncs it into an
// environment's origin store.
package site

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// File is one file of a scanned artifact.
type File struct {
	RelPath string // forward-slash path relative to the artifact root
	AbsPath string
	Hash    string // "sha256:<hex>"
	Size    int64
}

// Bundle is a scanned artifact: its files in path order and the hash over
// all of them.
type Bundle struct {
	SourceDir string
	Files     []File
	Hash      string
}

// FileHashes returns relpath -> hash for every file.
func (b *Bundle) FileHashes() map[string]string {
	out := make(map[string]string, len(b.Files))
	for _, f := range b.Files {
		out[f.RelPath] = f.Hash
	}
	return out
}

// SymlinkEscapeError is returned when a symlink resolves outside the
// artifact root.
type SymlinkEscapeError struct {
	Path   string
	Target string
}

func (e *SymlinkEscapeError) Error() string {
	return fmt.Sprintf("site: symlink %q resolves to %q which is outside the artifact directory", e.Path, e.Target)
}

// Scan enumerates sourceDir, rejects symlinks that escape it, and hashes
// every file that is not excluded.
func Scan(sourceDir string, excludes []string) (*Bundle, error) {
	absRoot, err := filepath.Abs(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("site: resolve source dir: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("site: stat source dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("site: %s is not a directory", sourceDir)
	}

	files, err := enumerate(absRoot, excludes)
	if err != nil {
		return nil, err
	}
	if err := validateSymlinks(absRoot, files); err != nil {
		return nil, err
	}

	hashes := make(map[string]string, len(files))
	for i := range files {
		h, err := FileHash(files[i].AbsPath)
		if err != nil {
			return nil, fmt.Errorf("site: hash %q: %w", files[i].RelPath, err)
		}
		files[i].Hash = h
		hashes[files[i].RelPath] = h
	}

	return &Bundle{
		SourceDir: sourceDir,
		Files:     files,
		Hash:      BundleHash(hashes),
	}, nil
}

func enumerate(absRoot string, excludes []string) ([]File, error) {
	var files []File
	err := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if ShouldExclude(rel, excludes) || ShouldExclude(rel+"/", excludes) {
				return fs.SkipDir
			}
			return nil
		}
		if ShouldExclude(rel, excludes) {
			return nil
		}

		// Stat follows symlinks so the recorded size is the target's.
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			// Symlinked directories are not followed.
			return nil
		}
		files = append(files, File{RelPath: rel, AbsPath: path, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("site: walk source dir: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

func validateSymlinks(absRoot string, files []File) error {
	root, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return fmt.Errorf("site: eval symlinks on source dir: %w", err)
	}
	rootPrefix := root + string(filepath.Separator)

	for _, f := range files {
		info, err := os.Lstat(f.AbsPath)
		if err != nil {
			return fmt.Errorf("site: lstat %q: %w", f.RelPath, err)
		}
		if info.Mode()&os.ModeSymlink == 0 {
			continue
		}
		resolved, err := filepath.EvalSymlinks(f.AbsPath)
		if err != nil {
			return fmt.Errorf("site: resolve symlink %q: %w", f.RelPath, err)
		}
		if resolved != root && !strings.HasPrefix(resolved, rootPrefix) {
			return &SymlinkEscapeError{Path: f.RelPath, Target: resolved}
		}
	}
	return nil
}
