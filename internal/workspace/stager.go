package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const stagePrefix = "calc-"

// File is one uploaded file: the client-supplied name and the transient
// location the upload was spooled to.
type File struct {
	Name string
	Path string
}

// Upload is the input of a submission. When Archive is set it is the only
// source of files and Files is ignored.
type Upload struct {
	Files   []File
	Archive *File
}

// Extractor unpacks an archive into dir and returns the extracted paths whose
// base name is one of candidates.
type Extractor interface {
	Extract(archivePath, dir string, candidates []string) ([]string, error)
}

// StagingError reports a filesystem or archive failure while staging an upload.
type StagingError struct {
	Op  string
	Err error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("staging: %s: %v", e.Op, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

// Staged is the result of a successful stage.
type Staged struct {
	Workspace *Workspace
	// Candidates are the staged job definitions, best candidate first.
	Candidates []string
}

// Stager places uploads into fresh workspaces.
type Stager struct {
	baseDir   string
	extractor Extractor
}

// NewStager creates a stager that creates workspaces under baseDir and
// delegates archives to ex.
func NewStager(baseDir string, ex Extractor) *Stager {
	return &Stager{baseDir: baseDir, extractor: ex}
}

// Stage materializes up into a new workspace and returns the staged files
// whose base name is in candidates, ordered by their rank in candidates. On
// error or panic no workspace is left behind.
func (s *Stager) Stage(up Upload, candidates []string) (staged *Staged, err error) {
	ws, err := New(s.baseDir, stagePrefix)
	if err != nil {
		return nil, &StagingError{Op: "create workspace", Err: err}
	}
	defer func() {
		if staged == nil {
			ws.Remove()
		}
	}()

	var found []string
	if up.Archive != nil {
		found, err = s.extractor.Extract(up.Archive.Path, ws.Dir, candidates)
		if err != nil {
			err = &StagingError{Op: "extract " + up.Archive.Name, Err: err}
		}
	} else {
		found, err = moveFiles(up.Files, ws, candidates)
	}
	if err != nil {
		return nil, err
	}

	return &Staged{Workspace: ws, Candidates: rankCandidates(found, candidates)}, nil
}

func moveFiles(files []File, ws *Workspace, candidates []string) ([]string, error) {
	var found []string
	for _, f := range files {
		if err := validName(f.Name); err != nil {
			return nil, &StagingError{Op: "move " + f.Name, Err: err}
		}
		dst := ws.Path(f.Name)
		if err := moveFile(f.Path, dst); err != nil {
			return nil, &StagingError{Op: "move " + f.Name, Err: err}
		}
		if slices.Contains(candidates, f.Name) && !slices.Contains(found, dst) {
			found = append(found, dst)
		}
	}
	return found, nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid file name %q", name)
	}
	if strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("file name %q must not contain a path", name)
	}
	return nil
}

// moveFile renames src to dst, falling back to copy and remove when the two
// live on different filesystems.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// rankCandidates orders paths by the position of their base name in
// candidates. Paths with equal rank keep their staging order.
func rankCandidates(paths, candidates []string) []string {
	ranked := slices.Clone(paths)
	slices.SortStableFunc(ranked, func(a, b string) int {
		return slices.Index(candidates, filepath.Base(a)) - slices.Index(candidates, filepath.Base(b))
	})
	if ranked == nil {
		ranked = []string{}
	}
	return ranked
}
