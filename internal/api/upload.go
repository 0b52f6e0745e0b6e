package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/seantiz/tremor/internal/workspace"
)

const (
	archiveField  = "archive"
	maxFieldBytes = 64 << 10
)

// submitForm is a parsed run request. Files are spooled under spoolDir,
// which the caller removes once the engine has staged them.
type submitForm struct {
	upload   workspace.Upload
	fields   map[string]string
	spoolDir string
}

func (f *submitForm) field(name string) string {
	return strings.TrimSpace(f.fields[name])
}

// readSubmitForm streams a multipart request to disk. File parts become
// upload files, the part named "archive" becomes the archive, and the other
// parts are form fields.
func (s *Server) readSubmitForm(w http.ResponseWriter, r *http.Request) (*submitForm, error) {
	if s.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("expected a multipart form: %w", err)
	}

	if s.opts.WorkDir != "" {
		if err := os.MkdirAll(s.opts.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
	}
	spoolDir, err := os.MkdirTemp(s.opts.WorkDir, "upload-")
	if err != nil {
		return nil, fmt.Errorf("create upload spool: %w", err)
	}
	form := &submitForm{fields: make(map[string]string), spoolDir: spoolDir}
	var spooled int64

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			form.cleanup()
			return nil, fmt.Errorf("read multipart: %w", err)
		}

		if part.FileName() == "" {
			v, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			part.Close()
			if err != nil {
				form.cleanup()
				return nil, fmt.Errorf("read field %s: %w", part.FormName(), err)
			}
			form.fields[part.FormName()] = string(v)
			continue
		}

		f, n, err := spoolPart(spoolDir, part)
		part.Close()
		spooled += n
		if err != nil {
			form.cleanup()
			return nil, err
		}
		if part.FormName() == archiveField {
			form.upload.Archive = &f
		} else {
			form.upload.Files = append(form.upload.Files, f)
		}
	}
	uploadBytes.Observe(float64(spooled))
	return form, nil
}

// spoolPart copies a file part into dir and returns it with its size.
func spoolPart(dir string, part *multipart.Part) (workspace.File, int64, error) {
	name := part.FileName()
	out, err := os.CreateTemp(dir, "part-")
	if err != nil {
		return workspace.File{}, 0, fmt.Errorf("spool %s: %w", name, err)
	}
	n, err := io.Copy(out, part)
	if err != nil {
		out.Close()
		return workspace.File{}, n, fmt.Errorf("spool %s: %w", name, err)
	}
	if err := out.Close(); err != nil {
		return workspace.File{}, n, fmt.Errorf("spool %s: %w", name, err)
	}
	return workspace.File{Name: name, Path: out.Name()}, n, nil
}

func (f *submitForm) cleanup() {
	os.RemoveAll(f.spoolDir)
}
