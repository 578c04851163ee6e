// Package images moves screenshots produced by test-runner adapters into the
// report directory.
package images

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zk/snapreport/internal/tree"
)

// Dir is the directory of saved images inside a report
const Dir = "images"

// Image kinds used in file names
const (
	KindReference = "ref"
	KindCurrent   = "current"
	KindDiff      = "diff"
)

// Logger interface for debug logging
type Logger interface {
	Debug(format string, args ...interface{})
}

type noopLogger struct{}

func (n *noopLogger) Debug(format string, args ...interface{}) {}

// Saver copies images into a report directory
type Saver struct {
	reportDir string
	logger    Logger
}

// NewSaver creates a saver for reportDir
func NewSaver(reportDir string, logger Logger) *Saver {
	if logger == nil {
		logger = &noopLogger{}
	}
	return &Saver{reportDir: reportDir, logger: logger}
}

// TestDir returns the short hash naming the image directory of a test
func TestDir(testPath []string) string {
	sum := md5.Sum([]byte(strings.Join(testPath, " ")))
	return hex.EncodeToString(sum[:])[:7]
}

// Path returns the report-relative path of an image. state is the last
// segment of the image ID, so images of one result never share a file.
func Path(testPath []string, state, browserID, kind string, attempt int) string {
	return filepath.ToSlash(filepath.Join(Dir, TestDir(testPath), state,
		fmt.Sprintf("%s~%s_%d.png", browserID, kind, attempt)))
}

// Save copies every absolute image path of r into the report and returns a
// copy of r pointing at the report-relative locations. Relative paths are
// taken as already saved. The reference image of the test itself is not copied.
func (s *Saver) Save(r tree.TestResult) (tree.TestResult, error) {
	if len(r.ImagesInfo) == 0 {
		return r, nil
	}

	infos := make([]tree.ImageInfo, len(r.ImagesInfo))
	for i, info := range r.ImagesInfo {
		state := tree.ImageDisambiguator(info.StateName, info.Status, i)

		var err error
		if info.ExpectedImg, err = s.saveFile(r, state, KindReference, info.ExpectedImg); err != nil {
			return r, err
		}
		if info.ActualImg, err = s.saveFile(r, state, KindCurrent, info.ActualImg); err != nil {
			return r, err
		}
		if info.DiffImg, err = s.saveFile(r, state, KindDiff, info.DiffImg); err != nil {
			return r, err
		}
		infos[i] = info
	}

	r.ImagesInfo = infos
	return r, nil
}

func (s *Saver) saveFile(r tree.TestResult, state, kind string, f *tree.ImageFile) (*tree.ImageFile, error) {
	if f == nil || f.Path == "" || !filepath.IsAbs(f.Path) {
		return f, nil
	}

	rel := Path(r.TestPath, state, r.BrowserID, kind, r.Attempt)
	dst := filepath.Join(s.reportDir, filepath.FromSlash(rel))
	if err := copyFile(f.Path, dst); err != nil {
		return nil, fmt.Errorf("failed to save %s image of %s: %w", kind, strings.Join(r.TestPath, " "), err)
	}
	s.logger.Debug("Saved %s to %s", f.Path, rel)

	saved := *f
	saved.Path = rel
	return &saved, nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
