package merge

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zk/snapreport/internal/store"
)

// AssetStats counts what an asset copy did
type AssetStats struct {
	Copied  int
	Skipped int // byte-identical files already at the destination
	Bytes   int64
}

func (a *AssetStats) add(o AssetStats) {
	a.Copied += o.Copied
	a.Skipped += o.Skipped
	a.Bytes += o.Bytes
}

// isDataFile reports whether a file belongs to the persisted data merged separately
func isDataFile(name string) bool {
	base := filepath.Base(name)
	if base == store.ManifestName {
		return true
	}
	for _, suffix := range []string{".db", ".db-journal", ".db-wal", ".db-shm"} {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}

// copyAssets copies every non-data file of srcDir into destDir keeping
// relative paths. A file that already exists with the same bytes is left
// alone, a different one is overwritten.
func copyAssets(srcDir, destDir string) (AssetStats, error) {
	var stats AssetStats

	absSrc, err := filepath.Abs(srcDir)
	if err != nil {
		return stats, err
	}
	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return stats, err
	}
	if absSrc == absDest {
		return stats, nil
	}

	err = filepath.WalkDir(absSrc, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			// the destination may live inside a source
			if p == absDest {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || isDataFile(p) {
			return nil
		}

		rel, err := filepath.Rel(absSrc, p)
		if err != nil {
			return err
		}
		target := filepath.Join(absDest, rel)

		same, err := sameContent(p, target)
		if err != nil {
			return err
		}
		if same {
			stats.Skipped++
			return nil
		}

		n, err := copyFile(p, target)
		if err != nil {
			return err
		}
		stats.Copied++
		stats.Bytes += n
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to copy assets from %s: %w", srcDir, err)
	}
	return stats, nil
}

// sameContent reports whether both files exist with identical bytes
func sameContent(a, b string) (bool, error) {
	infoA, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	infoB, err := os.Stat(b)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if infoA.Size() != infoB.Size() {
		return false, nil
	}

	fa, err := os.Open(a)
	if err != nil {
		return false, err
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, err
	}
	defer fb.Close()

	bufA := make([]byte, 32*1024)
	bufB := make([]byte, 32*1024)
	for {
		na, errA := io.ReadFull(fa, bufA)
		nb, errB := io.ReadFull(fb, bufB)
		if !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		if errA == io.EOF || errA == io.ErrUnexpectedEOF {
			return errB == io.EOF || errB == io.ErrUnexpectedEOF, nil
		}
		if errA != nil {
			return false, errA
		}
		if errB != nil {
			return false, errB
		}
	}
}

func copyFile(src, dst string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return n, err
}
