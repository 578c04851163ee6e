package images

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zk/snapreport/internal/tree"
)

func TestPath(t *testing.T) {
	path := []string{"Header", "renders"}
	dir := TestDir(path)

	assert.Len(t, dir, 7)
	assert.Equal(t, dir, TestDir([]string{"Header", "renders"}))
	assert.NotEqual(t, dir, TestDir([]string{"Header", "hides"}))

	assert.Equal(t, "images/"+dir+"/plain/chrome~current_2.png", Path(path, "plain", "chrome", KindCurrent, 2))
	assert.Equal(t, "images/"+dir+"/fail_0/chrome~diff_0.png", Path(path, "fail_0", "chrome", KindDiff, 0))
}

func TestSaver_Save(t *testing.T) {
	tmp := t.TempDir()
	report := t.TempDir()

	actual := filepath.Join(tmp, "actual.png")
	diff := filepath.Join(tmp, "diff.png")
	require.NoError(t, os.WriteFile(actual, []byte("actual"), 0644))
	require.NoError(t, os.WriteFile(diff, []byte("diff"), 0644))

	in := tree.TestResult{
		TestPath:  []string{"A", "b"},
		BrowserID: "chrome",
		Attempt:   1,
		ImagesInfo: []tree.ImageInfo{
			{
				StateName:   "plain",
				Status:      tree.StatusFail,
				ActualImg:   &tree.ImageFile{Path: actual, Size: &tree.ImageSize{Width: 10, Height: 20}},
				DiffImg:     &tree.ImageFile{Path: diff},
				ExpectedImg: &tree.ImageFile{Path: "images/already/saved.png"},
				RefImg:      &tree.ImageFile{Path: "/repo/screens/plain.png"},
			},
		},
	}

	out, err := NewSaver(report, nil).Save(in)
	require.NoError(t, err)

	info := out.ImagesInfo[0]
	assert.Equal(t, Path(in.TestPath, "plain", "chrome", KindCurrent, 1), info.ActualImg.Path)
	assert.Equal(t, &tree.ImageSize{Width: 10, Height: 20}, info.ActualImg.Size)
	assert.Equal(t, Path(in.TestPath, "plain", "chrome", KindDiff, 1), info.DiffImg.Path)
	assert.Equal(t, "images/already/saved.png", info.ExpectedImg.Path)
	assert.Equal(t, "/repo/screens/plain.png", info.RefImg.Path)

	data, err := os.ReadFile(filepath.Join(report, filepath.FromSlash(info.ActualImg.Path)))
	require.NoError(t, err)
	assert.Equal(t, "actual", string(data))

	// the input is not modified
	assert.Equal(t, actual, in.ImagesInfo[0].ActualImg.Path)
}

func TestSaver_MissingSource(t *testing.T) {
	in := tree.TestResult{
		TestPath:   []string{"A"},
		BrowserID:  "chrome",
		ImagesInfo: []tree.ImageInfo{{ActualImg: &tree.ImageFile{Path: filepath.Join(t.TempDir(), "gone.png")}}},
	}

	_, err := NewSaver(t.TempDir(), nil).Save(in)
	assert.Error(t, err)
}

func TestSaver_NoImages(t *testing.T) {
	in := tree.TestResult{TestPath: []string{"A"}, BrowserID: "chrome"}
	out, err := NewSaver(t.TempDir(), nil).Save(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSaver_AnonymousImagesKeepSeparateFiles(t *testing.T) {
	tmp := t.TempDir()
	report := t.TempDir()

	first := filepath.Join(tmp, "first.png")
	second := filepath.Join(tmp, "second.png")
	require.NoError(t, os.WriteFile(first, []byte("AAAA"), 0644))
	require.NoError(t, os.WriteFile(second, []byte("BBBB"), 0644))

	in := tree.TestResult{
		TestPath:  []string{"A"},
		BrowserID: "chrome",
		ImagesInfo: []tree.ImageInfo{
			{Status: tree.StatusFail, ActualImg: &tree.ImageFile{Path: first}},
			{Status: tree.StatusFail, ActualImg: &tree.ImageFile{Path: second}},
		},
	}

	out, err := NewSaver(report, nil).Save(in)
	require.NoError(t, err)

	paths := []string{out.ImagesInfo[0].ActualImg.Path, out.ImagesInfo[1].ActualImg.Path}
	assert.Equal(t, Path(in.TestPath, "fail_0", "chrome", KindCurrent, 0), paths[0])
	assert.Equal(t, Path(in.TestPath, "fail_1", "chrome", KindCurrent, 0), paths[1])

	for i, want := range []string{"AAAA", "BBBB"} {
		data, err := os.ReadFile(filepath.Join(report, filepath.FromSlash(paths[i])))
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}
