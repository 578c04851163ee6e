package tree

import (
	"encoding/json"
	"sort"
)

// UnknownBrowserVersion is used when a result carries no browser version
const UnknownBrowserVersion = "unknown"

// TestResult is one formatted attempt of a test in a browser, as produced by
// a test-runner adapter or decoded from a persisted row
type TestResult struct {
	TestPath   []string    `json:"testPath"`
	BrowserID  string      `json:"browserId"`
	Attempt    int         `json:"attempt"`
	ImagesInfo []ImageInfo `json:"imagesInfo,omitempty"`

	ResultData
}

// ResultData is the payload of an attempt that the tree copies without interpreting
type ResultData struct {
	Status       Status                 `json:"status"`
	MetaInfo     map[string]interface{} `json:"metaInfo,omitempty"`
	SuiteURL     string                 `json:"suiteUrl,omitempty"`
	Description  string                 `json:"description,omitempty"`
	Error        json.RawMessage        `json:"error,omitempty"`
	SkipReason   string                 `json:"skipReason,omitempty"`
	History      json.RawMessage        `json:"history,omitempty"`
	Screenshot   bool                   `json:"screenshot,omitempty"`
	MultipleTabs bool                   `json:"multipleTabs,omitempty"`
	Timestamp    int64                  `json:"timestamp,omitempty"` // Unix time in ms
	Duration     int64                  `json:"duration,omitempty"`  // ms
	Attachments  json.RawMessage        `json:"attachments,omitempty"`
}

// BrowserVersion returns the browser version from meta info, or "unknown"
func (r ResultData) BrowserVersion() string {
	if v, ok := r.MetaInfo["browserVersion"].(string); ok && v != "" {
		return v
	}
	return UnknownBrowserVersion
}

// HasDiff reports whether any image of the result differs from its reference
func (r TestResult) HasDiff() bool {
	for _, img := range r.ImagesInfo {
		if img.HasDiff() {
			return true
		}
	}
	return false
}

// ImageFile points to an image on disk, relative to the report directory once saved
type ImageFile struct {
	Path string     `json:"path"`
	Size *ImageSize `json:"size,omitempty"`
}

type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ImageInfo describes one visual comparison artifact of an attempt
type ImageInfo struct {
	StateName    string          `json:"stateName,omitempty"`
	Status       Status          `json:"status,omitempty"`
	ExpectedImg  *ImageFile      `json:"expectedImg,omitempty"`
	ActualImg    *ImageFile      `json:"actualImg,omitempty"`
	DiffImg      *ImageFile      `json:"diffImg,omitempty"`
	RefImg       *ImageFile      `json:"refImg,omitempty"`
	DiffClusters json.RawMessage `json:"diffClusters,omitempty"`
	DiffOptions  json.RawMessage `json:"diffOptions,omitempty"`
}

// HasDiff reports whether the image is a failed comparison
func (i ImageInfo) HasDiff() bool {
	return i.DiffImg != nil || i.Status == StatusFail
}

// Files returns the non-nil image files of the artifact keyed by kind
func (i *ImageInfo) Files() map[string]*ImageFile {
	files := make(map[string]*ImageFile, 4)
	for kind, f := range map[string]*ImageFile{
		"expected": i.ExpectedImg,
		"actual":   i.ActualImg,
		"diff":     i.DiffImg,
		"ref":      i.RefImg,
	} {
		if f != nil && f.Path != "" {
			files[kind] = f
		}
	}
	return files
}

// Suite is one node of the nested describe hierarchy
type Suite struct {
	ID         string   `json:"id"`
	ParentID   string   `json:"parentId,omitempty"` // empty for root suites
	Name       string   `json:"name"`
	SuitePath  []string `json:"suitePath"`
	Root       bool     `json:"root"`
	Status     Status   `json:"status,omitempty"`
	SuiteIDs   []string `json:"suiteIds,omitempty"`
	BrowserIDs []string `json:"browserIds,omitempty"`
}

func (s *Suite) clone() *Suite {
	c := *s
	c.SuitePath = append([]string(nil), s.SuitePath...)
	c.SuiteIDs = cloneIDs(s.SuiteIDs)
	c.BrowserIDs = cloneIDs(s.BrowserIDs)
	return &c
}

// Browser is a test in one browser, tracked across all of its attempts
type Browser struct {
	ID       string
	ParentID string
	Name     string
	Version  string

	attempts   map[int]string // attempt -> result ID
	maxAttempt int
}

func newBrowser(id, parentID, name, version string) *Browser {
	return &Browser{
		ID:         id,
		ParentID:   parentID,
		Name:       name,
		Version:    version,
		attempts:   make(map[int]string),
		maxAttempt: -1,
	}
}

// setResult records the result of an attempt, overwriting any previous one
func (b *Browser) setResult(attempt int, resultID string) {
	b.attempts[attempt] = resultID
	if attempt > b.maxAttempt {
		b.maxAttempt = attempt
	}
}

// removeResult forgets an attempt. The highest remaining attempt becomes the last one.
func (b *Browser) removeResult(attempt int) {
	delete(b.attempts, attempt)
	b.maxAttempt = -1
	for a := range b.attempts {
		if a > b.maxAttempt {
			b.maxAttempt = a
		}
	}
}

// ResultID returns the result recorded for an attempt
func (b *Browser) ResultID(attempt int) (string, bool) {
	id, ok := b.attempts[attempt]
	return id, ok
}

// ResultIDs returns result IDs ordered by attempt. Attempts not filled yet are omitted.
func (b *Browser) ResultIDs() []string {
	attempts := make([]int, 0, len(b.attempts))
	for a := range b.attempts {
		attempts = append(attempts, a)
	}
	sort.Ints(attempts)

	ids := make([]string, len(attempts))
	for i, a := range attempts {
		ids[i] = b.attempts[a]
	}
	return ids
}

// LastResultID returns the result of the highest attempt seen so far
func (b *Browser) LastResultID() string {
	if b.maxAttempt < 0 {
		return ""
	}
	return b.attempts[b.maxAttempt]
}

// Attempts returns the number of recorded attempts
func (b *Browser) Attempts() int {
	return len(b.attempts)
}

func (b *Browser) clone() *Browser {
	c := *b
	c.attempts = make(map[int]string, len(b.attempts))
	for k, v := range b.attempts {
		c.attempts[k] = v
	}
	return &c
}

type browserJSON struct {
	ID        string   `json:"id"`
	ParentID  string   `json:"parentId"`
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	ResultIDs []string `json:"resultIds"`
}

// MarshalJSON renders attempts as a resultIds list indexed by attempt.
// Attempts not filled yet are empty strings.
func (b *Browser) MarshalJSON() ([]byte, error) {
	ids := make([]string, b.maxAttempt+1)
	for attempt, id := range b.attempts {
		ids[attempt] = id
	}
	return json.Marshal(browserJSON{
		ID:        b.ID,
		ParentID:  b.ParentID,
		Name:      b.Name,
		Version:   b.Version,
		ResultIDs: ids,
	})
}

// UnmarshalJSON restores a browser, taking list positions as attempt numbers
func (b *Browser) UnmarshalJSON(data []byte) error {
	var raw browserJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = *newBrowser(raw.ID, raw.ParentID, raw.Name, raw.Version)
	for attempt, id := range raw.ResultIDs {
		if id != "" {
			b.setResult(attempt, id)
		}
	}
	return nil
}

// Result is the outcome of one attempt
type Result struct {
	ID        string   `json:"id"`
	ParentID  string   `json:"parentId"`
	Attempt   int      `json:"attempt"`
	Name      string   `json:"name"` // browser name
	SuitePath []string `json:"suitePath"`
	ImageIDs  []string `json:"imageIds"`

	ResultData
}

func (r *Result) clone() *Result {
	c := *r
	c.SuitePath = append([]string(nil), r.SuitePath...)
	c.ImageIDs = cloneIDs(r.ImageIDs)
	if r.MetaInfo != nil {
		c.MetaInfo = make(map[string]interface{}, len(r.MetaInfo))
		for k, v := range r.MetaInfo {
			c.MetaInfo[k] = v
		}
	}
	return &c
}

// Image is one visual artifact attached to a result
type Image struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId"`

	ImageInfo
}

func (i *Image) clone() *Image {
	c := *i
	c.ExpectedImg = i.ExpectedImg.clone()
	c.ActualImg = i.ActualImg.clone()
	c.DiffImg = i.DiffImg.clone()
	c.RefImg = i.RefImg.clone()
	return &c
}

func (f *ImageFile) clone() *ImageFile {
	if f == nil {
		return nil
	}
	c := *f
	if f.Size != nil {
		size := *f.Size
		c.Size = &size
	}
	return &c
}

func cloneIDs(ids []string) []string {
	if ids == nil {
		return nil
	}
	return append([]string(nil), ids...)
}
