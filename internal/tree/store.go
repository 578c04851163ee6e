package tree

import "sort"

// SuiteMap holds suites by ID plus insertion ordered ID lists
type SuiteMap struct {
	ByID       map[string]*Suite `json:"byId"`
	AllIDs     []string          `json:"allIds"`
	AllRootIDs []string          `json:"allRootIds"`
}

type BrowserMap struct {
	ByID   map[string]*Browser `json:"byId"`
	AllIDs []string            `json:"allIds"`
}

type ResultMap struct {
	ByID   map[string]*Result `json:"byId"`
	AllIDs []string           `json:"allIds"`
}

type ImageMap struct {
	ByID   map[string]*Image `json:"byId"`
	AllIDs []string          `json:"allIds"`
}

// Tree is the normalized store of suites, browsers, results and images.
// A Tree returned by a Builder is a snapshot owned by the caller.
type Tree struct {
	Suites   SuiteMap   `json:"suites"`
	Browsers BrowserMap `json:"browsers"`
	Results  ResultMap  `json:"results"`
	Images   ImageMap   `json:"images"`
}

// NewTree creates an empty tree
func NewTree() *Tree {
	return &Tree{
		Suites:   SuiteMap{ByID: make(map[string]*Suite), AllIDs: []string{}, AllRootIDs: []string{}},
		Browsers: BrowserMap{ByID: make(map[string]*Browser), AllIDs: []string{}},
		Results:  ResultMap{ByID: make(map[string]*Result), AllIDs: []string{}},
		Images:   ImageMap{ByID: make(map[string]*Image), AllIDs: []string{}},
	}
}

// Suite returns a suite by ID
func (t *Tree) Suite(id string) (*Suite, bool) {
	s, ok := t.Suites.ByID[id]
	return s, ok
}

// Browser returns a browser by ID
func (t *Tree) Browser(id string) (*Browser, bool) {
	b, ok := t.Browsers.ByID[id]
	return b, ok
}

// Result returns a result by ID
func (t *Tree) Result(id string) (*Result, bool) {
	r, ok := t.Results.ByID[id]
	return r, ok
}

// Image returns an image by ID
func (t *Tree) Image(id string) (*Image, bool) {
	i, ok := t.Images.ByID[id]
	return i, ok
}

// LastResult returns the result of the highest attempt of a browser
func (t *Tree) LastResult(browserID string) (*Result, bool) {
	b, ok := t.Browsers.ByID[browserID]
	if !ok {
		return nil, false
	}
	r, ok := t.Results.ByID[b.LastResultID()]
	return r, ok
}

// Clone returns a deep copy of the tree
func (t *Tree) Clone() *Tree {
	c := &Tree{
		Suites: SuiteMap{
			ByID:       make(map[string]*Suite, len(t.Suites.ByID)),
			AllIDs:     append([]string{}, t.Suites.AllIDs...),
			AllRootIDs: append([]string{}, t.Suites.AllRootIDs...),
		},
		Browsers: BrowserMap{
			ByID:   make(map[string]*Browser, len(t.Browsers.ByID)),
			AllIDs: append([]string{}, t.Browsers.AllIDs...),
		},
		Results: ResultMap{
			ByID:   make(map[string]*Result, len(t.Results.ByID)),
			AllIDs: append([]string{}, t.Results.AllIDs...),
		},
		Images: ImageMap{
			ByID:   make(map[string]*Image, len(t.Images.ByID)),
			AllIDs: append([]string{}, t.Images.AllIDs...),
		},
	}

	for id, s := range t.Suites.ByID {
		c.Suites.ByID[id] = s.clone()
	}
	for id, b := range t.Browsers.ByID {
		c.Browsers.ByID[id] = b.clone()
	}
	for id, r := range t.Results.ByID {
		c.Results.ByID[id] = r.clone()
	}
	for id, i := range t.Images.ByID {
		c.Images.ByID[id] = i.clone()
	}
	return c
}

// SortTree orders root suites and every suite's children lexicographically by ID,
// depth-first from the roots. Suites unreachable from a root are left as is.
func (t *Tree) SortTree() {
	sort.Strings(t.Suites.AllRootIDs)

	stack := append([]string(nil), t.Suites.AllRootIDs...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		suite, ok := t.Suites.ByID[id]
		if !ok {
			continue
		}
		sort.Strings(suite.SuiteIDs)
		sort.Strings(suite.BrowserIDs)
		stack = append(stack, suite.SuiteIDs...)
	}
}

// upsertSuite inserts a suite if its ID is unknown and reports whether it was created
func (t *Tree) upsertSuite(s *Suite) bool {
	if _, exists := t.Suites.ByID[s.ID]; exists {
		return false
	}
	t.Suites.ByID[s.ID] = s
	t.Suites.AllIDs = append(t.Suites.AllIDs, s.ID)
	if s.Root {
		t.Suites.AllRootIDs = append(t.Suites.AllRootIDs, s.ID)
	}
	return true
}

// upsertBrowser returns the browser with the given ID, creating it from b when missing
func (t *Tree) upsertBrowser(b *Browser) *Browser {
	if existing, ok := t.Browsers.ByID[b.ID]; ok {
		return existing
	}
	t.Browsers.ByID[b.ID] = b
	t.Browsers.AllIDs = append(t.Browsers.AllIDs, b.ID)
	return b
}

// upsertResult stores r, replacing a previous result with the same ID (last write wins).
// The replaced result is returned so its images can be pruned.
func (t *Tree) upsertResult(r *Result) (previous *Result) {
	previous, exists := t.Results.ByID[r.ID]
	if !exists {
		t.Results.AllIDs = append(t.Results.AllIDs, r.ID)
	}
	t.Results.ByID[r.ID] = r
	return previous
}

// upsertImage stores img, replacing a previous image with the same ID
func (t *Tree) upsertImage(img *Image) {
	if _, exists := t.Images.ByID[img.ID]; !exists {
		t.Images.AllIDs = append(t.Images.AllIDs, img.ID)
	}
	t.Images.ByID[img.ID] = img
}

// removeResult deletes a result from both the map and the ID list
func (t *Tree) removeResult(id string) {
	if _, ok := t.Results.ByID[id]; !ok {
		return
	}
	delete(t.Results.ByID, id)

	kept := t.Results.AllIDs[:0]
	for _, existing := range t.Results.AllIDs {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	t.Results.AllIDs = kept
}

// removeImages deletes images from both the map and the ID list
func (t *Tree) removeImages(ids []string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := t.Images.ByID[id]; ok {
			delete(t.Images.ByID, id)
			drop[id] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return
	}

	kept := t.Images.AllIDs[:0]
	for _, id := range t.Images.AllIDs {
		if _, gone := drop[id]; !gone {
			kept = append(kept, id)
		}
	}
	t.Images.AllIDs = kept
}

// appendUnique appends id to ids unless it is already present
func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
