package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/zk/snapreport/internal/tree"
)

// Row is one persisted attempt
type Row struct {
	SuitePath    []string
	SuiteName    string
	Name         string // browser
	SuiteURL     string
	MetaInfo     map[string]interface{}
	History      json.RawMessage
	Description  string
	Error        json.RawMessage
	SkipReason   string
	ImagesInfo   []tree.ImageInfo
	Screenshot   bool
	MultipleTabs bool
	Status       tree.Status
	Timestamp    int64
	Duration     int64
	Attachments  json.RawMessage

	decodeErr error
}

// RowFromTestResult flattens a test result into a row
func RowFromTestResult(r tree.TestResult) Row {
	row := Row{
		SuitePath:    append([]string(nil), r.TestPath...),
		Name:         r.BrowserID,
		SuiteURL:     r.SuiteURL,
		MetaInfo:     r.MetaInfo,
		History:      r.History,
		Description:  r.Description,
		Error:        r.Error,
		SkipReason:   r.SkipReason,
		ImagesInfo:   r.ImagesInfo,
		Screenshot:   r.Screenshot,
		MultipleTabs: r.MultipleTabs,
		Status:       r.Status,
		Timestamp:    r.Timestamp,
		Duration:     r.Duration,
		Attachments:  r.Attachments,
	}
	if n := len(r.TestPath); n > 0 {
		row.SuiteName = r.TestPath[n-1]
	}
	return row
}

// TestResult decodes the row for the tree builders. Attempt is left at zero,
// builders number attempts themselves.
func (r Row) TestResult() (tree.TestResult, error) {
	if r.decodeErr != nil {
		return tree.TestResult{}, r.decodeErr
	}

	status, ok := tree.ParseStatus(string(r.Status))
	if !ok {
		return tree.TestResult{}, fmt.Errorf("unknown status %q", r.Status)
	}

	return tree.TestResult{
		TestPath:   append([]string(nil), r.SuitePath...),
		BrowserID:  r.Name,
		ImagesInfo: r.ImagesInfo,
		ResultData: tree.ResultData{
			Status:       status,
			MetaInfo:     r.MetaInfo,
			SuiteURL:     r.SuiteURL,
			Description:  r.Description,
			Error:        r.Error,
			SkipReason:   r.SkipReason,
			History:      r.History,
			Screenshot:   r.Screenshot,
			MultipleTabs: r.MultipleTabs,
			Timestamp:    r.Timestamp,
			Duration:     r.Duration,
			Attachments:  r.Attachments,
		},
	}, nil
}

// Err returns the error met while decoding the row, if any
func (r Row) Err() error {
	return r.decodeErr
}

// TreeRows adapts rows for the static tree builder
func TreeRows(rows []Row) []tree.Row {
	out := make([]tree.Row, len(rows))
	for i := range rows {
		out[i] = rows[i]
	}
	return out
}

// values returns the column values in suitesColumns order
func (r Row) values() ([]interface{}, error) {
	suitePath, err := json.Marshal(r.SuitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", ColSuitePath, err)
	}
	metaInfo, err := jsonOrNull(r.MetaInfo, r.MetaInfo == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", ColMetaInfo, err)
	}
	imagesInfo, err := jsonOrNull(r.ImagesInfo, r.ImagesInfo == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", ColImagesInfo, err)
	}

	attachments := rawOrNull(r.Attachments)
	if attachments == nil {
		attachments = "[]"
	}

	return []interface{}{
		string(suitePath),
		r.SuiteName,
		r.Name,
		stringOrNull(r.SuiteURL),
		metaInfo,
		rawOrNull(r.History),
		stringOrNull(r.Description),
		rawOrNull(r.Error),
		stringOrNull(r.SkipReason),
		imagesInfo,
		boolToInt(r.Screenshot),
		boolToInt(r.MultipleTabs),
		string(r.Status),
		r.Timestamp,
		r.Duration,
		attachments,
	}, nil
}

// rawRow receives one scanned row, NULLs included
type rawRow struct {
	suitePath, suiteName, name, suiteURL, metaInfo, history sql.NullString
	description, errorText, skipReason, imagesInfo          sql.NullString
	screenshot, multipleTabs                                sql.NullInt64
	status                                                  sql.NullString
	timestamp, duration                                     sql.NullInt64
	attachments                                             sql.NullString
}

// targets returns scan destinations in suitesColumns order
func (raw *rawRow) targets() []interface{} {
	return []interface{}{
		&raw.suitePath, &raw.suiteName, &raw.name, &raw.suiteURL, &raw.metaInfo, &raw.history,
		&raw.description, &raw.errorText, &raw.skipReason, &raw.imagesInfo,
		&raw.screenshot, &raw.multipleTabs, &raw.status, &raw.timestamp, &raw.duration,
		&raw.attachments,
	}
}

// decode converts the scanned values. Errors are kept on the row so a
// single corrupt row does not fail a whole query.
func (raw *rawRow) decode() Row {
	row := Row{
		SuiteName:    raw.suiteName.String,
		Name:         raw.name.String,
		SuiteURL:     raw.suiteURL.String,
		History:      rawJSON(raw.history),
		Description:  raw.description.String,
		Error:        rawJSON(raw.errorText),
		SkipReason:   raw.skipReason.String,
		Screenshot:   raw.screenshot.Int64 != 0,
		MultipleTabs: raw.multipleTabs.Int64 != 0,
		Status:       tree.Status(raw.status.String),
		Timestamp:    raw.timestamp.Int64,
		Duration:     raw.duration.Int64,
		Attachments:  rawJSON(raw.attachments),
	}

	if raw.suitePath.Valid {
		if err := json.Unmarshal([]byte(raw.suitePath.String), &row.SuitePath); err != nil {
			row.decodeErr = fmt.Errorf("corrupt %s %q: %w", ColSuitePath, raw.suitePath.String, err)
			return row
		}
	}
	if raw.metaInfo.Valid && raw.metaInfo.String != "" {
		if err := json.Unmarshal([]byte(raw.metaInfo.String), &row.MetaInfo); err != nil {
			row.decodeErr = fmt.Errorf("corrupt %s: %w", ColMetaInfo, err)
			return row
		}
	}
	if raw.imagesInfo.Valid && raw.imagesInfo.String != "" {
		if err := json.Unmarshal([]byte(raw.imagesInfo.String), &row.ImagesInfo); err != nil {
			row.decodeErr = fmt.Errorf("corrupt %s: %w", ColImagesInfo, err)
			return row
		}
	}
	return row
}

func jsonOrNull(v interface{}, isNil bool) (interface{}, error) {
	if isNil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func rawOrNull(m json.RawMessage) interface{} {
	if len(m) == 0 || string(m) == "null" {
		return nil
	}
	return string(m)
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" || !json.Valid([]byte(s.String)) {
		return nil
	}
	return json.RawMessage(s.String)
}

func stringOrNull(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
