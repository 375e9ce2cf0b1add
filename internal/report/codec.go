package report

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Row is the flat storage shape of a TestAttempt, one field per column of
// the suites table. SuitePath, ImagesInfo, MetaInfo and Error hold JSON.
type Row struct {
	SuitePath    string
	SuiteName    string
	Name         string
	Status       string
	Timestamp    int64
	Description  string
	ImagesInfo   string
	MetaInfo     string
	MultipleTabs bool
	Screenshot   bool
	SuiteURL     string
	SkipReason   string
	Error        string
}

// Encode flattens an attempt into a storage row.
func Encode(a TestAttempt) (Row, error) {
	if len(a.SuitePath) == 0 {
		return Row{}, errors.New("encode attempt: empty suite path")
	}
	if a.BrowserID == "" {
		return Row{}, errors.New("encode attempt: empty browser id")
	}
	suitePath, err := json.Marshal(a.SuitePath)
	if err != nil {
		return Row{}, fmt.Errorf("encode suitePath: %w", err)
	}
	images := a.ImagesInfo
	if images == nil {
		images = []ImageState{}
	}
	imagesInfo, err := json.Marshal(images)
	if err != nil {
		return Row{}, fmt.Errorf("encode imagesInfo: %w", err)
	}
	meta := a.MetaInfo
	if meta == nil {
		meta = map[string]any{}
	}
	metaInfo, err := json.Marshal(meta)
	if err != nil {
		return Row{}, fmt.Errorf("encode metaInfo: %w", err)
	}
	errInfo, err := json.Marshal(a.Error)
	if err != nil {
		return Row{}, fmt.Errorf("encode error: %w", err)
	}
	return Row{
		SuitePath:    string(suitePath),
		SuiteName:    a.Name(),
		Name:         a.BrowserID,
		Status:       string(a.Status),
		Timestamp:    a.Timestamp,
		Description:  a.Description,
		ImagesInfo:   string(imagesInfo),
		MetaInfo:     string(metaInfo),
		MultipleTabs: a.MultipleTabs,
		Screenshot:   a.Screenshot,
		SuiteURL:     a.SuiteURL,
		SkipReason:   a.SkipReason,
		Error:        string(errInfo),
	}, nil
}

// Decode rebuilds an attempt from a storage row. Any unparsable structured
// field yields a *MalformedRowError; index is carried into the error.
func Decode(index int, r Row) (TestAttempt, error) {
	a := TestAttempt{
		BrowserID:    r.Name,
		Timestamp:    r.Timestamp,
		Status:       Status(r.Status),
		Description:  r.Description,
		SuiteURL:     r.SuiteURL,
		SkipReason:   r.SkipReason,
		MultipleTabs: r.MultipleTabs,
		Screenshot:   r.Screenshot,
	}
	if err := json.Unmarshal([]byte(r.SuitePath), &a.SuitePath); err != nil {
		return TestAttempt{}, &MalformedRowError{Index: index, Field: "suitePath", Err: err}
	}
	if len(a.SuitePath) == 0 {
		return TestAttempt{}, &MalformedRowError{Index: index, Field: "suitePath", Err: errors.New("empty")}
	}
	if a.BrowserID == "" {
		return TestAttempt{}, &MalformedRowError{Index: index, Field: "name", Err: errors.New("empty")}
	}
	if !a.Status.Valid() {
		return TestAttempt{}, &MalformedRowError{Index: index, Field: "status", Err: fmt.Errorf("unknown status %q", r.Status)}
	}
	if err := decodeOptional(r.ImagesInfo, &a.ImagesInfo); err != nil {
		return TestAttempt{}, &MalformedRowError{Index: index, Field: "imagesInfo", Err: err}
	}
	if err := decodeOptional(r.MetaInfo, &a.MetaInfo); err != nil {
		return TestAttempt{}, &MalformedRowError{Index: index, Field: "metaInfo", Err: err}
	}
	if err := decodeOptional(r.Error, &a.Error); err != nil {
		return TestAttempt{}, &MalformedRowError{Index: index, Field: "error", Err: err}
	}
	if len(a.ImagesInfo) == 0 {
		a.ImagesInfo = nil
	}
	if len(a.MetaInfo) == 0 {
		a.MetaInfo = nil
	}
	return a, nil
}

// decodeOptional treats an empty column as absent.
func decodeOptional(raw string, dst any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
