package models

import (
	"bytes"
	"encoding/json"
)

// IssueList is either Absent (nothing was found) or Present with at least one
// issue. It encodes as null when absent and as an array otherwise.
type IssueList struct {
	issues []string
}

// NoIssues returns the Absent variant.
func NoIssues() IssueList {
	return IssueList{}
}

// IssuesOf returns a Present list, or Absent when no issues are given.
func IssuesOf(issues ...string) IssueList {
	if len(issues) == 0 {
		return IssueList{}
	}
	return IssueList{issues: append([]string(nil), issues...)}
}

func (l IssueList) Absent() bool {
	return len(l.issues) == 0
}

// Issues returns a copy of the issues, nil when absent.
func (l IssueList) Issues() []string {
	if l.Absent() {
		return nil
	}
	return append([]string(nil), l.issues...)
}

func (l IssueList) Len() int {
	return len(l.issues)
}

func (l IssueList) MarshalJSON() ([]byte, error) {
	if l.Absent() {
		return []byte("null"), nil
	}
	return json.Marshal(l.issues)
}

func (l *IssueList) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = NoIssues()
		return nil
	}
	var issues []string
	if err := json.Unmarshal(data, &issues); err != nil {
		return err
	}
	*l = IssuesOf(issues...)
	return nil
}
