package voiceover

import "github.com/loqalabs/voiceover/internal/history"

// Page is one slice of the history, most recent first.
type Page struct {
	Number       int         `json:"page"`
	Size         int         `json:"page_size"`
	TotalPages   int         `json:"total_pages"`
	TotalRecords int         `json:"total_records"`
	Entries      []PageEntry `json:"entries"`
}

// PageEntry is a record prepared for playback.
type PageEntry struct {
	history.Record
	HasReference bool `json:"has_reference"`
}

// TotalPages returns ceil(total/size), never less than one.
func TotalPages(total, size int) int {
	if size <= 0 || total <= 0 {
		return 1
	}
	return (total + size - 1) / size
}

// ClampPage moves page into [1, totalPages].
func ClampPage(page, totalPages int) int {
	if totalPages < 1 {
		totalPages = 1
	}
	switch {
	case page < 1:
		return 1
	case page > totalPages:
		return totalPages
	}
	return page
}
