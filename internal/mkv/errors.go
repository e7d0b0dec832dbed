package mkv

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies GStreamer errors raised while writing
type ErrorCategory int

const (
	// ErrCategoryStorage indicates the file could not be opened or written (disk full, permissions)
	ErrCategoryStorage ErrorCategory = iota
	// ErrCategoryFormat indicates caps negotiation or muxing failures
	ErrCategoryFormat
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryStorage:
		return "storage"
	case ErrCategoryFormat:
		return "format"
	default:
		return "unknown"
	}
}

// ClassifyGStreamerError categorizes a pipeline error by message keywords.
// go-gst's GError does not expose the domain, so strings are all we have.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return classify(gerr.Error(), gerr.DebugString())
}

func classify(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)

	if containsAny(combined, storageKeywords) {
		return ErrCategoryStorage
	}
	if containsAny(combined, formatKeywords) {
		return ErrCategoryFormat
	}
	return ErrCategoryUnknown
}

var storageKeywords = []string{
	"no space left",
	"could not open file",
	"could not write",
	"permission denied",
	"read-only file system",
	"resource not found",
	"filesink",
	"disk",
}

var formatKeywords = []string{
	"not negotiated",
	"negotiation",
	"caps",
	"format",
	"matroskamux",
	"mux",
	"timestamp",
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
