// Package export renders an ended meeting's summary to HTML, PDF or DOCX.
package export

import "errors"

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

func ParseFormat(value string) (Format, bool) {
	switch Format(value) {
	case FormatHTML, FormatPDF, FormatDOCX:
		return Format(value), true
	case "":
		return FormatPDF, true
	default:
		return "", false
	}
}

type Request struct {
	MeetingID string
	Format    Format
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrMeetingInProgress is returned for a meeting that has not ended; its
	// snapshot does not exist yet.
	ErrMeetingInProgress = errors.New("meeting has not ended")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
	ErrUnsupportedFormat     = errors.New("unsupported export format")
)
