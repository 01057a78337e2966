package runs

import (
	"path"
	"strings"
)

// Canonical artifact filenames.
const (
	FileReportJSON = "report.json"
	FileReportHTML = "report.html"
	FileReportPDF  = "report.pdf"
	FileFindings   = "findings.json"
	FileExecLog    = "execution.log"
)

// ArtifactRoot is the top-level prefix of every artifact path.
const ArtifactRoot = "reports"

// ArtifactKey identifies the artifact directory of one task.
type ArtifactKey struct {
	RunID RunID
	Tool  ToolKind
}

// Dir returns reports/{run_id}/{tool_kind}.
func (k ArtifactKey) Dir() string {
	return path.Join(ArtifactRoot, string(k.RunID), string(k.Tool))
}

// Locate is the pure path function: reports/{run_id}/{tool_kind}/{filename}.
func Locate(k ArtifactKey, filename string) string {
	return path.Join(k.Dir(), path.Base(filename))
}

// ReportFilename picks the report filename for a requested format.
func ReportFilename(f ReportFormat) string {
	switch f {
	case FormatHTML:
		return FileReportHTML
	case FormatPDF:
		return FileReportPDF
	default:
		return FileReportJSON
	}
}

// ContentType for downloads, keyed on the artifact extension.
func ContentType(p string) string {
	switch {
	case strings.HasSuffix(p, ".json"):
		return "application/json"
	case strings.HasSuffix(p, ".html"):
		return "text/html; charset=utf-8"
	case strings.HasSuffix(p, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(p, ".log"):
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
