package runs

import (
	"encoding/json"
	"fmt"
)

// TaskMetadata is a tagged union keyed by the task's tool kind. The common
// fields apply to every tool; exactly one of Static, Dynamic or ZAP is set.
type TaskMetadata struct {
	ExternalScanID string         `json:"external_scan_id,omitempty"`
	OutputFormat   ReportFormat   `json:"output_format,omitempty"`
	Findings       SeverityCounts `json:"findings"`

	Static  *StaticScanMeta  `json:"static,omitempty"`
	Dynamic *DynamicScanMeta `json:"dynamic,omitempty"`
	ZAP     *ZAPScanMeta     `json:"zap,omitempty"`
}

type StaticScanMeta struct {
	SourcePath string `json:"source_path"`
}

type DynamicScanMeta struct {
	TargetURL string `json:"target_url"`
}

type ZAPScanMeta struct {
	TargetURL string `json:"target_url"`
	Context   string `json:"context,omitempty"`
}

// NewTaskMetadata builds the metadata variant for tool from the run target.
func NewTaskMetadata(tool ToolKind, target Target, format ReportFormat) (TaskMetadata, error) {
	m := TaskMetadata{OutputFormat: format}
	switch tool {
	case ToolStaticScan:
		m.Static = &StaticScanMeta{SourcePath: target.Value}
	case ToolDynamicScan:
		m.Dynamic = &DynamicScanMeta{TargetURL: target.Value}
	case ToolZAPScan:
		m.ZAP = &ZAPScanMeta{TargetURL: target.Value}
	default:
		return TaskMetadata{}, fmt.Errorf("unsupported tool: %s", tool)
	}
	return m, nil
}

// CheckVariant verifies the union tag matches tool.
func (m TaskMetadata) CheckVariant(tool ToolKind) error {
	set := 0
	if m.Static != nil {
		set++
	}
	if m.Dynamic != nil {
		set++
	}
	if m.ZAP != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("metadata for %s must carry exactly one tool variant, got %d", tool, set)
	}
	switch {
	case tool == ToolStaticScan && m.Static != nil,
		tool == ToolDynamicScan && m.Dynamic != nil,
		tool == ToolZAPScan && m.ZAP != nil:
		return nil
	}
	return fmt.Errorf("metadata variant does not match tool %s", tool)
}

// TargetValue returns the tool-specific target stored in the variant.
func (m TaskMetadata) TargetValue() string {
	switch {
	case m.Static != nil:
		return m.Static.SourcePath
	case m.Dynamic != nil:
		return m.Dynamic.TargetURL
	case m.ZAP != nil:
		return m.ZAP.TargetURL
	}
	return ""
}

// JSON encodes metadata for the SQL repositories, which store it as text.
func (m TaskMetadata) JSON() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal task metadata: %w", err)
	}
	return string(b), nil
}

func ParseTaskMetadata(raw string) (TaskMetadata, error) {
	var m TaskMetadata
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return TaskMetadata{}, fmt.Errorf("unmarshal task metadata: %w", err)
	}
	return m, nil
}
