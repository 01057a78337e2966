package runs

import "testing"

func TestNormalizeFindingsSASTAndDAST(t *testing.T) {
	t.Parallel()

	body := []byte(`{
	  "scan_info": {"total_findings": 2},
	  "findings": [
	    {"rule_id": "SAST001", "rule_name": "SQL Injection", "file_path": "app/db.php",
	     "line_number": 42, "severity": "Critical", "cwe": "CWE-89", "code_snippet": "query($x)"},
	    {"vuln_type": "XSS", "url": "https://example.test/?q=1", "payload": "<script>",
	     "description": "reflected", "severity": "Medium"}
	  ]
	}`)
	fs, err := NormalizeFindings(ToolStaticScan, body)
	if err != nil {
		t.Fatalf("NormalizeFindings: %v", err)
	}
	if len(fs) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(fs))
	}
	if fs[0].Title != "SQL Injection" || fs[0].Location != "app/db.php:42" || fs[0].Severity != "critical" {
		t.Fatalf("unexpected SAST finding: %+v", fs[0])
	}
	if fs[1].Title != "XSS" || fs[1].Location != "https://example.test/?q=1" || fs[1].Evidence != "<script>" {
		t.Fatalf("unexpected DAST finding: %+v", fs[1])
	}

	c := CountFindings(fs)
	if c.Critical != 1 || c.Medium != 1 || c.Total != 2 {
		t.Fatalf("unexpected counts: %+v", c)
	}
}

func TestFromSeverityMapPadsUnknownToInfo(t *testing.T) {
	t.Parallel()

	c := FromSeverityMap(5, map[string]int{"High": 2, "Low": 1})
	if c.High != 2 || c.Low != 1 || c.Info != 2 || c.Total != 5 {
		t.Fatalf("unexpected counts: %+v", c)
	}
}

func TestCountRawReportFallbacks(t *testing.T) {
	t.Parallel()

	zapJSON := []byte(`{"site":[{"alerts":[{"riskcode":"3"},{"riskcode":"2"},{"riskcode":"0"}]}]}`)
	if c := CountRawReport(FormatJSON, zapJSON); c.High != 1 || c.Medium != 1 || c.Info != 1 || c.Total != 3 {
		t.Fatalf("unexpected zap json counts: %+v", c)
	}

	html := []byte(`<td>Risk: High</td><td>Risk: Medium</td><td>Risk: Informational</td>`)
	if c := CountRawReport(FormatHTML, html); c.High != 1 || c.Medium != 1 || c.Info != 1 {
		t.Fatalf("unexpected html counts: %+v", c)
	}

	classes := []byte(`<span class="risk-high"></span><span class="severity-low"></span>`)
	if c := CountRawReport(FormatHTML, classes); c.High != 1 || c.Low != 1 || c.Total != 2 {
		t.Fatalf("unexpected class counts: %+v", c)
	}

	if c := CountRawReport(FormatPDF, []byte("%PDF")); c.Total != 0 {
		t.Fatalf("pdf reports are not counted, got %+v", c)
	}
}

func TestMetadataVariant(t *testing.T) {
	t.Parallel()

	m, err := NewTaskMetadata(ToolZAPScan, Target{Type: TargetURL, Value: "https://example.test"}, FormatHTML)
	if err != nil {
		t.Fatalf("NewTaskMetadata: %v", err)
	}
	if err := m.CheckVariant(ToolZAPScan); err != nil {
		t.Fatalf("CheckVariant: %v", err)
	}
	if err := m.CheckVariant(ToolStaticScan); err == nil {
		t.Fatalf("expected variant mismatch for static-scan")
	}

	raw, err := m.JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	back, err := ParseTaskMetadata(raw)
	if err != nil {
		t.Fatalf("ParseTaskMetadata: %v", err)
	}
	if back.TargetValue() != "https://example.test" || back.OutputFormat != FormatHTML {
		t.Fatalf("unexpected metadata after decode: %+v", back)
	}

	if _, err := NewTaskMetadata("waf", Target{}, FormatJSON); err == nil {
		t.Fatalf("expected unsupported tool error")
	}
}
