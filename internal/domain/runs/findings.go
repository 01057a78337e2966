package runs

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Finding is the normalized shape persisted as findings.json.
type Finding struct {
	Tool        ToolKind `json:"tool"`
	RuleID      string   `json:"rule_id,omitempty"`
	Title       string   `json:"title"`
	Severity    string   `json:"severity"`
	Location    string   `json:"location,omitempty"`
	Evidence    string   `json:"evidence,omitempty"`
	Description string   `json:"description,omitempty"`
	CWE         string   `json:"cwe,omitempty"`
}

// rawFinding covers both SAST (rule/file) and DAST (vuln/url) entries emitted
// by the tool services' report generator.
type rawFinding struct {
	RuleID      string      `json:"rule_id"`
	RuleName    string      `json:"rule_name"`
	Description string      `json:"description"`
	FilePath    string      `json:"file_path"`
	LineNumber  json.Number `json:"line_number"`
	Severity    string      `json:"severity"`
	CWE         string      `json:"cwe"`
	CodeSnippet string      `json:"code_snippet"`
	LineContent string      `json:"line_content"`
	VulnType    string      `json:"vuln_type"`
	URL         string      `json:"url"`
	Payload     string      `json:"payload"`
}

// NormalizeFindings decodes a findings document (either {"findings": [...]}
// or a bare array) into normalized findings.
func NormalizeFindings(tool ToolKind, body []byte) ([]Finding, error) {
	var raws []rawFinding
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, fmt.Errorf("decode findings array: %w", err)
		}
	} else {
		var doc struct {
			Findings        []rawFinding `json:"findings"`
			Vulnerabilities []rawFinding `json:"vulnerabilities"`
		}
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("decode findings document: %w", err)
		}
		raws = append(doc.Findings, doc.Vulnerabilities...)
	}

	out := make([]Finding, 0, len(raws))
	for _, r := range raws {
		f := Finding{
			Tool:        tool,
			RuleID:      r.RuleID,
			Severity:    NormalizeSeverity(r.Severity),
			Description: r.Description,
			CWE:         r.CWE,
		}
		switch {
		case r.VulnType != "":
			f.Title = r.VulnType
			f.Location = r.URL
			f.Evidence = r.Payload
		default:
			f.Title = r.RuleName
			if f.Title == "" {
				f.Title = r.RuleID
			}
			f.Location = r.FilePath
			if ln := r.LineNumber.String(); ln != "" && ln != "0" {
				f.Location = r.FilePath + ":" + ln
			}
			f.Evidence = r.CodeSnippet
			if f.Evidence == "" {
				f.Evidence = r.LineContent
			}
		}
		if f.Title == "" {
			f.Title = "finding"
		}
		out = append(out, f)
	}
	return out, nil
}

// NormalizeSeverity maps tool severities onto critical|high|medium|low|info.
func NormalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "4":
		return "critical"
	case "high", "error", "3":
		return "high"
	case "medium", "moderate", "warning", "2":
		return "medium"
	case "low", "note", "1":
		return "low"
	default:
		return "info"
	}
}

// CountFindings tallies normalized findings.
func CountFindings(fs []Finding) SeverityCounts {
	var c SeverityCounts
	for _, f := range fs {
		c.add(f.Severity)
	}
	return c
}

func (c *SeverityCounts) add(sev string) {
	switch NormalizeSeverity(sev) {
	case "critical":
		c.Critical++
	case "high":
		c.High++
	case "medium":
		c.Medium++
	case "low":
		c.Low++
	default:
		c.Info++
	}
	c.Total++
}

// FromSeverityMap builds counts from a {"High": 2, ...} map as reported by
// the tool services' status endpoint.
func FromSeverityMap(total int, m map[string]int) SeverityCounts {
	var c SeverityCounts
	for sev, n := range m {
		for i := 0; i < n; i++ {
			c.add(sev)
		}
	}
	if total > c.Total {
		c.Info += total - c.Total
		c.Total = total
	}
	return c
}

// CountRawReport is the fallback when a driver has no structured findings:
// best-effort severity counts from the raw report body.
func CountRawReport(format ReportFormat, body []byte) SeverityCounts {
	switch format {
	case FormatJSON:
		if c, ok := countJSONReport(body); ok {
			return c
		}
		return SeverityCounts{}
	case FormatHTML:
		return countHTMLReport(body)
	default:
		return SeverityCounts{}
	}
}

func countJSONReport(body []byte) (SeverityCounts, bool) {
	if fs, err := NormalizeFindings("", body); err == nil && len(fs) > 0 {
		return CountFindings(fs), true
	}
	// ZAP traditional JSON report: site[].alerts[].riskcode
	var zap struct {
		Site []struct {
			Alerts []struct {
				RiskCode string `json:"riskcode"`
			} `json:"alerts"`
		} `json:"site"`
	}
	if err := json.Unmarshal(body, &zap); err != nil {
		return SeverityCounts{}, false
	}
	var c SeverityCounts
	for _, s := range zap.Site {
		for _, a := range s.Alerts {
			n, err := strconv.Atoi(a.RiskCode)
			if err != nil {
				n = 0
			}
			// ZAP risk codes: 3 high, 2 medium, 1 low, 0 informational
			c.add(zapRisk(n))
		}
	}
	return c, true
}

func zapRisk(code int) string {
	switch code {
	case 3:
		return "high"
	case 2:
		return "medium"
	case 1:
		return "low"
	default:
		return "info"
	}
}

var (
	rxRiskHigh  = regexp.MustCompile(`risk\s*:?\s*high`)
	rxRiskMed   = regexp.MustCompile(`risk\s*:?\s*medium`)
	rxRiskLow   = regexp.MustCompile(`risk\s*:?\s*low`)
	rxRiskInfo  = regexp.MustCompile(`risk\s*:?\s*(informational|info)`)
	rxRiskClass = regexp.MustCompile(`class\s*=\s*"(?:risk|severity)-(critical|high|medium|low|informational|info)"`)
)

// countHTMLReport counts risk labels; heuristic, may over/undercount
// depending on the HTML template.
func countHTMLReport(body []byte) SeverityCounts {
	s := strings.ToLower(string(body))

	var c SeverityCounts
	c.High = len(rxRiskHigh.FindAllStringIndex(s, -1))
	c.Medium = len(rxRiskMed.FindAllStringIndex(s, -1))
	c.Low = len(rxRiskLow.FindAllStringIndex(s, -1))
	c.Info = len(rxRiskInfo.FindAllStringIndex(s, -1))
	c.Total = c.High + c.Medium + c.Low + c.Info
	if c.Total > 0 {
		return c
	}

	// newer templates use severity-high / risk-high classes
	var f SeverityCounts
	for _, m := range rxRiskClass.FindAllStringSubmatch(s, -1) {
		f.add(m[1])
	}
	return f
}
