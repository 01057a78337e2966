package middleware

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

// Input validation and sanitization utilities

// ValidateModule checks the module against the known set
func ValidateModule(m string) error {
	if domain.ToolsFor(domain.Module(m)) == nil {
		return fmt.Errorf("invalid module: %s (allowed: %s, %s, %s)", m,
			domain.ModuleCodeSecurity, domain.ModuleWebSecurity, domain.ModuleWebSecurityFull)
	}
	return nil
}

// ValidateURL validates scan target URLs
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme: %s (allowed: http, https)", u.Scheme)
	}

	// SSRF protection
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("localhost/internal IPs are not allowed")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return fmt.Errorf("localhost/internal IPs are not allowed")
		}
		if ip.IsPrivate() {
			return fmt.Errorf("private IP ranges are not allowed")
		}
	}

	return nil
}

// ValidatePath validates source paths handed to the static scanner
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	// Block path traversal attempts
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path traversal detected")
		}
	}

	cleaned := filepath.Clean(path)
	blocked := []string{"/etc", "/proc", "/sys", "/dev", "/root", "/boot"}
	for _, b := range blocked {
		if cleaned == b || strings.HasPrefix(cleaned, b+"/") {
			return fmt.Errorf("access to %s is not allowed", b)
		}
	}

	dangerous := []string{"$(", "`", "&", "|", ";", "\n", "\r", "\x00"}
	for _, d := range dangerous {
		if strings.Contains(path, d) {
			return fmt.Errorf("invalid characters in path")
		}
	}

	return nil
}

// ValidateTarget runs the URL or path checks matching the target type.
func ValidateTarget(t domain.Target) error {
	switch t.Type {
	case domain.TargetURL:
		return ValidateURL(t.Value)
	case domain.TargetSourcePath, domain.TargetUpload:
		return ValidatePath(t.Value)
	default:
		return fmt.Errorf("invalid target type: %s (allowed: url, source_path, upload)", t.Type)
	}
}

// SanitizeString removes dangerous characters from strings
func SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")

	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\t' || r == '\n' {
			result.WriteRune(r)
		}
	}

	return strings.TrimSpace(result.String())
}

var rxProjectID = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidateProjectID validates project ID format
func ValidateProjectID(project string) error {
	if project == "" {
		return fmt.Errorf("project ID cannot be empty")
	}
	if !rxProjectID.MatchString(project) {
		return fmt.Errorf("invalid project ID format (alphanumeric, dash, underscore only, max 64 chars)")
	}
	return nil
}

var rxUUID = regexp.MustCompile(`^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`)

// ValidateID validates run and task ids (uuid)
func ValidateID(id string) error {
	if !rxUUID.MatchString(id) {
		return fmt.Errorf("invalid id format")
	}
	return nil
}

// ValidateLimit validates pagination limit
func ValidateLimit(limit int) int {
	if limit <= 0 {
		return 20 // default
	}
	if limit > 100 {
		return 100 // max limit
	}
	return limit
}
