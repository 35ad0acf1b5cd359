package policy

import (
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

// urlPattern finds bare URLs embedded in freeform text fields.
var urlPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

// patchTargetPattern matches the four patch-format marker lines:
// "*** Add|Update|Delete File: PATH" and "*** Move to: PATH".
var patchTargetPattern = regexp.MustCompile(`(?m)^\*\*\*\s+(?:Add File|Update File|Delete File|Move to):\s+(.+)$`)

// directPathKeys are structured field names that directly carry a single
// filesystem target.
var directPathKeys = []string{"path", "file_path", "filename", "file", "target", "cwd", "filePath"}

// extractDomains resolves candidate hostnames from a network.fetch request's
// structured url/urls fields, falling back to bare-URL regex matches in
// freeform fields.
func extractDomains(fields map[string]any) []string {
	var out []string
	seen := map[string]bool{}
	add := func(raw string) {
		if raw == "" {
			return
		}
		host := hostOf(raw)
		if host == "" || seen[host] {
			return
		}
		seen[host] = true
		out = append(out, host)
	}

	if u, ok := fields["url"].(string); ok {
		add(u)
	}
	if us, ok := fields["urls"].([]string); ok {
		for _, u := range us {
			add(u)
		}
	}
	if us, ok := fields["urls"].([]any); ok {
		for _, u := range us {
			if s, ok := u.(string); ok {
				add(s)
			}
		}
	}

	for _, v := range fields {
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, m := range urlPattern.FindAllString(s, -1) {
			add(m)
		}
	}
	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// extractWriteTargets resolves absolute filesystem targets from a
// filesystem.write request's direct path keys and from patch-format markers
// embedded in freeform input/command fields.
func extractWriteTargets(fields map[string]any) []string {
	var out []string
	for _, key := range directPathKeys {
		if v, ok := fields[key].(string); ok && v != "" {
			out = append(out, resolveAbs(v))
		}
	}
	for _, key := range []string{"input", "command"} {
		if v, ok := fields[key].(string); ok {
			for _, m := range patchTargetPattern.FindAllStringSubmatch(v, -1) {
				out = append(out, resolveAbs(strings.TrimSpace(m[1])))
			}
		}
	}
	return out
}

func resolveAbs(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}

// containedInAny reports whether target is contained within at least one of
// roots, forbidding ".." escape, using resolved absolute paths.
func containedInAny(target string, roots []string) bool {
	target = resolveAbs(target)
	for _, root := range roots {
		if contained(target, resolveAbs(root)) {
			return true
		}
	}
	return false
}

func contained(target, root string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}
