package lockfile

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Requirement is a parsed dependency declaration (PEP 508 subset).
// Environment markers are not compared.
type Requirement struct {
	Name      string
	Extras    []string
	Specifier string
	URL       string
}

var (
	requirementPattern = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)\s*(?:\[([^\]]*)\])?\s*(.*)$`)
	nameSeparators     = regexp.MustCompile(`[-_.]+`)
)

// NormalizeName applies PEP 503 normalization to a distribution name.
func NormalizeName(name string) string {
	return nameSeparators.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// ParseRequirement parses strings such as `uvicorn[standard]>=0.32.0; python_version>"3.9"`.
func ParseRequirement(raw string) (Requirement, error) {
	s := raw
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return Requirement{}, fmt.Errorf("empty requirement %q", raw)
	}

	var url string
	if i := strings.IndexByte(s, '@'); i >= 0 {
		url = strings.TrimSpace(s[i+1:])
		s = strings.TrimSpace(s[:i])
		if url == "" {
			return Requirement{}, fmt.Errorf("requirement %q has an empty URL", raw)
		}
	}

	m := requirementPattern.FindStringSubmatch(s)
	if m == nil {
		return Requirement{}, fmt.Errorf("invalid requirement %q", raw)
	}

	req := Requirement{
		Name:      NormalizeName(m[1]),
		Extras:    normalizeExtras(strings.Split(m[2], ",")),
		Specifier: normalizeSpecifier(m[3]),
		URL:       url,
	}
	if url != "" && req.Specifier != "" {
		return Requirement{}, fmt.Errorf("requirement %q mixes a URL and a version specifier", raw)
	}
	return req, nil
}

// Constraint is the comparable form of everything except the name.
// Direct references compare as "@ <direct>" because locks rewrite the URL itself.
func (r Requirement) Constraint() string {
	var b strings.Builder
	if len(r.Extras) > 0 {
		b.WriteString("[" + strings.Join(r.Extras, ",") + "]")
	}
	if r.URL != "" {
		b.WriteString("@ <direct>")
		return b.String()
	}
	b.WriteString(r.Specifier)
	return b.String()
}

func normalizeExtras(extras []string) []string {
	var out []string
	for _, e := range extras {
		e = NormalizeName(e)
		if e != "" {
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}

// normalizeSpecifier removes whitespace and parentheses and orders clauses.
func normalizeSpecifier(spec string) string {
	spec = strings.TrimSpace(spec)
	spec = strings.TrimPrefix(spec, "(")
	spec = strings.TrimSuffix(spec, ")")
	spec = strings.Join(strings.Fields(spec), "")
	if spec == "" {
		return ""
	}
	clauses := strings.Split(spec, ",")
	sort.Strings(clauses)
	return strings.Join(clauses, ",")
}
