package sarif

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/asfalis/asfalis/internal/domain/model"
)

// Tool names understood by the normalizer. The sonar publisher produces no
// SARIF document and therefore has no normalizer entry.
const (
	ToolOSV     = "osv"
	ToolSemgrep = "semgrep"
	ToolCodeQL  = "codeql"
)

const (
	maxTitleLen = 512
	maxHelpLen  = 10000
)

// scoreExpr locates a numeric severity score in the property bags of a result
// and its rule. Tools disagree on where the score lives ("cvss" for OSV,
// "security-severity" for GitHub-flavored SARIF), so the lookup is a JMESPath
// disjunction over both bags.
const scoreExpr = `result.cvss || result."security-severity" || rule.cvss || rule."security-severity"`

// NormalizeOne parses one tool's SARIF document into normalized findings.
// Results are never dropped for unrecognized severities; those map to INFO.
func NormalizeOne(tool string, doc []byte) ([]model.Finding, error) {
	log, err := Parse(doc)
	if err != nil {
		return nil, err
	}

	var findings []model.Finding
	for ri := range log.Runs {
		run := &log.Runs[ri]
		rules := make(map[string]*Rule, len(run.Tool.Driver.Rules))
		for i := range run.Tool.Driver.Rules {
			r := &run.Tool.Driver.Rules[i]
			rules[r.ID] = r
		}
		for i := range run.Results {
			findings = append(findings, normalizeResult(tool, &run.Results[i], rules))
		}
	}
	return findings, nil
}

func normalizeResult(tool string, res *Result, rules map[string]*Rule) model.Finding {
	rule := rules[res.RuleID]
	msg := res.Message.String()

	title := msg
	if rule != nil && rule.ShortDescription != nil && rule.ShortDescription.String() != "" {
		title = rule.ShortDescription.String()
	}

	path, startLine, endLine := primaryLocation(res)
	score := severityScore(res, rule)
	raw := strings.ToLower(res.Level)
	if raw == "" {
		raw = "warning"
	}

	f := model.Finding{
		Tool:        tool,
		RuleID:      res.RuleID,
		Title:       truncate(title, maxTitleLen),
		SeverityRaw: raw,
		Severity:    normalizeSeverity(tool, raw, score),
		Path:        path,
		StartLine:   startLine,
		EndLine:     endLine,
		Fingerprint: Fingerprint(tool, res.RuleID, path, startLine, endLine, msg),
		HelpText:    truncate(helpText(rule), maxHelpLen),
	}
	f.SeverityScore = score
	f.CWE = cweFromRule(rule)
	return f
}

// normalizeSeverity maps a tool-native severity onto the five-level scale.
// OSV severities come from CVSS score bands; semgrep and codeql use small
// level enums. Anything unrecognized maps to INFO rather than being dropped.
func normalizeSeverity(tool, raw string, score *float64) model.Severity {
	switch tool {
	case ToolOSV:
		if score == nil {
			return model.SeverityMed
		}
		switch v := *score; {
		case v >= 9.0:
			return model.SeverityCritical
		case v >= 7.0:
			return model.SeverityHigh
		case v >= 4.0:
			return model.SeverityMed
		default:
			return model.SeverityLow
		}
	case ToolSemgrep:
		switch strings.ToUpper(raw) {
		case "ERROR":
			return model.SeverityHigh
		case "WARNING":
			return model.SeverityMed
		case "INFO":
			return model.SeverityInfo
		}
	case ToolCodeQL:
		switch strings.ToLower(raw) {
		case "error":
			return model.SeverityHigh
		case "warning":
			return model.SeverityMed
		case "recommendation":
			return model.SeverityLow
		case "note":
			return model.SeverityInfo
		}
	}
	return model.SeverityInfo
}

// Fingerprint computes the deterministic identity key for a finding. It is a
// pure function of the tool, rule, location, and message so re-normalizing the
// same raw evidence always reproduces the same fingerprints.
func Fingerprint(tool, ruleID, path string, startLine, endLine *int, msg string) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%s:%s:%s:%s",
		tool, ruleID, path, lineKey(startLine), lineKey(endLine), msg))
	return fmt.Sprintf("%x", h)[:32]
}

func lineKey(line *int) string {
	if line == nil {
		return ""
	}
	return strconv.Itoa(*line)
}

func primaryLocation(res *Result) (string, *int, *int) {
	if len(res.Locations) == 0 {
		return "", nil, nil
	}
	phys := res.Locations[0].PhysicalLocation
	path := phys.ArtifactLocation.URI
	if phys.Region == nil {
		return path, nil, nil
	}

	var start, end *int
	if phys.Region.StartLine > 0 {
		v := phys.Region.StartLine
		start = &v
	}
	switch {
	case phys.Region.EndLine > 0:
		v := phys.Region.EndLine
		end = &v
	case start != nil:
		end = start
	}
	return path, start, end
}

func severityScore(res *Result, rule *Rule) *float64 {
	bags := map[string]any{"result": res.Properties}
	if rule != nil {
		bags["rule"] = rule.Properties
	}
	v, err := jmespath.Search(scoreExpr, bags)
	if err != nil || v == nil {
		return nil
	}
	switch n := v.(type) {
	case float64:
		return &n
	case string:
		parsed, perr := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if perr != nil {
			return nil
		}
		return &parsed
	default:
		return nil
	}
}

func helpText(rule *Rule) string {
	if rule == nil {
		return ""
	}
	if rule.FullDescription != nil && rule.FullDescription.String() != "" {
		return rule.FullDescription.String()
	}
	if rule.Help != nil && rule.Help.String() != "" {
		return rule.Help.String()
	}
	return rule.HelpURI
}

// cweFromRule pulls a weakness classification out of CodeQL-style rule tags
// ("external/cwe/cwe-079" → "CWE-079").
func cweFromRule(rule *Rule) *string {
	if rule == nil || rule.Properties == nil {
		return nil
	}
	tags, ok := rule.Properties["tags"].([]any)
	if !ok {
		return nil
	}
	for _, t := range tags {
		tag, ok := t.(string)
		if !ok {
			continue
		}
		if rest, found := strings.CutPrefix(tag, "external/cwe/cwe-"); found {
			cwe := "CWE-" + rest
			return &cwe
		}
	}
	return nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
