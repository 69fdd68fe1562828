// Package sarif parses tool-native SARIF evidence, normalizes results into
// findings, and merges per-tool documents into one combined evidence log.
package sarif

import (
	"encoding/json"
	"fmt"
)

// SchemaURI is the SARIF 2.1.0 schema reference written into merged documents.
const SchemaURI = "https://raw.githubusercontent.com/oasis-tcs/sarif-spec/master/Schemata/sarif-schema-2.1.0.json"

// Version is the SARIF version emitted and accepted by this package.
const Version = "2.1.0"

// Log is the top-level SARIF document.
type Log struct {
	Schema  string `json:"$schema,omitempty"`
	Version string `json:"version"`
	Runs    []Run  `json:"runs"`
}

// Run is one analysis run inside a SARIF log.
type Run struct {
	Tool    Tool     `json:"tool"`
	Results []Result `json:"results"`
}

// Tool wraps the driver description of the tool that produced a run.
type Tool struct {
	Driver Driver `json:"driver"`
}

// Driver describes the analysis tool and its rule catalog.
type Driver struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Rules   []Rule `json:"rules,omitempty"`
}

// Rule is one rule definition from a driver's catalog.
type Rule struct {
	ID               string         `json:"id"`
	ShortDescription *Message       `json:"shortDescription,omitempty"`
	FullDescription  *Message       `json:"fullDescription,omitempty"`
	Help             *Message       `json:"help,omitempty"`
	HelpURI          string         `json:"helpUri,omitempty"`
	Properties       map[string]any `json:"properties,omitempty"`
}

// Result is one reported observation.
type Result struct {
	RuleID     string          `json:"ruleId,omitempty"`
	Level      string          `json:"level,omitempty"`
	Message    Message         `json:"message"`
	Locations  []Location      `json:"locations,omitempty"`
	Properties map[string]any  `json:"properties,omitempty"`
	CodeFlows  json.RawMessage `json:"codeFlows,omitempty"`
}

// Message holds result or rule text.
type Message struct {
	Text     string `json:"text,omitempty"`
	Markdown string `json:"markdown,omitempty"`
}

// String returns the plain text of a message, falling back to markdown.
func (m Message) String() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Markdown
}

// Location points at a region of an artifact.
type Location struct {
	PhysicalLocation PhysicalLocation `json:"physicalLocation"`
}

// PhysicalLocation combines an artifact reference with a region.
type PhysicalLocation struct {
	ArtifactLocation ArtifactLocation `json:"artifactLocation"`
	Region           *Region          `json:"region,omitempty"`
}

// ArtifactLocation identifies a file within the scanned workspace.
type ArtifactLocation struct {
	URI string `json:"uri"`
}

// Region is a line range within an artifact.
type Region struct {
	StartLine int `json:"startLine,omitempty"`
	EndLine   int `json:"endLine,omitempty"`
}

// Parse decodes a SARIF document. Documents without a runs array are rejected;
// an empty runs array is valid output from a tool that found nothing.
func Parse(doc []byte) (*Log, error) {
	var log Log
	if err := json.Unmarshal(doc, &log); err != nil {
		return nil, fmt.Errorf("decode sarif: %w", err)
	}
	if log.Runs == nil {
		return nil, fmt.Errorf("sarif document has no runs array")
	}
	return &log, nil
}

// Merge combines per-tool SARIF logs into one document. Each input log's runs
// are carried over as distinct labeled runs; tool attribution lives in each
// run's driver, so no cross-tool deduplication happens here.
func Merge(logs ...*Log) *Log {
	merged := &Log{
		Schema:  SchemaURI,
		Version: Version,
		Runs:    []Run{},
	}
	for _, l := range logs {
		if l == nil {
			continue
		}
		merged.Runs = append(merged.Runs, l.Runs...)
	}
	return merged
}
