package ir

import (
	"fmt"
	"strings"
)

// ProcessType selects how a FileRecord produces its bytes.
// The set is closed; ParseProcessType rejects anything else at load time.
type ProcessType string

const (
	// ProcessCopy renders a template with the record context.
	ProcessCopy ProcessType = "copy"
	// ProcessGenerate asks the content generator for the bytes, passing the
	// outputs of the record's dependencies.
	ProcessGenerate ProcessType = "generate"
	// ProcessScript runs a script with the record context.
	ProcessScript ProcessType = "script"
)

// ParseProcessType normalizes a PROCESS_TYPE value. Matching is
// case-insensitive and an empty value means copy.
func ParseProcessType(s string) (ProcessType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "copy":
		return ProcessCopy, nil
	case "generate":
		return ProcessGenerate, nil
	case "script":
		return ProcessScript, nil
	default:
		return "", fmt.Errorf("unknown process type %q (want copy, generate or script)", s)
	}
}

// String returns the lowercase name.
func (p ProcessType) String() string {
	return string(p)
}

// FileRecord is one unit of work: a single rendered output file.
//
// Path is the rendered file path and is unique within a record set.
// Dependencies hold raw references exactly as written in the manifest;
// the graph builder resolves them. Records are immutable after load.
type FileRecord struct {
	Path         string      `json:"path" yaml:"path"`
	ProcessType  ProcessType `json:"process_type" yaml:"process_type"`
	TemplateRef  string      `json:"template_ref,omitempty" yaml:"template_ref,omitempty"`
	Context      IRObject    `json:"context" yaml:"-"`
	Dependencies []string    `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	Project string `json:"project,omitempty" yaml:"project,omitempty"`
	Package string `json:"package,omitempty" yaml:"package,omitempty"`
	Module  string `json:"module,omitempty" yaml:"module,omitempty"`

	// Script is the command run for ProcessScript records.
	Script string `json:"script,omitempty" yaml:"script,omitempty"`
	// PromptTemplate names the prompt template for ProcessGenerate records.
	PromptTemplate string `json:"prompt_template,omitempty" yaml:"prompt_template,omitempty"`
}

// RecordSet is the full set of records loaded from one projects payload.
type RecordSet struct {
	// Projects lists project names in payload order.
	Projects []string
	Records  []FileRecord
}

// ForProject returns the records belonging to project, in load order.
// An empty name selects every record.
func (rs RecordSet) ForProject(project string) []FileRecord {
	if project == "" {
		return rs.Records
	}
	var out []FileRecord
	for _, r := range rs.Records {
		if r.Project == project {
			out = append(out, r)
		}
	}
	return out
}
