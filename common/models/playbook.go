package models

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Reserved terminal step names
const (
	StepStart = "start"
	StepEnd   = "end"
)

// Tool identifiers for workbook tasks
const (
	ToolHTTP     = "http"
	ToolPostgres = "postgres"
	ToolDuckDB   = "duckdb"
	ToolPython   = "python"
	ToolIterator = "iterator"
	ToolTransfer = "transfer"
)

// Playbook is a declarative workflow document: a step graph plus a library of
// reusable tasks and an initial workload.
type Playbook struct {
	APIVersion  string                 `yaml:"apiVersion,omitempty" json:"api_version,omitempty"`
	Kind        string                 `yaml:"kind,omitempty" json:"kind,omitempty"`
	Name        string                 `yaml:"name" json:"name"`
	Path        string                 `yaml:"path" json:"path"`
	Version     string                 `yaml:"version,omitempty" json:"version,omitempty"`
	Description string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Workload    map[string]interface{} `yaml:"workload,omitempty" json:"workload,omitempty"`
	Workflow    []*Step                `yaml:"workflow" json:"workflow"`
	Workbook    []*Task                `yaml:"workbook,omitempty" json:"workbook,omitempty"`
}

// Step is one node in the workflow graph
type Step struct {
	Step    string                 `yaml:"step" json:"step"`
	Desc    string                 `yaml:"desc,omitempty" json:"desc,omitempty"`
	Loop    *LoopSpec              `yaml:"loop,omitempty" json:"loop,omitempty"`
	EndLoop *EndLoopSpec           `yaml:"end_loop,omitempty" json:"end_loop,omitempty"`
	Call    *CallSpec              `yaml:"call,omitempty" json:"call,omitempty"`
	Next    []*NextClause          `yaml:"next,omitempty" json:"next,omitempty"`
	With    map[string]interface{} `yaml:"with,omitempty" json:"with,omitempty"`
}

// IsTerminal reports whether the step has no body (plain pass-through)
func (s *Step) IsTerminal() bool {
	return s.Loop == nil && s.EndLoop == nil && s.Call == nil
}

// CallSpec invokes a workbook task by name
type CallSpec struct {
	Name string                 `yaml:"name" json:"name"`
	With map[string]interface{} `yaml:"with,omitempty" json:"with,omitempty"`
}

// EndLoopSpec closes a loop and binds aggregated results into context
type EndLoopSpec struct {
	Loop   string                 `yaml:"loop" json:"loop"`
	Result map[string]interface{} `yaml:"result,omitempty" json:"result,omitempty"`
}

// LoopSpec iterates a collection running a nested task per element
type LoopSpec struct {
	Collection  interface{}            `yaml:"in,omitempty" json:"in,omitempty"`
	Element     string                 `yaml:"iterator,omitempty" json:"iterator,omitempty"`
	Mode        string                 `yaml:"mode,omitempty" json:"mode,omitempty"`
	Concurrency int                    `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	Enumerate   bool                   `yaml:"enumerate,omitempty" json:"enumerate,omitempty"`
	Where       string                 `yaml:"where,omitempty" json:"where,omitempty"`
	Limit       int                    `yaml:"limit,omitempty" json:"limit,omitempty"`
	Chunk       int                    `yaml:"chunk,omitempty" json:"chunk,omitempty"`
	OrderBy     string                 `yaml:"order_by,omitempty" json:"order_by,omitempty"`
	Task        *Task                  `yaml:"task,omitempty" json:"task,omitempty"`
	Sink        *SinkSpec              `yaml:"sink,omitempty" json:"sink,omitempty"`
	Pagination  *PaginationSpec        `yaml:"pagination,omitempty" json:"pagination,omitempty"`
	With        map[string]interface{} `yaml:"with,omitempty" json:"with,omitempty"`
}

// Task is a reusable unit of work defined in the workbook
type Task struct {
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	Tool string `yaml:"tool" json:"tool"`

	// HTTP
	Endpoint string                 `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Method   string                 `yaml:"method,omitempty" json:"method,omitempty"`
	Headers  map[string]interface{} `yaml:"headers,omitempty" json:"headers,omitempty"`
	Data     interface{}            `yaml:"data,omitempty" json:"data,omitempty"`
	// Legacy HTTP fields, rewritten into Data by Normalize
	Params  map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
	Payload interface{}            `yaml:"payload,omitempty" json:"payload,omitempty"`

	// SQL (postgres, duckdb): base64-encoded command or command list
	Command  string   `yaml:"command,omitempty" json:"command,omitempty"`
	Commands []string `yaml:"commands,omitempty" json:"commands,omitempty"`

	// python: base64-encoded code body plus args
	Code string                 `yaml:"code,omitempty" json:"code,omitempty"`
	Args map[string]interface{} `yaml:"args,omitempty" json:"args,omitempty"`

	// transfer
	Source      *TransferEndpoint `yaml:"source,omitempty" json:"source,omitempty"`
	Target      *TransferEndpoint `yaml:"target,omitempty" json:"target,omitempty"`
	ChunkSize   int               `yaml:"chunk_size,omitempty" json:"chunk_size,omitempty"`
	WriteMode   string            `yaml:"write_mode,omitempty" json:"write_mode,omitempty"`
	KeyColumns  []string          `yaml:"key_columns,omitempty" json:"key_columns,omitempty"`
	TargetQuery string            `yaml:"target_query,omitempty" json:"target_query,omitempty"`

	// iterator tool re-uses the loop controller
	Loop *LoopSpec `yaml:"loop,omitempty" json:"loop,omitempty"`

	// DuckDB cloud credential shortcuts
	GCSCredential   string `yaml:"gcs_credential,omitempty" json:"gcs_credential,omitempty"`
	S3Credential    string `yaml:"s3_credential,omitempty" json:"s3_credential,omitempty"`
	CloudCredential string `yaml:"cloud_credential,omitempty" json:"cloud_credential,omitempty"`

	Auth   interface{}            `yaml:"auth,omitempty" json:"auth,omitempty"`
	Sink   *SinkSpec              `yaml:"sink,omitempty" json:"sink,omitempty"`
	Return interface{}            `yaml:"return,omitempty" json:"return,omitempty"`
	With   map[string]interface{} `yaml:"with,omitempty" json:"with,omitempty"`

	// Legacy auth aliases, rewritten into Auth by Normalize
	Credential  interface{} `yaml:"credential,omitempty" json:"credential,omitempty"`
	Credentials interface{} `yaml:"credentials,omitempty" json:"credentials,omitempty"`

	// LegacyAuth marks tasks that used the deprecated credential[s] spelling
	LegacyAuth bool `yaml:"-" json:"-"`
}

// TransferEndpoint names one side of a transfer task
type TransferEndpoint struct {
	Kind  string `yaml:"kind" json:"kind"` // postgres or snowflake
	Auth  string `yaml:"auth" json:"auth"`
	Query string `yaml:"query,omitempty" json:"query,omitempty"`
	Table string `yaml:"table,omitempty" json:"table,omitempty"`
}

// SinkSpec declares persistence of a result payload to a storage backend
type SinkSpec struct {
	Storage   string                 `yaml:"storage" json:"storage"`
	Data      interface{}            `yaml:"data,omitempty" json:"data,omitempty"`
	Args      interface{}            `yaml:"args,omitempty" json:"args,omitempty"`
	Auth      interface{}            `yaml:"auth,omitempty" json:"auth,omitempty"`
	Table     string                 `yaml:"table,omitempty" json:"table,omitempty"`
	Mode      string                 `yaml:"mode,omitempty" json:"mode,omitempty"`
	Key       interface{}            `yaml:"key,omitempty" json:"key,omitempty"`
	Statement string                 `yaml:"statement,omitempty" json:"statement,omitempty"`
	Params    map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
	Endpoint  string                 `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Method    string                 `yaml:"method,omitempty" json:"method,omitempty"`
	Code      string                 `yaml:"code,omitempty" json:"code,omitempty"`
}

// PaginationSpec drives the paginated HTTP iterator variant
type PaginationSpec struct {
	ContinueWhile string                 `yaml:"continue_while" json:"continue_while"`
	MaxIterations int                    `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	Retry         *RetrySpec             `yaml:"retry,omitempty" json:"retry,omitempty"`
	MergeStrategy string                 `yaml:"merge_strategy,omitempty" json:"merge_strategy,omitempty"`
	MergePath     string                 `yaml:"merge_path,omitempty" json:"merge_path,omitempty"`
	NextPage      map[string]interface{} `yaml:"next_page,omitempty" json:"next_page,omitempty"`
	Sink          *SinkSpec              `yaml:"sink,omitempty" json:"sink,omitempty"`
}

// RetrySpec configures per-request retry for paginated HTTP calls
type RetrySpec struct {
	MaxAttempts  int     `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	Backoff      string  `yaml:"backoff,omitempty" json:"backoff,omitempty"` // fixed or exponential
	InitialDelay float64 `yaml:"initial_delay,omitempty" json:"initial_delay,omitempty"`
	MaxDelay     float64 `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
}

// NextClause is one transition target: a plain step name, an object with
// step/with, or a conditional when/then/else block.
type NextClause struct {
	Step string                 `yaml:"step,omitempty" json:"step,omitempty"`
	With map[string]interface{} `yaml:"with,omitempty" json:"with,omitempty"`
	When string                 `yaml:"when,omitempty" json:"when,omitempty"`
	Then []*NextClause          `yaml:"then,omitempty" json:"then,omitempty"`
	Else []*NextClause          `yaml:"else,omitempty" json:"else,omitempty"`
}

// UnmarshalYAML accepts both the scalar shorthand ("next: [save]") and the
// mapping forms.
func (n *NextClause) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&n.Step)
	}

	type alias NextClause
	var a alias
	if err := node.Decode(&a); err != nil {
		return err
	}
	*n = NextClause(a)
	return nil
}

// ParsePlaybook parses a playbook document from YAML
func ParsePlaybook(content []byte) (*Playbook, error) {
	var pb Playbook
	if err := yaml.Unmarshal(content, &pb); err != nil {
		return nil, fmt.Errorf("parse playbook: %w", err)
	}
	if err := pb.Validate(); err != nil {
		return nil, err
	}
	pb.Normalize()
	return &pb, nil
}

// Validate checks structural invariants of the playbook
func (p *Playbook) Validate() error {
	if len(p.Workflow) == 0 {
		return fmt.Errorf("playbook has no workflow steps")
	}

	steps := make(map[string]bool, len(p.Workflow))
	hasStart := false
	for _, step := range p.Workflow {
		if step.Step == "" {
			return fmt.Errorf("workflow step missing name")
		}
		if steps[step.Step] {
			return fmt.Errorf("duplicate step name: %s", step.Step)
		}
		steps[step.Step] = true
		if step.Step == StepStart {
			hasStart = true
		}
	}
	if !hasStart {
		return fmt.Errorf("playbook missing %q step", StepStart)
	}

	tasks := make(map[string]bool, len(p.Workbook))
	for _, task := range p.Workbook {
		if task.Name == "" {
			return fmt.Errorf("workbook task missing name")
		}
		if tasks[task.Name] {
			return fmt.Errorf("duplicate task name: %s", task.Name)
		}
		tasks[task.Name] = true
	}

	for _, step := range p.Workflow {
		if step.Call != nil && step.Call.Name != "" && !tasks[step.Call.Name] {
			return fmt.Errorf("step %s calls unknown task %s", step.Step, step.Call.Name)
		}
	}

	return nil
}

// Normalize rewrites legacy fields into their current form
func (p *Playbook) Normalize() {
	for _, task := range p.Workbook {
		task.Normalize()
	}
	for _, step := range p.Workflow {
		if step.Loop != nil && step.Loop.Task != nil {
			step.Loop.Task.Normalize()
		}
	}
}

// Normalize rewrites the task's legacy credential/params/payload fields
func (t *Task) Normalize() {
	// credential[s] is the deprecated spelling of auth
	if t.Auth == nil {
		if t.Credential != nil {
			t.Auth = t.Credential
			t.Credential = nil
			t.LegacyAuth = true
		} else if t.Credentials != nil {
			t.Auth = t.Credentials
			t.Credentials = nil
			t.LegacyAuth = true
		}
	}

	// params/payload fold into the unified data block
	if t.Data == nil && (t.Params != nil || t.Payload != nil) {
		data := map[string]interface{}{}
		if t.Params != nil {
			data["query"] = t.Params
		}
		if t.Payload != nil {
			data["body"] = t.Payload
		}
		t.Data = data
	}

	if t.Loop != nil && t.Loop.Task != nil {
		t.Loop.Task.Normalize()
	}
}

// FindStep looks up a workflow step by name
func (p *Playbook) FindStep(name string) *Step {
	for _, step := range p.Workflow {
		if step.Step == name {
			return step
		}
	}
	return nil
}

// FindTask looks up a workbook task by name
func (p *Playbook) FindTask(name string) *Task {
	for _, task := range p.Workbook {
		if task.Name == name {
			return task
		}
	}
	return nil
}

// FindEndLoop returns the name of the end_loop step closing the given loop
func (p *Playbook) FindEndLoop(loopName string) string {
	for _, step := range p.Workflow {
		if step.EndLoop != nil && step.EndLoop.Loop == loopName {
			return step.Step
		}
	}
	return ""
}
