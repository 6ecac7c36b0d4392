package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/processor/pkg/engine"
)

// batchSchema constrains batch files. Structural rules that need more than
// one field (retry placement, confirmation on atomic units) are checked by
// engine.ValidateBatch afterwards.
const batchSchema = `
#Retry: {
	times: {kind: "amount", amount: uint} | {kind: "indefinitely"}
	interval: {
		kind:  "height" | "time"
		value: uint
	}
}

#Function: {
	target: {
		domain?: string
		address: string & !=""
	}
	payload?:     string
	retry_logic?: #Retry
	callback_confirmation?: {
		address:  string & !=""
		expected: *"" | string
	}
}

#Batch: {
	execution_id: uint
	priority:     *"medium" | "high" | "low"
	subroutine: {
		kind: "atomic" | "non_atomic"
		functions: [#Function, ...#Function]
		retry_logic?: #Retry
	}
}

batches: [#Batch, ...#Batch]
`

// ValidationError is one problem found in a batch file.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	}
	return e.Message
}

// BatchFileError lists every schema violation of a batch file.
type BatchFileError struct {
	Errors []ValidationError
}

func (e *BatchFileError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return "invalid batch file: " + strings.Join(msgs, "; ")
}

type fileBatch struct {
	ExecutionID uint64          `json:"execution_id"`
	Priority    engine.Priority `json:"priority"`
	Subroutine  struct {
		Kind       engine.SubroutineKind `json:"kind"`
		Functions  []fileFunction        `json:"functions"`
		RetryLogic *engine.RetryLogic    `json:"retry_logic"`
	} `json:"subroutine"`
}

type fileFunction struct {
	Target               engine.TargetRef   `json:"target"`
	Payload              string             `json:"payload"`
	RetryLogic           *engine.RetryLogic `json:"retry_logic"`
	CallbackConfirmation *struct {
		Address  string `json:"address"`
		Expected string `json:"expected"`
	} `json:"callback_confirmation"`
}

// BatchLoader reads batch files for the enqueue command. Supported formats
// are YAML or JSON (.yaml, .yml, .json), CUE (.cue) and Starlark generators
// (.star) that assign a global named batches.
type BatchLoader struct {
	ctx    *cue.Context
	schema cue.Value
	script *ScriptEvaluator
}

// NewBatchLoader compiles the batch schema.
func NewBatchLoader() (*BatchLoader, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(batchSchema, cue.Filename("batch-schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile batch schema: %w", err)
	}
	return &BatchLoader{
		ctx:    ctx,
		schema: schema,
		script: NewScriptEvaluator(0),
	}, nil
}

// LoadFile reads and validates the batch file at path. vars are visible to
// Starlark generators as globals.
func (l *BatchLoader) LoadFile(ctx context.Context, path string, vars map[string]interface{}) ([]engine.Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	return l.Load(ctx, path, data, vars)
}

// Load validates data; name selects the format by extension.
func (l *BatchLoader) Load(ctx context.Context, name string, data []byte, vars map[string]interface{}) ([]engine.Batch, error) {
	var val cue.Value
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		val = l.ctx.Encode(doc)

	case ".cue":
		val = l.ctx.CompileBytes(data, cue.Filename(name))

	case ".star":
		out, err := l.script.Evaluate(ctx, name, string(data), vars)
		if err != nil {
			return nil, err
		}
		batches, ok := out["batches"]
		if !ok {
			return nil, fmt.Errorf("%s: script must assign a global named batches", name)
		}
		val = l.ctx.Encode(map[string]interface{}{"batches": batches})

	default:
		return nil, fmt.Errorf("unsupported batch file format: %s", name)
	}

	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(name, err)
	}

	unified := l.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(name, err)
	}

	var file struct {
		Batches []fileBatch `json:"batches"`
	}
	if err := unified.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}

	out := make([]engine.Batch, 0, len(file.Batches))
	seen := make(map[uint64]bool, len(file.Batches))
	for i, fb := range file.Batches {
		if seen[fb.ExecutionID] {
			return nil, fmt.Errorf("%s: batch %d: duplicate execution_id %d", name, i, fb.ExecutionID)
		}
		seen[fb.ExecutionID] = true

		b := fb.toBatch()
		if err := engine.ValidateBatch(b); err != nil {
			return nil, fmt.Errorf("%s: batch %d: %w", name, i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func (fb fileBatch) toBatch() engine.Batch {
	sub := engine.Subroutine{
		Kind:       fb.Subroutine.Kind,
		RetryLogic: fb.Subroutine.RetryLogic,
		Functions:  make([]engine.Function, len(fb.Subroutine.Functions)),
	}
	for i, ff := range fb.Subroutine.Functions {
		fn := engine.Function{
			Target:     ff.Target,
			RetryLogic: ff.RetryLogic,
		}
		if ff.Payload != "" {
			fn.Payload = []byte(ff.Payload)
		}
		if ff.CallbackConfirmation != nil {
			fn.CallbackConfirmation = &engine.CallbackConfirmation{
				Address:  ff.CallbackConfirmation.Address,
				Expected: []byte(ff.CallbackConfirmation.Expected),
			}
		}
		sub.Functions[i] = fn
	}
	return engine.Batch{
		ExecutionID: fb.ExecutionID,
		Priority:    fb.Priority,
		Subroutine:  sub,
	}
}

func convertCUEErrors(name string, err error) error {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{File: name, Message: cueerrors.Details(e, nil)}
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() == name {
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		return fmt.Errorf("%s: %w", name, err)
	}
	return &BatchFileError{Errors: out}
}
