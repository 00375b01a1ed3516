package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. Each schema is a CUE
// definition looked up from its compiled source.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	sr.registerBuiltInSchemas()

	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	// The built-in sources are constants; a compile failure is a programming error.
	if err := sr.RegisterSchema("change", "#Change", builtinSchemas); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema("pipeline", "#Pipeline", builtinSchemas); err != nil {
		panic(err)
	}
}

// RegisterSchema compiles source and registers the definition found at
// definition (e.g., "#Pipeline") under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s: definition %s not found", name, definition)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateChange validates a change against the change schema.
func (sr *SchemaRegistry) ValidateChange(ctx context.Context, change ChangeSpec) error {
	return sr.ValidateAgainstSchema(ctx, "change", change)
}

// ValidatePipeline validates a pipeline against the pipeline schema.
func (sr *SchemaRegistry) ValidatePipeline(ctx context.Context, pipeline PipelineSpec) error {
	return sr.ValidateAgainstSchema(ctx, "pipeline", pipeline)
}

const builtinSchemas = `
#Identifier: string & =~"^[a-zA-Z0-9][a-zA-Z0-9_.-]*$"

#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Statements: string | [string, ...string]

// Change is one change unit of a pipeline.
#Change: {
	id:     #Identifier
	order:  string & !=""
	author?: string
	target: #Identifier

	transactional?: bool
	run_always?:    bool
	recovery?:      "MANUAL_INTERVENTION" | "ALWAYS_RETRY"
	timeout?:       #Duration
	lock_exempt?: [...string]

	apply:     #Statements
	rollback?: #Statements | []
}

// Pipeline is an ordered set of changes for one stage.
#Pipeline: {
	stage_id?: #Identifier
	changes: [...#Change]
}
`
