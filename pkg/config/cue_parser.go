package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"

	"github.com/changeflow/changeflow/pkg/engine"
)

// CUEParser parses and validates CUE pipeline definitions.
//
// Two layouts are accepted and may be mixed. The verbose layout declares a
// pipeline with its changes as a map keyed by id or as a list:
//
//	pipeline: {
//	    stage_id: "prod"
//	    changes: "001-users": {order: "001", target: "main", apply: "CREATE TABLE users (id INTEGER)"}
//	}
//
// The concise layout groups changes by target under "targets"; the target and
// id come from the keys and the order defaults to the id:
//
//	targets: main: "001-users": apply: "CREATE TABLE users (id INTEGER)"
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	v := validator.New()
	// Registration only fails for a malformed tag name.
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})

	return &CUEParser{
		ctx:            cuecontext.New(),
		schemaRegistry: NewSchemaRegistry(),
		validator:      v,
	}
}

// Evaluate parses the sources and converts the result into an engine pipeline.
// Validation errors are returned as one configuration error.
func (cp *CUEParser) Evaluate(ctx context.Context, sources []string, ops OperationFactory) (*engine.Pipeline, error) {
	parsed, err := cp.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}

	if parsed.HasErrors() {
		return nil, engine.NewConfigurationError("invalid pipeline definition", joinValidationErrors(parsed.Errors)).
			WithCode(engine.ErrCodeValidation).
			WithDetail("problems", len(parsed.Errors))
	}

	return parsed.Pipeline.ToPipeline(ops)
}

// Parse parses CUE pipeline definitions from the given sources. Sources are
// files or directories; their values are unified.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*ParsedPipeline, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	unify := func(val cue.Value) {
		if !val.Exists() {
			return
		}
		if cueValue.Exists() {
			cueValue = cueValue.Unify(val)
		} else {
			cueValue = val
		}
	}

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if info.IsDir() {
			val, files, errs := cp.loadDirectory(source)
			parseErrors = append(parseErrors, errs...)
			unify(val)
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs := cp.loadFile(source)
			parseErrors = append(parseErrors, errs...)
			unify(val)
			sourceFiles = append(sourceFiles, source)
		}
	}

	if len(parseErrors) > 0 {
		return &ParsedPipeline{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	if err := cueValue.Validate(); err != nil {
		return &ParsedPipeline{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extractPipeline(ctx, cueValue, sourceFiles), nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedPipeline, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Validate(); err != nil {
		return &ParsedPipeline{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}

	return cp.extractPipeline(ctx, val, []string{"inline"}), nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Validate(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Validate(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extractPipeline decodes both layouts and validates the combined result.
func (cp *CUEParser) extractPipeline(ctx context.Context, val cue.Value, sourceFiles []string) *ParsedPipeline {
	parsed := &ParsedPipeline{
		Pipeline:    PipelineSpec{Changes: []ChangeSpec{}},
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	pipelineVal := val.LookupPath(cue.ParsePath("pipeline"))
	if pipelineVal.Exists() {
		stageVal := pipelineVal.LookupPath(cue.ParsePath("stage_id"))
		if stageVal.Exists() {
			stage, err := stageVal.String()
			if err != nil {
				parsed.addError("pipeline.stage_id", fmt.Sprintf("stage_id must be a string: %v", err))
			} else {
				parsed.Pipeline.StageID = stage
			}
		}

		changesVal := pipelineVal.LookupPath(cue.ParsePath("changes"))
		if changesVal.Exists() {
			cp.extractChanges(parsed, "pipeline.changes", changesVal, "")
		}
	}

	targetsVal := val.LookupPath(cue.ParsePath("targets"))
	if targetsVal.Exists() {
		iter, err := targetsVal.Fields()
		if err != nil {
			parsed.addError("targets", fmt.Sprintf("failed to iterate targets: %v", err))
		} else {
			for iter.Next() {
				target := selectorName(iter.Selector())
				cp.extractChanges(parsed, "targets."+target, iter.Value(), target)
			}
		}
	}

	cp.checkUniqueness(parsed)

	if !parsed.HasErrors() {
		if err := cp.schemaRegistry.ValidatePipeline(ctx, parsed.Pipeline); err != nil {
			parsed.Errors = append(parsed.Errors, cp.convertCUEErrors(err)...)
		}
	}

	return parsed
}

// extractChanges reads changes given as a map keyed by id or as a list. A
// non-empty target marks the concise layout.
func (cp *CUEParser) extractChanges(parsed *ParsedPipeline, path string, val cue.Value, target string) {
	switch val.Kind() {
	case cue.StructKind:
		iter, err := val.Fields()
		if err != nil {
			parsed.addError(path, fmt.Sprintf("failed to iterate changes: %v", err))
			return
		}
		for iter.Next() {
			id := selectorName(iter.Selector())
			change, err := cp.extractChange(id, target, iter.Value())
			if err != nil {
				parsed.addError(path+"."+id, err.Error())
				continue
			}
			parsed.Pipeline.Changes = append(parsed.Pipeline.Changes, change)
		}
	case cue.ListKind:
		list, err := val.List()
		if err != nil {
			parsed.addError(path, fmt.Sprintf("failed to list changes: %v", err))
			return
		}
		idx := 0
		for list.Next() {
			change, err := cp.extractChange("", target, list.Value())
			if err != nil {
				parsed.addError(fmt.Sprintf("%s[%d]", path, idx), err.Error())
			} else {
				parsed.Pipeline.Changes = append(parsed.Pipeline.Changes, change)
			}
			idx++
		}
	default:
		parsed.addError(path, fmt.Sprintf("changes must be a struct or a list, got %s", val.Kind()))
	}
}

// extractChange decodes and validates one change.
func (cp *CUEParser) extractChange(id, target string, val cue.Value) (ChangeSpec, error) {
	var change ChangeSpec

	if err := val.Decode(&change); err != nil {
		return change, fmt.Errorf("failed to decode change: %w", err)
	}

	// If ID is provided as key and not in value, use the key
	if change.ID == "" && id != "" {
		change.ID = id
	}
	if target != "" {
		if change.Target == "" {
			change.Target = target
		}
		if change.Order == "" {
			change.Order = change.ID
		}
	}

	if err := cp.validator.Struct(change); err != nil {
		return change, fmt.Errorf("validation failed: %w", err)
	}

	return change, nil
}

// checkUniqueness reports duplicate ids and orders.
func (cp *CUEParser) checkUniqueness(parsed *ParsedPipeline) {
	ids := make(map[string]bool)
	orders := make(map[string]string)
	for _, c := range parsed.Pipeline.Changes {
		if ids[c.ID] {
			parsed.addError("changes."+c.ID, "duplicate change id")
		}
		ids[c.ID] = true

		if other, dup := orders[c.Order]; dup && other != c.ID {
			parsed.addError("changes."+c.ID, fmt.Sprintf("order %s already used by %s", c.Order, other))
		} else {
			orders[c.Order] = c.ID
		}
	}
}

func (pp *ParsedPipeline) addError(path, msg string) {
	pp.Errors = append(pp.Errors, ValidationError{
		Path:     path,
		Message:  msg,
		Severity: "error",
	})
}

// selectorName returns the unquoted label of a field selector.
func selectorName(sel cue.Selector) string {
	if sel.LabelType() == cue.StringLabel {
		return sel.Unquoted()
	}
	return sel.String()
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

func joinValidationErrors(errs []ValidationError) error {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// ExportJSON exports a parsed pipeline as indented JSON.
func (cp *CUEParser) ExportJSON(spec PipelineSpec) ([]byte, error) {
	return json.MarshalIndent(spec, "", "  ")
}

// LoadFromDirectory lists all CUE files under dir.
func (cp *CUEParser) LoadFromDirectory(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return files, nil
}
