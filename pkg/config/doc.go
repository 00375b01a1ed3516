// Package config loads pipeline definitions and runner configuration for
// changeflow.
//
// # Overview
//
// Pipeline definitions are CUE files. They are unified, decoded into
// PipelineSpec and ChangeSpec values, checked with struct tags and against the
// built-in #Pipeline schema, and finally converted into an engine.Pipeline. The
// runner configuration is a YAML file decoded into RunnerConfig.
//
// # Components
//
// CUEParser: Parses pipeline files, directories and inline content. Duplicate
// change ids and orders are reported before anything runs.
//
// SchemaRegistry: Holds CUE definitions used for validation. The built-in
// schemas are "change" and "pipeline"; custom ones can be registered.
//
// RunnerConfig: Store, lock, logging, tracing, metrics, targets, policies and
// execution sections with defaults applied before validation.
//
// Watcher: Calls back when pipeline files change, for watch mode.
//
// # Pipeline Files
//
// The verbose layout:
//
//	pipeline: {
//	    stage_id: "prod"
//	    changes: {
//	        "001-create-users": {
//	            order:         "001"
//	            author:        "ops"
//	            target:        "main"
//	            transactional: true
//	            apply:         "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)"
//	            rollback:      "DROP TABLE users"
//	        }
//	    }
//	}
//
// The concise layout groups changes by target; the order defaults to the id:
//
//	targets: main: {
//	    "002-index-users": apply: "CREATE INDEX idx_users_name ON users(name)"
//	}
//
// Both layouts may appear in the same set of files.
//
// # Usage Example
//
//	parser := config.NewCUEParser()
//	pipeline, err := parser.Evaluate(ctx, []string{"changes/"}, func(target string, stmts []string) engine.Operation {
//	    return sqltarget.Script(stmts...)
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Error Handling
//
// Parse errors carry location information when CUE provides it:
//
//	ValidationError{
//	    File:     "changes/users.cue",
//	    Line:     12,
//	    Column:   5,
//	    Path:     "pipeline.changes.0.timeout",
//	    Message:  "invalid value \"soon\"",
//	    Severity: "error",
//	}
package config
