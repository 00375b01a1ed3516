package config

import (
	"context"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Naming: {
	id: string & =~"^[0-9]{3}-[a-z-]+$"
}
`

	if err := sr.RegisterSchema("naming", "#Naming", customSchema); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("naming")
	if !ok {
		t.Fatal("expected to find naming schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	ctx := context.Background()
	if err := sr.ValidateAgainstSchema(ctx, "naming", map[string]string{"id": "001-create-users"}); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "naming", map[string]string{"id": "create-users"}); err == nil {
		t.Error("expected validation error for id without prefix")
	}
}

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	for _, name := range []string{"change", "pipeline"} {
		t.Run(name, func(t *testing.T) {
			schema, ok := sr.GetSchema(name)
			if !ok {
				t.Fatalf("built-in schema %s not found", name)
			}

			if schema.Err() != nil {
				t.Errorf("built-in schema %s has errors: %v", name, schema.Err())
			}
		})
	}
}

func TestSchemaRegistry_ValidateChange(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	valid := ChangeSpec{
		ID:     "001-users",
		Order:  "001",
		Target: "main",
		Apply:  Statements{"CREATE TABLE users (id INTEGER)"},
	}

	tests := []struct {
		name    string
		mutate  func(*ChangeSpec)
		wantErr bool
	}{
		{name: "valid change", mutate: func(c *ChangeSpec) {}},
		{name: "valid with options", mutate: func(c *ChangeSpec) {
			c.Transactional = true
			c.Recovery = "ALWAYS_RETRY"
			c.Timeout = "1m30s"
			c.Rollback = Statements{"DROP TABLE users"}
		}},
		{name: "bad id", mutate: func(c *ChangeSpec) { c.ID = "invalid id with spaces" }, wantErr: true},
		{name: "bad target", mutate: func(c *ChangeSpec) { c.Target = "" }, wantErr: true},
		{name: "empty order", mutate: func(c *ChangeSpec) { c.Order = "" }, wantErr: true},
		{name: "bad timeout", mutate: func(c *ChangeSpec) { c.Timeout = "later" }, wantErr: true},
		{name: "bad recovery", mutate: func(c *ChangeSpec) { c.Recovery = "RETRY_SOMETIMES" }, wantErr: true},
		{name: "no apply", mutate: func(c *ChangeSpec) { c.Apply = Statements{} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			change := valid
			tt.mutate(&change)

			err := sr.ValidateChange(ctx, change)
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got none")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestSchemaRegistry_ValidatePipeline(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	pipeline := PipelineSpec{
		StageID: "prod",
		Changes: []ChangeSpec{
			{ID: "a", Order: "001", Target: "main", Apply: Statements{"SELECT 1"}},
		},
	}
	if err := sr.ValidatePipeline(ctx, pipeline); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}

	pipeline.StageID = "not a stage"
	if err := sr.ValidatePipeline(ctx, pipeline); err == nil {
		t.Error("expected validation error for bad stage id")
	}
}

func TestSchemaRegistry_ListSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	schemas := sr.ListSchemas()
	if len(schemas) != 2 || schemas[0] != "change" || schemas[1] != "pipeline" {
		t.Errorf("expected [change pipeline], got %v", schemas)
	}
}

func TestSchemaRegistry_InvalidSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("invalid", "#Invalid", "this is not valid CUE syntax"); err == nil {
		t.Error("expected error when registering invalid schema")
	}
	if err := sr.RegisterSchema("missing", "#Missing", "#Other: string"); err == nil {
		t.Error("expected error when the definition does not exist")
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "unknown", nil); err == nil {
		t.Error("expected error for unknown schema")
	}
}
