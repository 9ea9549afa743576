package validate

import (
	"embed"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	compileOnce sync.Once
	compileErr  error
	compiled    map[string]*jsonschema.Schema
)

// RegistryDocument validates raw registry document bytes against the embedded schema.
func RegistryDocument(data []byte) error {
	return validateNamed("registry_document", data)
}

// ApprovalRequest validates raw approval request bytes against the embedded schema.
func ApprovalRequest(data []byte) error {
	return validateNamed("approval_request", data)
}

func validateNamed(name string, data []byte) error {
	schemas, err := loadSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema: %s", name)
	}
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}

func loadSchemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		schemas := make(map[string]*jsonschema.Schema, 2)
		for _, name := range []string{"registry_document", "approval_request"} {
			raw, err := schemaFS.ReadFile("schemas/" + name + ".schema.json")
			if err != nil {
				compileErr = fmt.Errorf("read embedded schema %s: %w", name, err)
				return
			}
			schema, err := compiler.Compile(raw)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			schemas[name] = schema
		}
		compiled = schemas
	})
	if compileErr != nil {
		return nil, compileErr
	}
	return compiled, nil
}
