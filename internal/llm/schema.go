package llm

import (
	"embed"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/industrion/jobharvest/internal/pipeline"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// schemaSet holds the compiled response schemas keyed by name. Compiling
// once at construction keeps the hot path allocation-free.
type schemaSet struct {
	compiled map[pipeline.SchemaName]*gojsonschema.Schema
	raw      map[pipeline.SchemaName]string
}

func loadSchemas() (*schemaSet, error) {
	files := map[pipeline.SchemaName]string{
		pipeline.SchemaJobURLs:   "schemas/job_urls.schema.json",
		pipeline.SchemaJobFields: "schemas/job_fields.schema.json",
	}
	set := &schemaSet{
		compiled: make(map[pipeline.SchemaName]*gojsonschema.Schema, len(files)),
		raw:      make(map[pipeline.SchemaName]string, len(files)),
	}
	for name, path := range files {
		data, err := schemaFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		set.compiled[name] = compiled
		set.raw[name] = string(data)
	}
	return set, nil
}

// validate checks a candidate JSON document against the named schema and
// returns a human-readable description of the first few violations.
func (s *schemaSet) validate(name pipeline.SchemaName, doc []byte) error {
	schema, ok := s.compiled[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("schema %s: %w", name, err)
	}
	if result.Valid() {
		return nil
	}
	detail := ""
	for i, desc := range result.Errors() {
		if i >= 3 {
			detail += "; ..."
			break
		}
		if i > 0 {
			detail += "; "
		}
		detail += desc.String()
	}
	return fmt.Errorf("schema %s: %s", name, detail)
}

// text returns the raw schema JSON for embedding into a system prompt.
func (s *schemaSet) text(name pipeline.SchemaName) string {
	return s.raw[name]
}
