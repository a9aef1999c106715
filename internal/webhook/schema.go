package webhook

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const callbackSchemaJSON = `{
  "type": "object",
  "properties": {
    "correlation_id": {"type": "string"},
    "correlationId": {"type": "string"},
    "analysis_id": {"type": "string"},
    "status": {"type": ["string", "null"]},
    "error": {"type": ["string", "null"]},
    "summary": {},
    "items": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "properties": {
          "title": {"type": "string"},
          "file": {"type": "string"},
          "file_path": {"type": "string"},
          "severity": {"type": "string"},
          "description": {"type": "string"},
          "line": {}
        }
      }
    },
    "spelling_analysis": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "properties": {
          "file_path": {"type": "string"},
          "misspelled_words": {"type": ["array", "null"], "items": {"type": "string"}}
        }
      }
    }
  }
}`

const progressSchemaJSON = `{
  "type": "object",
  "properties": {
    "correlation_id": {"type": "string"},
    "correlationId": {"type": "string"},
    "analysis_id": {"type": "string"},
    "stage": {"type": "string"},
    "progress": {"type": "integer", "minimum": 0, "maximum": 100}
  },
  "required": ["stage"]
}`

var (
	callbackSchema = mustCompile("callback.json", callbackSchemaJSON)
	progressSchema = mustCompile("progress.json", progressSchemaJSON)
)

func mustCompile(name, schema string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(schema)); err != nil {
		panic("add schema " + name + ": " + err.Error())
	}
	return compiler.MustCompile(name)
}
