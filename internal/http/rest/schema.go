package rest

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const downloadSchema = `{
	"type": "object",
	"required": ["url", "savePath", "key"],
	"additionalProperties": false,
	"properties": {
		"url": {"type": "string", "format": "uri", "minLength": 1},
		"savePath": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "string",
				"minLength": 1,
				"pattern": "^[^/\\\\]+$",
				"not": {"pattern": "\\.\\."}
			}
		},
		"key": {"type": "string", "minLength": 1}
	}
}`

const fileStatesSchema = `{
	"type": "object",
	"required": ["keys"],
	"additionalProperties": false,
	"properties": {
		"keys": {"type": "array", "items": {"type": "string"}}
	}
}`

var (
	downloadLoader   = gojsonschema.NewStringLoader(downloadSchema)
	fileStatesLoader = gojsonschema.NewStringLoader(fileStatesSchema)
)

// ValidationError lists why a request body was rejected.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Problems, "; ")
}

func validate(schema gojsonschema.JSONLoader, body []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return &ValidationError{Problems: []string{fmt.Sprintf("malformed JSON: %v", err)}}
	}

	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}

	return &ValidationError{Problems: problems}
}
