package pagestash

import (
	"bytes"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// collectionSchema guards file-backend loads against corrupt or foreign
// writers sharing the same path. It mirrors the persisted document shape,
// not the store's runtime invariants: uniqueness is enforced by the store.
const collectionSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["items"],
	"properties": {
		"revision": {"type": "string"},
		"items": {
			"type": "array",
			"maxItems": 512,
			"items": {
				"type": "object",
				"required": ["id", "url", "title", "addedAt"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"url": {"type": "string", "minLength": 1},
					"title": {"type": "string", "maxLength": 255},
					"faviconUrl": {"type": "string"},
					"addedAt": {"type": "integer"}
				}
			}
		}
	}
}`

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func validateCollectionDocument(data []byte) error {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(collectionSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("collection.json", doc); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = compiler.Compile("collection.json")
	})
	if schemaErr != nil {
		return schemaErr
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schemaCompiled.Validate(instance)
}
