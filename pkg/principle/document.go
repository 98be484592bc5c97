package principle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

const documentSchemaURL = "https://acgs.schemas.local/principles.schema.json"

const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["principles"],
  "properties": {
    "principles": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "text", "priority_weight"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "text": {"type": "string"},
          "version": {"type": "string"},
          "scope_keywords": {"type": "array", "items": {"type": "string"}},
          "priority_weight": {"type": "number", "minimum": 0, "maximum": 1},
          "stakeholder_impact": {
            "type": "object",
            "additionalProperties": {"type": "number", "minimum": 0, "maximum": 1}
          },
          "normative_statements": {"type": "array", "items": {"type": "string"}},
          "effective_from": {"type": "string"},
          "effective_until": {"type": "string"}
        }
      }
    }
  }
}`

// Document is the on-disk principle set format (YAML or JSON).
type Document struct {
	Principles []contracts.Principle `json:"principles"`
}

var compiledSchema *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(documentSchemaURL, strings.NewReader(documentSchema)); err != nil {
		panic(fmt.Sprintf("principle schema load failed: %v", err))
	}
	compiledSchema = c.MustCompile(documentSchemaURL)
}

// LoadFile reads and validates a principle document from disk.
func LoadFile(path string) ([]contracts.Principle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read principles %q: %w", path, err)
	}
	return LoadDocument(data)
}

// LoadDocument parses YAML or JSON, validates it against the principle
// schema, checks versions and returns normalized principles.
func LoadDocument(data []byte) ([]contracts.Principle, error) {
	const op = "principle.LoadDocument"

	// YAML is a superset of JSON, so one decoder covers both formats.
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, contracts.Wrap(contracts.KindValidationFailure, op, err)
	}

	// Round-trip through JSON so the validator sees JSON-native types.
	raw, err := json.Marshal(generic)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindValidationFailure, op, err)
	}
	var instance any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return nil, contracts.Wrap(contracts.KindValidationFailure, op, err)
	}
	if err := compiledSchema.Validate(instance); err != nil {
		return nil, contracts.Wrap(contracts.KindValidationFailure, op, err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, contracts.Wrap(contracts.KindValidationFailure, op, err)
	}

	seen := make(map[string]struct{}, len(doc.Principles))
	out := make([]contracts.Principle, 0, len(doc.Principles))
	for _, p := range doc.Principles {
		if _, dup := seen[p.ID]; dup {
			return nil, contracts.E(contracts.KindValidationFailure, op, "duplicate principle id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.Version != "" {
			if _, err := semver.NewVersion(p.Version); err != nil {
				return nil, contracts.E(contracts.KindValidationFailure, op, "principle %q: invalid version %q: %v", p.ID, p.Version, err)
			}
		}
		out = append(out, Normalize(p))
	}
	return out, nil
}

// Normalize applies Unicode NFC to all text and lower-cases scope keywords
// so that keyword comparison is byte-exact.
func Normalize(p contracts.Principle) contracts.Principle {
	p.Text = norm.NFC.String(p.Text)

	keywords := make([]string, 0, len(p.ScopeKeywords))
	seen := make(map[string]struct{}, len(p.ScopeKeywords))
	for _, k := range p.ScopeKeywords {
		k = strings.ToLower(strings.TrimSpace(norm.NFC.String(k)))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keywords = append(keywords, k)
	}
	p.ScopeKeywords = keywords

	statements := make([]string, 0, len(p.NormativeStatements))
	for _, s := range p.NormativeStatements {
		statements = append(statements, norm.NFC.String(s))
	}
	p.NormativeStatements = statements
	return p
}
