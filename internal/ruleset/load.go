package ruleset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Format identifies a document encoding.
type Format int

const (
	FormatYAML Format = iota
	FormatJSON
)

// FormatFor picks a format from a file extension. Unknown extensions are
// treated as YAML, which also accepts JSON input.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

var decisionKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

var validate = sync.OnceValue(func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("decision_key", func(fl validator.FieldLevel) bool {
		return decisionKeyPattern.MatchString(fl.Field().String())
	})
	return v
})

// ValidKey reports whether key may name a decision.
func ValidKey(key string) bool {
	return len(key) <= 128 && decisionKeyPattern.MatchString(key)
}

// Validate checks the structural constraints of def. Semantic checks that
// need compilation are performed by [Compile].
func Validate(def Definition) error {
	if err := validate().Struct(def); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return nil
}

// Parse decodes a document. Unknown fields are rejected.
func Parse(data []byte, format Format) (Document, error) {
	var doc Document
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return Document{}, fmt.Errorf("%w: decode json: %v", ErrInvalidDefinition, err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return Document{}, fmt.Errorf("%w: decode yaml: %v", ErrInvalidDefinition, err)
		}
	}
	return doc, nil
}

// ParseDefinition decodes a single JSON definition, as sent over the API.
func ParseDefinition(data []byte) (Definition, error) {
	var def Definition
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("%w: decode json: %v", ErrInvalidDefinition, err)
	}
	return def, nil
}

// LoadFile reads and parses the document at path.
func LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read rules file: %w", err)
	}
	doc, err := Parse(data, FormatFor(path))
	if err != nil {
		return Document{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}
