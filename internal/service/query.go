package service

import (
	"encoding/json"
	"fmt"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"

	apperrors "github.com/target/geoinfer-api/internal/errors"
)

// QueryEvaluator abstracts JMESPath operations for testability.
type QueryEvaluator interface {
	Validate(expr string) error
	Evaluate(expr string, data any) (any, error)
}

// jmespathEvaluator implements QueryEvaluator using go-jmespath.
type jmespathEvaluator struct{}

func (jmespathEvaluator) Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := jmespath.Compile(expr)
	return err
}

func (jmespathEvaluator) Evaluate(expr string, data any) (any, error) {
	return jmespath.Search(expr, data)
}

// project evaluates expr against the JSON form of v so expressions use the API's field names.
func project(eval QueryEvaluator, expr string, v any) (any, error) {
	if err := eval.Validate(expr); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeValidation, "invalid query %q", expr)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode query input: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode query input: %w", err)
	}
	out, err := eval.Evaluate(expr, doc)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeValidation, "evaluate query %q", expr)
	}
	return out, nil
}
