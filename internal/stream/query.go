package stream

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyQuery is returned when a query normalizes to no SQL text.
var ErrEmptyQuery = errors.New("query has no sql text")

// Query describes a parametrized SQL statement. It matches the Sqlizer
// interface of github.com/Masterminds/squirrel, so builders can be used
// wherever a raw statement is accepted.
type Query interface {
	ToSql() (string, []interface{}, error)
}

// Statement is a normalized query: SQL text plus positional parameters.
type Statement struct {
	Text string
	Args []any
}

// Raw returns a Query for hand-written SQL using $n placeholders.
func Raw(text string, args ...any) Query {
	return rawQuery{text: text, args: args}
}

type rawQuery struct {
	text string
	args []any
}

func (q rawQuery) ToSql() (string, []interface{}, error) {
	return q.text, q.args, nil
}

// Normalize resolves q into a Statement. Trailing semicolons are removed so
// the text can be embedded in a DECLARE ... CURSOR FOR statement.
func Normalize(q Query) (Statement, error) {
	if q == nil {
		return Statement{}, ErrEmptyQuery
	}

	text, args, err := q.ToSql()
	if err != nil {
		return Statement{}, fmt.Errorf("build query: %w", err)
	}

	text = strings.TrimSpace(text)
	text = strings.TrimRight(text, "; \t\n")
	if text == "" {
		return Statement{}, ErrEmptyQuery
	}

	return Statement{Text: text, Args: args}, nil
}
