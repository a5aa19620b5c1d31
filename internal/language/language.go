package language

import (
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// FragmentMap resolves fragment spreads to their definitions.
type FragmentMap map[string]*FragmentDefinition

// Fragments builds a FragmentMap from the fragment definitions of doc.
func Fragments(doc *QueryDocument) FragmentMap {
	if doc == nil || len(doc.Fragments) == 0 {
		return nil
	}
	m := make(FragmentMap, len(doc.Fragments))
	for _, f := range doc.Fragments {
		if f != nil {
			m[f.Name] = f
		}
	}
	return m
}

// ForName returns the fragment definition with the given name, or nil.
func (m FragmentMap) ForName(name string) *FragmentDefinition {
	if m == nil {
		return nil
	}
	return m[name]
}

// GetOperation selects the operation to run: the named one, or the document's
// only operation when name is empty.
func GetOperation(doc *QueryDocument, name string) *OperationDefinition {
	if name == "" && len(doc.Operations) == 1 {
		for _, op := range doc.Operations {
			return op
		}
	}
	for _, op := range doc.Operations {
		if op.Name == name {
			return op
		}
	}
	return nil
}
