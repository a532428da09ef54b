package replconfig

import (
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/printer"
	"github.com/kioskworks/kiosksync/pkg/models"
)

// PullQuery returns the pull query for c requesting checkpointField.
func PullQuery(c CollectionConfig, checkpointField string) string {
	if c.PullQueryTemplate != "" {
		return RetargetCheckpointField(c.PullQueryTemplate, checkpointField)
	}
	op := ast.NewOperationDefinition(&ast.OperationDefinition{
		Operation: ast.OperationTypeQuery,
		Name:      name(c.QueryName),
		VariableDefinitions: []*ast.VariableDefinition{
			variableDef("checkpoint", named(c.CheckpointInputType)),
			variableDef("limit", nonNull(named("Int"))),
		},
		SelectionSet: selections(
			field(c.QueryName,
				[]*ast.Argument{argument("checkpoint"), argument("limit")},
				pullPayload(c, checkpointField),
			),
		),
	})
	return render(op)
}

// StreamSubscription returns the live subscription for c requesting checkpointField.
func StreamSubscription(c CollectionConfig, checkpointField string) string {
	op := ast.NewOperationDefinition(&ast.OperationDefinition{
		Operation:    ast.OperationTypeSubscription,
		Name:         name(c.StreamName),
		SelectionSet: selections(field(c.StreamName, nil, pullPayload(c, checkpointField))),
	})
	return render(op)
}

// PushMutation returns the push mutation for c.
func PushMutation(c CollectionConfig, checkpointField string) string {
	op := ast.NewOperationDefinition(&ast.OperationDefinition{
		Operation: ast.OperationTypeMutation,
		Name:      name(c.PushName),
		VariableDefinitions: []*ast.VariableDefinition{
			variableDef("writeRows", nonNull(ast.NewList(&ast.List{Type: nonNull(named(c.PushRowType))}))),
		},
		SelectionSet: selections(
			field(c.PushName, []*ast.Argument{argument("writeRows")}, documentSelection(c, checkpointField)),
		),
	})
	return render(op)
}

// RetargetCheckpointField rewrites every checkpoint sub-selection of template so
// it requests field instead of the other backend's timestamp field.
// The template is returned unchanged if it cannot be parsed.
func RetargetCheckpointField(template, field string) string {
	doc, err := parser.Parse(parser.ParseParams{Source: template})
	if err != nil {
		return template
	}
	from := OtherCheckpointField(field)
	for _, def := range doc.Definitions {
		op, ok := def.(*ast.OperationDefinition)
		if !ok {
			continue
		}
		retarget(op.SelectionSet, from, field, false)
	}
	return render(doc)
}

func retarget(set *ast.SelectionSet, from, to string, inCheckpoint bool) {
	if set == nil {
		return
	}
	for _, sel := range set.Selections {
		f, ok := sel.(*ast.Field)
		if !ok || f.Name == nil {
			continue
		}
		if inCheckpoint && f.Name.Value == from {
			f.Name.Value = to
		}
		retarget(f.SelectionSet, from, to, inCheckpoint || f.Name.Value == "checkpoint")
	}
}

func pullPayload(c CollectionConfig, checkpointField string) *ast.SelectionSet {
	return selections(
		field("documents", nil, documentSelection(c, checkpointField)),
		field("checkpoint", nil, selections(field("id", nil, nil), field(checkpointField, nil, nil))),
	)
}

func documentSelection(c CollectionConfig, checkpointField string) *ast.SelectionSet {
	seen := map[string]bool{}
	var fields []ast.Selection
	add := func(n string) {
		if n == "" || seen[n] {
			return
		}
		seen[n] = true
		fields = append(fields, field(n, nil, nil))
	}
	add(models.FieldID)
	for _, f := range c.Fields {
		add(f)
	}
	add(models.FieldRemoteDelete)
	add(checkpointField)
	return ast.NewSelectionSet(&ast.SelectionSet{Selections: fields})
}

func render(node ast.Node) string {
	s, _ := printer.Print(node).(string)
	return s
}

func name(v string) *ast.Name {
	return ast.NewName(&ast.Name{Value: v})
}

func named(typ string) *ast.Named {
	return ast.NewNamed(&ast.Named{Name: name(typ)})
}

func nonNull(t ast.Type) *ast.NonNull {
	return ast.NewNonNull(&ast.NonNull{Type: t})
}

func variableDef(v string, t ast.Type) *ast.VariableDefinition {
	return ast.NewVariableDefinition(&ast.VariableDefinition{
		Variable: ast.NewVariable(&ast.Variable{Name: name(v)}),
		Type:     t,
	})
}

func argument(v string) *ast.Argument {
	return ast.NewArgument(&ast.Argument{
		Name:  name(v),
		Value: ast.NewVariable(&ast.Variable{Name: name(v)}),
	})
}

func field(n string, args []*ast.Argument, set *ast.SelectionSet) *ast.Field {
	return ast.NewField(&ast.Field{Name: name(n), Arguments: args, SelectionSet: set})
}

func selections(sels ...ast.Selection) *ast.SelectionSet {
	return ast.NewSelectionSet(&ast.SelectionSet{Selections: sels})
}
