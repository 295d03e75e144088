package executor

import (
	"github.com/hanpama/tokengate/internal/language"
	"github.com/hanpama/tokengate/internal/schema"
)

// fieldGroup is every field node sharing one response name, in document
// order.
type fieldGroup struct {
	responseName string
	fields       []*language.Field
}

// collectFields groups the selections that apply to objectType by response
// name, keeping the order in which response names first appear.
func (ex *execution) collectFields(objectType *schema.Type, set language.SelectionSet) []*fieldGroup {
	c := &collector{
		ex:      ex,
		object:  objectType,
		index:   make(map[string]int),
		visited: make(map[string]bool),
	}
	c.collect(set)
	return c.groups
}

type collector struct {
	ex      *execution
	object  *schema.Type
	groups  []*fieldGroup
	index   map[string]int
	visited map[string]bool
}

func (c *collector) collect(set language.SelectionSet) {
	for _, selection := range set {
		switch sel := selection.(type) {
		case *language.Field:
			if !c.ex.included(sel.Directives) {
				continue
			}
			c.add(sel)

		case *language.InlineFragment:
			if !c.ex.included(sel.Directives) || !c.applies(sel.TypeCondition) {
				continue
			}
			c.collect(sel.SelectionSet)

		case *language.FragmentSpread:
			if !c.ex.included(sel.Directives) || c.visited[sel.Name] {
				continue
			}
			c.visited[sel.Name] = true
			def := c.ex.document.Fragments.ForName(sel.Name)
			if def == nil || !c.applies(def.TypeCondition) {
				continue
			}
			c.collect(def.SelectionSet)
		}
	}
}

func (c *collector) add(f *language.Field) {
	name := f.Alias
	if name == "" {
		name = f.Name
	}
	if i, ok := c.index[name]; ok {
		c.groups[i].fields = append(c.groups[i].fields, f)
		return
	}
	c.index[name] = len(c.groups)
	c.groups = append(c.groups, &fieldGroup{responseName: name, fields: []*language.Field{f}})
}

func (c *collector) applies(typeCondition string) bool {
	return c.ex.schema.IsPossibleType(typeCondition, c.object.Name)
}

// included evaluates @skip and @include.
func (ex *execution) included(directives language.DirectiveList) bool {
	if d := directives.ForName("skip"); d != nil {
		if skip, _ := ex.directiveArg(d, "if").(bool); skip {
			return false
		}
	}
	if d := directives.ForName("include"); d != nil {
		if include, ok := ex.directiveArg(d, "if").(bool); ok && !include {
			return false
		}
	}
	return true
}

func (ex *execution) directiveArg(d *language.Directive, name string) any {
	arg := d.Arguments.ForName(name)
	if arg == nil {
		return nil
	}
	return resolveValue(arg.Value, ex.variables)
}
