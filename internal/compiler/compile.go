package compiler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/load"

	"github.com/roach88/rulebox/internal/errs"
	"github.com/roach88/rulebox/internal/filter"
	"github.com/roach88/rulebox/internal/message"
	"github.com/roach88/rulebox/internal/rules"
	"github.com/roach88/rulebox/internal/schema"
)

// openSchema accepts any payload.
const openSchema = "{...}"

// Load compiles the CUE package in dir. Schemas are registered in reg, whose
// context builds the package.
func Load(dir string, reg *schema.Registry) (*Program, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errs.NotFound("program directory %s: %v", dir, err)
	}
	if !info.IsDir() {
		return nil, errs.Validation("%s is not a directory", dir)
	}
	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, errs.Validation("no CUE files found in %s", dir)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, errs.Validation("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, cueError("load", inst.Err)
	}
	v := reg.Context().BuildInstance(inst)
	if err := v.Err(); err != nil {
		return nil, cueError("build", err)
	}
	return Compile(v, reg)
}

// CompileString compiles CUE source. filename appears in error positions.
func CompileString(src, filename string, reg *schema.Registry) (*Program, error) {
	v := reg.Context().CompileString(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, cueError("build", err)
	}
	return Compile(v, reg)
}

// FindCUEFiles walks dir and returns the .cue files, skipping cue.mod.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == "cue.mod" {
			return filepath.SkipDir
		}
		if !d.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// Compile turns a built CUE value into a Program. Every problem found is
// reported; the error joins CompileErrors.
func Compile(v cue.Value, reg *schema.Registry) (*Program, error) {
	c := &compiler{reg: reg, prog: &Program{}, names: map[string]string{}}
	c.information(v.LookupPath(cue.ParsePath("information")))
	c.aggregates(v.LookupPath(cue.ParsePath("aggregates")))
	c.queries(v.LookupPath(cue.ParsePath("queries")))
	c.policies(v.LookupPath(cue.ParsePath("policies")), "policies", rules.KindPolicy, &c.prog.Policies)
	c.policies(v.LookupPath(cue.ParsePath("projections")), "projections", rules.KindProjection, &c.prog.Projections)
	c.crossCheck()

	if len(c.problems) > 0 {
		slices.SortStableFunc(c.problems, func(a, b error) int { return strings.Compare(a.Error(), b.Error()) })
		return nil, errors.Join(c.problems...)
	}
	c.prog.Warnings = AnalyzeCycles(c.prog)
	return c.prog, nil
}

type compiler struct {
	reg      *schema.Registry
	prog     *Program
	names    map[string]string // message name -> path that declared it
	problems []error
}

func (c *compiler) fail(path string, v cue.Value, format string, args ...any) {
	c.problems = append(c.problems, &CompileError{Path: path, Message: fmt.Sprintf(format, args...), Pos: v.Pos()})
}

func (c *compiler) failCUE(path string, err error) {
	c.problems = append(c.problems, cueError(path, err))
}

// fields iterates the regular fields of a struct. A missing value has none.
func (c *compiler) fields(path string, v cue.Value, fn func(name, path string, v cue.Value)) {
	if !v.Exists() {
		return
	}
	iter, err := v.Fields()
	if err != nil {
		c.failCUE(path, err)
		return
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		fn(name, path+"."+name, iter.Value())
	}
}

func (c *compiler) str(path string, v cue.Value, key string, required bool) string {
	f := v.LookupPath(cue.MakePath(cue.Str(key)))
	if !f.Exists() {
		if required {
			c.fail(path+"."+key, v, "%s is required", key)
		}
		return ""
	}
	s, err := f.String()
	if err != nil {
		c.failCUE(path+"."+key, err)
	}
	return s
}

func (c *compiler) boolean(path string, v cue.Value, key string) bool {
	f := v.LookupPath(cue.MakePath(cue.Str(key)))
	if !f.Exists() {
		return false
	}
	b, err := f.Bool()
	if err != nil {
		c.failCUE(path+"."+key, err)
	}
	return b
}

// concrete decodes a concrete value into plain Go data.
func (c *compiler) concrete(path string, v cue.Value) (any, bool) {
	raw, err := v.MarshalJSON()
	if err != nil {
		c.failCUE(path, err)
		return nil, false
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		c.fail(path, v, "%v", err)
		return nil, false
	}
	return out, true
}

// program decodes and validates the rule list at key. A missing key is an
// empty program unless required.
func (c *compiler) program(path string, v cue.Value, key string, kind rules.Kind, required bool) rules.Program {
	f := v.LookupPath(cue.MakePath(cue.Str(key)))
	path += "." + key
	if !f.Exists() {
		if required {
			c.fail(path, v, "%s is required", key)
		}
		return nil
	}
	raw, ok := c.concrete(path, f)
	if !ok {
		return nil
	}
	prog, err := rules.Decode(raw)
	if err != nil {
		c.fail(path, f, "%v", err)
		return nil
	}
	if err := rules.Validate(prog, kind); err != nil {
		c.fail(path, f, "%v", err)
		return nil
	}
	return prog
}

func (c *compiler) declare(kind message.Kind, name, path string, v cue.Value) bool {
	if !filter.ValidName(name) {
		c.fail(path, v, "invalid %s name %q", kind, name)
		return false
	}
	if prev, dup := c.names[name]; dup {
		c.fail(path, v, "%s %s is already declared at %s", kind, name, prev)
		return false
	}
	c.names[name] = path
	return true
}

func (c *compiler) registerSchema(kind message.Kind, name, path string, v cue.Value) {
	key := message.SchemaName(kind, name)
	s := v.LookupPath(cue.ParsePath("schema"))
	if !s.Exists() {
		if err := c.reg.Register(key, openSchema); err != nil {
			c.fail(path, v, "%v", err)
		}
		return
	}
	if err := c.reg.RegisterValue(key, s); err != nil {
		c.fail(path+".schema", s, "%v", err)
	}
}

func (c *compiler) information(v cue.Value) {
	c.fields("information", v, func(name, path string, v cue.Value) {
		info := Information{Name: name, Collection: c.str(path, v, "collection", false), Pos: v.Pos()}
		if info.Collection == "" {
			info.Collection = name
		}
		c.fields(path+".indexes", v.LookupPath(cue.ParsePath("indexes")), func(idxName, idxPath string, iv cue.Value) {
			raw, ok := c.concrete(idxPath, iv)
			if !ok {
				return
			}
			spec, err := indexSpec(idxName, raw)
			if err != nil {
				c.fail(idxPath, iv, "%v", err)
				return
			}
			info.Indexes = append(info.Indexes, spec)
		})
		c.prog.Information = append(c.prog.Information, info)
	})
}

func indexSpec(name string, raw any) (filter.IndexSpec, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return filter.IndexSpec{}, errs.Validation("index must be an object")
	}
	spec := filter.IndexSpec{Name: name, Order: int(filter.Asc)}
	switch f := m["fields"].(type) {
	case []any:
		for _, x := range f {
			s, ok := x.(string)
			if !ok {
				return spec, errs.Validation("index fields must be strings")
			}
			spec.Fields = append(spec.Fields, s)
		}
	case string:
		spec.Fields = []string{f}
	}
	if meta, _ := m["meta"].(string); meta != "" {
		spec.Kind = filter.KindMetaField
		spec.Fields = []string{meta}
	}
	spec.Unique, _ = m["unique"].(bool)
	if order, _ := m["order"].(string); order == "desc" {
		spec.Order = int(filter.Desc)
	}
	if spec.Kind == "" {
		spec.Kind = filter.KindField
		if len(spec.Fields) > 1 {
			spec.Kind = filter.KindMultiField
		}
	}
	if _, err := spec.Build(); err != nil {
		return spec, err
	}
	return spec, nil
}

func (c *compiler) aggregates(v cue.Value) {
	c.fields("aggregates", v, func(name, path string, v cue.Value) {
		agg := Aggregate{
			Type:            name,
			Identifier:      c.str(path, v, "identifier", true),
			Stream:          c.str(path, v, "stream", false),
			StateCollection: c.str(path, v, "stateCollection", false),
			Pos:             v.Pos(),
		}
		if !filter.ValidName(name) {
			c.fail(path, v, "invalid aggregate type %q", name)
		}

		c.fields(path+".commands", v.LookupPath(cue.ParsePath("commands")), func(cmd, cpath string, cv cue.Value) {
			if !c.declare(message.KindCommand, cmd, cpath, cv) {
				return
			}
			c.registerSchema(message.KindCommand, cmd, cpath, cv)
			agg.Commands = append(agg.Commands, Command{
				Name:         cmd,
				NewAggregate: c.boolean(cpath, cv, "newAggregate"),
				Handler:      c.program(cpath, cv, "handler", rules.KindCommandHandler, true),
				Pos:          cv.Pos(),
			})
		})
		if len(agg.Commands) == 0 {
			c.fail(path+".commands", v, "at least one command is required")
		}

		c.fields(path+".events", v.LookupPath(cue.ParsePath("events")), func(ev, epath string, ekv cue.Value) {
			if !c.declare(message.KindEvent, ev, epath, ekv) {
				return
			}
			c.registerSchema(message.KindEvent, ev, epath, ekv)
			agg.Events = append(agg.Events, Event{
				Name:    ev,
				Public:  c.boolean(epath, ekv, "public"),
				Reducer: c.program(epath, ekv, "reducer", rules.KindReducer, false),
				Pos:     ekv.Pos(),
			})
		})
		c.prog.Aggregates = append(c.prog.Aggregates, agg)
	})
}

func (c *compiler) queries(v cue.Value) {
	c.fields("queries", v, func(name, path string, v cue.Value) {
		if !c.declare(message.KindQuery, name, path, v) {
			return
		}
		c.registerSchema(message.KindQuery, name, path, v)
		c.prog.Queries = append(c.prog.Queries, Query{
			Name:     name,
			Resolver: c.program(path, v, "resolver", rules.KindQueryResolver, true),
			Pos:      v.Pos(),
		})
	})
}

func (c *compiler) policies(v cue.Value, root string, kind rules.Kind, out *[]Policy) {
	seen := map[string]bool{}
	c.fields(root, v, func(name, path string, v cue.Value) {
		if seen[name] {
			c.fail(path, v, "%s %s is declared twice", kind, name)
			return
		}
		seen[name] = true
		p := Policy{Name: name, Rules: c.program(path, v, "rules", kind, true), Pos: v.Pos()}

		on := v.LookupPath(cue.ParsePath("on"))
		switch {
		case !on.Exists():
			c.fail(path+".on", v, "on is required")
		case on.Kind() == cue.StringKind:
			s, _ := on.String()
			p.On = []string{s}
		default:
			raw, ok := c.concrete(path+".on", on)
			if !ok {
				return
			}
			list, _ := raw.([]any)
			for _, x := range list {
				s, ok := x.(string)
				if !ok {
					c.fail(path+".on", on, "on must list event names")
					return
				}
				p.On = append(p.On, s)
			}
			if len(p.On) == 0 {
				c.fail(path+".on", on, "on must name at least one event")
			}
		}
		*out = append(*out, p)
	})
}

// crossCheck resolves the names rule programs refer to.
func (c *compiler) crossCheck() {
	events := c.prog.Events()
	commands := c.prog.Commands()
	information := map[string]bool{}
	for _, info := range c.prog.Information {
		information[info.Name] = true
	}

	check := func(path string, r refs) {
		for _, ev := range r.events {
			if _, ok := events[ev]; !ok {
				c.problems = append(c.problems, &CompileError{Path: path, Message: fmt.Sprintf("records unknown event %s", ev)})
			}
		}
		for _, cmd := range r.commands {
			if _, ok := commands[cmd]; !ok {
				c.problems = append(c.problems, &CompileError{Path: path, Message: fmt.Sprintf("triggers unknown command %s", cmd)})
			}
		}
		for _, name := range r.information {
			if !information[name] {
				c.problems = append(c.problems, &CompileError{Path: path, Message: fmt.Sprintf("uses undeclared information %s", name)})
			}
		}
	}

	for _, a := range c.prog.Aggregates {
		for _, cmd := range a.Commands {
			check("aggregates."+a.Type+".commands."+cmd.Name+".handler", collectRefs(cmd.Handler))
		}
		for _, ev := range a.Events {
			check("aggregates."+a.Type+".events."+ev.Name+".reducer", collectRefs(ev.Reducer))
		}
	}
	for _, q := range c.prog.Queries {
		check("queries."+q.Name+".resolver", collectRefs(q.Resolver))
	}
	for root, list := range map[string][]Policy{"policies": c.prog.Policies, "projections": c.prog.Projections} {
		for _, p := range list {
			path := root + "." + p.Name
			check(path+".rules", collectRefs(p.Rules))
			for _, ev := range p.On {
				if _, ok := events[ev]; !ok {
					c.problems = append(c.problems, &CompileError{Path: path + ".on", Message: fmt.Sprintf("unknown event %s", ev), Pos: p.Pos})
				}
			}
		}
	}
}
