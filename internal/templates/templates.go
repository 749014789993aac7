// Package templates ships the built-in advisory workflow catalog.
package templates

import (
	"context"
	"embed"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/rendis/advisor/internal/store"
	"github.com/rendis/advisor/pkg/schema"
)

//go:embed catalog/*.yaml
var catalogFS embed.FS

var load = sync.OnceValues(func() ([]*schema.WorkflowDefinition, error) {
	return parseCatalog(catalogFS, "catalog")
})

func parseCatalog(fsys embed.FS, dir string) ([]*schema.WorkflowDefinition, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read template catalog: %w", err)
	}

	defs := make([]*schema.WorkflowDefinition, 0, len(entries))
	seen := make(map[string]string, len(entries))
	for _, e := range entries {
		name := path.Join(dir, e.Name())
		data, err := fsys.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", name, err)
		}
		def, err := schema.DecodeDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("decode template %s: %w", name, err)
		}
		if prev, dup := seen[def.ID]; dup {
			return nil, fmt.Errorf("template id %q declared in both %s and %s", def.ID, prev, name)
		}
		seen[def.ID] = name
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

func catalog() []*schema.WorkflowDefinition {
	defs, err := load()
	if err != nil {
		panic(err) // embedded catalog is broken at build time
	}
	return defs
}

// All returns every template ordered by id.
func All() []*schema.WorkflowDefinition {
	defs := catalog()
	out := make([]*schema.WorkflowDefinition, len(defs))
	for i, d := range defs {
		out[i] = clone(d)
	}
	return out
}

// Get returns the template with the given id.
func Get(id string) (*schema.WorkflowDefinition, bool) {
	for _, d := range catalog() {
		if d.ID == id {
			return clone(d), true
		}
	}
	return nil, false
}

// ByServiceType returns the first template for a service type.
func ByServiceType(serviceType string) (*schema.WorkflowDefinition, bool) {
	for _, d := range catalog() {
		if d.ServiceType == serviceType {
			return clone(d), true
		}
	}
	return nil, false
}

// ByCategory returns all templates in a category.
func ByCategory(category string) []*schema.WorkflowDefinition {
	var out []*schema.WorkflowDefinition
	for _, d := range catalog() {
		if d.Category == category {
			out = append(out, clone(d))
		}
	}
	return out
}

// Install saves templates into the definition store and returns the ids it
// wrote. With no ids, the whole catalog is installed. Templates that already
// exist are skipped unless overwrite is set.
func Install(ctx context.Context, defs store.DefinitionStore, overwrite bool, ids ...string) ([]string, error) {
	selected := catalog()
	if len(ids) > 0 {
		selected = make([]*schema.WorkflowDefinition, 0, len(ids))
		for _, id := range ids {
			d, ok := Get(id)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found", id)
			}
			selected = append(selected, d)
		}
	}

	var installed []string
	for _, d := range selected {
		if !overwrite {
			_, err := defs.GetWorkflow(ctx, d.ID)
			if err == nil {
				continue
			}
			if !schema.IsCode(err, schema.ErrCodeNotFound) {
				return installed, fmt.Errorf("check template %q: %w", d.ID, err)
			}
		}
		if err := defs.SaveWorkflow(ctx, clone(d)); err != nil {
			return installed, fmt.Errorf("install template %q: %w", d.ID, err)
		}
		installed = append(installed, d.ID)
	}
	return installed, nil
}

func clone(d *schema.WorkflowDefinition) *schema.WorkflowDefinition {
	cp := *d
	cp.Steps = make([]schema.StepDefinition, len(d.Steps))
	for i, s := range d.Steps {
		if s.Config != nil {
			s.Config = append([]byte(nil), s.Config...)
		}
		if s.Active != nil {
			s.Active = schema.Bool(*s.Active)
		}
		cp.Steps[i] = s
	}
	return &cp
}
