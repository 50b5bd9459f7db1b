package plan

import (
	"fmt"
	"sort"

	"github.com/takumi3488/gqlforge/internal/auth"
	"github.com/takumi3488/gqlforge/internal/config"
)

// Lint statically validates the merged configuration without an operation:
// undefined type references, malformed access expressions, dangling auth
// provider ids, and per-item resolution under list fields (N+1). Fatal
// problems are returned as an error; advisories come back as diagnostics.
func Lint(cfg *config.EffectiveConfig, providers *auth.Registry) ([]Diagnostic, error) {
	var diags []Diagnostic

	typeNames := make([]string, 0, len(cfg.Types))
	for name := range cfg.Types {
		typeNames = append(typeNames, name)
	}
	sort.Strings(typeNames)

	for _, typeName := range typeNames {
		td := cfg.Types[typeName]
		if err := lintProtected(td.Protected, providers, typeName); err != nil {
			return nil, err
		}
		for _, fd := range td.OrderedFields() {
			path := typeName + "." + fd.Name
			if err := lintProtected(fd.Protected, providers, path); err != nil {
				return nil, err
			}

			named := fd.Type.NamedTypeName()
			if named == "" {
				continue
			}
			_, isType := cfg.Types[named]
			_, isUnion := cfg.Unions[named]
			if !isType && !isUnion && !builtinScalar(named) {
				return nil, &CompileError{Path: path, Message: fmt.Sprintf("type %q is not defined", named)}
			}

			if fd.Type.IsList() && isType {
				diags = append(diags, lintListItems(cfg, named, path)...)
			}
		}
	}

	for _, u := range cfg.Unions {
		for _, member := range u.MemberNames() {
			if _, ok := cfg.Types[member]; !ok {
				return nil, &CompileError{Path: u.Name, Message: fmt.Sprintf("union member %q is not defined", member)}
			}
		}
	}
	return diags, nil
}

// lintListItems flags item-type fields that resolve per element without a
// declared batchKey.
func lintListItems(cfg *config.EffectiveConfig, itemType, path string) []Diagnostic {
	var diags []Diagnostic
	td := cfg.Types[itemType]
	if td == nil {
		return nil
	}
	for _, fd := range td.OrderedFields() {
		if !resolversReferenceValue(fd.Resolvers) || !hasOutboundResolver(fd.Resolvers) {
			continue
		}
		batched := false
		for _, r := range fd.Resolvers {
			if len(r.BatchKeyPath()) > 0 {
				batched = true
				break
			}
		}
		if !batched {
			diags = append(diags, Diagnostic{
				Path:    path + "[]." + fd.Name,
				Message: fmt.Sprintf("field %q resolves per list item (N+1); declare batchKey to coalesce", fd.Name),
			})
		}
	}
	return diags
}

func lintProtected(p *config.Protected, providers *auth.Registry, path string) error {
	if p == nil {
		return nil
	}
	if p.Expr != "" {
		if _, err := auth.ParseExpr(p.Expr); err != nil {
			return &CompileError{Path: path, Message: fmt.Sprintf("invalid access expression: %v", err)}
		}
	}
	if providers != nil {
		for _, id := range p.IDs {
			if !providers.Has(id) {
				return &CompileError{Path: path, Message: fmt.Sprintf("auth provider %q is not configured", id)}
			}
		}
	}
	return nil
}

func builtinScalar(name string) bool {
	switch name {
	case "String", "Int", "Float", "Boolean", "ID":
		return true
	}
	return false
}
