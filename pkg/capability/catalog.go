// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed catalog/*.yaml
var builtinCatalog embed.FS

// BuiltinCatalog returns the embedded domain catalog.
func BuiltinCatalog() fs.FS {
	sub, _ := fs.Sub(builtinCatalog, "catalog")
	return sub
}

type catalogFile struct {
	Version    string             `yaml:"version"`
	Namespaces []catalogNamespace `yaml:"namespaces"`
}

type catalogNamespace struct {
	Path        string          `yaml:"path"`
	Identifier  string          `yaml:"identifier"`
	Description string          `yaml:"description"`
	Version     string          `yaml:"version"`
	Members     []catalogMember `yaml:"members"`
}

type catalogMember struct {
	Member      string         `yaml:"member"`
	Args        []string       `yaml:"args"`
	Description string         `yaml:"description"`
	Timeout     string         `yaml:"timeout"`
	Idempotent  bool           `yaml:"idempotent"`
	Params      map[string]any `yaml:"params"`
	Result      map[string]any `yaml:"result"`
}

// LoadCatalog registers every namespace declared in the YAML files of fsys
// matching pattern. Catalog members are hosted. It returns the namespace
// paths it registered.
func (r *Registry) LoadCatalog(fsys fs.FS, pattern string) ([]string, error) {
	files, err := fs.Glob(fsys, pattern)
	if err != nil {
		return nil, fmt.Errorf("catalog pattern %q: %w", pattern, err)
	}
	sort.Strings(files)

	var loaded []string
	for _, name := range files {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", name, err)
		}
		var file catalogFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse catalog %s: %w", name, err)
		}
		for _, ns := range file.Namespaces {
			if ns.Version == "" {
				ns.Version = file.Version
			}
			if err := r.loadNamespace(ns); err != nil {
				return nil, fmt.Errorf("catalog %s: %w", name, err)
			}
			loaded = append(loaded, ns.Path)
		}
	}
	return loaded, nil
}

func (r *Registry) loadNamespace(ns catalogNamespace) error {
	if err := r.RegisterNamespace(Namespace{
		Path:        ns.Path,
		Identifier:  ns.Identifier,
		Description: ns.Description,
		Version:     ns.Version,
	}); err != nil {
		return err
	}
	for _, m := range ns.Members {
		d := Descriptor{
			Namespace:   ns.Path,
			Member:      m.Member,
			Kind:        KindHosted,
			Args:        m.Args,
			Description: m.Description,
			Idempotent:  m.Idempotent,
		}
		if m.Timeout != "" {
			t, err := time.ParseDuration(m.Timeout)
			if err != nil {
				return fmt.Errorf("%s.%s timeout: %w", ns.Path, m.Member, err)
			}
			d.Timeout = t
		}
		if m.Params != nil {
			raw, err := json.Marshal(m.Params)
			if err != nil {
				return fmt.Errorf("%s.%s params: %w", ns.Path, m.Member, err)
			}
			d.Params = raw
		}
		if m.Result != nil {
			raw, err := json.Marshal(m.Result)
			if err != nil {
				return fmt.Errorf("%s.%s result: %w", ns.Path, m.Member, err)
			}
			d.Result = raw
		}
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}
