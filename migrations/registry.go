// Package migrations resolves the embedded ledger schema per SQL dialect and
// hands it to a migration runner.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	deploysync "github.com/goliatone/go-deploysync"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const SourceLabel = "go-deploysync"

const rootPath = "data/sql/migrations"

type FilesystemSpec struct {
	Dialect string
	Path    string
	FS      fs.FS
}

type Registration struct {
	SourceLabel       string
	ValidationTargets []string
	Filesystems       []FilesystemSpec
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*Registration)

func WithSourceLabel(label string) Option {
	return func(r *Registration) {
		if trimmed := strings.TrimSpace(label); trimmed != "" {
			r.SourceLabel = trimmed
		}
	}
}

// WithValidationTargets limits registration to the named dialects.
func WithValidationTargets(targets ...string) Option {
	return func(r *Registration) {
		if next := normalizeDialects(targets); len(next) > 0 {
			r.ValidationTargets = next
		}
	}
}

// Filesystems returns the postgres and sqlite schema directories. The
// postgres files sit at the root and the sqlite variants in a sqlite/
// subdirectory. Each directory must hold at least one complete up/down pair.
func Filesystems(sources ...fs.FS) ([]FilesystemSpec, error) {
	root := deploysync.GetMigrationsFS()
	if len(sources) > 0 && sources[0] != nil {
		root = sources[0]
	}
	base, err := fs.Sub(root, rootPath)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", rootPath, err)
	}
	sqliteFS, err := fs.Sub(base, DialectSQLite)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite schema: %w", err)
	}

	filesystems := []FilesystemSpec{
		{Dialect: DialectPostgres, Path: rootPath, FS: base},
		{Dialect: DialectSQLite, Path: rootPath + "/" + DialectSQLite, FS: sqliteFS},
	}
	for _, spec := range filesystems {
		versions, err := Versions(spec.FS)
		if err != nil {
			return nil, fmt.Errorf("migrations: %s schema: %w", spec.Dialect, err)
		}
		if len(versions) == 0 {
			return nil, fmt.Errorf("migrations: %s schema at %q is empty", spec.Dialect, spec.Path)
		}
	}
	return filesystems, nil
}

// ForDialect returns the schema directory for one dialect.
func ForDialect(dialect string) (FilesystemSpec, error) {
	filesystems, err := Filesystems()
	if err != nil {
		return FilesystemSpec{}, err
	}
	dialect = strings.ToLower(strings.TrimSpace(dialect))
	for _, spec := range filesystems {
		if spec.Dialect == dialect {
			return spec, nil
		}
	}
	return FilesystemSpec{}, fmt.Errorf("migrations: unsupported dialect %q", dialect)
}

// Versions lists the migration names in fsys in apply order. Every up file
// needs a matching down file.
func Versions(fsys fs.FS) ([]string, error) {
	ups, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(ups))
	for _, name := range ups {
		version := strings.TrimSuffix(name, ".up.sql")
		if _, err := fs.Stat(fsys, version+".down.sql"); err != nil {
			return nil, fmt.Errorf("migration %s has no down file", version)
		}
		versions = append(versions, version)
	}
	sort.Strings(versions)
	return versions, nil
}

// Register calls registerFn once per targeted dialect with that dialect's
// schema directory.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Registration, error) {
	reg := Registration{
		SourceLabel:       SourceLabel,
		ValidationTargets: []string{DialectPostgres, DialectSQLite},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	if registerFn == nil {
		return reg, fmt.Errorf("migrations: register function is required")
	}

	filesystems, err := Filesystems()
	if err != nil {
		return reg, err
	}
	reg.Filesystems = filesystems

	for _, spec := range reg.Filesystems {
		if !contains(reg.ValidationTargets, spec.Dialect) {
			continue
		}
		if err := registerFn(ctx, spec.Dialect, reg.SourceLabel, spec.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s (%s): %w", spec.Dialect, spec.Path, err)
		}
	}
	return reg, nil
}

func normalizeDialects(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.ToLower(strings.TrimSpace(value))
		if trimmed == "" || contains(out, trimmed) {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
