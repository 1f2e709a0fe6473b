package cmd

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/conneroisu/liveweave/internal/config"
	"github.com/conneroisu/liveweave/internal/errors"
	"github.com/conneroisu/liveweave/internal/logging"
	"github.com/conneroisu/liveweave/internal/schema"
	"github.com/conneroisu/liveweave/internal/store"
	"github.com/conneroisu/liveweave/internal/store/sqlstore"
	"github.com/conneroisu/liveweave/internal/views"
)

// openStore opens the configured store over reg.
func openStore(ctx context.Context, cfg config.StoreConfig, reg *schema.Registry, logger logging.Logger) (views.Querier, func() error, error) {
	if cfg.Driver == "memory" {
		logger.Info(ctx, "Store opened", "driver", "memory")
		return store.NewMemory(reg), func() error { return nil }, nil
	}
	s, err := sqlstore.Open(ctx, cfg.Driver, cfg.DSN, reg, sqlstore.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	logger.Info(ctx, "Store opened", "driver", cfg.Driver, "dsn", logging.RedactDSN(cfg.DSN))
	return s, s.Close, nil
}

// seedTable is one table of a seed file.
type seedTable struct {
	Table string                   `yaml:"table"`
	Rows  []map[string]interface{} `yaml:"rows"`
}

// loadSeed reads a seed file: a list of tables with their rows, inserted
// in file order.
func loadSeed(path string) ([]seedTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapIO(err, errors.ErrCodeFileNotFound, "read seed file").WithContext("path", path)
	}
	var tables []seedTable
	if err := yaml.Unmarshal(data, &tables); err != nil {
		return nil, errors.WrapValidation(err, errors.ErrCodeValidationFailed, "parse seed file")
	}
	return tables, nil
}

// seed inserts tables into db. SQLite tables are created first.
func seed(ctx context.Context, db views.Querier, reg *schema.Registry, tables []seedTable) (int, error) {
	rows := 0
	switch s := db.(type) {
	case *sqlstore.Store:
		if err := s.EnsureTables(ctx); err != nil && !isUnsupportedDialect(err) {
			return 0, err
		}
		for _, t := range tables {
			for _, row := range t.Rows {
				if err := s.Insert(ctx, t.Table, row); err != nil {
					return rows, err
				}
				rows++
			}
		}
	case *store.Memory:
		for _, t := range tables {
			typ, link, err := tableOwner(reg, t.Table)
			if err != nil {
				return rows, err
			}
			for _, row := range t.Rows {
				if link != nil {
					s.Link(t.Table, row[link.Left], row[link.Right])
				} else {
					s.Insert(typ, row["id"], row)
				}
				rows++
			}
		}
	default:
		return 0, fmt.Errorf("store %T cannot be seeded", db)
	}
	return rows, nil
}

// tableOwner maps a table to its entity type or, for a join table, to the
// relation it implements.
func tableOwner(reg *schema.Registry, table string) (string, *schema.Through, error) {
	for _, name := range reg.Names() {
		t, _ := reg.Lookup(name)
		if t.Table == table {
			return t.Name, nil, nil
		}
		for _, f := range t.Fields() {
			if f.Through != nil && f.Through.Table == table {
				return "", f.Through, nil
			}
		}
	}
	return "", nil, errors.NewValidationError(errors.ErrCodeUnknownEntity, "no type is stored in table "+table)
}

func isUnsupportedDialect(err error) bool {
	le, ok := err.(*errors.LiveError)
	return ok && le.Code == errors.ErrCodeUnsupportedDialect
}
