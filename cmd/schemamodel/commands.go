package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lychee-technology/schemamodel"
	"github.com/spf13/cobra"
)

func newDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <table>",
		Short: "Show the property definitions derived from a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := storeFrom(cmd)
			tbl, err := store.Table(args[0], nil)
			if err != nil {
				return err
			}
			mt := schemamodel.NewModelType(args[0], tbl)
			names, err := mt.PropertyNames(cmd.Context())
			if err != nil {
				return err
			}
			defs, err := mt.PropertyDefinitions(cmd.Context())
			if err != nil {
				return err
			}
			primary, err := mt.PrimaryColumn(cmd.Context())
			if err != nil {
				return err
			}
			renderDefinitions(cmd.OutOrStdout(), primary, names, defs, time.Now())
			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	var through []string

	cmd := &cobra.Command{
		Use:   "get <table> <id>",
		Short: "Load one row as a model and print its properties and relationships",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store := storeFrom(cmd)
			tbl, err := store.Table(args[0], nil)
			if err != nil {
				return err
			}
			binders, err := parseThrough(store, through)
			if err != nil {
				return err
			}
			mt := schemamodel.NewModelType(args[0], tbl, schemamodel.WithRelationships(binders...))

			m, err := mt.Find(ctx, parseID(args[1]))
			if err != nil {
				return err
			}

			names, err := mt.PropertyNames(ctx)
			if err != nil {
				return err
			}
			values := make([][2]any, 0, len(names)+len(binders))
			for _, name := range names {
				v, err := m.GetAttribute(name)
				if err != nil {
					return err
				}
				values = append(values, [2]any{name, v})
			}
			for _, pair := range through {
				key, _, _ := strings.Cut(pair, "=")
				v, err := m.Get(ctx, key)
				if err != nil {
					return err
				}
				values = append(values, [2]any{key, v})
			}
			renderValues(cmd.OutOrStdout(), values)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&through, "through", nil, "many-to-many relationship as key=join_table (repeatable)")
	return cmd
}

const (
	demoModelsDDL = `CREATE TABLE IF NOT EXISTS mock_models (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	"firstName" VARCHAR(64) NOT NULL DEFAULT 'Michael',
	"lastName" VARCHAR(64) NOT NULL,
	emails JSON,
	"int" INTEGER NOT NULL,
	date DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`
	demoPostsDDL = `CREATE TABLE IF NOT EXISTS mock_model_posts (
	mock_model_id INTEGER NOT NULL REFERENCES mock_models(id) ON DELETE CASCADE,
	post_id INTEGER NOT NULL
)`
)

func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Create a model with posts on SQLite and show how membership changes are flushed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store := storeFrom(cmd)
			if store.Driver() != "sqlite" {
				return fmt.Errorf("demo needs the sqlite driver, got %s", store.Driver())
			}
			for _, ddl := range []string{demoModelsDDL, demoPostsDDL} {
				if _, err := store.DB().ExecContext(ctx, ddl); err != nil {
					return fmt.Errorf("create demo tables: %w", err)
				}
			}

			models, err := store.Table("mock_models", nil)
			if err != nil {
				return err
			}
			posts, err := store.Table("mock_model_posts", nil)
			if err != nil {
				return err
			}
			mt, err := store.Registry().Define("mock_model", models,
				schemamodel.WithRelationships(schemamodel.NewManyToMany("posts").Through(posts)))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			m, err := mt.Create(ctx, map[string]any{
				"lastName": "Angelo",
				"int":      1,
				"emails":   []any{"michael@example.com"},
				"posts":    []int{1, 2, 3},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "created mock_model %v with posts [1 2 3]\n", m.PrimaryValue())

			if err := m.Set(ctx, "posts", []int{2, 3, 4}); err != nil {
				return err
			}
			pending := m.PendingChanges("posts")
			fmt.Fprintf(out, "posts set to [2 3 4]: delete %v, insert %v\n", pending.Delete, pending.Insert)
			if _, err := m.Save(ctx); err != nil {
				return err
			}

			rows, err := posts.RowsWhere(ctx, "mock_model_id", m.PrimaryValue(), schemamodel.OpEquals, 0)
			if err != nil {
				return err
			}
			values := make([][2]any, len(rows))
			for i, row := range rows {
				values[i] = [2]any{row["mock_model_id"], row["post_id"]}
			}
			renderPairs(out, "mock_model_id", "post_id", values)
			return nil
		},
	}
}

// parseID reads integer identifiers as int64 and leaves anything else as text.
func parseID(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

func renderDefinitions(w io.Writer, primary string, names []string, defs map[string]*schemamodel.PropertyDefinition, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"property", "types", "nullable", "default", "primary"})
	for _, name := range names {
		def := defs[name]
		types := make([]string, 0, len(def.Types()))
		for _, typ := range def.Types() {
			types = append(types, string(typ))
		}
		dflt := ""
		if def.HasDefault() {
			dflt = formatValue(def.Default(now))
		}
		t.AppendRow(table.Row{name, strings.Join(types, "|"), def.Nullable(), dflt, name == primary})
	}
	t.Render()
}

func renderValues(w io.Writer, values [][2]any) {
	renderPairs(w, "name", "value", values)
}

func renderPairs(w io.Writer, left, right string, values [][2]any) {
	if len(values) == 0 {
		_, _ = fmt.Fprintln(w, "(0 rows)")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{left, right})
	for _, v := range values {
		t.AppendRow(table.Row{formatValue(v[0]), formatValue(v[1])})
	}
	t.Render()
	_, _ = fmt.Fprintf(w, "(%d rows)\n", len(values))
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case time.Time:
		return x.Format(time.RFC3339)
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
