/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"acecoredata/internal/config"
	"acecoredata/internal/coredata"
	"acecoredata/internal/crash"
	applog "acecoredata/internal/log"
	"acecoredata/internal/model"
	"acecoredata/internal/results"
	"acecoredata/internal/telemetry"
	"acecoredata/internal/version"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

const saveTimeout = 30 * time.Second

// session is the state shared by all subcommands of one invocation.
type session struct {
	stdout, stderr io.Writer

	modelPath string
	storePath string

	cfg       config.AppConfig
	password  string
	telemetry *telemetry.Client
	mgr       *coredata.Manager
}

func newRootCommand(s *session) *cobra.Command {
	rc := &cobra.Command{
		Use:   "acecoredata",
		Short: "Inspect and edit an ACE Core Data store.",
		Long: `Inspect and edit an ACE Core Data store.

The model and store locations come from the user config file, ACD_*
environment variables or the --model and --store flags, in increasing
priority.

Version: ` + version.String() + "\n",
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return s.loadConfig() },
	}
	rc.PersistentFlags().StringVar(&s.modelPath, "model", "", "model file (overrides store.model_path)")
	rc.PersistentFlags().StringVar(&s.storePath, "store", "", "store file (overrides store.store_path)")

	rc.AddCommand(
		newVersionCommand(s),
		newEntitiesCommand(s),
		newInsertCommand(s, false),
		newInsertCommand(s, true),
		newListCommand(s),
		newGetCommand(s),
		newDeleteCommand(s),
		newDropCommand(s),
	)
	rc.SetOut(s.stdout)
	rc.SetErr(s.stderr)
	return rc
}

// execute runs the command line args and releases the session afterwards.
func execute(args []string, stdout, stderr io.Writer) error {
	s := &session{stdout: stdout, stderr: stderr}
	defer s.close()
	rc := newRootCommand(s)
	rc.SetArgs(args)
	return rc.Execute()
}

func (s *session) loadConfig() error {
	cfg, password, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if s.modelPath != "" {
		cfg.Store.ModelPath = s.modelPath
	}
	if s.storePath != "" {
		cfg.Store.StorePath = s.storePath
	}
	s.cfg, s.password = cfg, password

	applog.Init(applog.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.Source,
		File:      cfg.Logging.File,
		Writer:    s.stderr,
	})
	if cfg.Diagnostics.CrashReportDir != "" {
		crash.SetReportDir(cfg.Diagnostics.CrashReportDir)
	}
	tc := telemetry.FromEnv()
	tc.OptIn = tc.OptIn || cfg.Diagnostics.TelemetryOptIn
	s.telemetry = telemetry.New(tc)
	crash.SetUploader(s.telemetry.UploadCrash)
	return nil
}

// open starts a manager for the configured store.
func (s *session) open(ctx context.Context) (*coredata.Manager, error) {
	opts, err := coredata.OptionsFromConfig(s.cfg.Store, s.cfg.Diagnostics, s.password)
	if err != nil {
		return nil, err
	}
	opts.Telemetry = s.telemetry
	m, err := coredata.Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	s.mgr = m
	return m, nil
}

func (s *session) close() {
	l := applog.WithComponent("cli")
	if s.mgr != nil {
		if err := s.mgr.Close(); err != nil {
			l.Error("close failed", slog.Any("err", err))
		}
		s.mgr = nil
	}
	if s.telemetry != nil {
		crash.SetUploader(nil)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.telemetry.Flush(ctx); err != nil {
			l.Warn("telemetry not flushed", slog.Any("err", err))
		}
		cancel()
		s.telemetry.Close()
		s.telemetry = nil
	}
}

// wait blocks until f resolves or the save timeout passes.
func wait(ctx context.Context, f *coredata.Future) error {
	ctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()
	return f.Wait(ctx)
}

func newVersionCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the version.",
		Args:  cobra.NoArgs,
		// skip config loading so version works without a config
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(s.stdout, "ACE Core Data")
			fmt.Fprintln(s.stdout, version.String())
		},
	}
}

func newEntitiesCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "entities",
		Short: "List the entities of the model.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			md, err := model.Load(s.cfg.Store.ModelPath)
			if err != nil {
				return err
			}
			t := newTable(s.stdout)
			t.AppendHeader(table.Row{"entity", "indexed", "attributes"})
			for _, name := range md.EntityNames() {
				e, _ := md.Entity(name)
				attrs := make([]string, len(e.Attributes))
				for i, a := range e.Attributes {
					attrs[i] = a.Name + ":" + string(a.Type)
					if a.Optional {
						attrs[i] += "?"
					}
				}
				t.AppendRow(table.Row{e.Name, e.IndexedAttribute, strings.Join(attrs, " ")})
			}
			t.Render()
			return nil
		},
	}
}

// newInsertCommand builds "insert" or, with upsert set, "upsert".
func newInsertCommand(s *session, upsert bool) *cobra.Command {
	use, short := "insert", "Insert an object."
	if upsert {
		use, short = "upsert", "Insert an object or update the one with the same indexed attribute."
	}
	return &cobra.Command{
		Use:   use + " <entity> key=value...",
		Short: short,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vals, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			m, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			entity := args[0]
			var (
				id      coredata.ObjectID
				created = true
			)
			f := m.PerformOperation(func(w *coredata.Context) error {
				if !upsert {
					o, err := w.Insert(entity, vals)
					if err != nil {
						return err
					}
					id = o.ID()
					return nil
				}
				o, isNew, err := w.InsertOrFetch(entity, vals)
				if err != nil {
					return err
				}
				id, created = o.ID(), isNew
				if isNew {
					return nil
				}
				return o.SetValues(vals)
			}, nil)
			if err := wait(cmd.Context(), f); err != nil {
				return err
			}
			verb := "inserted"
			if !created {
				verb = "updated"
			}
			fmt.Fprintf(s.stdout, "%s %s %s\n", verb, entity, id)
			return nil
		},
	}
}

func newListCommand(s *session) *cobra.Command {
	var where, section string
	cmd := &cobra.Command{
		Use:   "list <entity> [key[:desc]...]",
		Short: "List the objects of an entity, optionally filtered and sorted.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := results.Request{Entity: args[0], Predicate: where, SectionKey: section}
			for _, a := range args[1:] {
				srt, err := coredata.ParseSort(a)
				if err != nil {
					return err
				}
				req.Sort = append(req.Sort, srt)
			}
			m, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			rs, err := results.New(m, req)
			if err != nil {
				return err
			}
			defer rs.Close()
			if err := rs.PerformFetch(); err != nil {
				return err
			}
			e, _ := m.Model().Entity(req.Entity)
			writeSections(s.stdout, e, rs.Sections(), section != "")
			return nil
		},
	}
	cmd.Flags().StringVarP(&where, "where", "w", "", "CEL filter over object and id, e.g. 'object.age >= 18'")
	cmd.Flags().StringVar(&section, "section", "", "group rows by this attribute")
	return cmd
}

func newGetCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "get <entity> <unique-id>",
		Short: "Show the object with the given indexed attribute value.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			o, err := m.MainContext().FetchByUniqueID(args[0], args[1])
			if err != nil {
				return err
			}
			if o == nil {
				return fmt.Errorf("%s %q not found", args[0], args[1])
			}
			e, _ := m.Model().Entity(args[0])
			t := newTable(s.stdout)
			t.AppendHeader(table.Row{"attribute", "value"})
			t.AppendRow(table.Row{"objectID", string(o.ID())})
			for _, a := range e.Attributes {
				t.AppendRow(table.Row{a.Name, display(o.Get(a.Name))})
			}
			t.Render()
			return nil
		},
	}
}

func newDeleteCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <entity> <unique-id>",
		Short: "Delete the object with the given indexed attribute value.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			f := m.PerformOperation(func(w *coredata.Context) error {
				o, err := w.FetchByUniqueID(args[0], args[1])
				if err != nil {
					return err
				}
				if o == nil {
					return fmt.Errorf("%s %q not found", args[0], args[1])
				}
				return w.Delete(o)
			}, nil)
			if err := wait(cmd.Context(), f); err != nil {
				return err
			}
			fmt.Fprintf(s.stdout, "deleted %s %s\n", args[0], args[1])
			return nil
		},
	}
}

func newDropCommand(s *session) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Delete the store file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("drop removes the store permanently; pass --yes to confirm")
			}
			m, err := s.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := m.DeleteStore(); err != nil {
				return err
			}
			fmt.Fprintln(s.stdout, "store removed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm removal")
	return cmd
}

// parseAssignments reads key=value pairs. Values stay strings and are
// converted by the model; the literal null clears an attribute.
func parseAssignments(args []string) (map[string]any, error) {
	vals := make(map[string]any, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", a)
		}
		if v == "null" {
			vals[k] = nil
			continue
		}
		vals[k] = v
	}
	return vals, nil
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	// keep attribute names as written
	t.Style().Format.Header = text.FormatDefault
	return t
}

func writeSections(w io.Writer, e *model.Entity, secs []results.Section, sectioned bool) {
	t := newTable(w)
	header := table.Row{}
	if sectioned {
		header = append(header, "section")
	}
	header = append(header, "objectID")
	for _, a := range e.Attributes {
		header = append(header, a.Name)
	}
	t.AppendHeader(header)
	rows := 0
	for _, sec := range secs {
		for _, o := range sec.Objects {
			row := table.Row{}
			if sectioned {
				row = append(row, sec.Name)
			}
			row = append(row, string(o.ID()))
			for _, a := range e.Attributes {
				row = append(row, display(o.Get(a.Name)))
			}
			t.AppendRow(row)
			rows++
		}
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d rows", rows)})
	t.Render()
}

// display renders a value for the table; go-pretty does not expect nil.
func display(v any) any {
	switch x := v.(type) {
	case nil:
		return "null"
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return x
	}
}
