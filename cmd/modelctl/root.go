package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/modelmgmt/internal/session"
	"github.com/pitabwire/modelmgmt/internal/source"
	"github.com/pitabwire/modelmgmt/model"
)

// errInvalid is returned when a command has already reported the problems
// it found and only the exit status is left to set.
var errInvalid = errors.New("model payloads are invalid")

type rootFlags struct {
	dirs    []string
	verbose bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "modelctl",
		Short:         "Inspect and check model payload directories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVarP(&flags.dirs, "dir", "d", []string{"models"}, "payload directory (repeatable)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log linking and validation details")

	root.AddCommand(
		newValidateCmd(flags),
		newListCmd(flags),
		newDescribeCmd(flags),
		newVersionCmd(),
	)
	return root
}

func (f *rootFlags) logger() *zap.Logger {
	if !f.verbose {
		return zap.NewNop()
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// load reads and structurally validates every payload. Validation errors
// are written to w.
func (f *rootFlags) load(w io.Writer) (*source.Registry, error) {
	payloads, err := source.NewLoader().LoadAll(f.dirs)
	if err != nil {
		return nil, err
	}
	if verrs := source.NewValidator().Validate(payloads); len(verrs) > 0 {
		for _, ve := range verrs {
			fmt.Fprintln(w, ve.Error())
		}
		return nil, errInvalid
	}
	return source.NewRegistry(payloads, f.logger()), nil
}

func newValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check payloads for structural errors and link every concrete model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			registry, err := flags.load(out)
			if err != nil {
				return err
			}

			mgr := session.NewManager(registry, session.WithLogger(flags.logger()))
			failed := 0
			for _, m := range registry.Models() {
				if m.Abstract {
					continue
				}
				report, err := check(cmd.Context(), mgr, m.ID)
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", m.ID, err)
					failed++
					continue
				}
				for _, fe := range report.Errors {
					fmt.Fprintf(out, "%s: %s: %s\n", m.ID, fe.Field, fe.Message)
				}
				if !report.Valid {
					failed++
				}
			}
			if failed > 0 {
				fmt.Fprintf(out, "%d of %d models invalid\n", failed, registry.Len())
				return errInvalid
			}
			fmt.Fprintf(out, "%d models ok (checksum %s)\n", registry.Len(), registry.Checksum())
			return nil
		},
	}
}

// check links modelID in a throwaway session and returns its validation
// report.
func check(ctx context.Context, mgr *session.Manager, modelID string) (model.ValidationReport, error) {
	d, err := mgr.Open(ctx, nil, modelID)
	if err != nil {
		return model.ValidationReport{}, err
	}
	defer func() { _ = mgr.Close(ctx, d.ID) }()
	return mgr.Validate(ctx, d.ID)
}

func newListCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the models found in the payload directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			registry, err := flags.load(out)
			if err != nil {
				return err
			}
			models := registry.Models()
			if asJSON {
				return writeJSON(out, models)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tPARENT\tABSTRACT")
			for _, m := range models {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", m.ID, m.Kind, m.Parent, m.Abstract)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newDescribeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "describe MODEL_ID",
		Short: "Print the resolved descriptor and validation report of a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			registry, err := flags.load(out)
			if err != nil {
				return err
			}

			mgr := session.NewManager(registry, session.WithLogger(flags.logger()))
			d, err := mgr.Open(ctx, nil, args[0])
			if err != nil {
				return err
			}
			defer func() { _ = mgr.Close(ctx, d.ID) }()

			report, err := mgr.Validate(ctx, d.ID)
			if err != nil {
				return err
			}
			return writeJSON(out, struct {
				Model      model.ModelDescriptor  `json:"model"`
				Validation model.ValidationReport `json:"validation"`
			}{d.Model, report})
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "modelctl %s (%s)\n", version, commit)
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
