package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/JonMunkholm/stagedimport/internal/core"
)

// stageOutput is printed by the stage command.
type stageOutput struct {
	*core.ImportSession
	Errors          []core.RowError `json:"errors"`
	ErrorsTruncated bool            `json:"errors_truncated,omitempty"`
}

func newStageCmd(v *viper.Viper) *cobra.Command {
	var (
		allowOverwrite bool
		maxErrors      int
	)
	cmd := &cobra.Command{
		Use:   "stage FILE",
		Short: "Parse, validate and stage a CSV file",
		Long: `Parses and validates FILE, stores the rows and prints the import id
and checksum. Nothing is written to the system of record until "commit".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "open upload")
			}
			defer f.Close()

			a, err := openApp(cmd, v, false)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.service.Stage(cmd.Context(), filepath.Base(f.Name()), f, allowOverwrite)
			if err != nil {
				return describe(err)
			}

			out := stageOutput{ImportSession: res.Session, Errors: res.Errors}
			if maxErrors >= 0 && len(out.Errors) > maxErrors {
				out.Errors = out.Errors[:maxErrors]
				out.ErrorsTruncated = true
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&allowOverwrite, "allow-overwrite", false, "accept rows whose key already exists in the system of record")
	cmd.Flags().IntVar(&maxErrors, "max-errors", 20, "row errors to print (-1 for all)")
	return cmd
}

func newPreviewCmd(v *viper.Viper) *cobra.Command {
	var (
		checksum string
		page     int
		pageSize int
		kind     string
	)
	cmd := &cobra.Command{
		Use:   "preview IMPORT_ID",
		Short: "Print one page of a staged import",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, v, false)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.service.Preview(cmd.Context(), core.PreviewRequest{
				ImportID: args[0],
				Checksum: checksum,
				Kind:     core.ArtifactKind(kind),
				Page:     page,
				PageSize: pageSize,
			})
			if err != nil {
				return describe(err)
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
	cmd.Flags().StringVar(&checksum, "checksum", "", "checksum printed by stage")
	cmd.Flags().IntVar(&page, "page", 1, "page number, from 1")
	cmd.Flags().IntVar(&pageSize, "page-size", core.DefaultPageSize, "rows per page")
	cmd.Flags().StringVar(&kind, "kind", string(core.KindAll), "rows to show (all, valid)")
	_ = cmd.MarkFlagRequired("checksum")
	return cmd
}

func newCommitCmd(v *viper.Viper) *cobra.Command {
	var (
		checksum       string
		allowOverwrite bool
	)
	cmd := &cobra.Command{
		Use:   "commit IMPORT_ID",
		Short: "Write the valid rows of a staged import",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, v, true)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.service.Commit(cmd.Context(), core.CommitRequest{
				ImportID:       args[0],
				Checksum:       checksum,
				AllowOverwrite: allowOverwrite,
			})
			if err != nil {
				if e, ok := core.AsError(err); ok && e.Conflict != nil && !e.Conflict.Empty() {
					fmt.Fprintf(cmd.ErrOrStderr(), "conflict: %s\n", e.Conflict.Summary())
					if len(e.RowNumbers) > 0 {
						fmt.Fprintf(cmd.ErrOrStderr(), "rows: %v\n", e.RowNumbers)
					}
				}
				return describe(err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&checksum, "checksum", "", "checksum printed by stage")
	cmd.Flags().BoolVar(&allowOverwrite, "allow-overwrite", false, "update rows whose key already exists")
	_ = cmd.MarkFlagRequired("checksum")
	return cmd
}

func newShowCmd(v *viper.Viper) *cobra.Command {
	var withErrors bool
	cmd := &cobra.Command{
		Use:   "show IMPORT_ID",
		Short: "Print the status of an import",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, v, false)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.service.Session(cmd.Context(), args[0])
			if err != nil {
				return describe(err)
			}
			if !withErrors {
				return printJSON(cmd.OutOrStdout(), sess)
			}
			rowErrs, err := a.service.Errors(cmd.Context(), args[0])
			if err != nil {
				return describe(err)
			}
			return printJSON(cmd.OutOrStdout(), stageOutput{ImportSession: sess, Errors: rowErrs})
		},
	}
	cmd.Flags().BoolVar(&withErrors, "errors", false, "include every row error")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the stagectl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
