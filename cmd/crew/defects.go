package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"crewline/internal/app"
	"crewline/internal/domain"
	"crewline/internal/versioning"
)

func bugCmd() *cobra.Command {
	b := &cobra.Command{Use: "bug", Short: "Report and fix defects"}
	b.AddCommand(bugReportCmd())
	b.AddCommand(bugDetectCmd())
	b.AddCommand(bugListCmd())
	b.AddCommand(bugShowCmd())
	b.AddCommand(bugAssignCmd())
	b.AddCommand(bugStatusCmd())
	b.AddCommand(bugStartCmd())
	b.AddCommand(bugCompleteCmd())
	b.AddCommand(bugMetricsCmd())
	return b
}

func bugReportCmd() *cobra.Command {
	var bug domain.Bug
	var source string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report a bug; it is classified and assigned",
		RunE: func(cmd *cobra.Command, args []string) error {
			bug.Source = domain.BugSource(source)
			bug.CreatedBy = actor(bug.CreatedBy)
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				b, err := rt.Defects.ProcessNewBug(ctx, project, bug)
				if err != nil {
					return err
				}
				return printJSONOrTable(b, func() {
					fmt.Printf("%s [%s/%s] assigned to %s\n", b.ID, b.Severity, b.Priority, b.AssignedTo)
				})
			})
		},
	}
	cmd.Flags().StringVar(&bug.Title, "title", "", "short title")
	cmd.Flags().StringVar(&bug.Description, "description", "", "details")
	cmd.Flags().StringVar(&bug.ErrorTrace, "trace", "", "error output or stack trace")
	cmd.Flags().StringVar(&bug.FilePath, "file", "", "file the failure points at")
	cmd.Flags().StringVar(&bug.TestName, "test", "", "failing test")
	cmd.Flags().IntVar(&bug.LineNumber, "line", 0, "line number")
	cmd.Flags().IntVar(&bug.Sprint, "sprint", 0, "sprint the bug was found in")
	cmd.Flags().StringVar(&bug.RelatedTask, "task", "", "related task id")
	cmd.Flags().StringVar(&source, "source", "manual", "auto_test, manual, code_review or client")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func bugDetectCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Report a bug for every failing test in pytest or unittest output",
		Long:  "Reads test runner output from --file, or from stdin when --file is empty or -.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if file == "" || file == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(file)
			}
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				bugs, err := rt.Defects.DetectBugs(ctx, project, string(data))
				if err != nil {
					return err
				}
				return printJSONOrTable(bugs, func() {
					fmt.Printf("detected %d bug(s)\n", len(bugs))
					if len(bugs) == 0 {
						return
					}
					tw := newTable("ID", "Severity", "Assignee", "File", "Test")
					for _, b := range bugs {
						tw.AppendRow(table.Row{b.ID, b.Severity, b.AssignedTo, b.FilePath, b.TestName})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "test output file (default stdin)")
	return cmd
}

func bugListCmd() *cobra.Command {
	var status string
	var active bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bugs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				var bugs []domain.Bug
				var err error
				if active {
					bugs, err = rt.Defects.ListOpen(ctx, project)
				} else {
					bugs, err = rt.Defects.List(ctx, project, domain.BugStatus(status))
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(bugs, func() {
					tw := newTable("ID", "Priority", "Severity", "Status", "Assignee", "Retries", "Title")
					for _, b := range bugs {
						retries := strconv.Itoa(b.RetryCount)
						if b.Escalated {
							retries += " (escalated)"
						}
						tw.AppendRow(table.Row{b.ID, b.Priority, b.Severity, b.Status, b.AssignedTo, retries, b.Title})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().BoolVar(&active, "active", false, "only open, assigned or in-progress bugs, by priority")
	return cmd
}

func bugShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <bug-id>",
		Short: "Show a bug and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				b, err := rt.Defects.Get(ctx, project, args[0])
				if err != nil {
					return err
				}
				history, err := rt.Defects.History(ctx, project, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"bug": b, "history": history}
				return printJSONOrTable(out, func() {
					fmt.Printf("%s: %s\n%s/%s, %s, assigned to %s\n", b.ID, b.Title, b.Severity, b.Priority, b.Status, b.AssignedTo)
					tw := newTable("Time", "Action", "From", "To", "By")
					for _, h := range history {
						tw.AppendRow(table.Row{h.Timestamp.Format(time.RFC3339), h.Action, h.OldValue, h.NewValue, h.By})
					}
					tw.Render()
				})
			})
		},
	}
}

func bugAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <bug-id> <actor>",
		Short: "Reassign a bug",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				b, err := rt.Defects.Assign(ctx, project, args[0], args[1], actor(""))
				if err != nil {
					return err
				}
				return printJSONOrTable(b, func() { fmt.Printf("%s assigned to %s\n", b.ID, b.AssignedTo) })
			})
		},
	}
}

func bugStatusCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "status <bug-id> <status>",
		Short: "Move a bug through its lifecycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				b, err := rt.Defects.UpdateStatus(ctx, project, args[0], domain.BugStatus(args[1]), notes, actor(""))
				if err != nil {
					return err
				}
				return printJSONOrTable(b, func() { fmt.Printf("%s -> %s\n", b.ID, b.Status) })
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "verification notes")
	return cmd
}

func bugStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <bug-id>",
		Short: "Start working on a fix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				b, err := rt.Defects.StartFix(ctx, project, args[0], actor(""))
				if err != nil {
					return err
				}
				return printJSONOrTable(b, func() { fmt.Printf("%s -> %s\n", b.ID, b.Status) })
			})
		},
	}
}

func bugCompleteCmd() *cobra.Command {
	var passed bool
	var files []string
	cmd := &cobra.Command{
		Use:   "complete <bug-id>",
		Short: "Record a fix attempt and its verification result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				out, err := rt.Defects.CompleteFix(ctx, project, args[0], passed, files, actor(""))
				if err != nil {
					return err
				}
				return printJSONOrTable(out, func() {
					fmt.Printf("%s: %s (status %s, attempt %d of %d)\n", out.Bug.ID, out.Result, out.Bug.Status, out.Bug.RetryCount, out.Bug.MaxRetries)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&passed, "passed", false, "verification passed")
	cmd.Flags().StringSliceVar(&files, "files", nil, "files changed by the fix")
	return cmd
}

func bugMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show defect metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				m, err := rt.Defects.Metrics(ctx, project)
				if err != nil {
					return err
				}
				return printJSONOrTable(m, nil)
			})
		},
	}
}

func docCmd() *cobra.Command {
	d := &cobra.Command{Use: "doc", Short: "Version project documents"}
	d.AddCommand(docSnapshotCmd())
	d.AddCommand(docListCmd())
	d.AddCommand(docShowCmd())
	d.AddCommand(docDiffCmd())
	d.AddCommand(docLockCmd())
	d.AddCommand(docRollbackCmd())
	d.AddCommand(docAuditCmd())
	return d
}

// readContent loads a document file. A .json file must hold an object; anything else is text.
func readContent(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var obj map[string]any
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return obj, nil
	}
	return string(data), nil
}

func docSnapshotCmd() *cobra.Command {
	var file, docType, reason string
	var summary []string
	cmd := &cobra.Command{
		Use:   "snapshot <document-id>",
		Short: "Store a new version of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(file)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				v, err := rt.Versions.Snapshot(ctx, versioning.SnapshotRequest{
					ProjectID:      project,
					DocumentID:     args[0],
					DocumentType:   docType,
					Content:        content,
					ChangedBy:      actor(""),
					ChangeReason:   reason,
					ChangesSummary: summary,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v, func() {
					fmt.Printf("%s v%d (%s)\n", v.DocumentID, v.Version, v.ContentHash)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "content file (.json for structured content)")
	cmd.Flags().StringVar(&docType, "type", "", "document type")
	cmd.Flags().StringVar(&reason, "reason", "", "why the document changed")
	cmd.Flags().StringSliceVar(&summary, "summary", nil, "change summary lines")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func docListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List versioned documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				docs, err := rt.Versions.Documents(ctx, project)
				if err != nil {
					return err
				}
				return printJSONOrTable(docs, func() {
					tw := newTable("Document", "Type", "Current", "Versions", "Updated")
					for _, d := range docs {
						tw.AppendRow(table.Row{d.DocumentID, d.DocumentType, d.CurrentVersion, len(d.Versions), d.UpdatedAt.Format(time.RFC3339)})
					}
					tw.Render()
				})
			})
		},
	}
}

func docShowCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "show <document-id>",
		Short: "Show a document version (default current)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				v, err := rt.Versions.GetVersion(ctx, project, args[0], version)
				if err != nil {
					return err
				}
				return printJSON(v)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "version number")
	return cmd
}

func docDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <document-id> <v1> <v2>",
		Short: "Compare two versions",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			v1, err := strconv.Atoi(args[1])
			if err != nil {
				return err
			}
			v2, err := strconv.Atoi(args[2])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				d, err := rt.Versions.CompareVersions(ctx, project, args[0], v1, v2)
				if err != nil {
					return err
				}
				return printJSONOrTable(d, func() {
					fmt.Println(versioning.Summary(d))
					if !d.IsJSONDiff {
						fmt.Print(d.RawDiff)
						return
					}
					for _, f := range d.Added {
						fmt.Printf("+ %s\n", f)
					}
					for _, f := range d.Removed {
						fmt.Printf("- %s\n", f)
					}
					for _, m := range d.Modified {
						fmt.Printf("~ %s: %s -> %s\n", m.Field, m.Old, m.New)
					}
				})
			})
		},
	}
}

func docLockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock <document-id> <version>",
		Short: "Lock a version against rollback",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				v, err := rt.Versions.LockVersion(ctx, project, args[0], n)
				if err != nil {
					return err
				}
				return printJSONOrTable(v, func() { fmt.Printf("%s v%d locked\n", v.DocumentID, v.Version) })
			})
		},
	}
}

func docRollbackCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rollback <document-id> <version>",
		Short: "Restore a version's content as a new version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				v, err := rt.Versions.Rollback(ctx, project, args[0], n, reason, actor(""))
				if err != nil {
					return err
				}
				return printJSONOrTable(v, func() { fmt.Printf("%s restored v%d as v%d\n", v.DocumentID, n, v.Version) })
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the rollback happens")
	return cmd
}

func docAuditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show document changes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				entries, err := rt.Versions.GetAuditLog(ctx, project, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries, func() {
					tw := newTable("Time", "Document", "Version", "By", "Reason", "Changes")
					for _, e := range entries {
						tw.AppendRow(table.Row{e.Timestamp.Format(time.RFC3339), e.DocumentID, e.Version, e.ChangedBy, e.ChangeReason, e.ChangesSummary})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", versioning.DefaultAuditLimit, "maximum entries")
	return cmd
}
