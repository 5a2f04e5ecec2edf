package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"crewline/internal/app"
	"crewline/internal/domain"
)

// seedTask is the file form of a task; JSON files parse as YAML too.
type seedTask struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Type        string   `yaml:"type"`
	StoryPoints int      `yaml:"story_points"`
	Status      string   `yaml:"status"`
	AssignedTo  string   `yaml:"assigned_to"`
	ParentStory string   `yaml:"parent_story"`
	DependsOn   []string `yaml:"depends_on"`
}

type seedStory struct {
	ID                 string   `yaml:"id"`
	Title              string   `yaml:"title"`
	Description        string   `yaml:"description"`
	Priority           string   `yaml:"priority"`
	StoryPoints        int      `yaml:"story_points"`
	Tasks              []string `yaml:"tasks"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria"`
}

type seedEpic struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Stories     []string `yaml:"stories"`
}

type seedFile struct {
	Epics   []seedEpic  `yaml:"epics"`
	Stories []seedStory `yaml:"stories"`
	Tasks   []seedTask  `yaml:"tasks"`
}

func readSeed(path string) (seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return seedFile{}, err
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		// A bare task list is accepted too.
		var tasks []seedTask
		if listErr := yaml.Unmarshal(data, &tasks); listErr != nil {
			return seedFile{}, fmt.Errorf("parse %s: %w", path, err)
		}
		seed.Tasks = tasks
	}
	return seed, nil
}

func (s seedFile) tasks() []domain.Task {
	out := make([]domain.Task, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		out = append(out, domain.Task{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			Type:        domain.TaskType(t.Type),
			StoryPoints: t.StoryPoints,
			Status:      domain.TaskStatus(t.Status),
			AssignedTo:  t.AssignedTo,
			ParentStory: t.ParentStory,
			DependsOn:   t.DependsOn,
		})
	}
	return out
}

func (s seedFile) stories() []domain.Story {
	out := make([]domain.Story, 0, len(s.Stories))
	for _, st := range s.Stories {
		out = append(out, domain.Story{
			ID:                 st.ID,
			Title:              st.Title,
			Description:        st.Description,
			Priority:           domain.Priority(st.Priority),
			StoryPoints:        st.StoryPoints,
			Tasks:              st.Tasks,
			AcceptanceCriteria: st.AcceptanceCriteria,
		})
	}
	return out
}

func (s seedFile) epics() []domain.Epic {
	out := make([]domain.Epic, 0, len(s.Epics))
	for _, e := range s.Epics {
		out = append(out, domain.Epic{ID: e.ID, Title: e.Title, Description: e.Description, Stories: e.Stories})
	}
	return out
}

func boardCmd() *cobra.Command {
	b := &cobra.Command{Use: "board", Short: "Work the task board"}
	b.AddCommand(boardInitCmd())
	b.AddCommand(boardShowCmd())
	b.AddCommand(boardMoveCmd())
	b.AddCommand(boardSearchCmd())
	b.AddCommand(boardHistoryCmd())
	b.AddCommand(boardMetricsCmd())
	return b
}

func boardInitCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the board from a YAML or JSON task file",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := readSeed(file)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				board, err := rt.Board.InitializeBoard(ctx, project, seed.tasks())
				if err != nil {
					return err
				}
				return printJSONOrTable(board, func() { renderColumns(board) })
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "task file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func boardShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show board tasks by column",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				tasks, err := rt.Board.GetTasks(ctx, project)
				if err != nil {
					return err
				}
				return printJSONOrTable(tasks, func() { renderTasks(tasks) })
			})
		},
	}
}

func boardMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <task-id> <status>",
		Short: "Move a task to a status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				res, err := rt.Board.MoveTask(ctx, project, args[0], domain.TaskStatus(args[1]))
				if err != nil {
					return err
				}
				return printJSONOrTable(res, func() {
					if res.Blocked {
						fmt.Printf("%s held in blocked: waiting on %s\n", res.Task.ID, res.BlockedBy)
					} else {
						fmt.Printf("%s -> %s\n", res.Task.ID, res.Task.Status)
					}
					for _, id := range res.Unblocked {
						fmt.Printf("%s unblocked -> todo\n", id)
					}
				})
			})
		},
	}
}

func boardSearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Fuzzy-search tasks by title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				tasks, err := rt.Board.SearchTasks(ctx, project, args[0], limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(tasks, func() { renderTasks(tasks) })
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	return cmd
}

func boardHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show task moves, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				moves, _, err := rt.Board.GetHistory(ctx, project, 0, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(moves, func() {
					tw := newTable("Time", "Task", "From", "To", "Requested")
					for _, m := range moves {
						tw.AppendRow(table.Row{m.Timestamp.Format(time.RFC3339), m.TaskID, m.OldStatus, m.NewStatus, m.Requested})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum moves")
	return cmd
}

func boardMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show progress metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				m, err := rt.Board.GetMetrics(ctx, project)
				if err != nil {
					return err
				}
				return printJSONOrTable(m, func() {
					tw := newTable("Metric", "Value")
					tw.AppendRows([]table.Row{
						{"Sprint", fmt.Sprintf("%d of %d", m.CurrentSprint, m.TotalSprints)},
						{"Progress", fmt.Sprintf("%d%%", m.ProgressPercent)},
						{"Velocity", m.Velocity},
						{"Points done", m.PointsCompleted},
						{"Points remaining", m.PointsRemaining},
						{"Blocked", m.BlockedCount},
					})
					tw.Render()
				})
			})
		},
	}
}

func backlogCmd() *cobra.Command {
	b := &cobra.Command{Use: "backlog", Short: "Manage epics, stories and backlog tasks"}
	b.AddCommand(backlogInitCmd())
	b.AddCommand(backlogShowCmd())
	b.AddCommand(backlogReprioritizeCmd())
	b.AddCommand(backlogTaskStatusCmd())
	return b
}

func backlogInitCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Replace the backlog from a YAML or JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := readSeed(file)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				b, err := rt.Board.InitializeBacklog(ctx, project, seed.epics(), seed.stories(), seed.tasks())
				if err != nil {
					return err
				}
				return printJSONOrTable(b, func() {
					fmt.Printf("Backlog for %s: %d epics, %d stories, %d tasks\n", project, len(b.Epics), len(b.Stories), len(b.Tasks))
				})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "backlog file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func backlogShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "List stories in priority order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				stories, err := rt.Board.Stories(ctx, project)
				if err != nil {
					return err
				}
				return printJSONOrTable(stories, func() {
					tw := newTable("#", "ID", "Title", "Priority", "Points", "Status", "Tasks")
					for i, s := range stories {
						tw.AppendRow(table.Row{i + 1, s.ID, s.Title, s.Priority, s.StoryPoints, s.Status, len(s.Tasks)})
					}
					tw.Render()
				})
			})
		},
	}
}

func backlogReprioritizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprioritize <story-id> <index>",
		Short: "Move a story to a position in the priority order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("index must be a number: %w", err)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				order, err := rt.Board.ReprioritizeStory(ctx, project, args[0], idx)
				if err != nil {
					return err
				}
				return printJSONOrTable(order, func() { fmt.Println(strings.Join(order, " > ")) })
			})
		},
	}
}

func backlogTaskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "task-status <task-id> <status>",
		Short: "Set a backlog task's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				t, err := rt.Board.UpdateTaskStatus(ctx, project, args[0], domain.TaskStatus(args[1]))
				if err != nil {
					return err
				}
				return printJSONOrTable(t, func() { fmt.Printf("%s -> %s\n", t.ID, t.Status) })
			})
		},
	}
}

func sprintCmd() *cobra.Command {
	s := &cobra.Command{Use: "sprint", Short: "Plan and track sprints"}
	s.AddCommand(sprintPlanCmd())
	s.AddCommand(sprintListCmd())
	s.AddCommand(sprintCurrentCmd())
	return s
}

func sprintPlanCmd() *cobra.Command {
	var start string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Pack backlog tasks into sprints",
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now()
			if start != "" {
				parsed, err := time.Parse("2006-01-02", start)
				if err != nil {
					return fmt.Errorf("--start must be YYYY-MM-DD: %w", err)
				}
				at = parsed
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				sprints, err := rt.Board.PlanSprints(ctx, project, at)
				if err != nil {
					return err
				}
				return printJSONOrTable(sprints, func() { renderSprints(sprints) })
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first sprint start date (YYYY-MM-DD, default today)")
	return cmd
}

func sprintListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List planned sprints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				sprints, err := rt.Board.LoadSprints(ctx, project)
				if err != nil {
					return err
				}
				return printJSONOrTable(sprints, func() { renderSprints(sprints) })
			})
		},
	}
}

func sprintCurrentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "current [number]",
		Short: "Show or set the current sprint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime, project string) error {
				if len(args) == 1 {
					n, err := strconv.Atoi(args[0])
					if err != nil {
						return fmt.Errorf("sprint must be a number: %w", err)
					}
					if err := rt.Board.SetCurrentSprint(ctx, project, n); err != nil {
						return err
					}
				}
				n, err := rt.Board.CurrentSprint(ctx, project)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"number": n}, func() { fmt.Printf("Current sprint: %d\n", n) })
			})
		},
	}
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func renderTasks(tasks []domain.Task) {
	tw := newTable("ID", "Title", "Status", "Points", "Assignee", "Depends on")
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.StoryPoints, t.AssignedTo, strings.Join(t.DependsOn, ",")})
	}
	tw.Render()
}

func renderColumns(b domain.BoardState) {
	tw := newTable("Status", "Tasks")
	for _, s := range domain.Columns {
		tw.AppendRow(table.Row{s, strings.Join(b.Columns[s], ", ")})
	}
	tw.Render()
}

func renderSprints(sprints []domain.Sprint) {
	tw := newTable("#", "Name", "Start", "End", "Points", "Done", "Tasks")
	for _, s := range sprints {
		tw.AppendRow(table.Row{
			s.Number, s.Name, s.StartDate.Format("2006-01-02"), s.EndDate.Format("2006-01-02"),
			s.TotalPoints, s.CompletedPoints, strings.Join(s.Tasks, ","),
		})
	}
	tw.Render()
}
