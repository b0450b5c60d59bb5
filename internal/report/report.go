package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	awsStd "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/charmbracelet/lipgloss"

	"github.com/t77yq/pipelinectl/internal/model"
	"github.com/t77yq/pipelinectl/internal/storage"
)

var (
	colorPass    = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorFail    = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#2C4A54")
)

type styles struct {
	heading lipgloss.Style
	pass    lipgloss.Style
	warning lipgloss.Style
	fail    lipgloss.Style
	muted   lipgloss.Style
}

// Writer renders line-oriented reports. Styling is dropped automatically
// when out is not a terminal.
type Writer struct {
	out    io.Writer
	styles styles
}

// NewWriter creates a report writer on out
func NewWriter(out io.Writer) *Writer {
	r := lipgloss.NewRenderer(out)
	return &Writer{
		out: out,
		styles: styles{
			heading: r.NewStyle().Bold(true),
			pass:    r.NewStyle().Bold(true).Foreground(colorPass),
			warning: r.NewStyle().Foreground(colorWarning),
			fail:    r.NewStyle().Bold(true).Foreground(colorFail),
			muted:   r.NewStyle().Foreground(colorMuted),
		},
	}
}

// JSON writes v as indented JSON
func JSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Verdict renders a health verdict. Detailed output adds the target
// placement of every rule and the stop details of every task.
func (w *Writer) Verdict(v *model.HealthVerdict, detailed bool) error {
	b := &strings.Builder{}

	fmt.Fprintf(b, "%s %s\n", w.styles.heading.Render("Stack:"), v.Stack)
	fmt.Fprintf(b, "%s %s\n", w.styles.heading.Render("Cluster:"), orDash(v.Cluster))
	fmt.Fprintf(b, "%s %s (generated %s)\n", w.styles.heading.Render("Window:"),
		v.Window, v.GeneratedAt.UTC().Format(time.RFC3339))

	fmt.Fprintf(b, "\n%s\n", w.styles.heading.Render(fmt.Sprintf("Rules (%d)", len(v.Rules))))
	tw := tabwriter.NewWriter(b, 0, 4, 2, ' ', 0)
	for _, r := range v.Rules {
		next := "-"
		if r.NextRun != nil {
			next = r.NextRun.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\tinvocations=%s\tfailures=%s\texpected=%d\tnext=%s\n",
			r.Rule, r.State, orDash(r.Schedule), formatCount(r.Invocations), formatCount(r.Failures),
			r.ExpectedRuns, next)
		if detailed {
			for _, t := range r.Targets {
				fmt.Fprintf(tw, "    target %s\t%s\t%s\t%s\n", orDash(t.ID), orDash(t.TaskDefinition),
					orDash(t.Cluster), formatNetwork(t.Network))
			}
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	w.tasks(b, "Running tasks", v.RunningTasks, detailed)
	w.tasks(b, "Stopped tasks", v.StoppedTasks, detailed)

	if len(v.Warnings) > 0 {
		fmt.Fprintf(b, "\n%s\n", w.styles.warning.Render(fmt.Sprintf("Warnings (%d)", len(v.Warnings))))
		for _, msg := range v.Warnings {
			fmt.Fprintf(b, "  ! %s\n", msg)
		}
	}

	fmt.Fprintln(b)
	if v.OverallPass {
		fmt.Fprintln(b, w.styles.pass.Render("PASS"))
	} else {
		fmt.Fprintln(b, w.styles.fail.Render("FAIL"))
		for _, reason := range v.FailReasons {
			fmt.Fprintf(b, "  - %s\n", reason)
		}
	}

	_, err := io.WriteString(w.out, b.String())
	return err
}

func (w *Writer) tasks(b *strings.Builder, title string, tasks []model.TaskSummary, detailed bool) {
	fmt.Fprintf(b, "\n%s\n", w.styles.heading.Render(fmt.Sprintf("%s (%d)", title, len(tasks))))
	if len(tasks) == 0 {
		fmt.Fprintf(b, "  %s\n", w.styles.muted.Render("none"))
		return
	}

	tw := tabwriter.NewWriter(b, 0, 4, 2, ' ', 0)
	for _, t := range tasks {
		fmt.Fprintf(tw, "  %s\t%s\t%s\tstarted=%s\texit=%s\n",
			taskID(t.TaskArn), t.LastStatus, shortDefinition(t.TaskDefinition),
			formatTime(t.StartedAt), formatExit(t.ExitCode))
		if detailed && (t.StopCode != "" || t.StoppedReason != "") {
			fmt.Fprintf(tw, "    stopped %s\t%s\t%s\n", formatTime(t.StoppedAt), orDash(t.StopCode), orDash(t.StoppedReason))
		}
	}
	tw.Flush()
}

// Run renders the outcome of a manual run
func (w *Writer) Run(run *model.TaskRun) error {
	b := &strings.Builder{}
	tw := tabwriter.NewWriter(b, 0, 4, 1, ' ', 0)

	fmt.Fprintf(tw, "Run:\t%s\n", run.ID)
	if run.Task != "" {
		fmt.Fprintf(tw, "Task:\t%s\n", run.Task)
	}
	fmt.Fprintf(tw, "Task ARN:\t%s\n", run.TaskArn)
	fmt.Fprintf(tw, "Cluster:\t%s\n", run.Cluster)
	if run.Target != nil {
		fmt.Fprintf(tw, "Task definition:\t%s\n", run.Target.TaskDefinition)
		fmt.Fprintf(tw, "Network:\t%s\n", formatNetwork(run.Target.Network))
	}
	fmt.Fprintf(tw, "Status:\t%s\n", run.LastStatus)
	fmt.Fprintf(tw, "Launched:\t%s\n", run.LaunchedAt.UTC().Format(time.RFC3339))

	if run.Terminal() {
		fmt.Fprintf(tw, "Stopped:\t%s\n", formatTime(run.StoppedAt))
		if run.StopCode != "" {
			fmt.Fprintf(tw, "Stop code:\t%s\n", run.StopCode)
		}
		fmt.Fprintf(tw, "Stopped reason:\t%s\n", orDash(awsStd.ToString(run.StoppedReason)))
		fmt.Fprintf(tw, "Exit code:\t%s\n", formatExit(run.ExitCode))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if !run.Terminal() {
		fmt.Fprintln(b, w.styles.warning.Render("still running"))
	} else if run.ExitCode != nil && *run.ExitCode == 0 {
		fmt.Fprintln(b, w.styles.pass.Render("SUCCEEDED"))
	} else {
		fmt.Fprintln(b, w.styles.fail.Render("FAILED"))
	}

	_, err := io.WriteString(w.out, b.String())
	return err
}

// ResolutionFailure renders an incomplete rule target with its raw payload
func (w *Writer) ResolutionFailure(err *model.ResolutionError) error {
	b := &strings.Builder{}
	fmt.Fprintln(b, w.styles.fail.Render(err.Error()))
	fmt.Fprintln(b, w.styles.heading.Render("Raw target:"))
	fmt.Fprintln(b, err.Raw)
	_, werr := io.WriteString(w.out, b.String())
	return werr
}

// History renders run history records, newest first
func (w *Writer) History(records []*storage.RunRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w.out, w.styles.muted.Render("no runs recorded"))
		return err
	}

	tw := tabwriter.NewWriter(w.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LAUNCHED\tTASK\tSTATUS\tEXIT\tTASK ID\tSTARTED BY")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.LaunchedAt.UTC().Format(time.RFC3339), r.Task, r.Status, formatExit(r.ExitCode),
			taskID(r.TaskArn), orDash(r.StartedBy))
	}
	return tw.Flush()
}

// TaskRow is one line of the logical task table
type TaskRow struct {
	Task      model.LogicalTask `json:"task"`
	LogicalID string            `json:"rule_logical_id"`
	Rule      string            `json:"rule,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Tasks renders the logical task table
func (w *Writer) Tasks(rows []TaskRow) error {
	tw := tabwriter.NewWriter(w.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tRULE LOGICAL ID\tRULE")
	for _, r := range rows {
		rule := r.Rule
		if r.Error != "" {
			rule = "unresolved: " + r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Task, r.LogicalID, orDash(rule))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatCount(v float64) string {
	return fmt.Sprintf("%g", v)
}

func formatExit(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *code)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatNetwork(n model.NetworkPlacement) string {
	publicIP := "DISABLED"
	if n.AssignPublicIP {
		publicIP = "ENABLED"
	}
	return fmt.Sprintf("subnets=%s sg=%s public_ip=%s",
		strings.Join(n.Subnets, ","), strings.Join(n.SecurityGroups, ","), publicIP)
}

func taskID(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}

// shortDefinition trims a task definition ARN to family:revision
func shortDefinition(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		return arn[i+1:]
	}
	return orDash(arn)
}
