package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/changeflow/changeflow/pkg/audit"
	"github.com/changeflow/changeflow/pkg/engine"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

func row(tw *tabwriter.Writer, cols ...any) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprint(c)
	}
	fmt.Fprintln(tw, strings.Join(parts, "\t"))
}

func printPlan(w io.Writer, pipeline *engine.Pipeline, plan *engine.Plan) error {
	if jsonOutput {
		return printJSON(w, plan)
	}

	tw := newTable(w, "ORDER", "CHANGE", "TARGET", "ACTION", "REASON")
	for _, d := range plan.Decisions {
		order, target := "", ""
		if task, ok := pipeline.Task(d.ChangeID); ok {
			order, target = task.Order, task.TargetSystemID
		}
		row(tw, order, d.ChangeID, target, d.Action, d.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d to apply, %d to skip, %d need manual intervention\n",
		plan.Count(engine.ActionApply), plan.Count(engine.ActionSkip), plan.Count(engine.ActionManualIntervention))
	return nil
}

func printReport(w io.Writer, report *engine.RunReport) error {
	if jsonOutput {
		return printJSON(w, struct {
			*engine.RunReport
			Status engine.RunStatus `json:"status"`
		}{report, report.Status()})
	}

	tw := newTable(w, "CHANGE", "RESULT", "AUDIT", "DURATION", "ERROR")
	for _, o := range report.Outcomes {
		errMsg := ""
		if o.Err != nil {
			errMsg = o.Err.Error()
		}
		row(tw, o.ChangeID, o.Result, o.AuditState, o.Duration.Round(time.Millisecond), errMsg)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nrun %s: %s in %s\n", report.ExecutionID, report.Status(), report.Duration.Round(time.Millisecond))
	if len(report.RecoveryIssues) > 0 {
		fmt.Fprintln(w)
		return printIssues(w, report.RecoveryIssues)
	}
	return nil
}

func printIssues(w io.Writer, issues []engine.RecoveryIssue) error {
	if jsonOutput {
		return printJSON(w, issues)
	}

	if len(issues) == 0 {
		fmt.Fprintln(w, "No change units need manual intervention")
		return nil
	}

	tw := newTable(w, "CHANGE", "TARGET", "REASON")
	for _, i := range issues {
		row(tw, i.ChangeID, i.TargetSystemID, i.Reason)
	}
	return tw.Flush()
}

func printEntries(w io.Writer, entries []audit.Entry) error {
	if jsonOutput {
		return printJSON(w, entries)
	}

	tw := newTable(w, "TIMESTAMP", "EXECUTION", "CHANGE", "TARGET", "KIND", "STATE", "ERROR")
	for _, e := range entries {
		row(tw, e.Timestamp.Format(time.RFC3339), e.ExecutionID, e.ChangeID, e.TargetSystemID, e.Kind, e.State, e.Error())
	}
	return tw.Flush()
}
