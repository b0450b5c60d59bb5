package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/t77yq/pipelinectl/internal/model"
	"github.com/t77yq/pipelinectl/internal/report"
	"github.com/t77yq/pipelinectl/internal/resolver"
	"github.com/t77yq/pipelinectl/internal/stack"
)

func (a *app) tasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the pipeline tasks and the rules that schedule them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.listTasks(cmd.Context())
		},
	}
}

// listTasks never fails on a single unresolved task; the row carries the error
func (a *app) listTasks(ctx context.Context) error {
	clients, err := a.awsClients(ctx)
	if err != nil {
		return err
	}
	inspector := stack.NewInspector(clients.CloudFormation, a.logger)
	res := resolver.NewResolver(clients.EventBridge, inspector, a.logger)

	var rows []report.TaskRow
	for _, task := range model.LogicalTasks() {
		logicalID, _ := task.RuleLogicalID()
		row := report.TaskRow{Task: task, LogicalID: logicalID}

		rule, err := res.RuleName(ctx, a.cfg.Stack.Name, task)
		if err != nil {
			row.Error = err.Error()
		} else {
			row.Rule = rule
		}
		rows = append(rows, row)
	}

	return a.render(rows, func(w *report.Writer) error { return w.Tasks(rows) })
}
