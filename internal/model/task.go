package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// LogicalTask identifies a pipeline stage independently of the deployed resources backing it
type LogicalTask string

const (
	TaskUniverseUpdater   LogicalTask = "universe_updater"
	TaskPriceExtractor    LogicalTask = "price_extractor"
	TaskStrategyRunner    LogicalTask = "strategy_runner"
	TaskProposalGenerator LogicalTask = "proposal_generator"
)

// ruleLogicalIDs maps each pipeline stage to the logical id of the schedule rule that triggers it.
var ruleLogicalIDs = map[LogicalTask]string{
	TaskUniverseUpdater:   "UniverseUpdaterDailyRule",
	TaskPriceExtractor:    "PriceExtractorDailyRule",
	TaskStrategyRunner:    "StrategyRunnerDailyRule",
	TaskProposalGenerator: "ProposalGeneratorDailyRule",
}

// LogicalTasks returns every known pipeline stage in pipeline order
func LogicalTasks() []LogicalTask {
	return []LogicalTask{
		TaskUniverseUpdater,
		TaskPriceExtractor,
		TaskStrategyRunner,
		TaskProposalGenerator,
	}
}

// RuleLogicalID returns the logical id of the rule that schedules the task
func (t LogicalTask) RuleLogicalID() (string, bool) {
	id, ok := ruleLogicalIDs[t]
	return id, ok
}

// ParseLogicalTask validates a task name given by an operator
func ParseLogicalTask(name string) (LogicalTask, error) {
	task := LogicalTask(strings.TrimSpace(name))
	if _, ok := ruleLogicalIDs[task]; ok {
		return task, nil
	}

	valid := make([]string, 0, len(ruleLogicalIDs))
	for t := range ruleLogicalIDs {
		valid = append(valid, string(t))
	}
	sort.Strings(valid)
	return "", fmt.Errorf("unknown task %q (valid: %s)", name, strings.Join(valid, ", "))
}

// TaskStatus is the platform-reported lifecycle status of a task
type TaskStatus string

const (
	TaskStatusProvisioning TaskStatus = "PROVISIONING"
	TaskStatusPending      TaskStatus = "PENDING"
	TaskStatusActivating   TaskStatus = "ACTIVATING"
	TaskStatusRunning      TaskStatus = "RUNNING"
	TaskStatusDeactivating TaskStatus = "DEACTIVATING"
	TaskStatusStopping     TaskStatus = "STOPPING"
	TaskStatusStopped      TaskStatus = "STOPPED"
)

// Terminal reports whether no further transition can occur
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusStopped
}

// TaskRun represents one launched task. It is only ever refreshed from
// describe-task reads; ExitCode and StoppedReason are meaningful once the
// run is terminal.
type TaskRun struct {
	ID            string      `json:"id"`
	Task          LogicalTask `json:"task,omitempty"`
	TaskArn       string      `json:"task_arn"`
	Cluster       string      `json:"cluster"`
	Target        *Target     `json:"target,omitempty"`
	LastStatus    TaskStatus  `json:"last_status"`
	DesiredStatus TaskStatus  `json:"desired_status,omitempty"`
	StopCode      string      `json:"stop_code,omitempty"`
	ExitCode      *int        `json:"exit_code,omitempty"`
	StoppedReason *string     `json:"stopped_reason,omitempty"`

	// Timing fields
	LaunchedAt time.Time  `json:"launched_at"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
}

// Terminal reports whether the run has reached STOPPED
func (r *TaskRun) Terminal() bool {
	return r.LastStatus.Terminal()
}

// TaskID returns the trailing identifier of the task ARN
func (r *TaskRun) TaskID() string {
	parts := strings.Split(r.TaskArn, "/")
	return parts[len(parts)-1]
}

// TaskSummary is a read-only view of a task listed on a cluster
type TaskSummary struct {
	TaskArn        string     `json:"task_arn"`
	TaskDefinition string     `json:"task_definition"`
	LastStatus     TaskStatus `json:"last_status"`
	DesiredStatus  TaskStatus `json:"desired_status"`
	StopCode       string     `json:"stop_code,omitempty"`
	StoppedReason  string     `json:"stopped_reason,omitempty"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
}
