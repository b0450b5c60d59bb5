package model

import "time"

// RuleState is the enabled/disabled state of a schedule rule
type RuleState string

const (
	RuleStateEnabled  RuleState = "ENABLED"
	RuleStateDisabled RuleState = "DISABLED"
	RuleStateUnknown  RuleState = "UNKNOWN"
)

// NetworkPlacement is the awsvpc placement a task is launched with
type NetworkPlacement struct {
	Subnets        []string `json:"subnets"`
	SecurityGroups []string `json:"security_groups"`
	AssignPublicIP bool     `json:"assign_public_ip"`
}

// Target is the invocation payload attached to a schedule rule
type Target struct {
	ID             string           `json:"id,omitempty"`
	Cluster        string           `json:"cluster"`
	TaskDefinition string           `json:"task_definition"`
	LaunchType     string           `json:"launch_type,omitempty"`
	Network        NetworkPlacement `json:"network"`

	// Raw is the provider payload the target was extracted from
	Raw string `json:"-"`
}

// PhysicalRule is a deployed schedule rule. Its lifecycle is owned by the
// infrastructure deployment; the client only reads it.
type PhysicalRule struct {
	Name               string    `json:"name"`
	State              RuleState `json:"state"`
	ScheduleExpression string    `json:"schedule_expression"`
	Targets            []Target  `json:"targets"`
}

// MetricWindow is a metric sum over a time window. It is recomputed on
// every verification and never persisted.
type MetricWindow struct {
	RuleName   string        `json:"rule_name"`
	MetricName string        `json:"metric_name"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Period     time.Duration `json:"period"`
	Sum        float64       `json:"sum"`
	Err        error         `json:"-"`
}
