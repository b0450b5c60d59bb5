package model

import "time"

// RuleHealth is the per-rule section of a health verdict
type RuleHealth struct {
	Rule         string     `json:"rule"`
	State        RuleState  `json:"state"`
	Schedule     string     `json:"schedule"`
	Targets      []Target   `json:"targets"`
	Invocations  float64    `json:"invocations"`
	Failures     float64    `json:"failures"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	ExpectedRuns int        `json:"expected_runs"`
}

// HealthVerdict is the aggregated pass/fail judgment over a stack
type HealthVerdict struct {
	Stack        string        `json:"stack"`
	Cluster      string        `json:"cluster,omitempty"`
	Window       time.Duration `json:"window"`
	Rules        []RuleHealth  `json:"rules"`
	RunningTasks []TaskSummary `json:"running_tasks"`
	StoppedTasks []TaskSummary `json:"stopped_tasks"`
	FailReasons  []string      `json:"fail_reasons"`
	Warnings     []string      `json:"warnings,omitempty"`
	OverallPass  bool          `json:"overall_pass"`
	GeneratedAt  time.Time     `json:"generated_at"`
}

// NewHealthVerdict builds a verdict whose OverallPass is derived from failReasons
func NewHealthVerdict(
	stack, cluster string,
	window time.Duration,
	rules []RuleHealth,
	running, stopped []TaskSummary,
	failReasons, warnings []string,
	generatedAt time.Time,
) *HealthVerdict {
	if failReasons == nil {
		failReasons = []string{}
	}
	return &HealthVerdict{
		Stack:        stack,
		Cluster:      cluster,
		Window:       window,
		Rules:        rules,
		RunningTasks: running,
		StoppedTasks: stopped,
		FailReasons:  failReasons,
		Warnings:     warnings,
		OverallPass:  len(failReasons) == 0,
		GeneratedAt:  generatedAt,
	}
}
