package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	awsStd "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecsTypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	ebTypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/pipelinectl/internal/awsapi"
	"github.com/t77yq/pipelinectl/internal/executor"
	"github.com/t77yq/pipelinectl/internal/model"
	"github.com/t77yq/pipelinectl/internal/notify"
	"github.com/t77yq/pipelinectl/internal/stack"
	"github.com/t77yq/pipelinectl/internal/storage"
	"github.com/t77yq/pipelinectl/internal/testutil"
)

const (
	stackName = "PokePlatformStack"
	clusterC  = "arn:aws:ecs:us-east-2:123456789012:cluster/C"
	taskDefT  = "arn:aws:ecs:us-east-2:123456789012:task-definition/price-extractor:3"
	taskArn   = "arn:aws:ecs:us-east-2:123456789012:task/C/abc123"
	startedBy = "pipelinectl/test"
)

var rules = map[string]string{
	"UniverseUpdaterDailyRule":   "PokePlatformStack-UniverseUpdaterDailyRule-AAA",
	"PriceExtractorDailyRule":    "PokePlatformStack-PriceExtractorDailyRule-BBB",
	"StrategyRunnerDailyRule":    "PokePlatformStack-StrategyRunnerDailyRule-CCC",
	"ProposalGeneratorDailyRule": "PokePlatformStack-ProposalGeneratorDailyRule-DDD",
}

var sunday = time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

type harness struct {
	t       *testing.T
	cfn     *testutil.FakeCloudFormation
	events  *testutil.FakeEventBridge
	metrics *testutil.FakeCloudWatch
	ecs     *testutil.FakeECS
	clock   *testutil.FakeClock
	dbPath  string
}

type result struct {
	code   int
	stdout string
	stderr string
}

func newHarness(t *testing.T) *harness {
	t.Setenv("HOME", t.TempDir())

	h := &harness{
		t:       t,
		cfn:     testutil.NewFakeCloudFormation(),
		events:  testutil.NewFakeEventBridge(),
		metrics: testutil.NewFakeCloudWatch(),
		ecs:     testutil.NewFakeECS(),
		clock:   testutil.NewFakeClock(sunday.Add(-time.Hour)),
		dbPath:  filepath.Join(t.TempDir(), "runs.db"),
	}

	h.cfn.AddOutput(stackName, "ClusterName", clusterC)
	for logicalID, name := range rules {
		h.cfn.AddResource(stackName, logicalID, name, stack.ResourceTypeRule)
		h.events.AddRule(name, ebTypes.RuleStateEnabled, "cron(0 13 * * ? *)",
			testutil.EcsTarget(clusterC, taskDefT, []string{"subnet-a"}, []string{"sg-1"}, false))
		h.metrics.SetSum(name, "Invocations", 1)
		h.metrics.SetSum(name, "FailedInvocations", 0)
	}
	return h
}

// taskLifecycle makes the launched task run and stop with exitCode
func (h *harness) taskLifecycle(exitCode *int32, statuses ...string) {
	h.ecs.RunOutput = &ecs.RunTaskOutput{
		Tasks: []ecsTypes.Task{testutil.EcsTask(taskArn, "PROVISIONING", nil, "")},
	}
	for _, status := range statuses {
		var code *int32
		reason := ""
		if status == "STOPPED" {
			code = exitCode
			reason = "Essential container in task exited"
		}
		h.ecs.DescribeSequence = append(h.ecs.DescribeSequence, testutil.EcsTask(taskArn, status, code, reason))
	}
}

func (h *harness) run(args ...string) result {
	var stdout, stderr bytes.Buffer

	a := newApp(&stdout, &stderr)
	a.newClients = func(context.Context, awsapi.Config) (*awsapi.Clients, error) {
		return &awsapi.Clients{
			CloudFormation: h.cfn,
			EventBridge:    h.events,
			CloudWatch:     h.metrics,
			ECS:            h.ecs,
			Region:         "us-east-2",
		}, nil
	}
	a.newLogger = func(string, string) (*zap.Logger, error) {
		return zaptest.NewLogger(h.t), nil
	}
	a.execOpts = []executor.Option{
		executor.WithClock(h.clock),
		executor.WithStartedBy(startedBy),
	}
	a.now = func() time.Time { return sunday }

	code := a.execute(context.Background(), append([]string{"--history-db", h.dbPath}, args...))
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func (h *harness) records() []*storage.RunRecord {
	h.t.Helper()
	history, err := storage.NewSQLiteRunHistory(zap.NewNop(), h.dbPath)
	require.NoError(h.t, err)
	defer history.Close()

	records, err := history.List(context.Background(), storage.RunFilter{}, 0, 100)
	require.NoError(h.t, err)
	return records
}

func int32p(v int32) *int32 {
	return &v
}

func TestRunTask_Succeeded(t *testing.T) {
	h := newHarness(t)
	h.taskLifecycle(int32p(0), "PENDING", "RUNNING", "STOPPED")

	res := h.run("run-task", "price_extractor")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "SUCCEEDED")
	assert.Contains(t, res.stdout, taskArn)

	require.Len(t, h.ecs.RunInputs, 1)
	in := h.ecs.RunInputs[0]
	assert.Equal(t, clusterC, awsStd.ToString(in.Cluster))
	assert.Equal(t, taskDefT, awsStd.ToString(in.TaskDefinition))
	assert.Equal(t, startedBy, awsStd.ToString(in.StartedBy))

	// 10s default interval between PENDING, RUNNING and STOPPED
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, h.clock.Sleeps)

	records := h.records()
	require.Len(t, records, 1)
	assert.Equal(t, model.TaskPriceExtractor, records[0].Task)
	assert.Equal(t, model.TaskStatusStopped, records[0].Status)
	require.NotNil(t, records[0].ExitCode)
	assert.Equal(t, 0, *records[0].ExitCode)
	assert.Equal(t, startedBy, records[0].StartedBy)
}

func TestRunTask_MirrorsExitCode(t *testing.T) {
	tests := []struct {
		name     string
		exitCode *int32
		want     int
	}{
		{name: "failure", exitCode: int32p(3), want: 3},
		{name: "no exit code", exitCode: nil, want: executor.ExitUnknownFailure},
		{name: "negative exit code", exitCode: int32p(-1), want: executor.ExitUnknownFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.taskLifecycle(tt.exitCode, "RUNNING", "STOPPED")

			res := h.run("run-task", "strategy_runner")
			assert.Equal(t, tt.want, res.code)
			assert.Contains(t, res.stdout, "FAILED")
			assert.Contains(t, res.stdout, "Essential container in task exited")
		})
	}
}

func TestRunTask_PollIntervalFlag(t *testing.T) {
	h := newHarness(t)
	h.taskLifecycle(int32p(0), "RUNNING", "STOPPED")

	res := h.run("run-task", "universe_updater", "--poll-interval", "2s")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, []time.Duration{2 * time.Second}, h.clock.Sleeps)
}

func TestRunTask_Timeout(t *testing.T) {
	h := newHarness(t)
	h.taskLifecycle(nil, "RUNNING")

	res := h.run("run-task", "price_extractor", "--timeout", "25s")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "still running")
	assert.NotContains(t, res.stdout, "Exit code")

	records := h.records()
	require.Len(t, records, 1)
	assert.Equal(t, model.TaskStatusRunning, records[0].Status)
	assert.Nil(t, records[0].ExitCode)
}

func TestRunTask_StopsOnTimeoutDeadline(t *testing.T) {
	h := newHarness(t)
	h.taskLifecycle(int32p(3), "RUNNING", "RUNNING", "STOPPED")

	res := h.run("run-task", "price_extractor", "--timeout", "15s")
	assert.Equal(t, 3, res.code, res.stderr)
	assert.Contains(t, res.stdout, "FAILED")
	assert.NotContains(t, res.stdout, "still running")
	assert.Equal(t, []time.Duration{10 * time.Second, 5 * time.Second}, h.clock.Sleeps)
}

func TestRunTask_IncompleteTarget(t *testing.T) {
	h := newHarness(t)
	rule := rules["PriceExtractorDailyRule"]
	target := h.events.Targets[rule][0]
	target.EcsParameters.NetworkConfiguration = nil
	h.events.Targets[rule] = []ebTypes.Target{target}

	res := h.run("run-task", "price_extractor")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "network_configuration")
	assert.Contains(t, res.stderr, "Raw target:")
	assert.Contains(t, res.stderr, taskDefT)
	assert.Empty(t, h.ecs.RunInputs)
	assert.Empty(t, h.records())
}

func TestRunTask_LaunchRejected(t *testing.T) {
	h := newHarness(t)
	h.ecs.RunOutput = &ecs.RunTaskOutput{
		Failures: []ecsTypes.Failure{{Reason: awsStd.String("RESOURCE:MEMORY")}},
	}

	res := h.run("run-task", "proposal_generator")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "RESOURCE:MEMORY")
	assert.Equal(t, 0, h.ecs.DescribeCalls)
	assert.Empty(t, h.records())
}

func TestRunTask_UnknownTask(t *testing.T) {
	h := newHarness(t)

	res := h.run("run-task", "price_extracter")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, `unknown task "price_extracter"`)
	assert.Empty(t, h.ecs.RunInputs)
}

func TestRunTask_Interrupted(t *testing.T) {
	h := newHarness(t)
	h.taskLifecycle(nil, "RUNNING")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.clock.OnSleep = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	var stdout, stderr bytes.Buffer
	a := newApp(&stdout, &stderr)
	a.newClients = func(context.Context, awsapi.Config) (*awsapi.Clients, error) {
		return &awsapi.Clients{CloudFormation: h.cfn, EventBridge: h.events, CloudWatch: h.metrics, ECS: h.ecs}, nil
	}
	a.newLogger = func(string, string) (*zap.Logger, error) { return zaptest.NewLogger(t), nil }
	a.execOpts = []executor.Option{executor.WithClock(h.clock), executor.WithStartedBy(startedBy)}

	code := a.execute(ctx, []string{"--history-db", h.dbPath, "run-task", "price_extractor"})
	assert.Equal(t, exitInterrupted, code)
	assert.Contains(t, stderr.String(), "keeps running")

	// the run is still recorded after the abort
	records := h.records()
	require.Len(t, records, 1)
	assert.Equal(t, model.TaskStatusRunning, records[0].Status)
}

func TestRunTask_PublishesEvents(t *testing.T) {
	s := testutil.StartJetStream(t)
	h := newHarness(t)
	h.taskLifecycle(int32p(0), "RUNNING", "STOPPED")

	res := h.run("--nats-url", s.ClientURL(), "run-task", "price_extractor")
	require.Equal(t, 0, res.code, res.stderr)

	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	js, err := nc.JetStream()
	require.NoError(t, err)
	require.NoError(t, testutil.WaitForStream(t, js, notify.DefaultStream, 5*time.Second))

	info, err := js.StreamInfo(notify.DefaultStream)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)

	msg, err := js.GetLastMsg(notify.DefaultStream, "pipeline.run.price_extractor")
	require.NoError(t, err)
	var ev notify.RunEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, model.TaskStatusStopped, ev.Status)
	assert.Equal(t, taskArn, ev.TaskArn)
	assert.Equal(t, startedBy, ev.StartedBy)
}

func TestRunTask_NotifierUnavailable(t *testing.T) {
	h := newHarness(t)
	h.taskLifecycle(int32p(0), "STOPPED")

	// publishing failures never change the outcome
	res := h.run("--nats-url", "nats://127.0.0.1:1", "run-task", "price_extractor")
	assert.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "SUCCEEDED")
}

func TestRunTask_HistoryDisabled(t *testing.T) {
	h := newHarness(t)
	h.taskLifecycle(int32p(0), "STOPPED")

	res := h.run("--history-db", "", "run-task", "price_extractor")
	require.Equal(t, 0, res.code, res.stderr)

	res = h.run("--history-db", "", "history")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, errHistoryDisabled.Error())
}

func TestVerify(t *testing.T) {
	t.Run("pass", func(t *testing.T) {
		h := newHarness(t)

		res := h.run("verify")
		require.Equal(t, 0, res.code, res.stderr)
		assert.Contains(t, res.stdout, "Rules (4)")
		assert.True(t, strings.HasSuffix(res.stdout, "PASS\n"))
	})

	t.Run("disabled rule", func(t *testing.T) {
		h := newHarness(t)
		rule := rules["StrategyRunnerDailyRule"]
		h.events.Rules[rule].State = ebTypes.RuleStateDisabled

		res := h.run("verify")
		assert.Equal(t, 1, res.code)
		assert.Contains(t, res.stdout, "FAIL")
		assert.Contains(t, res.stdout, "rule disabled: "+rule)
	})

	t.Run("no rules", func(t *testing.T) {
		h := newHarness(t)
		h.cfn.Resources[stackName] = nil

		res := h.run("verify")
		assert.Equal(t, 1, res.code)
		assert.Contains(t, res.stdout, "no rules found in stack "+stackName)
	})

	t.Run("metric failures are warnings", func(t *testing.T) {
		h := newHarness(t)
		h.metrics.Errs[rules["PriceExtractorDailyRule"]] = errors.New("throttled")

		res := h.run("verify")
		require.Equal(t, 0, res.code, res.stderr)
		assert.Contains(t, res.stdout, "Warnings (2)")
		assert.Contains(t, res.stdout, "PASS")
	})

	t.Run("unknown stack", func(t *testing.T) {
		h := newHarness(t)

		res := h.run("--stack", "OtherStack", "verify")
		assert.Equal(t, 1, res.code)
		assert.Contains(t, res.stderr, "OtherStack")
	})

	t.Run("window flag", func(t *testing.T) {
		h := newHarness(t)

		res := h.run("verify", "-w", "72h")
		require.Equal(t, 0, res.code, res.stderr)
		require.NotEmpty(t, h.metrics.Calls)
		assert.Equal(t, sunday.Add(-72*time.Hour), *h.metrics.Calls[0].StartTime)
	})

	t.Run("json", func(t *testing.T) {
		h := newHarness(t)

		res := h.run("--json", "verify")
		require.Equal(t, 0, res.code, res.stderr)

		var verdict model.HealthVerdict
		require.NoError(t, json.Unmarshal([]byte(res.stdout), &verdict))
		assert.True(t, verdict.OverallPass)
		assert.Equal(t, clusterC, verdict.Cluster)
		assert.Len(t, verdict.Rules, 4)
	})
}

func TestDebug(t *testing.T) {
	h := newHarness(t)
	h.cfn.Resources[stackName] = nil

	// an empty stack is reported but not a hard failure here
	res := h.run("debug")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Rules (0)")

	h = newHarness(t)
	res = h.run("debug")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "target EcsTarget")
	assert.Contains(t, res.stdout, "subnets=subnet-a sg=sg-1 public_ip=DISABLED")
}

func TestVerify_PublishesVerdict(t *testing.T) {
	s := testutil.StartJetStream(t)
	h := newHarness(t)

	res := h.run("--nats-url", s.ClientURL(), "verify")
	require.Equal(t, 0, res.code, res.stderr)

	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	js, err := nc.JetStream()
	require.NoError(t, err)

	msg, err := js.GetLastMsg(notify.DefaultStream, "pipeline.verify."+stackName)
	require.NoError(t, err)
	var verdict model.HealthVerdict
	require.NoError(t, json.Unmarshal(msg.Data, &verdict))
	assert.True(t, verdict.OverallPass)
}

func TestHistory(t *testing.T) {
	h := newHarness(t)

	res := h.run("history")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "no runs recorded\n", res.stdout)

	h.taskLifecycle(int32p(0), "STOPPED")
	require.Equal(t, 0, h.run("run-task", "price_extractor").code)

	res = h.run("history")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "price_extractor")
	assert.Contains(t, res.stdout, "abc123")
	assert.Contains(t, res.stdout, startedBy)

	res = h.run("history", "--task", "strategy_runner")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "no runs recorded\n", res.stdout)

	res = h.run("--json", "history")
	require.Equal(t, 0, res.code, res.stderr)
	var records []*storage.RunRecord
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &records))
	require.Len(t, records, 1)
	assert.Equal(t, taskArn, records[0].TaskArn)

	res = h.run("history", "--task", "nope")
	assert.Equal(t, 1, res.code)

	// launched an hour before the injected now
	res = h.run("history", "prune", "--older-than", "2h")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "deleted 0 runs\n", res.stdout)

	res = h.run("history", "prune", "--older-than", "30m")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "deleted 1 runs\n", res.stdout)
	assert.Empty(t, h.records())
}

func TestTasks(t *testing.T) {
	h := newHarness(t)
	delete(h.cfn.Resources, stackName)
	for logicalID, name := range rules {
		if logicalID == "ProposalGeneratorDailyRule" {
			continue
		}
		h.cfn.AddResource(stackName, logicalID, name, stack.ResourceTypeRule)
	}

	res := h.run("tasks")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, rules["UniverseUpdaterDailyRule"])
	assert.Contains(t, res.stdout, "unresolved: ")

	res = h.run("--json", "tasks")
	require.Equal(t, 0, res.code, res.stderr)
	var rows []map[string]string
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &rows))
	require.Len(t, rows, 4)
	assert.Equal(t, "universe_updater", rows[0]["task"])
	assert.Equal(t, rules["UniverseUpdaterDailyRule"], rows[0]["rule"])
	assert.Equal(t, "proposal_generator", rows[3]["task"])
	assert.NotEmpty(t, rows[3]["error"])
}

func TestConfigFile(t *testing.T) {
	h := newHarness(t)
	h.taskLifecycle(int32p(0), "RUNNING", "STOPPED")

	path := filepath.Join(t.TempDir(), "pipelinectl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("monitor:\n  poll_interval: 30s\n"), 0o644))

	res := h.run("--config", path, "run-task", "price_extractor")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, []time.Duration{30 * time.Second}, h.clock.Sleeps)

	res = h.run("--config", filepath.Join(t.TempDir(), "missing.yaml"), "tasks")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "failed to read config file")
}

func TestRunTask_HelpExplainsExitStatus(t *testing.T) {
	h := newHarness(t)

	res := h.run("run-task", "--help")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "exits 125 itself")
	assert.Contains(t, res.stdout, "stopped without an exit")
}
