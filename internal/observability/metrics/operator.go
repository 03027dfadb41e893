package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type decisionKey struct {
	decision string
	level    string
}

type stepKey struct {
	target string
	status string
}

// opCollector aggregates authorization and execution outcomes.
type opCollector struct {
	mu        sync.Mutex
	decisions map[decisionKey]uint64
	steps     map[stepKey]uint64
	stepTime  map[string]*histogram
	runs      map[string]uint64
}

var operatorCollector = &opCollector{
	decisions: make(map[decisionKey]uint64),
	steps:     make(map[stepKey]uint64),
	stepTime:  make(map[string]*histogram),
	runs:      make(map[string]uint64),
}

// ObserveAuthorizationDecision counts one authorization verdict.
func ObserveAuthorizationDecision(decision, level string) {
	operatorCollector.mu.Lock()
	defer operatorCollector.mu.Unlock()
	operatorCollector.decisions[decisionKey{decision: decision, level: level}]++
}

// ObserveStep records the outcome and duration of a single plan step.
func ObserveStep(target, status string, duration time.Duration) {
	operatorCollector.mu.Lock()
	defer operatorCollector.mu.Unlock()
	operatorCollector.steps[stepKey{target: target, status: status}]++
	hist := operatorCollector.stepTime[target]
	if hist == nil {
		hist = newHistogram()
		operatorCollector.stepTime[target] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveRun counts a finished plan execution by terminal status.
func ObserveRun(status string) {
	operatorCollector.mu.Lock()
	defer operatorCollector.mu.Unlock()
	operatorCollector.runs[status]++
}

func (c *opCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(512)

	type decisionMetric struct {
		decisionKey
		value uint64
	}
	decisions := make([]decisionMetric, 0, len(c.decisions))
	for key, value := range c.decisions {
		decisions = append(decisions, decisionMetric{decisionKey: key, value: value})
	}
	sort.Slice(decisions, func(i, j int) bool {
		if decisions[i].decision == decisions[j].decision {
			return decisions[i].level < decisions[j].level
		}
		return decisions[i].decision < decisions[j].decision
	})
	builder.WriteString("# HELP aurora_authorization_decisions_total Authorization verdicts by decision and risk level.\n")
	builder.WriteString("# TYPE aurora_authorization_decisions_total counter\n")
	for _, metric := range decisions {
		builder.WriteString(fmt.Sprintf("aurora_authorization_decisions_total{decision=\"%s\",level=\"%s\"} %d\n",
			escape(metric.decision), escape(metric.level), metric.value))
	}

	type stepMetric struct {
		stepKey
		value uint64
	}
	steps := make([]stepMetric, 0, len(c.steps))
	for key, value := range c.steps {
		steps = append(steps, stepMetric{stepKey: key, value: value})
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].target == steps[j].target {
			return steps[i].status < steps[j].status
		}
		return steps[i].target < steps[j].target
	})
	builder.WriteString("# HELP aurora_plan_steps_total Plan step outcomes by dispatch target.\n")
	builder.WriteString("# TYPE aurora_plan_steps_total counter\n")
	for _, metric := range steps {
		builder.WriteString(fmt.Sprintf("aurora_plan_steps_total{target=\"%s\",status=\"%s\"} %d\n",
			escape(metric.target), escape(metric.status), metric.value))
	}

	targets := make([]string, 0, len(c.stepTime))
	for target := range c.stepTime {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	builder.WriteString("# HELP aurora_plan_step_duration_seconds Plan step duration in seconds.\n")
	builder.WriteString("# TYPE aurora_plan_step_duration_seconds histogram\n")
	for _, target := range targets {
		hist := c.stepTime[target]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("aurora_plan_step_duration_seconds_bucket{target=\"%s\",le=\"%s\"} %d\n",
				escape(target), formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("aurora_plan_step_duration_seconds_bucket{target=\"%s\",le=\"+Inf\"} %d\n",
			escape(target), hist.count))
		builder.WriteString(fmt.Sprintf("aurora_plan_step_duration_seconds_sum{target=\"%s\"} %s\n",
			escape(target), formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("aurora_plan_step_duration_seconds_count{target=\"%s\"} %d\n",
			escape(target), hist.count))
	}

	statuses := make([]string, 0, len(c.runs))
	for status := range c.runs {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	builder.WriteString("# HELP aurora_runs_total Finished plan executions by terminal status.\n")
	builder.WriteString("# TYPE aurora_runs_total counter\n")
	for _, status := range statuses {
		builder.WriteString(fmt.Sprintf("aurora_runs_total{status=\"%s\"} %d\n",
			escape(status), c.runs[status]))
	}

	return builder.String()
}
