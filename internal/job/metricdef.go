package job

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// DefaultMetric is the metric aggregated when none is named.
const DefaultMetric = "ROC AUC"

// MetricDefinition tells a backend how to find a metric in a job's output.
// Regex must contain one capture group holding the value.
type MetricDefinition struct {
	Name  string `json:"Name"`
	Regex string `json:"Regex"`
}

// DefaultMetricDefinitions are emitted by the anomaly training image.
var DefaultMetricDefinitions = []MetricDefinition{
	{Name: "ROC AUC", Regex: `ROC AUC: (.*)`},
	{Name: "Loss", Regex: `Loss: (.*)`},
}

type compiledMetric struct {
	name string
	re   *regexp.Regexp
}

// MetricParser extracts final metric values from job log output.
type MetricParser struct {
	metrics []compiledMetric
}

// NewMetricParser compiles definitions. Each regex needs at least one capture group.
func NewMetricParser(defs []MetricDefinition) (*MetricParser, error) {
	p := &MetricParser{metrics: make([]compiledMetric, 0, len(defs))}
	for _, d := range defs {
		re, err := regexp.Compile(d.Regex)
		if err != nil {
			return nil, fmt.Errorf("metric %q: %w", d.Name, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("metric %q: regex %q has no capture group", d.Name, d.Regex)
		}
		p.metrics = append(p.metrics, compiledMetric{name: d.Name, re: re})
	}
	return p, nil
}

// Parse scans r line by line. The last parsable value of each metric is its
// final value. Records are returned in definition order.
func (p *MetricParser) Parse(jobName string, r io.Reader) ([]MetricRecord, error) {
	final := make(map[string]float64, len(p.metrics))

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		for _, m := range p.metrics {
			match := m.re.FindStringSubmatch(line)
			if match == nil {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(match[1]), 64)
			if err != nil {
				continue
			}
			final[m.name] = v
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	records := make([]MetricRecord, 0, len(final))
	for _, m := range p.metrics {
		if v, ok := final[m.name]; ok {
			records = append(records, MetricRecord{JobName: jobName, MetricName: m.name, Value: v})
		}
	}
	return records, nil
}
