// Package report renders the end-of-run Certificate of Analysis.
package report

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/harrison/warden/internal/filelock"
	"github.com/harrison/warden/internal/models"
)

// DefaultPath is where the report lands when the config names none.
const DefaultPath = "REPORT.md"

const maxCellLen = 200

const reportTemplate = `# Certificate of Analysis

**Task Name:** {{ .Task }}
**Branch:** {{ .Branch }}
**Run ID:** {{ .RunID }}
**Generated:** {{ .Generated }}
**Status:** **{{ .Status }}**
**Exit Code:** {{ .ExitCode }}
**Duration:** {{ .Duration }}

## Summary

| Attempts | Agent Runs | Checks | Passed | Failed |
|---|---|---|---|---|
| {{ .Attempts }} | {{ .AgentRuns }} | {{ .Checks }} | {{ .Passed }} | {{ .Failed }} |
{{ if .Verdict }}
**Final Verdict:** {{ .Verdict }}
{{ end }}{{ if .Cause }}
**Cause:** {{ .Cause }}
{{ end }}
## Attempts
{{ range .AttemptRows }}
### Attempt {{ .Number }}{{ if .Outcome }} ({{ .Outcome }}){{ end }}, {{ .Duration }}

| Step | Result | Classification | Message |
|---|---|---|---|
{{ range .Steps }}| {{ cell .Step }} | {{ if .Success }}PASS{{ else }}FAIL{{ end }} | {{ .Classification }} | {{ cell .Message }} |
{{ end }}{{ if .Hint }}
> **Remediation hint:** {{ oneline .Hint }}
{{ end }}{{ else }}
No attempts were made.
{{ end }}
## State Trail
{{ range $i, $t := .Transitions }}
{{ inc $i }}. {{ $t.From }} -> {{ $t.To }} (attempt {{ $t.Attempt }}){{ if $t.Reason }}: {{ oneline $t.Reason }}{{ end }}{{ end }}
`

var tmpl = template.Must(template.New("report").Funcs(template.FuncMap{
	"cell":    cell,
	"oneline": oneline,
	"inc":     func(i int) int { return i + 1 },
}).Parse(reportTemplate))

type stepRow struct {
	Step           string
	Success        bool
	Classification models.Classification
	Message        string
}

type attemptRow struct {
	Number   int
	Outcome  models.AgentOutcome
	Duration string
	Steps    []stepRow
	Hint     string
}

type data struct {
	Task        string
	Branch      string
	RunID       string
	Generated   string
	Status      models.State
	ExitCode    int
	Duration    string
	Attempts    int
	AgentRuns   int
	Checks      int
	Passed      int
	Failed      int
	Verdict     string
	Cause       string
	AttemptRows []attemptRow
	Transitions []models.Transition
}

// Markdown renders res as a Markdown report. task is the human task name
// shown in the header; it falls back to the run's task ID.
func Markdown(res *models.RunResult, task string, generated time.Time) (string, error) {
	if res == nil {
		return "", fmt.Errorf("no run result to report")
	}
	if strings.TrimSpace(task) == "" {
		task = res.TaskID
	}

	d := data{
		Task:        oneline(task),
		Branch:      res.Branch,
		RunID:       res.RunID,
		Generated:   generated.UTC().Format("2006-01-02 15:04:05 UTC"),
		Status:      res.State,
		ExitCode:    res.ExitCode(),
		Duration:    res.Duration.Round(time.Second).String(),
		Attempts:    len(res.Attempts),
		AgentRuns:   res.AgentRuns(),
		Transitions: res.Transitions,
	}
	if final, ok := res.Final(); ok {
		d.Verdict = oneline(final.String())
	}
	if res.Err != nil {
		d.Cause = oneline(res.Err.Error())
	}

	for i, a := range res.Attempts {
		row := attemptRow{
			Number:   a.Number,
			Outcome:  a.Outcome,
			Duration: a.Duration.Round(time.Millisecond).String(),
		}
		for _, s := range a.Steps {
			row.Steps = append(row.Steps, stepRow{
				Step:           s.Step(),
				Success:        s.Success(),
				Classification: s.Classification(),
				Message:        s.Message(),
			})
			d.Checks++
			if s.Success() {
				d.Passed++
			} else {
				d.Failed++
			}
		}
		if i < len(res.History) {
			if h, ok := res.History[i].Detail(models.DetailHint); ok {
				row.Hint, _ = h.(string)
			}
		}
		d.AttemptRows = append(d.AttemptRows, row)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}

// HTML converts a Markdown report to a standalone HTML page.
func HTML(markdown string) (string, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.Table))
	var body bytes.Buffer
	if err := md.Convert([]byte(markdown), &body); err != nil {
		return "", fmt.Errorf("convert report to HTML: %w", err)
	}
	var page strings.Builder
	page.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>Certificate of Analysis</title>\n</head>\n<body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body>\n</html>\n")
	return page.String(), nil
}

// Write renders res to path and, when withHTML is set, an .html sibling.
// Both files are written atomically. It returns the paths written.
func Write(path string, res *models.RunResult, task string, withHTML bool, generated time.Time) ([]string, error) {
	if path == "" {
		path = DefaultPath
	}
	md, err := Markdown(res, task, generated)
	if err != nil {
		return nil, err
	}
	if err := filelock.AtomicWrite(path, []byte(md)); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	written := []string{path}
	if !withHTML {
		return written, nil
	}

	page, err := HTML(md)
	if err != nil {
		return written, err
	}
	htmlPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".html"
	if err := filelock.AtomicWrite(htmlPath, []byte(page)); err != nil {
		return written, fmt.Errorf("write HTML report: %w", err)
	}
	return append(written, htmlPath), nil
}

func cell(s string) string {
	s = oneline(s)
	if r := []rune(s); len(r) > maxCellLen {
		s = string(r[:maxCellLen-3]) + "..."
	}
	return strings.ReplaceAll(s, "|", `\|`)
}

func oneline(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
