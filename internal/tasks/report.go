package tasks

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/taskpoll/internal/domain"
)

// ReportKind is the kind name of the report task.
const ReportKind = "report"

// ReportParams are the accepted report start parameters.
type ReportParams struct {
	Title   string `json:"title"`
	Rows    int    `json:"rows"`
	DelayMS int    `json:"delay_ms"`
}

// ReportRow is one collected data point.
type ReportRow struct {
	Index int     `json:"index"`
	Value float64 `json:"value"`
}

// ReportResult is the stored output of a report run.
type ReportResult struct {
	Title       string      `json:"title"`
	GeneratedAt time.Time   `json:"generated_at"`
	Rows        []ReportRow `json:"rows"`
}

// ReportInfo is the finalize response of a report task.
type ReportInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Size  int    `json:"size"`
	URL   string `json:"url"`
}

// Report collects rows one step at a time and is downloadable as CSV.
type Report struct {
	// URLPrefix is prepended to the task id to form the download URL.
	URLPrefix string
	now       func() time.Time
}

// NewReport creates the report definition.
func NewReport() *Report {
	return &Report{URLPrefix: "/api/v1/reports/", now: time.Now}
}

func (r *Report) Kind() string { return ReportKind }

func (r *Report) Parse(form url.Values) ([]byte, error) {
	errs := domain.FieldErrors{}
	p := ReportParams{
		Title:   stringParam(form, "title", true, 200, errs),
		Rows:    intParam(form, "rows", 10, 1, 1000, errs),
		DelayMS: intParam(form, "delay_ms", 100, 0, 5000, errs),
	}
	if err := paramError(errs); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func (r *Report) Run(ctx context.Context, params []byte, progress ProgressFunc) ([]byte, error) {
	var p ReportParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidParams, err)
	}

	res := ReportResult{Title: p.Title, Rows: make([]ReportRow, 0, p.Rows)}
	delay := time.Duration(p.DelayMS) * time.Millisecond
	for i := 1; i <= p.Rows; i++ {
		if err := pause(ctx, delay); err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, ReportRow{Index: i, Value: float64(i*i) / 2})
		if err := progress(i, p.Rows); err != nil {
			return nil, err
		}
	}
	res.GeneratedAt = r.now().UTC()

	return json.Marshal(res)
}

func (r *Report) Finalize(task *domain.Task) (any, error) {
	res, body, err := r.render(task)
	if err != nil {
		return nil, err
	}
	return ReportInfo{
		ID:    task.TaskID,
		Title: res.Title,
		Size:  len(body),
		URL:   r.URLPrefix + task.TaskID,
	}, nil
}

func (r *Report) Render(task *domain.Task) (string, string, []byte, error) {
	res, body, err := r.render(task)
	if err != nil {
		return "", "", nil, err
	}
	return "text/csv; charset=utf-8", slugify(res.Title) + ".csv", body, nil
}

func (r *Report) render(task *domain.Task) (*ReportResult, []byte, error) {
	var res ReportResult
	if err := json.Unmarshal(task.Result, &res); err != nil {
		return nil, nil, fmt.Errorf("failed to decode report result: %w", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"index", "value"})
	for _, row := range res.Rows {
		_ = w.Write([]string{strconv.Itoa(row.Index), strconv.FormatFloat(row.Value, 'f', -1, 64)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, nil, fmt.Errorf("failed to render report: %w", err)
	}
	return &res, buf.Bytes(), nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if slug == "" {
		return "report"
	}
	return slug
}
