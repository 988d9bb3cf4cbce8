package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/cuongbtq/taskpoll/internal/domain"
)

// GraphKind is the kind name of the graph task.
const GraphKind = "graph"

var graphFunctions = map[string]func(float64) float64{
	"sin":    math.Sin,
	"cos":    math.Cos,
	"square": func(x float64) float64 { return x * x },
	"linear": func(x float64) float64 { return x },
}

// GraphParams are the accepted graph start parameters.
type GraphParams struct {
	Function string `json:"function"`
	Points   int    `json:"points"`
	DelayMS  int    `json:"delay_ms"`
}

// GraphPoint is one sample.
type GraphPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// GraphResult is the stored output of a graph run.
type GraphResult struct {
	Function string       `json:"function"`
	Points   []GraphPoint `json:"points"`
}

// Chart is the finalize response of a graph task.
type Chart struct {
	Title  string    `json:"title"`
	Labels []string  `json:"labels"`
	Data   []float64 `json:"data"`
}

// Graph samples a function over [0, 2π].
type Graph struct{}

// NewGraph creates the graph definition.
func NewGraph() *Graph { return &Graph{} }

func (g *Graph) Kind() string { return GraphKind }

func (g *Graph) Parse(form url.Values) ([]byte, error) {
	errs := domain.FieldErrors{}
	p := GraphParams{
		Function: stringParam(form, "function", false, 16, errs),
		Points:   intParam(form, "points", 20, 2, 500, errs),
		DelayMS:  intParam(form, "delay_ms", 50, 0, 5000, errs),
	}
	if p.Function == "" {
		p.Function = "sin"
	}
	if _, ok := graphFunctions[p.Function]; !ok {
		errs.Add("function", fmt.Sprintf("Select a valid choice. %s is not one of the available choices.", p.Function))
	}
	if err := paramError(errs); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func (g *Graph) Run(ctx context.Context, params []byte, progress ProgressFunc) ([]byte, error) {
	var p GraphParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidParams, err)
	}
	fn, ok := graphFunctions[p.Function]
	if !ok || p.Points < 2 {
		return nil, fmt.Errorf("%w: function %q with %d points", domain.ErrInvalidParams, p.Function, p.Points)
	}

	res := GraphResult{Function: p.Function, Points: make([]GraphPoint, 0, p.Points)}
	step := 2 * math.Pi / float64(p.Points-1)
	delay := time.Duration(p.DelayMS) * time.Millisecond
	for i := 0; i < p.Points; i++ {
		if err := pause(ctx, delay); err != nil {
			return nil, err
		}
		x := float64(i) * step
		res.Points = append(res.Points, GraphPoint{X: x, Y: fn(x)})
		if err := progress(i+1, p.Points); err != nil {
			return nil, err
		}
	}

	return json.Marshal(res)
}

func (g *Graph) Finalize(task *domain.Task) (any, error) {
	var res GraphResult
	if err := json.Unmarshal(task.Result, &res); err != nil {
		return nil, fmt.Errorf("failed to decode graph result: %w", err)
	}

	chart := Chart{
		Title:  res.Function + "(x)",
		Labels: make([]string, len(res.Points)),
		Data:   make([]float64, len(res.Points)),
	}
	for i, pt := range res.Points {
		chart.Labels[i] = strconv.FormatFloat(pt.X, 'f', 3, 64)
		chart.Data[i] = pt.Y
	}
	return chart, nil
}
