package engine

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Job — один независимый план.
type Job struct {
	Name   string
	Plan   string
	Query  string // если задан — план строится планировщиком
	Inputs map[string]any
}

type JobResult struct {
	Job     Job
	Outcome *Outcome
	Err     error
}

// Pool исполняет независимые планы параллельно. У каждого запуска свой граф и журнал;
// общий только замороженный набор политик. Внутри плана параллелизма нет.
type Pool struct {
	gw      *Gateway
	workers int
}

func NewPool(gw *Gateway, workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{gw: gw, workers: workers}
}

// RunAll возвращает результаты в порядке jobs. Ошибка одного плана не отменяет остальные.
func (p *Pool) RunAll(ctx context.Context, jobs []Job) []JobResult {
	results := make([]JobResult, len(jobs))

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			res := JobResult{Job: job}
			if job.Query != "" {
				res.Outcome, res.Err = p.gw.ProcessQuery(ctx, job.Query)
			} else {
				res.Outcome, res.Err = p.gw.Execute(ctx, job.Plan, job.Inputs)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}
