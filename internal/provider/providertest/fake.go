// Package providertest provides an in-memory provider.Adapter for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/kelpejol/creditgate/internal/provider"
)

type job struct {
	status provider.Status
	video  string
	err    string
}

// Fake is a scripted provider. Jobs stay in progress until Complete or Fail.
type Fake struct {
	name string

	mu     sync.Mutex
	seq    int
	jobs   map[string]*job
	Inputs []provider.Input
}

// New returns a Fake registered under name.
func New(name string) *Fake {
	return &Fake{name: name, jobs: map[string]*job{}}
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) Submit(_ context.Context, _ string, in provider.Input) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("%s-task-%d", f.name, f.seq)
	f.jobs[id] = &job{status: provider.StatusInProgress}
	f.Inputs = append(f.Inputs, in)
	return id, nil
}

func (f *Fake) Status(_ context.Context, _ string, taskID string) (provider.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[taskID]
	if !ok {
		return provider.Report{}, fmt.Errorf("%s: unknown task %s", f.name, taskID)
	}
	return provider.Report{Status: j.status, Error: j.err}, nil
}

func (f *Fake) Result(_ context.Context, _ string, taskID string) (*provider.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[taskID]
	if !ok {
		return nil, fmt.Errorf("%s: unknown task %s", f.name, taskID)
	}
	return &provider.Payload{
		Raw:        []byte(`{"video":{"url":"` + j.video + `"}}`),
		VideoPaths: []string{"video"},
	}, nil
}

// Complete finishes taskID with a video at url.
func (f *Fake) Complete(taskID, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[taskID]; ok {
		j.status = provider.StatusCompleted
		j.video = url
	}
}

// Fail finishes taskID with an error.
func (f *Fake) Fail(taskID, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[taskID]; ok {
		j.status = provider.StatusFailed
		j.err = msg
	}
}

var _ provider.Adapter = (*Fake)(nil)
