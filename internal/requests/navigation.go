package requests

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/floegence/sitebridge/internal/protocol"
)

// taskLookupTimeout bounds the authority round trip made by task navigation.
const taskLookupTimeout = 10 * time.Second

// Navigation requests always reply with a status; host failures become
// retcode 1 instead of a raised error.

type openTask struct {
	base
	taskID int64
}

func newOpenTask(b base, p protocol.Params) (Request, error) {
	id, err := p.Int64("task_id")
	if err != nil {
		return nil, err
	}
	return &openTask{base: b, taskID: id}, nil
}

func (r *openTask) Kind() Kind { return KindImmediate }

func (r *openTask) Execute() error {
	r.respondStatus(r.run())
	return nil
}

func (r *openTask) run() error {
	if r.deps == nil || r.deps.Host == nil {
		return errNoHost
	}
	path, err := r.resolveTask(r.taskID)
	if err != nil {
		return err
	}
	return r.deps.Host.OpenTask(r.ctx(), path)
}

func (b *base) resolveTask(taskID int64) (EntityPath, error) {
	if b.deps == nil || b.deps.Tasks == nil {
		return EntityPath{}, errors.New("task lookup unavailable")
	}
	ctx, cancel := context.WithTimeout(b.ctx(), taskLookupTimeout)
	defer cancel()
	link, err := b.deps.Tasks.TaskLink(ctx, taskID)
	if err != nil {
		return EntityPath{}, fmt.Errorf("task id %d cannot be found: %w", taskID, err)
	}
	return TaskPath(link, taskID), nil
}

type openTaskBoard struct {
	base
	projectID  int64
	hasProject bool
}

// project_id is required but may be null, which opens the board site wide.
func newOpenTaskBoard(b base, p protocol.Params) (Request, error) {
	id, ok, err := p.OptInt64("project_id")
	if err != nil {
		return nil, err
	}
	return &openTaskBoard{base: b, projectID: id, hasProject: ok}, nil
}

func (r *openTaskBoard) Kind() Kind { return KindImmediate }

func (r *openTaskBoard) Execute() error {
	if r.deps == nil || r.deps.Host == nil {
		r.respondStatus(errNoHost)
		return nil
	}
	r.respondStatus(r.deps.Host.OpenTaskBoard(r.ctx(), r.projectID, r.hasProject))
	return nil
}

type openVersionDraft struct {
	base
	taskID      int64
	path        string
	versionData map[string]any
}

func newOpenVersionDraft(b base, p protocol.Params) (Request, error) {
	id, err := p.Int64("task_id")
	if err != nil {
		return nil, err
	}
	path, err := p.String("path")
	if err != nil {
		return nil, err
	}
	data := p.Map("version_data")
	if data == nil {
		data = map[string]any{}
	}
	return &openVersionDraft{base: b, taskID: id, path: path, versionData: data}, nil
}

func (r *openVersionDraft) Kind() Kind { return KindImmediate }

func (r *openVersionDraft) Execute() error {
	r.respondStatus(r.run())
	return nil
}

func (r *openVersionDraft) run() error {
	if r.deps == nil || r.deps.Host == nil {
		return errNoHost
	}
	task, err := r.resolveTask(r.taskID)
	if err != nil {
		return err
	}
	return r.deps.Host.OpenVersionDraft(r.ctx(), task, r.path, r.versionData)
}

type setMediaPath struct {
	base
	path string
}

func newSetMediaPath(b base, p protocol.Params) (Request, error) {
	path, err := p.String("path")
	if err != nil {
		return nil, err
	}
	return &setMediaPath{base: b, path: path}, nil
}

func (r *setMediaPath) Kind() Kind { return KindImmediate }

func (r *setMediaPath) Execute() error {
	if r.deps == nil || r.deps.Host == nil {
		r.respondStatus(errNoHost)
		return nil
	}
	r.respondStatus(r.deps.Host.SetMediaPath(r.ctx(), r.path))
	return nil
}
