package requests

import (
	"context"
	"log/slog"
)

// FilePicker shows the host's native file dialog. It returns no paths when the
// user cancels.
type FilePicker interface {
	PickFiles(ctx context.Context, multiple bool) ([]string, error)
}

// Navigator deep-links into panes of the host application.
type Navigator interface {
	OpenTask(ctx context.Context, task EntityPath) error
	OpenTaskBoard(ctx context.Context, projectID int64, hasProject bool) error
	OpenVersionDraft(ctx context.Context, task EntityPath, path string, versionData map[string]any) error
	SetMediaPath(ctx context.Context, path string) error
}

// Notifier surfaces a message to the local user.
type Notifier interface {
	Warn(title, message string)
}

// Host is everything the embedding application provides.
type Host interface {
	FilePicker
	Navigator
	Notifier
}

// TaskLink is where a task lives in the entity hierarchy.
type TaskLink struct {
	ProjectID  int64
	EntityType string
	EntityID   int64
}

// TaskResolver looks up the parent entity of a task.
type TaskResolver interface {
	TaskLink(ctx context.Context, taskID int64) (TaskLink, error)
}

// Headless is the Host used when no GUI is attached: dialogs select nothing
// and navigation is only logged.
type Headless struct {
	Log *slog.Logger
}

func (h Headless) logger() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

func (h Headless) PickFiles(context.Context, bool) ([]string, error) {
	h.logger().Info("file dialog requested without a host UI")
	return nil, nil
}

func (h Headless) OpenTask(_ context.Context, task EntityPath) error {
	h.logger().Info("open task", "path", task.String())
	return nil
}

func (h Headless) OpenTaskBoard(_ context.Context, projectID int64, hasProject bool) error {
	if hasProject {
		h.logger().Info("open task board", "project_id", projectID)
	} else {
		h.logger().Info("open task board", "project_id", nil)
	}
	return nil
}

func (h Headless) OpenVersionDraft(_ context.Context, task EntityPath, path string, _ map[string]any) error {
	h.logger().Info("open version draft", "task", task.String(), "path", path)
	return nil
}

func (h Headless) SetMediaPath(_ context.Context, path string) error {
	h.logger().Info("set media path", "path", path)
	return nil
}

func (h Headless) Warn(title, message string) {
	h.logger().Warn(title, "message", message)
}
