package handlers

import (
	"context"
	"time"

	"github.com/syncbridge-dev/syncbridge/internal/clients"
	"github.com/syncbridge-dev/syncbridge/internal/identity"
	"github.com/syncbridge-dev/syncbridge/internal/syncmodel"
)

// TaskGetter is the subset of TaskClient a handler needs; narrowed for
// testability.
type TaskGetter interface {
	Get(ctx context.Context, externalID string) (clients.TaskRecord, error)
}

// TaskHandler implements C6 for source T.
type TaskHandler struct {
	client       TaskGetter
	identity     *identity.Cache
	processAfter time.Time
	now          func() time.Time
}

func NewTaskHandler(client TaskGetter, idc *identity.Cache, processAfter time.Time) *TaskHandler {
	return &TaskHandler{client: client, identity: idc, processAfter: processAfter, now: time.Now}
}

func (h *TaskHandler) Handle(ctx context.Context, env syncmodel.Envelope) (Result, error) {
	if env.Kind == syncmodel.KindDelete {
		return Result{Tasks: []syncmodel.CanonicalTask{h.deletedTask(env.ExternalID)}}, nil
	}

	record, err := h.client.Get(ctx, env.ExternalID)
	if err != nil {
		if syncmodel.IsGone(err) {
			return Result{Tasks: []syncmodel.CanonicalTask{h.deletedTask(env.ExternalID)}}, nil
		}
		return Result{}, err
	}

	if processAfterFilter(h.processAfter, record.CreatedAt) {
		return Result{}, nil
	}

	task := syncmodel.CanonicalTask{
		TaskID:      record.TaskID,
		ProjectID:   record.ProjectID,
		Title:       record.Title,
		Description: record.Description,
		Status:      record.Status,
		TagIDs:      record.TagIDs,
		AssigneeIDs: record.AssigneeIDs,
		CreatorID:   record.CreatorID,
		UpdaterID:   record.UpdaterID,
		DueAt:       record.DueAt,
		UpdatedAt:   record.UpdatedAt.UTC(),
		CreatedAt:   record.CreatedAt.UTC(),
	}
	if h.identity != nil {
		task.TagNames = h.identity.ResolveMany(ctx, syncmodel.SourceTasks, "tag", record.TagIDs)
		task.AssigneeNames = h.identity.ResolveMany(ctx, syncmodel.SourceTasks, "user", record.AssigneeIDs)
		task.CreatorName = h.identity.Resolve(ctx, syncmodel.SourceTasks, "user", record.CreatorID)
		task.UpdaterName = h.identity.Resolve(ctx, syncmodel.SourceTasks, "user", record.UpdaterID)
	}
	// "completed" is a status value, not a deletion; only an explicit
	// delete envelope or a 404 flips Deleted.
	return Result{Tasks: []syncmodel.CanonicalTask{task}}, nil
}

func (h *TaskHandler) deletedTask(externalID string) syncmodel.CanonicalTask {
	now := h.now().UTC()
	return syncmodel.CanonicalTask{TaskID: externalID, Deleted: true, DeletedAt: &now, UpdatedAt: now}
}
