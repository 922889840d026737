package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rlm-rs/orchestrator/pkg/models"
	"github.com/rlm-rs/orchestrator/pkg/rlmerr"
	"github.com/rlm-rs/orchestrator/pkg/storage"
)

// Repository persists sessions, documents, and executions in the metadata
// store's single-table keyspace:
//
//	TENANT#{t}#SESSION#{id} / META        session record
//	TENANT#{t}#SESSION#{id} / DOC#{nnnn}  one document per corpus position
//	TENANT#{t}#EXEC#{id}    / META        execution record
//	TENANT#{t}#QUEUE        / EXEC#{id}   pending-work marker, deleted on terminal status
type Repository struct {
	Metadata storage.MetadataStore
}

func sessionPK(tenant, id string) string { return fmt.Sprintf("TENANT#%s#SESSION#%s", tenant, id) }
func execPK(tenant, id string) string    { return fmt.Sprintf("TENANT#%s#EXEC#%s", tenant, id) }
func queuePK(tenant string) string       { return fmt.Sprintf("TENANT#%s#QUEUE", tenant) }

const metaSK = "META"

// toData round-trips a struct through JSON into the opaque map the metadata
// store holds. Using the JSON layer keeps the stored shape identical to the
// wire shape and avoids a second, hand-maintained field mapping.
func toData(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromData(m map[string]any, v any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (r *Repository) PutSession(ctx context.Context, s *models.Session) error {
	data, err := toData(s)
	if err != nil {
		return rlmerr.Wrap(rlmerr.CodeInternalError, "encode session", err)
	}
	return r.Metadata.PutItem(ctx, storage.Item{PK: sessionPK(s.Tenant, s.ID), SK: metaSK, Data: data})
}

func (r *Repository) GetSession(ctx context.Context, tenant, id string) (*models.Session, error) {
	item, found, err := r.Metadata.GetItem(ctx, sessionPK(tenant, id), metaSK)
	if err != nil {
		return nil, rlmerr.Wrap(rlmerr.CodeInternalError, "read session", err)
	}
	if !found {
		return nil, rlmerr.New(rlmerr.CodeSessionNotFound, fmt.Sprintf("session %s not found", id))
	}
	var s models.Session
	if err := fromData(item.Data, &s); err != nil {
		return nil, rlmerr.Wrap(rlmerr.CodeInternalError, "decode session", err)
	}
	return &s, nil
}

func (r *Repository) PutDocument(ctx context.Context, d *models.Document, index int) error {
	data, err := toData(d)
	if err != nil {
		return rlmerr.Wrap(rlmerr.CodeInternalError, "encode document", err)
	}
	sk := fmt.Sprintf("DOC#%06d", index)
	return r.Metadata.PutItem(ctx, storage.Item{PK: sessionPK(d.Tenant, d.SessionID), SK: sk, Data: data})
}

// ListDocuments returns a session's documents in corpus order.
func (r *Repository) ListDocuments(ctx context.Context, tenant, sessionID string) ([]*models.Document, error) {
	items, err := r.Metadata.Query(ctx, sessionPK(tenant, sessionID), "DOC#")
	if err != nil {
		return nil, rlmerr.Wrap(rlmerr.CodeInternalError, "list documents", err)
	}
	docs := make([]*models.Document, 0, len(items))
	for _, item := range items {
		var d models.Document
		if err := fromData(item.Data, &d); err != nil {
			return nil, rlmerr.Wrap(rlmerr.CodeInternalError, "decode document", err)
		}
		docs = append(docs, &d)
	}
	return docs, nil
}

func (r *Repository) PutExecution(ctx context.Context, e *models.Execution) error {
	data, err := toData(e)
	if err != nil {
		return rlmerr.Wrap(rlmerr.CodeInternalError, "encode execution", err)
	}
	if err := r.Metadata.PutItem(ctx, storage.Item{PK: execPK(e.Tenant, e.ID), SK: metaSK, Data: data}); err != nil {
		return rlmerr.Wrap(rlmerr.CodeInternalError, "write execution", err)
	}
	if e.Status.Terminal() {
		return r.Metadata.DeleteItem(ctx, queuePK(e.Tenant), "EXEC#"+e.ID)
	}
	return r.Metadata.PutItem(ctx, storage.Item{PK: queuePK(e.Tenant), SK: "EXEC#" + e.ID, Data: map[string]any{
		"execution_id": e.ID,
		"status":       string(e.Status),
	}})
}

func (r *Repository) GetExecution(ctx context.Context, tenant, id string) (*models.Execution, error) {
	item, found, err := r.Metadata.GetItem(ctx, execPK(tenant, id), metaSK)
	if err != nil {
		return nil, rlmerr.Wrap(rlmerr.CodeInternalError, "read execution", err)
	}
	if !found {
		return nil, rlmerr.New(rlmerr.CodeExecutionNotFound, fmt.Sprintf("execution %s not found", id))
	}
	var e models.Execution
	if err := fromData(item.Data, &e); err != nil {
		return nil, rlmerr.Wrap(rlmerr.CodeInternalError, "decode execution", err)
	}
	return &e, nil
}

// ListQueuedExecutionIDs returns the IDs of a tenant's non-terminal
// executions, the worker's claim candidates.
func (r *Repository) ListQueuedExecutionIDs(ctx context.Context, tenant string) ([]string, error) {
	items, err := r.Metadata.Query(ctx, queuePK(tenant), "EXEC#")
	if err != nil {
		return nil, rlmerr.Wrap(rlmerr.CodeInternalError, "list queued executions", err)
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if id, ok := item.Data["execution_id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
