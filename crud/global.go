package crud

import (
	"context"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/query"
	"github.com/stratacms/strata/schema"
)

// GlobalService exposes a singleton document. The single row is addressed by
// the global's name, created lazily on first update.
type GlobalService struct {
	svc *Service
}

// Name returns the global's name.
func (g *GlobalService) Name() string { return g.svc.Name() }

// Schema exposes the compiled definition.
func (g *GlobalService) Schema() *schema.Compiled { return g.svc.col.Compiled }

// Get reads the global document; nil when it has never been written.
func (g *GlobalService) Get(ctx context.Context) (Record, error) {
	return g.svc.FindOne(ctx, &FindOptions{Where: query.Where{"id": g.Name()}})
}

// Update applies a partial update, creating the document on first write.
func (g *GlobalService) Update(ctx context.Context, data map[string]any) (Record, error) {
	var record Record
	err := g.svc.engine.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		existing, err := g.svc.FindOne(txCtx, &FindOptions{Where: query.Where{"id": g.Name()}})
		if err != nil {
			return err
		}
		if existing == nil {
			input := cloneMap(data)
			input[schema.ColID] = g.Name()
			decision, aerr := g.svc.col.Access.Resolve(txCtx, OpUpdate)
			if aerr != nil {
				return aerr
			}
			if !decision.Allow {
				return common.Forbidden(string(OpUpdate), g.Name())
			}
			record, err = g.svc.createInTx(txCtx, input, decision)
			return err
		}
		record, err = g.svc.UpdateByID(txCtx, g.Name(), data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Versions lists the document's history.
func (g *GlobalService) Versions(ctx context.Context) ([]Version, error) {
	return g.svc.FindVersions(ctx, g.Name())
}
