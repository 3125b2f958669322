package cms

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/crud"
	"github.com/stratacms/strata/field"
	"github.com/stratacms/strata/jobs"
)

const transitionJobName = "workflow-transition"

// registerTransitionJob wires the job that applies scheduled stage
// transitions. It runs under a system session so access rules on the
// Transition operation do not block a transition an editor already
// authorised when scheduling it.
func registerTransitionJob(registry *jobs.Registry, engine *crud.Engine) error {
	return registry.Register(&jobs.Definition{
		Name: transitionJobName,
		Schema: field.NewFields().
			Add("collection", &field.Definition{Kind: field.Text, Required: true}).
			Add("recordId", &field.Definition{Kind: field.Text, Required: true}).
			Add("stage", &field.Definition{Kind: field.Text, Required: true}),
		Handler: func(ctx context.Context, payload map[string]any) error {
			return applyTransition(ctx, engine, payload)
		},
		Options: jobs.Options{
			RetryLimit:   3,
			RetryDelay:   5 * time.Second,
			RetryBackoff: true,
		},
	})
}

func applyTransition(ctx context.Context, engine *crud.Engine, payload map[string]any) error {
	collection, _ := payload["collection"].(string)
	recordID, _ := payload["recordId"].(string)
	stage, _ := payload["stage"].(string)

	ctx = crud.WithSession(ctx, &crud.Session{
		UserID: "system",
		Roles:  []string{crud.AdminRole},
	})
	svc, err := engine.Collection(collection)
	if err != nil {
		return err
	}
	_, err = svc.TransitionStage(ctx, recordID, stage, nil)
	switch common.KindOf(err) {
	case common.KindNotFound, common.KindIllegalTransition:
		// The record was deleted or moved on since the transition was
		// scheduled; retrying cannot succeed.
		common.Logger.WithError(err).WithFields(logrus.Fields{
			"collection": collection,
			"recordId":   recordID,
			"stage":      stage,
		}).Warn("dropping stale scheduled transition")
		return nil
	}
	return err
}
