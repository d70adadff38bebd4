package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/tracker"
	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

// trigger is recorded on jobs started by this command.
const trigger = "reprocess"

// Starter starts a new job for an asset.
type Starter interface {
	Start(ctx context.Context, assetID, trigger string) (*models.ProcessingJob, error)
}

// needsProcessing reports whether -all should start a job for an asset:
// it never had one or its newest job failed.
func needsProcessing(ctx context.Context, store tracker.Store, assetID string) (bool, error) {
	latest, err := store.LatestJob(ctx, assetID)
	if errors.Is(err, tracker.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return latest.Stage == models.StageFailed, nil
}

// selectAssets returns the asset ids to reprocess.
func selectAssets(ctx context.Context, store tracker.Store, assetID string, all bool) ([]string, error) {
	if !all {
		if _, err := store.GetAsset(ctx, assetID); err != nil {
			return nil, err
		}
		return []string{assetID}, nil
	}

	assets, err := store.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, a := range assets {
		ok, err := needsProcessing(ctx, store, a.ID)
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", a.ID, err)
		}
		if ok {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

// startAll starts one job per asset and returns the created jobs. It
// keeps going past individual failures and reports the first one.
func startAll(ctx context.Context, starter Starter, assetIDs []string) ([]*models.ProcessingJob, error) {
	var (
		jobs  []*models.ProcessingJob
		first error
	)
	for _, id := range assetIDs {
		job, err := starter.Start(ctx, id, trigger)
		if err != nil {
			if first == nil {
				first = fmt.Errorf("start job for %s: %w", id, err)
			}
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, first
}
