package reconcile

import (
	"context"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-deploysync/core"
)

// RangeResolver works out which commits a deploy introduced since the last
// processed commit of its service branch. It never writes.
type RangeResolver struct {
	Ledger  core.Ledger
	GitHost core.GitHost
	Logger  core.Logger
}

func NewRangeResolver(ledger core.Ledger, gitHost core.GitHost, logger core.Logger) *RangeResolver {
	return &RangeResolver{Ledger: ledger, GitHost: gitHost, Logger: glog.Ensure(logger)}
}

func (r *RangeResolver) Resolve(ctx context.Context, service core.Service, deploy core.Deploy) (core.CommitRange, error) {
	if r == nil || r.Ledger == nil || r.GitHost == nil {
		return core.CommitRange{}, core.NewError("reconcile: range resolver is not configured", goerrors.CategoryInternal, nil)
	}
	if !deploy.HasCommit() {
		return core.CommitRange{}, core.NewError("reconcile: deploy has no commit", goerrors.CategoryNotFound, map[string]any{
			"deploy_id": deploy.ID,
		})
	}
	logger := glog.Ensure(r.Logger)
	head := strings.TrimSpace(deploy.Commit.ID)
	fallback := func(source core.RangeSource) core.CommitRange {
		return core.CommitRange{
			Commits:      []core.Commit{{SHA: head, Message: deploy.Commit.Message}},
			Source:       source,
			HeadCommitID: head,
		}
	}

	base, ok, err := r.Ledger.GetLastProcessedCommit(ctx, service.ID, service.Branch)
	if err != nil {
		return core.CommitRange{}, err
	}
	if !ok || strings.TrimSpace(base) == "" {
		return fallback(core.RangeSourceNoWatermark), nil
	}
	if base == head {
		return core.CommitRange{
			RangeAccessible: true,
			Source:          core.RangeSourceUnchanged,
			BaseCommitID:    base,
			HeadCommitID:    head,
		}, nil
	}

	repo, ok := r.GitHost.ParseRepositoryURL(service.RepositoryURL)
	if !ok {
		logger.Warn("repository is not on github, using deploy commit only",
			"service_id", service.ID,
			"repository", service.RepositoryURL,
		)
		out := fallback(core.RangeSourceUnparsableRepository)
		out.BaseCommitID = base
		return out, nil
	}

	compared, err := r.GitHost.CompareCommits(ctx, repo, base, head)
	if err != nil {
		return core.CommitRange{}, err
	}
	if !compared.Accessible {
		logger.Warn("commit range not accessible, using deploy commit only",
			"repository", repo.FullName(),
			"status", compared.StatusCode,
		)
		out := fallback(core.RangeSourceInaccessible)
		out.BaseCommitID = base
		return out, nil
	}
	return core.CommitRange{
		Commits:         compared.Commits,
		RangeAccessible: true,
		Source:          core.RangeSourceCompare,
		BaseCommitID:    base,
		HeadCommitID:    head,
	}, nil
}
