// Package safety decides whether a remediation operation may proceed given
// the cluster's replica health. It has no side effects.
package safety

import (
	"fmt"
	"time"

	apperrors "github.com/devrev/bynar/internal/errors"
	"github.com/devrev/bynar/internal/model"
)

// Policy holds the configured safety thresholds
type Policy struct {
	MinRedundancy      int
	StalenessThreshold time.Duration
}

// Input is everything a single evaluation looks at
type Input struct {
	Kind     model.OperationKind
	DiskID   string
	NodeID   string
	Snapshot *model.ClusterHealthSnapshot
	// NodeThrottled is true while the originating node exceeds its add rate
	NodeThrottled bool
	Now           time.Time
}

// Result is the evaluator's verdict
type Result struct {
	Decision model.Decision
	Reason   string
	// Code classifies non-approve verdicts; ErrCodeOK on approve
	Code apperrors.ErrorCode
}

func approve(reason string) Result {
	return Result{Decision: model.DecisionApprove, Reason: reason, Code: apperrors.ErrCodeOK}
}

func fromError(decision model.Decision, err *apperrors.ArbiterError) Result {
	return Result{Decision: decision, Reason: err.Error(), Code: err.Code}
}

// EffectiveMinimum is the stricter of the configured and the cluster-reported minimum
func EffectiveMinimum(policy Policy, snapshot *model.ClusterHealthSnapshot) int {
	minimum := policy.MinRedundancy
	if snapshot != nil && snapshot.MinRedundancy > minimum {
		minimum = snapshot.MinRedundancy
	}
	return minimum
}

// Evaluate decides on a proposed operation. A missing or stale snapshot always
// defers; removals are denied when any placement group holding the disk would
// fall below the effective minimum; adds defer while the node is throttled.
func Evaluate(in Input, policy Policy) Result {
	if in.Snapshot == nil {
		return fromError(model.DecisionDefer, apperrors.StaleClusterHealth("unknown", policy.StalenessThreshold))
	}
	if age := in.Snapshot.Age(in.Now); age > policy.StalenessThreshold {
		return fromError(model.DecisionDefer, apperrors.StaleClusterHealth(age.Truncate(time.Millisecond), policy.StalenessThreshold))
	}

	switch in.Kind {
	case model.OperationRemove, model.OperationReplace:
		return evaluateRemoval(in, policy)
	case model.OperationAdd:
		if in.NodeThrottled {
			return fromError(model.DecisionDefer, apperrors.RateLimited(in.NodeID))
		}
		return approve("add permitted")
	default:
		return fromError(model.DecisionDeny, apperrors.InvalidArgument(fmt.Sprintf("unknown operation kind %q", in.Kind), nil))
	}
}

func evaluateRemoval(in Input, policy Policy) Result {
	minimum := EffectiveMinimum(policy, in.Snapshot)
	groups := in.Snapshot.GroupsFor(in.DiskID)

	for _, pg := range groups {
		projected := pg.LiveReplicas - 1
		if projected < minimum {
			return fromError(model.DecisionDeny, apperrors.RedundancyViolation(pg.PGID, projected, minimum))
		}
	}

	if len(groups) == 0 {
		return approve("disk holds no live replicas")
	}
	return approve(fmt.Sprintf("%d placement groups stay at or above %d replicas", len(groups), minimum))
}
