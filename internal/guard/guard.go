package guard

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"

	"leasegate/internal/lease"
	"leasegate/internal/reconcile"
)

// Reasons a guard decision can carry.
const (
	ReasonProcessingActive   = "processing_active"
	ReasonBackendUnreachable = "backend_unreachable"
	ReasonStatusUnavailable  = "status_unavailable"
)

const (
	defaultProcessingRoute = "/processing"
	defaultFailClosedAfter = 3
)

// Decision is the outcome of an access check. RedirectTo points at the
// generic processing view, parameterized by platform and remaining time,
// so callers from any route share one contract. Username carries the
// repaired identifier the caller must use instead of its own.
type Decision struct {
	Allowed     bool
	Reason      string
	RemainingMS int64
	RedirectTo  string
	Username    string
}

// AccessRequest describes an attempt to enter a protected view. Username
// is the identifier the caller intends to use; it may be empty when the
// caller has none.
type AccessRequest struct {
	UserID   string
	Platform string
	Route    string
	Username string
}

// Cache is the session-local view the fast path consults. Implemented by
// reconcile.Reconciler.
type Cache interface {
	Snapshot(platform string) (reconcile.Snapshot, bool)
	ConsecutiveFailures() int
}

// Repairer substitutes a locked username for a stale candidate.
// Implemented by lease.Manager.
type Repairer interface {
	ValidateAndRepair(ctx context.Context, platform, candidate string) (string, error)
}

// BatchQuerier is the optional bulk read path used by CheckAccessAll.
type BatchQuerier interface {
	QueryAll(ctx context.Context, userID string) ([]lease.PlatformStatus, error)
}

// Options tunes a Guard.
type Options struct {
	// ProcessingRoute is the view blocked callers are sent to.
	ProcessingRoute string
	// FailClosedAfter is the consecutive-poll-failure count past which
	// the guard blocks rather than risk two devices both believing they
	// hold the window.
	FailClosedAfter int
}

// Guard decides whether a session may enter a protected workflow view.
// The local cache is advisory for the allow case only; a block is always
// confirmed against the authoritative store first, since a false block
// is a worse outcome than a brief race window.
type Guard struct {
	cache    Cache
	querier  lease.Querier
	repairer Repairer
	logger   *slog.Logger
	opts     Options
}

// New creates a Guard. cache may be nil (server-side guards have no
// session cache and always take the authoritative path).
func New(cache Cache, querier lease.Querier, repairer Repairer, logger *slog.Logger, opts Options) *Guard {
	if opts.ProcessingRoute == "" {
		opts.ProcessingRoute = defaultProcessingRoute
	}
	if opts.FailClosedAfter <= 0 {
		opts.FailClosedAfter = defaultFailClosedAfter
	}
	return &Guard{
		cache:    cache,
		querier:  querier,
		repairer: repairer,
		logger:   logger,
		opts:     opts,
	}
}

// CheckAccess implements the guard algorithm: cached-inactive allows
// immediately; anything else is confirmed against the authoritative
// store; an active lease blocks with a redirect and, when the caller's
// username disagrees with the lease's, the repaired value.
func (g *Guard) CheckAccess(ctx context.Context, req AccessRequest) Decision {
	if g.cache != nil && g.cache.ConsecutiveFailures() >= g.opts.FailClosedAfter {
		g.logger.Warn("blocking access, backend unreachable",
			"user_id", req.UserID,
			"platform", req.Platform,
			"failures", g.cache.ConsecutiveFailures(),
		)
		return Decision{Reason: ReasonBackendUnreachable}
	}

	var snap reconcile.Snapshot
	var known bool
	if g.cache != nil {
		snap, known = g.cache.Snapshot(req.Platform)
		if known && !snap.Active {
			return Decision{Allowed: true}
		}
	}

	status, err := g.querier.Query(ctx, req.UserID, req.Platform)
	if err != nil {
		g.logger.Error("authoritative query failed",
			"user_id", req.UserID,
			"platform", req.Platform,
			"error", err,
		)
		// Fail toward last-known state, never toward allowing access.
		if known && snap.Active {
			return g.block(ctx, req, lease.Status{
				Active:      true,
				RemainingMS: snap.RemainingMS,
				Username:    snap.Username,
			})
		}
		return Decision{Reason: ReasonStatusUnavailable}
	}

	if !status.Active {
		return Decision{Allowed: true}
	}
	return g.block(ctx, req, status)
}

// CheckAccessAll checks every requested platform for the user in one
// pass, using the bulk read path when the querier offers one.
func (g *Guard) CheckAccessAll(ctx context.Context, userID string, platforms []string, route string) map[string]Decision {
	decisions := make(map[string]Decision, len(platforms))

	bq, ok := g.querier.(BatchQuerier)
	if !ok {
		for _, p := range platforms {
			decisions[p] = g.CheckAccess(ctx, AccessRequest{UserID: userID, Platform: p, Route: route})
		}
		return decisions
	}

	statuses, err := bq.QueryAll(ctx, userID)
	if err != nil {
		g.logger.Error("batch query failed", "user_id", userID, "error", err)
		for _, p := range platforms {
			decisions[p] = Decision{Reason: ReasonStatusUnavailable}
		}
		return decisions
	}

	active := make(map[string]lease.Status, len(statuses))
	for _, s := range statuses {
		active[s.Platform] = s.Status
	}
	for _, p := range platforms {
		if status, held := active[p]; held {
			decisions[p] = g.block(ctx, AccessRequest{UserID: userID, Platform: p, Route: route}, status)
		} else {
			decisions[p] = Decision{Allowed: true}
		}
	}
	return decisions
}

func (g *Guard) block(ctx context.Context, req AccessRequest, status lease.Status) Decision {
	d := Decision{
		Reason:      ReasonProcessingActive,
		RemainingMS: status.RemainingMS,
		RedirectTo:  g.redirect(req.Platform, status.RemainingMS),
		Username:    status.Username,
	}

	if req.Username != "" && req.Username != status.Username {
		repaired, err := g.repairer.ValidateAndRepair(ctx, req.Platform, req.Username)
		if err != nil {
			g.logger.Error("username repair failed",
				"platform", req.Platform,
				"candidate", req.Username,
				"error", err,
			)
		} else {
			d.Username = repaired
		}
	}
	return d
}

func (g *Guard) redirect(platform string, remainingMS int64) string {
	v := url.Values{}
	v.Set("platform", platform)
	v.Set("remaining_ms", strconv.FormatInt(remainingMS, 10))
	return g.opts.ProcessingRoute + "?" + v.Encode()
}
