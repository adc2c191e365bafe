// Package readiness drives bridge-backed endpoints from PENDING/PROVISIONING to
// a terminal READY or FAILED status by polling the bridge management API.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"notifications/internal/platform/bridge"
	"notifications/internal/platform/database"
	"notifications/internal/platform/metrics"
	"notifications/internal/platform/models"
	"notifications/internal/platform/repositories"
)

// StatusClient queries the current state of a bridge processor.
type StatusClient interface {
	GetProcessor(ctx context.Context, bridgeID, processorID, token string) (*bridge.Processor, error)
}

// TokenSource supplies the bearer token for StatusClient calls. Invalidate is
// called when the bridge rejects the token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

const defaultLeaseTTL = 15 * time.Minute

type Options struct {
	BridgeID     string
	EndpointType models.EndpointType
	SubTypes     []string
	BatchSize    int
	// LeaseTTL bounds how long a claimed endpoint stays hidden from other
	// workers when the store has no row locks. It must outlast a full batch.
	LeaseTTL time.Duration
}

// CycleResult summarises one call to RunCheckCycle.
type CycleResult struct {
	Selected  int
	Ready     int
	Failed    int
	Unchanged int
	// Errored counts rows whose update was rolled back; they stay selectable.
	Errored int

	// Skipped is set when another cycle was already running in this process.
	Skipped bool
	// LockContended is set when the store stayed busy and nothing was selected.
	LockContended bool
}

type Checker struct {
	endpoints *repositories.EndpointRepository
	client    StatusClient
	tokens    TokenSource
	opts      Options
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	running atomic.Bool
}

func NewChecker(endpoints *repositories.EndpointRepository, client StatusClient, tokens TokenSource, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Checker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	return &Checker{
		endpoints: endpoints,
		client:    client,
		tokens:    tokens,
		opts:      opts,
		logger:    logger.With().Str("component", "ready_checker").Logger(),
		metrics:   m,
	}
}

// RunCheckCycle checks one batch of non-terminal endpoints. The batch is
// acquired without waiting on other workers, every row is updated inside its
// own savepoint, and all transitions become visible on commit.
func (c *Checker) RunCheckCycle(ctx context.Context) (CycleResult, error) {
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Debug().Msg("previous ready check cycle still running, skipping")
		c.metrics.ObserveCycle("skipped", 0)
		return CycleResult{Skipped: true}, nil
	}
	defer c.running.Store(false)

	start := time.Now()
	res, err := c.runCycle(ctx)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		c.metrics.ObserveCycle("error", elapsed.Seconds())
		c.logger.Error().Err(err).Msg("ready check cycle failed")
	case res.LockContended:
		c.metrics.ObserveCycle("contended", elapsed.Seconds())
	default:
		c.metrics.ObserveCycle("completed", elapsed.Seconds())
		if res.Selected > 0 {
			c.logger.Info().
				Int("selected", res.Selected).
				Int("ready", res.Ready).
				Int("failed", res.Failed).
				Int("unchanged", res.Unchanged).
				Int("errored", res.Errored).
				Dur("elapsed", elapsed).
				Msg("ready check cycle completed")
		}
	}
	return res, err
}

func (c *Checker) runCycle(ctx context.Context) (CycleResult, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return CycleResult{}, fmt.Errorf("readiness: fetch bridge token: %w", err)
	}

	if c.endpoints.RowLocks() {
		return c.runLocked(ctx, token)
	}
	return c.runLeased(ctx, token)
}

// runLocked holds row locks on the batch from selection to commit. Rows
// locked by another worker are skipped by the selection.
func (c *Checker) runLocked(ctx context.Context, token string) (CycleResult, error) {
	var res CycleResult

	tx, err := c.endpoints.BeginLocking(ctx)
	if err != nil {
		return res, fmt.Errorf("readiness: begin: %w", err)
	}
	defer tx.Rollback()

	pending, err := c.endpoints.LockPendingTx(ctx, tx, c.filter(), c.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("readiness: select pending endpoints: %w", err)
	}
	res.Selected = len(pending)

	for i, ep := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		var applied models.EndpointStatus
		err := database.Savepoint(ctx, tx, savepointName(i), func() error {
			next, err := c.safeNextStatus(ctx, ep, token)
			if err != nil || next == "" {
				return err
			}
			if err := c.endpoints.UpdateStatusTx(ctx, tx, ep.ID, next); err != nil {
				return err
			}
			applied = next
			return nil
		})
		c.record(&res, ep, applied, err)
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("readiness: commit: %w", err)
	}
	c.observeTransitions(res)
	return res, nil
}

// runLeased is used on stores without row locks. The batch is leased in a
// short transaction, the bridge is queried with no lock held, and the results
// are written in a second short transaction. Leases left over are released
// on the way out.
func (c *Checker) runLeased(ctx context.Context, token string) (CycleResult, error) {
	var res CycleResult
	owner := uuid.New().String()

	claimed, err := c.endpoints.ClaimPending(ctx, c.filter(), c.opts.BatchSize, owner, time.Now(), c.opts.LeaseTTL)
	if database.IsBusy(err) {
		c.logger.Debug().Msg("endpoint store busy, skipping cycle")
		res.LockContended = true
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("readiness: claim pending endpoints: %w", err)
	}
	res.Selected = len(claimed)
	if len(claimed) == 0 {
		return res, nil
	}
	defer c.releaseLeases(ctx, owner)

	next := make([]models.EndpointStatus, len(claimed))
	checkErrs := make([]error, len(claimed))
	for i, ep := range claimed {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		next[i], checkErrs[i] = c.safeNextStatus(ctx, ep, token)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	tx, err := c.endpoints.BeginLocking(ctx)
	if err != nil {
		return res, fmt.Errorf("readiness: begin: %w", err)
	}
	defer tx.Rollback()

	for i, ep := range claimed {
		var applied models.EndpointStatus
		err := checkErrs[i]
		if err == nil && next[i] != "" {
			err = database.Savepoint(ctx, tx, savepointName(i), func() error {
				return c.endpoints.CompleteLeaseTx(ctx, tx, ep.ID, owner, next[i])
			})
			if err == nil {
				applied = next[i]
			}
		}
		c.record(&res, ep, applied, err)
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("readiness: commit: %w", err)
	}
	c.observeTransitions(res)
	return res, nil
}

func (c *Checker) releaseLeases(ctx context.Context, owner string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.endpoints.ReleaseLeases(releaseCtx, owner); err != nil {
		c.logger.Warn().Err(err).Str("lease_owner", owner).Msg("failed to release endpoint leases")
	}
}

func (c *Checker) filter() repositories.PendingFilter {
	return repositories.PendingFilter{Type: c.opts.EndpointType, SubTypes: c.opts.SubTypes}
}

// record counts the outcome of one endpoint. err means its work was rolled
// back and the endpoint stays selectable.
func (c *Checker) record(res *CycleResult, ep *models.Endpoint, applied models.EndpointStatus, err error) {
	if err != nil {
		res.Errored++
		c.logger.Error().Err(err).Str("endpoint_id", ep.ID).Msg("endpoint check rolled back")
		return
	}

	switch applied {
	case models.EndpointStatusReady:
		res.Ready++
	case models.EndpointStatusFailed:
		res.Failed++
	default:
		res.Unchanged++
		return
	}
	c.logger.Info().
		Str("endpoint_id", ep.ID).
		Str("from", string(ep.Status)).
		Str("to", string(applied)).
		Msg("endpoint status changed")
}

func (c *Checker) observeTransitions(res CycleResult) {
	c.metrics.EndpointTransitions(string(models.EndpointStatusReady), res.Ready)
	c.metrics.EndpointTransitions(string(models.EndpointStatusFailed), res.Failed)
}

func savepointName(i int) string {
	return fmt.Sprintf("endpoint_%d", i)
}

// safeNextStatus is nextStatus with a panic turned into an error for this
// endpoint only.
func (c *Checker) safeNextStatus(ctx context.Context, ep *models.Endpoint, token string) (next models.EndpointStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = "", fmt.Errorf("panic while checking endpoint: %v", r)
		}
	}()
	return c.nextStatus(ctx, ep, token), nil
}

// nextStatus maps the bridge's view of the processor onto an endpoint status.
// A failed status query counts as a failed processor.
func (c *Checker) nextStatus(ctx context.Context, ep *models.Endpoint, token string) models.EndpointStatus {
	processorID := ep.ProcessorID()
	if processorID == "" {
		c.logger.Warn().Str("endpoint_id", ep.ID).Msg("endpoint has no processor id")
		return models.EndpointStatusFailed
	}

	p, err := c.client.GetProcessor(ctx, c.opts.BridgeID, processorID, token)
	if err != nil {
		c.metrics.BridgeStatusError()
		var statusErr *bridge.StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusUnauthorized {
			c.tokens.Invalidate()
		}
		c.logger.Warn().Err(err).
			Str("endpoint_id", ep.ID).
			Str("processor_id", processorID).
			Msg("processor status query failed")
		return models.EndpointStatusFailed
	}

	c.logger.Debug().
		Str("endpoint_id", ep.ID).
		Str("processor_id", processorID).
		Str("processor_status", p.Status).
		Msg("processor status received")

	switch p.Status {
	case bridge.ProcessorStatusReady:
		return models.EndpointStatusReady
	case bridge.ProcessorStatusFailed:
		return models.EndpointStatusFailed
	default:
		return ""
	}
}
