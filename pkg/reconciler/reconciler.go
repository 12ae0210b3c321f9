// Package reconciler is the coordinator's control loop. It orchestrates
// the store, the node probe, the topology repository, and the proxy
// admin: pruning stale records, validating the master pointer, sweeping
// node health, electing a replacement on failover, and republishing
// proxy routing.
package reconciler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/LumeWeb/akash-proxysql/pkg/config"
	"github.com/LumeWeb/akash-proxysql/pkg/election"
	"github.com/LumeWeb/akash-proxysql/pkg/metrics"
	"github.com/LumeWeb/akash-proxysql/pkg/probe"
	"github.com/LumeWeb/akash-proxysql/pkg/proxyadmin"
	"github.com/LumeWeb/akash-proxysql/pkg/storeclient"
	"github.com/LumeWeb/akash-proxysql/pkg/topology"
	"k8s.io/klog/v2"
)

// ProxyPublisher is the subset of proxyadmin.Admin the reconciler drives,
// letting tests substitute a fake.
type ProxyPublisher interface {
	PublishEmpty(ctx context.Context, writerGroup, readerGroup int) error
	PublishRouting(ctx context.Context, master proxyadmin.Endpoint, slaves []proxyadmin.Endpoint, writerGroup, readerGroup int) error
}

// Reconciler owns one logical scheduler thread: Run's loop is the only
// caller of Tick, and ticks never overlap.
type Reconciler struct {
	store  storeclient.Store
	repo   *topology.Repository
	prober probe.Prober
	admin  ProxyPublisher
	cfg    config.Config

	// lastPromotion is zero until the first successful SetMasterCAS of
	// this process's lifetime; zero means "no recent promotion", which
	// is always safe to read.
	lastPromotion time.Time

	metrics *metrics.Recorder
}

// New builds a Reconciler over its four collaborators.
func New(store storeclient.Store, repo *topology.Repository, prober probe.Prober, admin ProxyPublisher, cfg config.Config, rec *metrics.Recorder) *Reconciler {
	return &Reconciler{
		store:   store,
		repo:    repo,
		prober:  prober,
		admin:   admin,
		cfg:     cfg,
		metrics: rec,
	}
}

// Run loops Tick on cfg.CheckInterval until ctx is cancelled. A cancelled
// context drains the current tick to completion before Run returns,
// bounded by the tick's own deadline.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		if err := r.Tick(context.WithoutCancel(ctx)); err != nil {
			klog.ErrorS(err, "Tick failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one pass of S1-S6, each stage a private method returning
// early on any recoverable error so the next tick starts fresh.
func (r *Reconciler) Tick(ctx context.Context) error {
	start := time.Now()
	tickCtx, cancel := context.WithTimeout(ctx, r.cfg.CheckInterval)
	defer cancel()

	err := r.tick(tickCtx)

	result := "ok"
	if err != nil {
		result = "error"
	}
	if r.metrics != nil {
		r.metrics.TicksTotal(result)
		r.metrics.ObserveTickDuration(time.Since(start).Seconds())
	}
	return err
}

func (r *Reconciler) tick(ctx context.Context) error {
	// S1, snapshot.
	nodes, err := r.repo.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("S1 snapshot failed: %w", err)
	}
	if r.metrics != nil {
		r.metrics.SetNodesTracked(len(nodes))
	}
	if len(nodes) == 0 {
		return nil
	}

	// S2, prune stale.
	nodes, err = r.pruneStale(ctx, nodes)
	if err != nil {
		return fmt.Errorf("S2 prune failed: %w", err)
	}

	// S3, validate master key.
	if err := r.validateMaster(ctx); err != nil {
		return fmt.Errorf("S3 validate master failed: %w", err)
	}

	// S4, health sweep.
	health, err := r.healthSweep(ctx, nodes)
	if err != nil {
		return fmt.Errorf("S4 health sweep failed: %w", err)
	}

	// S5, failover decision.
	if err := r.decideFailover(ctx, health); err != nil {
		return fmt.Errorf("S5 failover failed: %w", err)
	}

	// S6, publish routing.
	if err := r.publishRouting(ctx, health); err != nil {
		return fmt.Errorf("S6 publish failed: %w", err)
	}

	return nil
}

// pruneStale deletes every node whose last_seen is older than
// cfg.MaxAge, or unparseable, along with its slave record, clearing the
// master pointer if it named the pruned node.
func (r *Reconciler) pruneStale(ctx context.Context, nodes []string) ([]string, error) {
	cutoff := time.Now().Add(-r.cfg.MaxAge)
	master, masterPresent, err := r.repo.GetMaster(ctx)
	if err != nil {
		return nil, err
	}

	kept := make([]string, 0, len(nodes))
	for _, id := range nodes {
		rec, present, err := r.repo.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}

		stale := !present
		var lastSeen time.Time
		if present {
			lastSeen, err = time.Parse(time.RFC3339, rec.LastSeen)
			if err != nil {
				stale = true
			} else if lastSeen.Before(cutoff) {
				stale = true
			}
		}

		if !stale {
			kept = append(kept, id)
			continue
		}

		klog.InfoS("Pruning stale node", "node", id, "stage", "prune")
		if err := r.repo.DeleteNode(ctx, id); err != nil {
			return nil, err
		}
		if err := r.repo.DeleteSlaveRecord(ctx, id); err != nil {
			return nil, err
		}
		if masterPresent && master == id {
			if err := r.repo.ClearMaster(ctx); err != nil {
				return nil, err
			}
			masterPresent = false
		}
	}

	return kept, nil
}

// validateMaster clears the master pointer when it is stale or
// inconsistent: absent node, role mismatch (always clears, grace period
// or not), or status != online outside the grace period.
func (r *Reconciler) validateMaster(ctx context.Context) error {
	m, present, err := r.repo.GetMaster(ctx)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}

	rec, nodePresent, err := r.repo.GetNode(ctx, m)
	if err != nil {
		return err
	}

	if !nodePresent {
		klog.InfoS("Clearing master pointer to absent node", "node", m, "stage", "validate")
		return r.repo.ClearMaster(ctx)
	}

	if rec.Role != topology.RoleMaster {
		klog.InfoS("Clearing master pointer, role mismatch", "node", m, "stage", "validate")
		return r.repo.ClearMaster(ctx)
	}

	if rec.Status != topology.StatusOnline {
		if r.withinGracePeriod() {
			return nil
		}
		klog.InfoS("Clearing master pointer, not online past grace period", "node", m, "stage", "validate")
		return r.repo.ClearMaster(ctx)
	}

	return nil
}

func (r *Reconciler) withinGracePeriod() bool {
	if r.lastPromotion.IsZero() {
		return false
	}
	return time.Since(r.lastPromotion) < r.cfg.PromotionGracePeriod
}

// nodeHealth is one node's post-sweep view, carrying everything S5/S6
// need without re-reading the store.
type nodeHealth struct {
	id     string
	rec    topology.NodeRecord
	online bool
}

// healthSweep probes every node concurrently (bounded by
// cfg.ProbeConcurrency), writing back any status change and deleting
// malformed records.
func (r *Reconciler) healthSweep(ctx context.Context, nodes []string) ([]nodeHealth, error) {
	results := make([]nodeHealth, len(nodes))

	concurrency := r.cfg.ProbeConcurrency
	if concurrency <= 0 || concurrency > len(nodes) {
		concurrency = len(nodes)
	}
	if concurrency == 0 {
		return nil, nil
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, id := range nodes {
		i, id := i, id
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			nh, err := r.probeOne(ctx, id)
			if err != nil {
				klog.InfoS("Probe failed", "node", id, "stage", "health", "error", err)
				return
			}
			results[i] = nh
		}()
	}
	wg.Wait()

	out := make([]nodeHealth, 0, len(results))
	for _, nh := range results {
		if nh.id != "" {
			out = append(out, nh)
		}
	}
	return out, nil
}

// validPort reports whether port parses as a decimal integer in 1..65535.
func validPort(port string) bool {
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

func (r *Reconciler) probeOne(ctx context.Context, id string) (nodeHealth, error) {
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	rec, present, err := r.repo.GetNode(probeCtx, id)
	if err != nil {
		return nodeHealth{}, err
	}
	if !present {
		return nodeHealth{}, nil
	}
	if rec.Host == "" || !validPort(rec.Port) {
		klog.InfoS("Deleting malformed node record", "node", id, "stage", "health")
		if err := r.repo.DeleteNode(ctx, id); err != nil {
			return nodeHealth{}, err
		}
		return nodeHealth{}, nil
	}

	creds := probe.Credentials{Username: r.cfg.ReplUsername, Password: r.cfg.ReplPassword}

	health, err := r.prober.ProbeHealth(probeCtx, rec.Host, rec.Port, creds)
	if err != nil {
		return nodeHealth{}, err
	}

	status := topology.StatusFailed
	gtid := rec.GTIDPosition
	online := health.Status == probe.StatusOnline

	if online {
		repl, err := r.prober.ProbeReplication(probeCtx, rec.Host, rec.Port, creds)
		if err == nil {
			gtid = repl.GTID
			if rec.Role == topology.RoleSlave {
				degraded := !repl.IORunning || !repl.SQLRunning ||
					(r.cfg.ReplicationLagThresh > 0 && time.Duration(repl.LagSeconds)*time.Second > r.cfg.ReplicationLagThresh)
				if degraded {
					online = false
				}
			}
		}
	}

	if online {
		status = topology.StatusOnline
	}

	if status != rec.Status || gtid != rec.GTIDPosition {
		if err := r.repo.PutNode(ctx, id, topology.ProbeResult{
			Host: rec.Host, Port: rec.Port, Role: rec.Role, Status: status,
			GTIDPosition: gtid, ObservedAt: time.Now(),
		}); err != nil {
			return nodeHealth{}, err
		}
	}

	rec.Status = status
	rec.GTIDPosition = gtid
	return nodeHealth{id: id, rec: rec, online: online}, nil
}

// decideFailover elects and promotes a replacement when the current
// master is absent or not online.
func (r *Reconciler) decideFailover(ctx context.Context, health []nodeHealth) error {
	m, present, err := r.repo.GetMaster(ctx)
	if err != nil {
		return err
	}

	if present {
		for _, nh := range health {
			if nh.id == m && nh.online {
				return nil
			}
		}
	}

	var candidates []election.Candidate
	for _, nh := range health {
		if nh.rec.Role == topology.RoleSlave && nh.online {
			candidates = append(candidates, election.Candidate{NodeID: nh.id, GTID: nh.rec.GTIDPosition})
		}
	}

	if len(candidates) == 0 {
		klog.InfoS("No failover candidates available", "stage", "failover")
		return nil
	}

	winner, ok := election.Elect(candidates)
	if !ok {
		return nil
	}

	var expectedPrev *string
	if present {
		expectedPrev = &m
	}

	ok, err = r.repo.SetMasterCAS(ctx, expectedPrev, winner.NodeID)
	if err != nil {
		return err
	}
	if !ok {
		klog.InfoS("Lost master CAS race, abandoning tick", "stage", "failover", "candidate", winner.NodeID)
		return nil
	}

	r.lastPromotion = time.Now()
	if r.metrics != nil {
		r.metrics.PromotionsTotal()
	}

	var others []string
	for _, nh := range health {
		if nh.id != winner.NodeID {
			others = append(others, nh.id)
		}
	}

	klog.InfoS("Promoted node to master", "node", winner.NodeID, "stage", "failover")
	return r.repo.SetRoles(ctx, winner.NodeID, others)
}

// publishRouting republishes the proxy's writer/reader groups from the
// post-sweep health view.
func (r *Reconciler) publishRouting(ctx context.Context, health []nodeHealth) error {
	m, present, err := r.repo.GetMaster(ctx)
	if err != nil {
		return err
	}

	if !present {
		if err := r.admin.PublishEmpty(ctx, r.cfg.WriterHostgroup, r.cfg.ReaderHostgroup); err != nil {
			r.recordPublishError()
			return err
		}
		return nil
	}

	masterRec, masterNodePresent, err := r.repo.GetNode(ctx, m)
	if err != nil {
		return err
	}
	if !masterNodePresent {
		if err := r.admin.PublishEmpty(ctx, r.cfg.WriterHostgroup, r.cfg.ReaderHostgroup); err != nil {
			r.recordPublishError()
			return err
		}
		return nil
	}
	masterEndpoint := proxyadmin.Endpoint{Host: masterRec.Host, Port: masterRec.Port}

	var slaves []proxyadmin.Endpoint
	for _, nh := range health {
		if nh.id == m {
			continue
		}
		if nh.rec.Role == topology.RoleSlave && nh.online {
			slaves = append(slaves, proxyadmin.Endpoint{Host: nh.rec.Host, Port: nh.rec.Port})
		}
	}

	sort.Slice(slaves, func(i, j int) bool { return slaves[i].Host < slaves[j].Host })

	if err := r.admin.PublishRouting(ctx, masterEndpoint, slaves, r.cfg.WriterHostgroup, r.cfg.ReaderHostgroup); err != nil {
		r.recordPublishError()
		return err
	}
	return nil
}

func (r *Reconciler) recordPublishError() {
	if r.metrics != nil {
		r.metrics.ProxyPublishErrorsTotal()
	}
}
