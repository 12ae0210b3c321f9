package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LumeWeb/akash-proxysql/pkg/config"
	"github.com/LumeWeb/akash-proxysql/pkg/probe"
	"github.com/LumeWeb/akash-proxysql/pkg/proxyadmin"
	"github.com/LumeWeb/akash-proxysql/pkg/storeclient"
	"github.com/LumeWeb/akash-proxysql/pkg/topology"
)

// fakeProber returns canned results keyed by "host:port".
type fakeProber struct {
	mu     sync.Mutex
	health map[string]probe.Health
	repl   map[string]probe.Replication
}

func newFakeProber() *fakeProber {
	return &fakeProber{health: map[string]probe.Health{}, repl: map[string]probe.Replication{}}
}

func (f *fakeProber) set(host, port string, h probe.Health, r probe.Replication) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := host + ":" + port
	f.health[key] = h
	f.repl[key] = r
}

func (f *fakeProber) ProbeHealth(_ context.Context, host, port string, _ probe.Credentials) (probe.Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.health[host+":"+port]
	if !ok {
		return probe.Health{Status: probe.StatusFailed}, nil
	}
	return h, nil
}

func (f *fakeProber) ProbeReplication(_ context.Context, host, port string, _ probe.Credentials) (probe.Replication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.repl[host+":"+port], nil
}

// fakeAdmin records the last publish call.
type fakeAdmin struct {
	mu      sync.Mutex
	emptied bool
	master  proxyadmin.Endpoint
	slaves  []proxyadmin.Endpoint
	calls   int
}

func (f *fakeAdmin) PublishEmpty(_ context.Context, _, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emptied = true
	f.calls++
	return nil
}

func (f *fakeAdmin) PublishRouting(_ context.Context, master proxyadmin.Endpoint, slaves []proxyadmin.Endpoint, _, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emptied = false
	f.master = master
	f.slaves = slaves
	f.calls++
	return nil
}

func newTestReconciler() (*Reconciler, *storeclient.MemStore, *topology.Repository, *fakeProber, *fakeAdmin) {
	store := storeclient.NewMemStore()
	repo := topology.NewRepository(store)
	prober := newFakeProber()
	admin := &fakeAdmin{}
	cfg := config.Config{
		CheckInterval:        5 * time.Second,
		PromotionGracePeriod: 30 * time.Second,
		MaxAge:               300 * time.Second,
		WriterHostgroup:      10,
		ReaderHostgroup:      20,
		ProbeTimeout:         3 * time.Second,
		ProbeConcurrency:     16,
		ReplicationLagThresh: 300 * time.Second,
	}
	r := New(store, repo, prober, admin, cfg, nil)
	return r, store, repo, prober, admin
}

func TestSFresh(t *testing.T) {
	r, _, _, _, admin := newTestReconciler()

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if admin.calls != 0 {
		t.Errorf("expected no proxy publish on an empty store, got %d calls", admin.calls)
	}
}

func TestSRegisterOne(t *testing.T) {
	ctx := context.Background()
	r, _, repo, prober, admin := newTestReconciler()

	_ = repo.PutNode(ctx, "a", topology.ProbeResult{Host: "10.0.0.1", Port: "3306", Role: "", Status: topology.StatusUnknown, ObservedAt: time.Now()})
	prober.set("10.0.0.1", "3306", probe.Health{Status: probe.StatusOnline}, probe.Replication{IORunning: true, SQLRunning: true})

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, present, err := repo.GetNode(ctx, "a")
	if err != nil || !present {
		t.Fatalf("expected node a present, got present=%v err=%v", present, err)
	}
	if rec.Status != topology.StatusOnline {
		t.Errorf("expected a online, got %s", rec.Status)
	}

	_, masterPresent, _ := repo.GetMaster(ctx)
	if masterPresent {
		t.Error("expected no master elected with no slave candidates")
	}
	if !admin.emptied {
		t.Error("expected writer group published empty with no master")
	}

	_ = repo.PutNode(ctx, "b", topology.ProbeResult{Host: "10.0.0.2", Port: "3306", Role: topology.RoleSlave, Status: topology.StatusUnknown, ObservedAt: time.Now()})
	prober.set("10.0.0.2", "3306", probe.Health{Status: probe.StatusOnline}, probe.Replication{IORunning: true, SQLRunning: true})

	ok, err := repo.SetMasterCAS(ctx, nil, "a")
	if err != nil || !ok {
		t.Fatalf("manual operator write to set master failed: ok=%v err=%v", ok, err)
	}
	_ = repo.SetRoles(ctx, "a", []string{"b"})

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if admin.emptied {
		t.Fatal("expected a non-empty publish after master established")
	}
	if admin.master.Host != "10.0.0.1" {
		t.Errorf("expected writer=10.0.0.1, got %s", admin.master.Host)
	}
	if len(admin.slaves) != 1 || admin.slaves[0].Host != "10.0.0.2" {
		t.Errorf("expected reader=[10.0.0.2], got %v", admin.slaves)
	}
}

func TestSFailover(t *testing.T) {
	ctx := context.Background()
	r, _, repo, prober, admin := newTestReconciler()

	_ = repo.PutNode(ctx, "a", topology.ProbeResult{Host: "host-a", Port: "3306", Role: topology.RoleMaster, Status: topology.StatusOnline, ObservedAt: time.Now()})
	_ = repo.PutNode(ctx, "b", topology.ProbeResult{Host: "host-b", Port: "3306", Role: topology.RoleSlave, Status: topology.StatusOnline, GTIDPosition: "x:1-100", ObservedAt: time.Now()})
	_ = repo.PutNode(ctx, "c", topology.ProbeResult{Host: "host-c", Port: "3306", Role: topology.RoleSlave, Status: topology.StatusOnline, GTIDPosition: "x:1-120", ObservedAt: time.Now()})
	_, _ = repo.SetMasterCAS(ctx, nil, "a")

	prober.set("host-a", "3306", probe.Health{Status: probe.StatusFailed}, probe.Replication{})
	prober.set("host-b", "3306", probe.Health{Status: probe.StatusOnline}, probe.Replication{IORunning: true, SQLRunning: true, GTID: "x:1-100"})
	prober.set("host-c", "3306", probe.Health{Status: probe.StatusOnline}, probe.Replication{IORunning: true, SQLRunning: true, GTID: "x:1-120"})

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m, present, err := repo.GetMaster(ctx)
	if err != nil || !present {
		t.Fatalf("expected a master elected, present=%v err=%v", present, err)
	}
	if m != "c" {
		t.Errorf("expected c elected (higher GTID), got %s", m)
	}

	if admin.master.Host != "host-c" {
		t.Errorf("expected writer=host-c, got %s", admin.master.Host)
	}
	for _, s := range admin.slaves {
		if s.Host == "host-a" {
			t.Error("expected failed node a excluded from reader group")
		}
	}
}

func TestSGTIDTie(t *testing.T) {
	ctx := context.Background()
	r, _, repo, prober, _ := newTestReconciler()

	_ = repo.PutNode(ctx, "zzz", topology.ProbeResult{Host: "h1", Port: "3306", Role: topology.RoleSlave, Status: topology.StatusOnline, GTIDPosition: "x:1-50", ObservedAt: time.Now()})
	_ = repo.PutNode(ctx, "aaa", topology.ProbeResult{Host: "h2", Port: "3306", Role: topology.RoleSlave, Status: topology.StatusOnline, GTIDPosition: "x:1-50", ObservedAt: time.Now()})

	prober.set("h1", "3306", probe.Health{Status: probe.StatusOnline}, probe.Replication{IORunning: true, SQLRunning: true, GTID: "x:1-50"})
	prober.set("h2", "3306", probe.Health{Status: probe.StatusOnline}, probe.Replication{IORunning: true, SQLRunning: true, GTID: "x:1-50"})

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m, present, err := repo.GetMaster(ctx)
	if err != nil || !present {
		t.Fatalf("expected a master elected, present=%v err=%v", present, err)
	}
	if m != "aaa" {
		t.Errorf("expected lexicographically smaller node id aaa elected on tie, got %s", m)
	}
}

func TestSGrace(t *testing.T) {
	ctx := context.Background()
	r, _, repo, prober, _ := newTestReconciler()

	_ = repo.PutNode(ctx, "c", topology.ProbeResult{Host: "host-c", Port: "3306", Role: topology.RoleMaster, Status: topology.StatusOnline, GTIDPosition: "x:1-120", ObservedAt: time.Now()})
	_, _ = repo.SetMasterCAS(ctx, nil, "c")
	r.lastPromotion = time.Now()

	prober.set("host-c", "3306", probe.Health{Status: probe.StatusFailed}, probe.Replication{})

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m, present, err := repo.GetMaster(ctx)
	if err != nil || !present || m != "c" {
		t.Fatalf("expected master pointer to survive within grace period, present=%v m=%s err=%v", present, m, err)
	}

	r.lastPromotion = time.Now().Add(-time.Hour)

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, present, _ = repo.GetMaster(ctx)
	if present {
		t.Error("expected master pointer cleared after grace period expired with master still failed")
	}
}

func TestSStalePrune(t *testing.T) {
	ctx := context.Background()
	r, _, repo, _, _ := newTestReconciler()

	old := time.Now().Add(-10 * time.Minute)
	_ = repo.PutNode(ctx, "z", topology.ProbeResult{Host: "host-z", Port: "3306", Role: topology.RoleMaster, Status: topology.StatusOnline, ObservedAt: old})
	_, _ = repo.SetMasterCAS(ctx, nil, "z")
	_ = repo.PutSlaveRecord(ctx, "z", topology.SlaveRecord{MasterNodeID: "z"})

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, present, _ := repo.GetNode(ctx, "z")
	if present {
		t.Error("expected stale node z pruned")
	}
	_, present, _ = repo.GetSlaveRecord(ctx, "z")
	if present {
		t.Error("expected slave record for z pruned")
	}
	_, present, _ = repo.GetMaster(ctx)
	if present {
		t.Error("expected master pointer cleared when master was pruned")
	}
}

func TestValidPort(t *testing.T) {
	cases := []struct {
		port string
		want bool
	}{
		{"3306", true},
		{"1", true},
		{"65535", true},
		{"0", false},
		{"65536", false},
		{"-1", false},
		{"abc", false},
		{"", false},
	}
	for _, c := range cases {
		if got := validPort(c.port); got != c.want {
			t.Errorf("validPort(%q) = %v, want %v", c.port, got, c.want)
		}
	}
}

func TestHealthSweepPrunesMalformedPort(t *testing.T) {
	ctx := context.Background()
	r, _, repo, prober, _ := newTestReconciler()

	_ = repo.PutNode(ctx, "a", topology.ProbeResult{Host: "host-a", Port: "not-a-port", Role: topology.RoleSlave, Status: topology.StatusUnknown, ObservedAt: time.Now()})
	prober.set("host-a", "not-a-port", probe.Health{Status: probe.StatusOnline}, probe.Replication{IORunning: true, SQLRunning: true})

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, present, _ := repo.GetNode(ctx, "a")
	if present {
		t.Error("expected node with malformed port pruned")
	}
}

func TestInvariantSingleMasterAfterTick(t *testing.T) {
	ctx := context.Background()
	r, _, repo, prober, _ := newTestReconciler()

	_ = repo.PutNode(ctx, "a", topology.ProbeResult{Host: "host-a", Port: "3306", Role: topology.RoleMaster, Status: topology.StatusOnline, ObservedAt: time.Now()})
	_ = repo.PutNode(ctx, "b", topology.ProbeResult{Host: "host-b", Port: "3306", Role: topology.RoleSlave, Status: topology.StatusOnline, ObservedAt: time.Now()})
	_, _ = repo.SetMasterCAS(ctx, nil, "a")

	prober.set("host-a", "3306", probe.Health{Status: probe.StatusOnline}, probe.Replication{IORunning: true, SQLRunning: true})
	prober.set("host-b", "3306", probe.Health{Status: probe.StatusOnline}, probe.Replication{IORunning: true, SQLRunning: true})

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ids, _ := repo.ListNodes(ctx)
	masters := 0
	for _, id := range ids {
		rec, _, _ := repo.GetNode(ctx, id)
		if rec.Role == topology.RoleMaster {
			masters++
		}
	}
	if masters != 1 {
		t.Errorf("expected exactly one master role, got %d", masters)
	}
}

func TestIdempotenceNoObservableChangeOnSecondTick(t *testing.T) {
	ctx := context.Background()
	r, _, repo, prober, admin := newTestReconciler()

	_ = repo.PutNode(ctx, "a", topology.ProbeResult{Host: "host-a", Port: "3306", Role: topology.RoleMaster, Status: topology.StatusOnline, ObservedAt: time.Now()})
	_ = repo.PutNode(ctx, "b", topology.ProbeResult{Host: "host-b", Port: "3306", Role: topology.RoleSlave, Status: topology.StatusOnline, ObservedAt: time.Now()})
	_, _ = repo.SetMasterCAS(ctx, nil, "a")

	prober.set("host-a", "3306", probe.Health{Status: probe.StatusOnline}, probe.Replication{IORunning: true, SQLRunning: true})
	prober.set("host-b", "3306", probe.Health{Status: probe.StatusOnline}, probe.Replication{IORunning: true, SQLRunning: true})

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstMaster, firstSlaves := admin.master, admin.slaves

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if admin.master != firstMaster {
		t.Errorf("expected stable writer endpoint across idempotent ticks, got %v vs %v", firstMaster, admin.master)
	}
	if len(admin.slaves) != len(firstSlaves) {
		t.Errorf("expected stable reader set across idempotent ticks, got %v vs %v", firstSlaves, admin.slaves)
	}
}
