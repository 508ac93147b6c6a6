package shard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Job{}, &models.Shard{}, &models.ShardAssignment{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func addShard(t *testing.T, db *gorm.DB, s models.Shard) {
	t.Helper()
	if s.ExecutionMode == "" {
		s.ExecutionMode = config.ModeSession
	}
	if s.HealthStatus == "" {
		s.HealthStatus = models.HealthHealthy
	}
	if s.Capabilities == nil {
		s.Capabilities = []string{"git", "filesystem", "ticket-tracker"}
	}
	if err := db.Create(&s).Error; err != nil {
		t.Fatalf("create shard %s: %v", s.ID, err)
	}
}

func addRunning(t *testing.T, db *gorm.DB, shardID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		job := models.Job{
			ID:        fmt.Sprintf("%s-job-%d", shardID, i),
			TenantID:  "acme",
			TicketKey: fmt.Sprintf("%s-%d", shardID, i),
			ShardID:   shardID,
			Status:    models.StatusRunning,
		}
		if err := db.Create(&job).Error; err != nil {
			t.Fatalf("create job: %v", err)
		}
	}
}

func assign(t *testing.T, db *gorm.DB, tenant string, shardIDs ...string) {
	t.Helper()
	for _, id := range shardIDs {
		if err := db.Create(&models.ShardAssignment{ShardID: id, TenantID: tenant}).Error; err != nil {
			t.Fatalf("assign: %v", err)
		}
	}
}

var caps = []string{"git", "filesystem", "ticket-tracker"}

// fakeProber returns canned results per shard id.
type fakeProber struct {
	mu      sync.Mutex
	results map[string]ProbeResult
	errs    map[string]error
	calls   []string
}

func (p *fakeProber) Probe(_ context.Context, s *models.Shard) (ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, s.ID)
	if err := p.errs[s.ID]; err != nil {
		return ProbeResult{}, err
	}
	if r, ok := p.results[s.ID]; ok {
		return r, nil
	}
	return ProbeResult{Healthy: true}, nil
}

func TestListEligible_DefaultPool(t *testing.T) {
	db := openTestDB(t)
	addShard(t, db, models.Shard{ID: "a", Host: "h", IsDefault: true, MaxConcurrentJobs: 2})
	addShard(t, db, models.Shard{ID: "b", Host: "h", IsDefault: false, MaxConcurrentJobs: 2})
	addShard(t, db, models.Shard{ID: "c", Host: "h", IsDefault: true, HealthStatus: models.HealthUnhealthy, MaxConcurrentJobs: 2})
	addShard(t, db, models.Shard{ID: "d", Host: "h", IsDefault: true, HealthStatus: models.HealthUnknown, MaxConcurrentJobs: 2})
	addShard(t, db, models.Shard{ID: "e", Host: "h", IsDefault: true, Capabilities: []string{"git"}, MaxConcurrentJobs: 2})

	got, err := NewRegistry(db).ListEligible(context.Background(), "acme", caps)
	if err != nil {
		t.Fatalf("ListEligible: %v", err)
	}
	ids := shardIDs(got)
	if fmt.Sprint(ids) != "[a d]" {
		t.Errorf("eligible = %v, want [a d]", ids)
	}
}

func TestListEligible_AssignmentsReplaceDefaults(t *testing.T) {
	db := openTestDB(t)
	addShard(t, db, models.Shard{ID: "pool", Host: "h", IsDefault: true, MaxConcurrentJobs: 2})
	addShard(t, db, models.Shard{ID: "dedicated", Host: "h", MaxConcurrentJobs: 2})
	assign(t, db, "acme", "dedicated")

	reg := NewRegistry(db)
	got, _ := reg.ListEligible(context.Background(), "acme", caps)
	if fmt.Sprint(shardIDs(got)) != "[dedicated]" {
		t.Errorf("acme eligible = %v, want [dedicated]", shardIDs(got))
	}
	got, _ = reg.ListEligible(context.Background(), "globex", caps)
	if fmt.Sprint(shardIDs(got)) != "[pool]" {
		t.Errorf("globex eligible = %v, want [pool]", shardIDs(got))
	}
}

func shardIDs(shards []models.Shard) []string {
	ids := make([]string, len(shards))
	for i, s := range shards {
		ids[i] = s.ID
	}
	return ids
}

func TestRunningJobCount(t *testing.T) {
	db := openTestDB(t)
	addRunning(t, db, "a", 3)
	db.Create(&models.Job{ID: "pending", TenantID: "acme", TicketKey: "P-1", ShardID: "a", Status: models.StatusPending})

	n, err := NewRegistry(db).RunningJobCount(context.Background(), "a")
	if err != nil {
		t.Fatalf("RunningJobCount: %v", err)
	}
	if n != 3 {
		t.Errorf("RunningJobCount = %d, want 3", n)
	}
}

func TestSelectShard_LowestLoadWins(t *testing.T) {
	db := openTestDB(t)
	addShard(t, db, models.Shard{ID: "a", Host: "h", IsDefault: true, MaxConcurrentJobs: 4})
	addShard(t, db, models.Shard{ID: "b", Host: "h", IsDefault: true, MaxConcurrentJobs: 5})
	addRunning(t, db, "a", 2) // load 0.5
	addRunning(t, db, "b", 1) // load 0.2

	r := NewRouter(NewRegistry(db), nil, 0, nil)
	got, err := r.SelectShard(context.Background(), "acme", caps)
	if err != nil {
		t.Fatalf("SelectShard: %v", err)
	}
	if got.ID != "b" {
		t.Errorf("SelectShard = %q, want %q", got.ID, "b")
	}
}

func TestSelectShard_TiesKeepRegistryOrder(t *testing.T) {
	db := openTestDB(t)
	addShard(t, db, models.Shard{ID: "a", Host: "h", IsDefault: true, MaxConcurrentJobs: 2})
	addShard(t, db, models.Shard{ID: "b", Host: "h", IsDefault: true, MaxConcurrentJobs: 4})
	addRunning(t, db, "a", 1)
	addRunning(t, db, "b", 2)

	got, err := NewRouter(NewRegistry(db), nil, 0, nil).SelectShard(context.Background(), "acme", caps)
	if err != nil {
		t.Fatalf("SelectShard: %v", err)
	}
	if got.ID != "a" {
		t.Errorf("SelectShard = %q, want %q", got.ID, "a")
	}
}

func TestSelectShard_NeverReturnsFullShard(t *testing.T) {
	db := openTestDB(t)
	addShard(t, db, models.Shard{ID: "full", Host: "h", IsDefault: true, MaxConcurrentJobs: 2})
	addShard(t, db, models.Shard{ID: "zero", Host: "h", IsDefault: true})
	// The column default would otherwise apply to a zero value on insert.
	db.Model(&models.Shard{}).Where("id = ?", "zero").Update("max_concurrent_jobs", 0)
	addRunning(t, db, "full", 2)

	_, err := NewRouter(NewRegistry(db), nil, 0, nil).SelectShard(context.Background(), "acme", caps)
	if !errors.Is(err, ErrNoEligibleShard) {
		t.Errorf("err = %v, want ErrNoEligibleShard", err)
	}
}

func TestSelectShard_APIMode(t *testing.T) {
	db := openTestDB(t)
	addShard(t, db, models.Shard{ID: "a", Host: "h", IsDefault: true, ExecutionMode: config.ModeAPI, MaxConcurrentJobs: 4})
	addShard(t, db, models.Shard{ID: "b", Host: "h", IsDefault: true, ExecutionMode: config.ModeAPI, MaxConcurrentJobs: 4})
	addShard(t, db, models.Shard{ID: "c", Host: "h", IsDefault: true, ExecutionMode: config.ModeSession, MaxConcurrentJobs: 4})
	addRunning(t, db, "c", 3) // load 0.75, trusted as is

	prober := &fakeProber{
		// a: ledger says idle but the worker reports 3 running.
		results: map[string]ProbeResult{"a": {Healthy: true, RunningJobs: 3, HasCount: true}},
		// b: unreachable, dropped.
		errs: map[string]error{"b": errors.New("connection refused")},
	}

	got, err := NewRouter(NewRegistry(db), prober, time.Second, nil).SelectShard(context.Background(), "acme", caps)
	if err != nil {
		t.Fatalf("SelectShard: %v", err)
	}
	// a and c both at 0.75; a comes first.
	if got.ID != "a" {
		t.Errorf("SelectShard = %q, want %q", got.ID, "a")
	}
	for _, id := range prober.calls {
		if id == "c" {
			t.Error("session-mode shard c was probed")
		}
	}
}

func TestSelectShard_LiveStatusReportsFull(t *testing.T) {
	db := openTestDB(t)
	addShard(t, db, models.Shard{ID: "a", Host: "h", IsDefault: true, ExecutionMode: config.ModeAPI, MaxConcurrentJobs: 2})
	prober := &fakeProber{results: map[string]ProbeResult{"a": {Healthy: true, RunningJobs: 2, HasCount: true}}}

	_, err := NewRouter(NewRegistry(db), prober, time.Second, nil).SelectShard(context.Background(), "acme", caps)
	if !errors.Is(err, ErrNoEligibleShard) {
		t.Errorf("err = %v, want ErrNoEligibleShard", err)
	}
}

func TestLoadOf(t *testing.T) {
	if got := loadOf(1, 0); got != 1 {
		t.Errorf("loadOf(1, 0) = %v, want 1", got)
	}
	if got := loadOf(1, 4); got != 0.25 {
		t.Errorf("loadOf(1, 4) = %v, want 0.25", got)
	}
}

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(rawURL[len("http://"):])
	if err != nil {
		t.Fatalf("split %s: %v", rawURL, err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func TestHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","running_jobs":1,"max_jobs":2}`))
	}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	res, err := (&HTTPProber{}).Probe(context.Background(), &models.Shard{ID: "a", Host: host, Port: port})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !res.Healthy || !res.HasCount || res.RunningJobs != 1 {
		t.Errorf("Probe = %+v, want healthy with 1 running", res)
	}
}

func TestHTTPStatus_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	if _, err := (&HTTPProber{}).Probe(context.Background(), &models.Shard{ID: "a", Host: host, Port: port}); err == nil {
		t.Error("expected error for 503")
	}
}

func TestTCPStatus(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	p := &TCPProber{}
	if _, err := p.Probe(context.Background(), &models.Shard{ID: "s", Host: "127.0.0.1", Port: port}); err != nil {
		t.Errorf("Probe(listening) = %v, want nil", err)
	}
	ln.Close()
	if _, err := p.Probe(context.Background(), &models.Shard{ID: "s", Host: "127.0.0.1", Port: port}); err == nil {
		t.Error("Probe(closed) = nil, want error")
	}
}

func TestCheckAll(t *testing.T) {
	db := openTestDB(t)
	addShard(t, db, models.Shard{ID: "up", Host: "h", HealthStatus: models.HealthUnknown, MaxConcurrentJobs: 2})
	addShard(t, db, models.Shard{ID: "down", Host: "h", HealthStatus: models.HealthHealthy, MaxConcurrentJobs: 2})
	prober := &fakeProber{errs: map[string]error{"down": errors.New("timeout")}}

	reg := NewRegistry(db)
	reports, err := CheckAll(context.Background(), reg, prober, time.Second, nil)
	if err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("len(reports) = %d, want 2", len(reports))
	}

	up, _ := reg.Get(context.Background(), "up")
	down, _ := reg.Get(context.Background(), "down")
	if up.HealthStatus != models.HealthHealthy {
		t.Errorf("up.HealthStatus = %q, want healthy", up.HealthStatus)
	}
	if down.HealthStatus != models.HealthUnhealthy {
		t.Errorf("down.HealthStatus = %q, want unhealthy", down.HealthStatus)
	}
	if up.LastCheckedAt == nil {
		t.Error("LastCheckedAt not set")
	}
}

func TestSetHealth_UnknownShard(t *testing.T) {
	db := openTestDB(t)
	err := NewRegistry(db).SetHealth(context.Background(), "ghost", models.HealthHealthy, time.Now())
	if !errors.Is(err, ErrShardNotFound) {
		t.Errorf("err = %v, want ErrShardNotFound", err)
	}
}
