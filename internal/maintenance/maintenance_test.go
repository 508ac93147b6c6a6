package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/switchyard/internal/ledger"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/shard"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Job{}, &models.JobLog{}, &models.Shard{}, &models.ShardAssignment{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

type stubProber struct {
	down map[string]bool
}

func (p stubProber) Probe(_ context.Context, s *models.Shard) (shard.ProbeResult, error) {
	if p.down[s.ID] {
		return shard.ProbeResult{}, errors.New("connection refused")
	}
	return shard.ProbeResult{Healthy: true}, nil
}

type recordingArchiver struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (a *recordingArchiver) Archive(_ context.Context, job *models.Job, _ []models.JobLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.jobs = append(a.jobs, job.ID)
	return nil
}

func seedShards(t *testing.T, db *gorm.DB) {
	t.Helper()
	for _, id := range []string{"shard-a", "shard-b"} {
		if err := db.Create(&models.Shard{ID: id, Host: "127.0.0.1", Port: 1, HealthStatus: models.HealthUnknown}).Error; err != nil {
			t.Fatal(err)
		}
	}
}

func failedJob(t *testing.T, db *gorm.DB, l *ledger.Ledger, ticket string, age time.Duration) string {
	t.Helper()
	ctx := context.Background()
	id, err := l.Create(ctx, ledger.NewJob{TenantID: "acme", TicketKey: ticket})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.AppendLog(ctx, id, ledger.LevelInfo, "dispatched", nil); err != nil {
		t.Fatal(err)
	}
	if err := l.Fail(ctx, id, "boom"); err != nil {
		t.Fatal(err)
	}
	if err := db.Model(&models.Job{}).Where("id = ?", id).UpdateColumn("updated_at", time.Now().Add(-age)).Error; err != nil {
		t.Fatal(err)
	}
	return id
}

func TestCleanup_ArchivesThenDeletesExpired(t *testing.T) {
	db := openTestDB(t)
	l := ledger.New(db, nil)
	old := failedJob(t, db, l, "X-1", 40*24*time.Hour)
	recent := failedJob(t, db, l, "X-2", time.Hour)

	arch := &recordingArchiver{}
	s, err := New(l, shard.NewRegistry(db), nil, arch, Options{Retention: 30 * 24 * time.Hour}, nil)
	if err != nil {
		t.Fatal(err)
	}
	n, err := s.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if len(arch.jobs) != 1 || arch.jobs[0] != old {
		t.Errorf("archived = %v, want [%s]", arch.jobs, old)
	}
	if _, err := l.Get(context.Background(), old); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expired job still present: %v", err)
	}
	if _, err := l.Get(context.Background(), recent); err != nil {
		t.Errorf("recent job removed: %v", err)
	}
}

func TestCleanup_KeepsJobWhenArchiveFails(t *testing.T) {
	db := openTestDB(t)
	l := ledger.New(db, nil)
	old := failedJob(t, db, l, "X-1", 40*24*time.Hour)

	s, err := New(l, shard.NewRegistry(db), nil, &recordingArchiver{err: errors.New("bucket gone")}, Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	n, err := s.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 0 {
		t.Errorf("deleted = %d, want 0", n)
	}
	if _, err := l.Get(context.Background(), old); err != nil {
		t.Errorf("job deleted despite archive failure: %v", err)
	}
}

func TestCheckHealth(t *testing.T) {
	db := openTestDB(t)
	seedShards(t, db)
	reg := shard.NewRegistry(db)
	s, err := New(ledger.New(db, nil), reg, stubProber{down: map[string]bool{"shard-b": true}}, nil, Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	reports, err := s.CheckHealth(context.Background())
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	a, _ := reg.Get(context.Background(), "shard-a")
	b, _ := reg.Get(context.Background(), "shard-b")
	if a.HealthStatus != models.HealthHealthy || b.HealthStatus != models.HealthUnhealthy {
		t.Errorf("health = %s/%s, want healthy/unhealthy", a.HealthStatus, b.HealthStatus)
	}
	if a.LastCheckedAt == nil {
		t.Error("LastCheckedAt not recorded")
	}
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	db := openTestDB(t)
	_, err := New(ledger.New(db, nil), shard.NewRegistry(db), nil, nil, Options{CleanupSchedule: "every tuesday"}, nil)
	if err == nil {
		t.Fatal("expected error for bad cron expression")
	}
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	db := openTestDB(t)
	seedShards(t, db)
	reg := shard.NewRegistry(db)
	s, err := New(ledger.New(db, nil), reg, stubProber{}, nil, Options{HealthInterval: time.Second}, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		sh, err := reg.Get(context.Background(), "shard-a")
		if err == nil && sh.HealthStatus == models.HealthHealthy {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("health sweep did not run")
		}
		time.Sleep(100 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
