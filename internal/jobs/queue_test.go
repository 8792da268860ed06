package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/forgeline/sandboxd/internal/agentapi"
	"github.com/forgeline/sandboxd/internal/database"
	"github.com/forgeline/sandboxd/internal/model"
	"github.com/forgeline/sandboxd/internal/store"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.New(db)
}

func TestQueue_EnqueueBuild(t *testing.T) {
	s := setupStore(t)
	q := NewQueue(s, 3)
	notified := 0
	q.SetNotifyFunc(func() { notified++ })

	ctx := context.Background()
	payload := BuildPayload{
		BuildJobID: "b1",
		SessionID:  "s1",
		ProjectID:  "p1",
		Tickets:    []agentapi.Ticket{{ID: "T1", Title: "x", Type: "schema", EstimatedEffort: 1}},
		Credential: "tok",
	}
	id, err := q.Enqueue(ctx, payload)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if notified != 1 {
		t.Errorf("notify called %d times", notified)
	}

	job, err := s.GetJobByID(ctx, id)
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if job.Type != string(JobTypeBuild) || job.MaxAttempts != 1 {
		t.Errorf("job = %+v", job)
	}
	if job.ResourceID == nil || *job.ResourceID != "s1" {
		t.Errorf("resource id = %v", job.ResourceID)
	}

	var decoded BuildPayload
	if err := json.Unmarshal(job.Payload, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.BuildJobID != "b1" || len(decoded.Tickets) != 1 {
		t.Errorf("payload = %+v", decoded)
	}

	if _, err := q.Enqueue(ctx, payload); !errors.Is(err, ErrJobAlreadyExists) {
		t.Errorf("second enqueue err = %v, want ErrJobAlreadyExists", err)
	}

	if err := s.CompleteJob(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, payload); err != nil {
		t.Errorf("enqueue after completion: %v", err)
	}

	var count int64
	s.DB().Model(&model.Job{}).Count(&count)
	if count != 2 {
		t.Errorf("jobs = %d, want 2", count)
	}
}
