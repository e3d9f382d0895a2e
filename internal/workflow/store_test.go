package workflow

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/tollgate/internal/storage"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	for i, id := range []string{"b", "a", "c"} {
		task := &Task{ID: id, OwnerID: "alice", Status: TaskPending, CreatedAt: base.Add(time.Duration(i%2) * time.Minute)}
		if id == "c" {
			task.OwnerID = "bob"
			task.Status = TaskCompleted
		}
		if err := store.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask(%s): %v", id, err)
		}
	}

	if err := store.CreateTask(ctx, &Task{ID: "a"}); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("duplicate error = %v", err)
	}
	if err := store.CreateTask(ctx, &Task{}); !errors.Is(err, ErrInvalidTask) {
		t.Errorf("missing id error = %v", err)
	}

	got, err := store.GetTask(ctx, "a")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	got.Output = "mutated"
	again, _ := store.GetTask(ctx, "a")
	if again.Output != "" {
		t.Error("GetTask must return a copy")
	}

	if _, err := store.GetTask(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing error = %v", err)
	}
	if err := store.UpdateTask(ctx, &Task{ID: "missing"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("update missing error = %v", err)
	}

	tests := []struct {
		name string
		opts ListOptions
		want []string
	}{
		{"all", ListOptions{}, []string{"b", "c", "a"}},
		{"owner", ListOptions{OwnerID: "alice"}, []string{"b", "a"}},
		{"status", ListOptions{Statuses: []TaskStatus{TaskCompleted}}, []string{"c"}},
		{"limit", ListOptions{Limit: 1}, []string{"b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks, err := store.ListTasks(ctx, tt.opts)
			if err != nil {
				t.Fatalf("ListTasks: %v", err)
			}
			if len(tasks) != len(tt.want) {
				t.Fatalf("got %d tasks, want %d", len(tasks), len(tt.want))
			}
			for i, task := range tasks {
				if task.ID != tt.want[i] {
					t.Errorf("tasks[%d] = %s, want %s", i, task.ID, tt.want[i])
				}
			}
		})
	}
}

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SQLStore) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	return db, mock, NewSQLStore(storage.Wrap(db, storage.Postgres))
}

var taskRowColumns = []string{
	"id", "workflow_id", "owner_id", "task_type", "agent_id", "thread_id", "config", "status",
	"run_id", "output", "error", "created_at", "updated_at", "completed_at",
}

func TestSQLStore_CreateTask(t *testing.T) {
	now := time.Now()
	task := &Task{
		ID: "task-1", WorkflowID: "nightly", OwnerID: "alice", TaskType: TaskTypeAgent, AgentID: "mailer",
		Config: TaskConfig{Prompt: "hi"}, Status: TaskPending, CreatedAt: now, UpdatedAt: now,
	}

	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		wantErr   error
	}{
		{
			name: "success",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO workflow_tasks").
					WithArgs("task-1", "nightly", "alice", "agent", "mailer", "", `{"prompt":"hi"}`, "pending",
						"", "", "", sqlmock.AnyArg(), sqlmock.AnyArg(), nil).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name: "duplicate",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO workflow_tasks").
					WillReturnError(errors.New("duplicate key value violates unique constraint"))
			},
			wantErr: storage.ErrAlreadyExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockDB(t)
			defer db.Close()
			tt.setupMock(mock)

			err := store.CreateTask(context.Background(), task)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSQLStore_GetTask(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT (.+) FROM workflow_tasks WHERE id").
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows(taskRowColumns).AddRow(
			"task-1", "nightly", "alice", "agent", "mailer", "thread-1", []byte(`{"prompt":"hi"}`), "completed",
			"run-1", "done", "", now, now, now,
		))
	mock.ExpectQuery("SELECT (.+) FROM workflow_tasks WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	task, err := store.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != TaskCompleted || task.Config.Prompt != "hi" || task.CompletedAt == nil || task.RunID != "run-1" {
		t.Errorf("task = %+v", task)
	}

	if _, err := store.GetTask(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_UpdateTask(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("UPDATE workflow_tasks SET").
		WithArgs("thread-1", "failed", "run-1", "", "boom", sqlmock.AnyArg(), sqlmock.AnyArg(), "task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE workflow_tasks SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	now := time.Now()
	task := &Task{ID: "task-1", ThreadID: "thread-1", RunID: "run-1", Status: TaskFailed, Error: "boom", UpdatedAt: now, CompletedAt: &now}
	if err := store.UpdateTask(context.Background(), task); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if err := store.UpdateTask(context.Background(), &Task{ID: "gone"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStore_ListTasks(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT (.+) FROM workflow_tasks WHERE (.+) AND status IN \(\$2, \$3\) ORDER BY created_at, id LIMIT \$4`).
		WithArgs("alice", "pending", "awaiting_approval", 100).
		WillReturnRows(sqlmock.NewRows(taskRowColumns).
			AddRow("t1", "nightly", "alice", "agent", "mailer", "th1", []byte(`{}`), "pending", "r1", "", "", now, now, nil).
			AddRow("t2", "manual", "alice", "agent", "mailer", "th2", []byte(`{}`), "awaiting_approval", "r2", "", "", now, now, nil))

	tasks, err := store.ListTasks(context.Background(), ListOptions{
		OwnerID:  "alice",
		Statuses: []TaskStatus{TaskPending, TaskAwaitingApproval},
	})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 2 || tasks[1].Status != TaskAwaitingApproval || tasks[0].CompletedAt != nil {
		t.Errorf("tasks = %+v", tasks)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
