package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/coursebridge/completion-backend/internal/completion"
	"github.com/coursebridge/completion-backend/internal/db"
	"github.com/coursebridge/completion-backend/internal/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}

// fakeTreeProvider serves trees from memory and can fail per course.
type fakeTreeProvider struct {
	trees map[string]*completion.Tree
	errs  map[string]error
	calls map[string]int
}

func newFakeTreeProvider() *fakeTreeProvider {
	return &fakeTreeProvider{
		trees: make(map[string]*completion.Tree),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeTreeProvider) GetTree(ctx context.Context, courseKey string) (*completion.Tree, error) {
	f.calls[courseKey]++
	if err, ok := f.errs[courseKey]; ok {
		return nil, err
	}
	tree, ok := f.trees[courseKey]
	if !ok {
		return nil, fmt.Errorf("no tree registered for %s", courseKey)
	}
	return tree, nil
}

type fakeCompletionSource struct {
	leaves map[uuid.UUID]map[string]completion.LeafValue
	errs   map[uuid.UUID]error
}

func newFakeCompletionSource() *fakeCompletionSource {
	return &fakeCompletionSource{
		leaves: make(map[uuid.UUID]map[string]completion.LeafValue),
		errs:   make(map[uuid.UUID]error),
	}
}

func (f *fakeCompletionSource) GetLeafValues(ctx context.Context, userID uuid.UUID, courseKey string) (map[string]completion.LeafValue, error) {
	if err, ok := f.errs[userID]; ok {
		return nil, err
	}
	return f.leaves[userID], nil
}

// demoTree is a small two-chapter course used across service tests:
//
//	root (course)
//	├── chapter1 ── h1, h2 (html)
//	└── chapter2 ── h3 (html)
func demoTree(courseKey string) *completion.Tree {
	return &completion.Tree{
		CourseKey: courseKey,
		Root:      "root",
		Nodes: map[string]*completion.Node{
			"root":     {BlockKey: "root", BlockType: "course", Children: []string{"chapter1", "chapter2"}},
			"chapter1": {BlockKey: "chapter1", BlockType: "chapter", Parent: "root", Children: []string{"h1", "h2"}},
			"chapter2": {BlockKey: "chapter2", BlockType: "chapter", Parent: "root", Children: []string{"h3"}},
			"h1":       {BlockKey: "h1", BlockType: "html", Parent: "chapter1"},
			"h2":       {BlockKey: "h2", BlockType: "html", Parent: "chapter1"},
			"h3":       {BlockKey: "h3", BlockType: "html", Parent: "chapter2"},
		},
	}
}
