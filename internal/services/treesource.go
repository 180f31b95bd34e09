package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coursebridge/completion-backend/internal/completion"
	"github.com/coursebridge/completion-backend/internal/logger"
	pkgerrors "github.com/coursebridge/completion-backend/internal/pkg/errors"
	"github.com/coursebridge/completion-backend/internal/repos"
)

// CompletionSource supplies raw leaf completion values for one enrollment.
type CompletionSource interface {
	GetLeafValues(ctx context.Context, userID uuid.UUID, courseKey string) (map[string]completion.LeafValue, error)
}

// HTTPTreeProvider fetches course trees from the content service.
type HTTPTreeProvider struct {
	log     *logger.Logger
	client  *http.Client
	baseURL string
}

func NewHTTPTreeProvider(log *logger.Logger, baseURL string) *HTTPTreeProvider {
	return &HTTPTreeProvider{
		log:     log.With("service", "HTTPTreeProvider"),
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type treePayload struct {
	CourseKey string `json:"course_key"`
	Root      string `json:"root"`
	Blocks    []struct {
		BlockKey  string   `json:"block_key"`
		BlockType string   `json:"block_type"`
		Parent    string   `json:"parent,omitempty"`
		Children  []string `json:"children,omitempty"`
	} `json:"blocks"`
}

func (p *HTTPTreeProvider) GetTree(ctx context.Context, courseKey string) (*completion.Tree, error) {
	endpoint := fmt.Sprintf("%s/api/courses/%s/blocks", p.baseURL, url.PathEscape(courseKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build tree request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch course tree: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrCourseNotFound, courseKey)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch course tree: unexpected status %d", resp.StatusCode)
	}

	var payload treePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode course tree: %w", err)
	}

	tree := &completion.Tree{
		CourseKey: courseKey,
		Root:      payload.Root,
		Nodes:     make(map[string]*completion.Node, len(payload.Blocks)),
	}
	for _, b := range payload.Blocks {
		tree.Nodes[b.BlockKey] = &completion.Node{
			BlockKey:  b.BlockKey,
			BlockType: b.BlockType,
			Parent:    b.Parent,
			Children:  b.Children,
		}
	}
	if err := tree.Validate(); err != nil {
		return nil, err
	}
	return tree, nil
}

// DBCompletionSource reads leaf values from the block_completion table the
// completion tracker maintains in the shared database.
type DBCompletionSource struct {
	log  *logger.Logger
	repo repos.BlockCompletionRepo
}

func NewDBCompletionSource(log *logger.Logger, repo repos.BlockCompletionRepo) *DBCompletionSource {
	return &DBCompletionSource{
		log:  log.With("service", "DBCompletionSource"),
		repo: repo,
	}
}

func (s *DBCompletionSource) GetLeafValues(ctx context.Context, userID uuid.UUID, courseKey string) (map[string]completion.LeafValue, error) {
	rows, err := s.repo.GetByUserAndCourse(ctx, nil, userID, courseKey)
	if err != nil {
		return nil, err
	}
	out := make(map[string]completion.LeafValue, len(rows))
	for _, row := range rows {
		out[row.BlockKey] = completion.LeafValue{
			Completion: row.Completion,
			Modified:   row.Modified,
		}
	}
	return out, nil
}
