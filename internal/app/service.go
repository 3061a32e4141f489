package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"marginalia/internal/auth"
	"marginalia/internal/comments"
	"marginalia/internal/config"
	"marginalia/internal/search"
	"marginalia/internal/store"
	"marginalia/internal/util"
)

type CreateThreadInput struct {
	Body       string              `json:"body"`
	QuotedText string              `json:"quotedText"`
	Selection  *comments.Selection `json:"selection"`
}

type CollaborationToken struct {
	Token      string    `json:"token"`
	DocumentID string    `json:"documentId"`
	Agent      string    `json:"agent"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type dataStore interface {
	ListThreads(context.Context, string) ([]store.Thread, error)
	GetThread(context.Context, string, string) (store.Thread, error)
	InsertThread(context.Context, store.Thread) error
	MarkThreadOutdated(context.Context, string, string) (bool, error)
	CloseThread(context.Context, string, string) (bool, error)
	ReopenThread(context.Context, string, string) (bool, error)
	Ping(context.Context) error
}

type threadSearch interface {
	Search(context.Context, search.Query) search.Response
	IndexThread(search.ThreadRecord)
}

// Service owns thread persistence and status rules. It satisfies
// comments.Backend for in-process views.
type Service struct {
	cfg    config.Config
	store  dataStore
	search threadSearch
}

var _ comments.Backend = (*Service)(nil)

// New builds a Service. searchService may be nil.
func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service) *Service {
	s := &Service{cfg: cfg, store: dataStore}
	if searchService != nil {
		s.search = searchService
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) ListThreads(ctx context.Context, documentID string) ([]comments.Thread, error) {
	rows, err := s.store.ListThreads(ctx, documentID)
	if err != nil {
		return nil, err
	}
	threads := make([]comments.Thread, 0, len(rows))
	for _, row := range rows {
		thread, err := threadFromStore(row)
		if err != nil {
			return nil, err
		}
		threads = append(threads, thread)
	}
	return threads, nil
}

func (s *Service) GetThread(ctx context.Context, documentID, threadID string) (comments.Thread, error) {
	row, err := s.store.GetThread(ctx, documentID, threadID)
	if err != nil {
		return comments.Thread{}, err
	}
	return threadFromStore(row)
}

func (s *Service) CreateThread(ctx context.Context, documentID, author string, input CreateThreadInput) (comments.Thread, error) {
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return comments.Thread{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}
	author = strings.TrimSpace(author)
	if author == "" {
		return comments.Thread{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "author is required", nil)
	}
	selection := ""
	if input.Selection != nil {
		encoded, err := json.Marshal(input.Selection)
		if err != nil {
			return comments.Thread{}, fmt.Errorf("encode selection: %w", err)
		}
		selection = string(encoded)
	}

	row := store.Thread{
		ID:         util.NewID("thr"),
		DocumentID: documentID,
		Selection:  selection,
		QuotedText: input.QuotedText,
		Body:       body,
		Status:     store.ThreadOpen,
		Author:     author,
	}
	if err := s.store.InsertThread(ctx, row); err != nil {
		return comments.Thread{}, err
	}
	thread, err := s.GetThread(ctx, documentID, row.ID)
	if err != nil {
		return comments.Thread{}, err
	}
	s.index(thread)
	return thread, nil
}

func (s *Service) MarkThreadOutdated(ctx context.Context, documentID, threadID string) (comments.Thread, error) {
	return s.SetThreadStatus(ctx, documentID, threadID, comments.StatusOutdated)
}

func (s *Service) CloseThread(ctx context.Context, documentID, threadID string) (comments.Thread, error) {
	return s.SetThreadStatus(ctx, documentID, threadID, comments.StatusClosed)
}

func (s *Service) ReopenThread(ctx context.Context, documentID, threadID string) (comments.Thread, error) {
	return s.SetThreadStatus(ctx, documentID, threadID, comments.StatusOpen)
}

// SetThreadStatus moves a thread to status. Asking for the status a thread
// already has is a no-op that returns the thread.
func (s *Service) SetThreadStatus(ctx context.Context, documentID, threadID string, status comments.Status) (comments.Thread, error) {
	current, err := s.GetThread(ctx, documentID, threadID)
	if err != nil {
		return comments.Thread{}, err
	}
	next, err := comments.Transition(current.Status, status)
	if err != nil {
		return comments.Thread{}, transitionError(current.Status, status)
	}
	if next == current.Status {
		return current, nil
	}

	var changed bool
	switch next {
	case comments.StatusOutdated:
		changed, err = s.store.MarkThreadOutdated(ctx, documentID, threadID)
	case comments.StatusClosed:
		changed, err = s.store.CloseThread(ctx, documentID, threadID)
	case comments.StatusOpen:
		changed, err = s.store.ReopenThread(ctx, documentID, threadID)
	}
	if err != nil {
		return comments.Thread{}, err
	}

	updated, err := s.GetThread(ctx, documentID, threadID)
	if err != nil {
		return comments.Thread{}, err
	}
	if !changed && updated.Status != next {
		// someone else moved it first
		return comments.Thread{}, transitionError(updated.Status, status)
	}
	if changed {
		s.index(updated)
	}
	return updated, nil
}

func transitionError(from, to comments.Status) *DomainError {
	return domainError(http.StatusConflict, "INVALID_TRANSITION",
		fmt.Sprintf("cannot move thread from %s to %s", from, to),
		map[string]any{"from": from, "to": to})
}

// IssueCollaborationToken signs a relay token for one collaborator on
// documentID. Each token carries a fresh agent id for the replica.
func (s *Service) IssueCollaborationToken(documentID, name string) (CollaborationToken, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return CollaborationToken{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	agent := util.NewID("agt")
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), agent, name, documentID, s.cfg.TokenTTL)
	if err != nil {
		return CollaborationToken{}, err
	}
	return CollaborationToken{
		Token:      token,
		DocumentID: documentID,
		Agent:      agent,
		ExpiresAt:  time.Now().Add(s.cfg.TokenTTL).UTC(),
	}, nil
}

// AuthorizeIssuer checks the credential allowed to mint collaboration
// tokens.
func (s *Service) AuthorizeIssuer(key string) error {
	if s.cfg.IssuerKey == "" || key == "" ||
		subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.IssuerKey)) != 1 {
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	return nil
}

func (s *Service) AuthorizeDocument(token, documentID string) (auth.Claims, error) {
	return auth.ParseDocumentToken([]byte(s.cfg.TokenSecret), token, documentID)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

func (s *Service) index(thread comments.Thread) {
	if s.search == nil {
		return
	}
	s.search.IndexThread(search.ThreadRecord{
		ID:         thread.ID,
		DocumentID: thread.DocumentID,
		Body:       thread.Body,
		QuotedText: thread.QuotedText,
		Status:     statusToStore(thread.Status),
		Author:     thread.Author,
	})
}

func threadFromStore(row store.Thread) (comments.Thread, error) {
	status, err := comments.ParseStatus(row.Status)
	if err != nil {
		return comments.Thread{}, err
	}
	thread := comments.Thread{
		ID:         row.ID,
		DocumentID: row.DocumentID,
		QuotedText: row.QuotedText,
		Status:     status,
		Author:     row.Author,
		Body:       row.Body,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
	if row.Selection != "" {
		var selection comments.Selection
		if err := json.Unmarshal([]byte(row.Selection), &selection); err != nil {
			return comments.Thread{}, fmt.Errorf("decode selection of %s: %w", row.ID, err)
		}
		thread.Selection = &selection
	}
	return thread, nil
}

func statusToStore(status comments.Status) string {
	return strings.ToUpper(string(status))
}
