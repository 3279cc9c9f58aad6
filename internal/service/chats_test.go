package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/errs"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/model"
	"github.com/franciscobarriga2006-dot/ultimohorasi-sub000/internal/repository"
)

type fakeChats struct {
	mu     sync.Mutex
	seq    int64
	byPair map[[2]int64]model.Chat

	getOrCreateCalls int
	memberErr        error
	listOut          []model.ChatSummary
	listInUser       int64
}

var _ repository.ChatRepository = (*fakeChats)(nil)

func newFakeChats() *fakeChats { return &fakeChats{byPair: map[[2]int64]model.Chat{}} }

func (f *fakeChats) GetOrCreate(_ context.Context, low, high int64) (model.Chat, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getOrCreateCalls++
	if c, ok := f.byPair[[2]int64{low, high}]; ok {
		return c, false, nil
	}
	f.seq++
	c := model.Chat{ID: f.seq, UserLow: low, UserHigh: high, CreatedAt: time.Now()}
	f.byPair[[2]int64{low, high}] = c
	return c, true, nil
}

func (f *fakeChats) Get(_ context.Context, chatID int64) (*model.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.byPair {
		if c.ID == chatID {
			cpy := c
			return &cpy, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f *fakeChats) IsMember(ctx context.Context, chatID, userID int64) (bool, error) {
	if f.memberErr != nil {
		return false, f.memberErr
	}
	c, err := f.Get(ctx, chatID)
	if err != nil {
		return false, nil
	}
	return c.HasMember(userID), nil
}

func (f *fakeChats) ListForUser(_ context.Context, userID int64) ([]model.ChatSummary, error) {
	f.listInUser = userID
	return f.listOut, nil
}

type fakeBlocks struct {
	pairs map[[2]int64]bool
	err   error
}

var _ repository.BlockRepository = (*fakeBlocks)(nil)

func (f *fakeBlocks) IsBlocked(_ context.Context, a, b int64) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.pairs[[2]int64{a, b}] || f.pairs[[2]int64{b, a}], nil
}

func TestChatService_GetOrCreate_CanonicalPair(t *testing.T) {
	t.Parallel()
	s := NewChatService(newFakeChats(), &fakeBlocks{})
	ctx := context.Background()

	c1, created, err := s.GetOrCreate(ctx, 5, 9)
	if err != nil || !created {
		t.Fatalf("first GetOrCreate: created=%v err=%v", created, err)
	}
	c2, created, err := s.GetOrCreate(ctx, 9, 5)
	if err != nil || created {
		t.Fatalf("reversed GetOrCreate: created=%v err=%v", created, err)
	}
	if c1.ID != c2.ID || c1.UserLow != 5 || c1.UserHigh != 9 {
		t.Fatalf("pair not canonical: %+v vs %+v", c1, c2)
	}
}

func TestValidatePair(t *testing.T) {
	t.Parallel()
	if err := ValidatePair(9, 5); err != nil {
		t.Fatalf("valid pair rejected: %v", err)
	}
	for _, p := range [][2]int64{{5, 5}, {0, 9}, {5, -1}} {
		if err := ValidatePair(p[0], p[1]); !errors.Is(err, errs.ErrInvalid) {
			t.Fatalf("pair %v: want ErrInvalid, got %v", p, err)
		}
	}
}

func TestChatService_GetOrCreate_Validation(t *testing.T) {
	t.Parallel()
	repo := newFakeChats()
	s := NewChatService(repo, &fakeBlocks{})
	ctx := context.Background()

	for _, p := range [][2]int64{{5, 5}, {0, 9}, {5, -1}} {
		if _, _, err := s.GetOrCreate(ctx, p[0], p[1]); !errors.Is(err, errs.ErrInvalid) {
			t.Fatalf("pair %v: want ErrInvalid, got %v", p, err)
		}
	}
	if repo.getOrCreateCalls != 0 {
		t.Fatalf("repo must not be called on invalid input")
	}
}

func TestChatService_GetOrCreate_Blocked(t *testing.T) {
	t.Parallel()
	repo := newFakeChats()
	s := NewChatService(repo, &fakeBlocks{pairs: map[[2]int64]bool{{9, 5}: true}})

	_, _, err := s.GetOrCreate(context.Background(), 5, 9)
	if !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
	if repo.getOrCreateCalls != 0 || len(repo.byPair) != 0 {
		t.Fatalf("no chat may be created for a blocked pair")
	}
}

func TestChatService_GetOrCreate_BlockLookupErrorPropagates(t *testing.T) {
	t.Parallel()
	s := NewChatService(newFakeChats(), &fakeBlocks{err: errors.New("db down")})
	if _, _, err := s.GetOrCreate(context.Background(), 5, 9); err == nil {
		t.Fatalf("want block lookup error")
	}
}

func TestChatService_ListForUser(t *testing.T) {
	t.Parallel()
	repo := newFakeChats()
	repo.listOut = []model.ChatSummary{{ChatID: 1, PeerID: 9}}
	s := NewChatService(repo, &fakeBlocks{})

	if _, err := s.ListForUser(context.Background(), 0); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("want ErrInvalid, got %v", err)
	}
	out, err := s.ListForUser(context.Background(), 5)
	if err != nil || len(out) != 1 || repo.listInUser != 5 {
		t.Fatalf("delegate mismatch: out=%v err=%v user=%d", out, err, repo.listInUser)
	}
}

func TestChatService_AuthorizeMatchesIsMember(t *testing.T) {
	t.Parallel()
	repo := newFakeChats()
	s := NewChatService(repo, &fakeBlocks{})
	ctx := context.Background()
	c, _, _ := s.GetOrCreate(ctx, 5, 9)
	other, _, _ := s.GetOrCreate(ctx, 7, 8)

	for _, chatID := range []int64{c.ID, other.ID, 999, 0} {
		for _, user := range []int64{0, 5, 7, 8, 9, 10} {
			member, err := s.IsMember(ctx, chatID, user)
			if err != nil {
				t.Fatalf("IsMember: %v", err)
			}
			authErr := s.Authorize(ctx, chatID, user)
			if member != (authErr == nil) {
				t.Fatalf("chat %d user %d: IsMember=%v Authorize=%v", chatID, user, member, authErr)
			}
			if authErr != nil && !errors.Is(authErr, errs.ErrForbidden) {
				t.Fatalf("want ErrForbidden, got %v", authErr)
			}
		}
	}
}

func TestChatService_Authorize_ErrorIsNotForbidden(t *testing.T) {
	t.Parallel()
	repo := newFakeChats()
	repo.memberErr = errors.New("db down")
	s := NewChatService(repo, &fakeBlocks{})

	err := s.Authorize(context.Background(), 1, 5)
	if err == nil || errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("infrastructure error must surface unchanged, got %v", err)
	}
}

func TestSameUser(t *testing.T) {
	t.Parallel()
	if err := SameUser(5, 5); err != nil {
		t.Fatalf("same user: %v", err)
	}
	if err := SameUser(5, 9); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
}
