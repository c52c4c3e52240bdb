package testutil

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/opsdesk/internal/database"
)

func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(os.Stdout, "[test] ", log.LstdFlags)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
	})
	return logger
}

// NewChatRepository opens a private in-memory sqlite store for one test.
func NewChatRepository(t *testing.T) *database.GormChatRepository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	repo, err := database.NewSQLiteChatRepository(dsn)
	if err != nil {
		t.Fatalf("open sqlite repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func CreateAccount(t *testing.T, repo database.ChatRepository, username string) database.User {
	t.Helper()
	u, err := repo.CreateAccount(context.Background(), database.CreateAccountParams{
		Username:     username,
		EmailAddress: username + "@example.com",
		PasswordHash: "not-a-hash",
	})
	if err != nil {
		t.Fatalf("create account %q: %v", username, err)
	}
	return u
}

// StepClock advances by Step on every call so consecutive timestamps never
// tie.
type StepClock struct {
	mu   sync.Mutex
	now  time.Time
	Step time.Duration
}

func NewStepClock(start time.Time) *StepClock {
	return &StepClock{now: start, Step: time.Millisecond}
}

func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.Step)
	return c.now
}
