package maintenance

import (
	"context"
	"fmt"
	"time"
)

// ChatPruner deletes chats older than a cutoff.
type ChatPruner interface {
	PruneChats(ctx context.Context, cutoff time.Time) (int, error)
}

// ChatRetentionTask deletes chats nobody has touched within the retention period.
type ChatRetentionTask struct {
	chats     ChatPruner
	retention time.Duration
	now       func() time.Time
}

// NewChatRetentionTask creates the task. retentionDays <= 0 disables it.
func NewChatRetentionTask(chats ChatPruner, retentionDays int) *ChatRetentionTask {
	return &ChatRetentionTask{
		chats:     chats,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
	}
}

func (t *ChatRetentionTask) Name() string { return "chat_retention" }

func (t *ChatRetentionTask) Description() string {
	return "Delete chats whose last update is older than the retention period"
}

func (t *ChatRetentionTask) Execute(ctx context.Context) TaskResult {
	if t.retention <= 0 {
		return TaskResult{Success: true, Message: "Chat retention disabled; keeping all chats"}
	}

	cutoff := t.now().Add(-t.retention)
	n, err := t.chats.PruneChats(ctx, cutoff)
	if err != nil {
		return failed("Failed to prune chats", err)
	}
	return TaskResult{
		Success:          true,
		RecordsProcessed: n,
		Message:          fmt.Sprintf("Deleted %d chats last updated before %s", n, cutoff.Format(time.RFC3339)),
	}
}

// TokenCleaner deactivates expired access tokens.
type TokenCleaner interface {
	CleanupExpiredTokens() (int64, error)
}

// TokenCleanupTask deactivates tokens past their expiry.
type TokenCleanupTask struct {
	tokens TokenCleaner
}

// NewTokenCleanupTask creates the task.
func NewTokenCleanupTask(tokens TokenCleaner) *TokenCleanupTask {
	return &TokenCleanupTask{tokens: tokens}
}

func (t *TokenCleanupTask) Name() string { return "token_cleanup" }

func (t *TokenCleanupTask) Description() string {
	return "Deactivate access tokens whose expiry has passed"
}

func (t *TokenCleanupTask) Execute(ctx context.Context) TaskResult {
	n, err := t.tokens.CleanupExpiredTokens()
	if err != nil {
		return failed("Failed to clean up expired tokens", err)
	}
	return TaskResult{
		Success:          true,
		RecordsProcessed: int(n),
		Message:          fmt.Sprintf("Deactivated %d expired tokens", n),
	}
}
