package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/agentflow/internal/priority"
)

// TaskAssignment is the content of a task_assignment message.
type TaskAssignment struct {
	TaskID   string          `json:"task_id"`
	TaskType string          `json:"task_type"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// TaskResult is the content of a task_result message.
type TaskResult struct {
	TaskID    string          `json:"task_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Success   bool            `json:"success"`
	Timestamp time.Time       `json:"timestamp"`
}

// StatusUpdate is the content of a status_update message.
type StatusUpdate struct {
	Status    string            `json:"status"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// CoordinationRequest is the content of a coordination message.
type CoordinationRequest struct {
	Request   json.RawMessage `json:"request"`
	Timestamp time.Time       `json:"timestamp"`
}

// SendTaskAssignment tells recipient to work on a task.
func (b *Bus) SendTaskAssignment(ctx context.Context, sender, recipient string, a TaskAssignment, p priority.Priority) (string, error) {
	content, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to encode task assignment: %w", err)
	}
	return b.Send(ctx, SendOptions{
		Sender:    sender,
		Recipient: recipient,
		Type:      TypeTaskAssignment,
		Content:   content,
		Priority:  p,
		Metadata:  map[string]string{"task_type": a.TaskType, "task_id": a.TaskID},
	})
}

// SendTaskResult reports the outcome of a task. Results travel at high priority.
func (b *Bus) SendTaskResult(ctx context.Context, sender, recipient, taskID string, result json.RawMessage, success bool) (string, error) {
	content, err := json.Marshal(TaskResult{
		TaskID:    taskID,
		Result:    result,
		Success:   success,
		Timestamp: time.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode task result: %w", err)
	}
	return b.Send(ctx, SendOptions{
		Sender:    sender,
		Recipient: recipient,
		Type:      TypeTaskResult,
		Content:   content,
		Priority:  priority.High,
		Metadata:  map[string]string{"task_id": taskID},
	})
}

// SendStatusUpdate announces a status to recipients, or to everyone when
// recipients is empty. It returns the ids of the delivered messages.
func (b *Bus) SendStatusUpdate(ctx context.Context, sender, status string, details map[string]string, recipients ...string) ([]string, error) {
	content, err := json.Marshal(StatusUpdate{Status: status, Details: details, Timestamp: time.Now()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode status update: %w", err)
	}
	return b.fanOut(ctx, sender, recipients, TypeStatusUpdate, content, priority.Normal)
}

// SendCoordination asks targets, or every agent when targets is empty, to
// coordinate. Requests travel at high priority.
func (b *Bus) SendCoordination(ctx context.Context, sender string, request any, targets ...string) ([]string, error) {
	raw, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode coordination request: %w", err)
	}
	content, err := json.Marshal(CoordinationRequest{Request: raw, Timestamp: time.Now()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode coordination request: %w", err)
	}
	return b.fanOut(ctx, sender, targets, TypeCoordination, content, priority.High)
}

// fanOut sends to each recipient, or broadcasts when there are none.
// Every recipient is attempted and the first failure is returned.
func (b *Bus) fanOut(ctx context.Context, sender string, recipients []string, typ MessageType, content json.RawMessage, p priority.Priority) ([]string, error) {
	if len(recipients) == 0 {
		return b.Broadcast(ctx, BroadcastOptions{Sender: sender, Type: typ, Content: content, Priority: p})
	}

	var ids []string
	var firstErr error
	for _, r := range recipients {
		id, err := b.Send(ctx, SendOptions{Sender: sender, Recipient: r, Type: typ, Content: content, Priority: p})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ids = append(ids, id)
	}
	return ids, firstErr
}
