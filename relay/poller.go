package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/YspCoder/picrelay/adapter"
	"github.com/YspCoder/picrelay/dto"
)

// PollState labels the phases of an async task's lifecycle.
type PollState string

const (
	StateSubmitted PollState = "submitted"
	StatePolling   PollState = "polling"
	StateSucceeded PollState = "succeeded"
	StateFailed    PollState = "failed"
	StateTimedOut  PollState = "timed_out"
)

// poller drives an async task from submission to a terminal state. A
// transient failure in a single poll never aborts the loop; only a
// terminal provider status, context cancellation or the exhausted
// attempt budget does.
type poller struct {
	relay   *Relay
	adaptor adapter.TaskAdaptor
	config  *adapter.ProviderConfig
	taskID  string

	state   PollState
	attempt int
}

func (r *Relay) poll(ctx context.Context, taskAdaptor adapter.TaskAdaptor, config *adapter.ProviderConfig, taskID string) (*dto.TaskStatus, error) {
	p := &poller{
		relay:   r,
		adaptor: taskAdaptor,
		config:  config,
		taskID:  taskID,
		state:   StateSubmitted,
	}
	return p.run(ctx)
}

func (p *poller) run(ctx context.Context) (*dto.TaskStatus, error) {
	maxAttempts := p.adaptor.MaxPollAttempts()
	interval := p.adaptor.PollInterval()
	p.state = StatePolling

	for p.attempt = 0; p.attempt < maxAttempts; p.attempt++ {
		if p.attempt > 0 {
			select {
			case <-ctx.Done():
				p.state = StateTimedOut
				return nil, dto.NewAPIError(dto.KindTimeout, p.config.Name, "polling cancelled")
			case <-time.After(interval):
			}
		}

		status, err := p.relay.TaskStatus(ctx, p.adaptor, p.config, p.taskID)
		if err != nil {
			if ctx.Err() != nil {
				p.state = StateTimedOut
				return nil, dto.NewAPIError(dto.KindTimeout, p.config.Name, "polling cancelled")
			}
			p.relay.Logger.Warn("task status check failed",
				zap.String("provider", p.config.Name),
				zap.String("task_id", p.taskID),
				zap.Int("attempt", p.attempt+1),
				zap.Error(err))
			continue
		}

		switch status.Status {
		case dto.TaskStatusSucceed:
			p.state = StateSucceeded
			return status, nil
		case dto.TaskStatusFailed:
			p.state = StateFailed
			return nil, dto.NewAPIError(dto.KindProvider, p.config.Name, status.Message)
		default:
			// PENDING, RUNNING and unknown statuses all keep polling.
			p.relay.Logger.Debug("task still running",
				zap.String("provider", p.config.Name),
				zap.String("task_id", p.taskID),
				zap.String("status", status.Status),
				zap.Int("attempt", p.attempt+1))
		}
	}

	p.state = StateTimedOut
	return nil, dto.NewAPIError(dto.KindTimeout, p.config.Name, "task polling timed out")
}
