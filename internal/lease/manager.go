// Package lease guards task IDs across gateway replicas. A replica holds the
// lease for a task ID for as long as it is solving it.
package lease

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultTTL = 30 * time.Second

// ErrHeld is returned by Hold when another owner has the task ID.
var ErrHeld = errors.New("task id is held by another owner")

type Lease struct {
	TaskID    string
	Owner     string
	Token     uint64
	ExpiresAt time.Time
}

type Manager interface {
	Acquire(ctx context.Context, taskID, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, held Lease, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, held Lease) error
}

// Hold acquires the lease for taskID and renews it every ttl/3 until the
// returned release func is called. Release is idempotent.
func Hold(ctx context.Context, m Manager, taskID, owner string, ttl time.Duration, logger logrus.FieldLogger) (func(), error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	held, ok, err := m.Acquire(ctx, taskID, owner, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		interval := ttl / 3
		if interval <= 0 {
			interval = ttl
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				renewed, ok, err := m.Renew(context.WithoutCancel(ctx), held, ttl)
				switch {
				case err != nil:
					logger.WithError(err).WithField("task_id", taskID).Warn("renew task lease failed")
				case !ok:
					logger.WithField("task_id", taskID).Warn("task lease lost")
					return
				default:
					held = renewed
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := m.Release(releaseCtx, held); err != nil {
				logger.WithError(err).WithField("task_id", taskID).Warn("release task lease failed")
			}
		})
	}, nil
}

func validate(taskID, owner string) (string, string, error) {
	taskID = strings.TrimSpace(taskID)
	owner = strings.TrimSpace(owner)
	if taskID == "" {
		return "", "", errors.New("task id is required")
	}
	if owner == "" {
		return "", "", errors.New("owner is required")
	}
	return taskID, owner, nil
}

func validateHeld(held Lease) (Lease, error) {
	taskID, owner, err := validate(held.TaskID, held.Owner)
	if err != nil {
		return Lease{}, err
	}
	if held.Token == 0 {
		return Lease{}, errors.New("token is required")
	}
	held.TaskID = taskID
	held.Owner = owner
	return held, nil
}
