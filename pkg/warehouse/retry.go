package warehouse

import (
	"context"
	"time"

	"github.com/cohortworks/platform/pkg/common/apierrors"
	"github.com/cohortworks/platform/pkg/common/kafka"
	"github.com/cohortworks/platform/pkg/common/logger"
	"github.com/cohortworks/platform/pkg/common/models"
)

const retryBackoffBase = 500 * time.Millisecond

// RetryingClient wraps a Client with bounded retries on transient
// failures. Fatal errors (malformed SQL, rejected requests) are returned
// immediately. When retries are exhausted an audit event is published so
// operators can see sustained warehouse trouble.
type RetryingClient struct {
	inner      Client
	maxRetries int
	producer   *kafka.Producer
}

func NewRetryingClient(inner Client, maxRetries int, producer *kafka.Producer) *RetryingClient {
	return &RetryingClient{inner: inner, maxRetries: maxRetries, producer: producer}
}

func (c *RetryingClient) Project() string { return c.inner.Project() }
func (c *RetryingClient) Dataset() string { return c.inner.Dataset() }

func (c *RetryingClient) ExecuteQuery(ctx context.Context, sql string, params []models.QueryParameter) (*ResultSet, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoffBase << (attempt - 1)
			logger.Log.WithField("attempt", attempt).Warn("Retrying warehouse query after transient failure")
			select {
			case <-ctx.Done():
				return nil, apierrors.Transient(ctx.Err(), "warehouse query canceled")
			case <-time.After(backoff):
			}
		}
		result, err := c.inner.ExecuteQuery(ctx, sql, params)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !apierrors.IsRetryable(err) {
			return nil, err
		}
	}
	logger.Log.WithError(lastErr).Error("Warehouse query failed after retries")
	if c.producer != nil {
		c.producer.PublishEvent(ctx, kafka.EventWarehouseQueryIssue, "warehouse", map[string]interface{}{
			"retries": c.maxRetries,
			"error":   lastErr.Error(),
		})
	}
	return nil, lastErr
}
