package warehouse

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/cohortworks/platform/pkg/common/apierrors"
	"github.com/cohortworks/platform/pkg/common/logger"
	"github.com/cohortworks/platform/pkg/common/models"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

// fakeClient returns the scripted errors in order, then succeeds.
type fakeClient struct {
	errs  []error
	calls int
}

func (f *fakeClient) ExecuteQuery(ctx context.Context, sql string, params []models.QueryParameter) (*ResultSet, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return &ResultSet{TotalRows: 1}, nil
}

func (f *fakeClient) Project() string { return "test-project" }
func (f *fakeClient) Dataset() string { return "test_dataset" }

func TestRetryingClientRetriesTransientErrors(t *testing.T) {
	inner := &fakeClient{errs: []error{
		apierrors.Transient(errors.New("503"), "warehouse unavailable"),
	}}
	client := NewRetryingClient(inner, 2, nil)
	result, err := client.ExecuteQuery(context.Background(), "SELECT 1", nil)
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if result.TotalRows != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if inner.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", inner.calls)
	}
}

func TestRetryingClientStopsAtRetryBound(t *testing.T) {
	transient := apierrors.Transient(errors.New("rateLimitExceeded"), "warehouse rate limited")
	inner := &fakeClient{errs: []error{transient, transient, transient}}
	client := NewRetryingClient(inner, 1, nil)
	_, err := client.ExecuteQuery(context.Background(), "SELECT 1", nil)
	if !apierrors.IsCode(err, apierrors.CodeWarehouseTransient) {
		t.Fatalf("expected transient error after exhaustion, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected maxRetries+1 attempts, got %d", inner.calls)
	}
}

func TestRetryingClientDoesNotRetryFatalErrors(t *testing.T) {
	inner := &fakeClient{errs: []error{
		apierrors.Fatal(errors.New("invalidQuery"), "warehouse rejected the query"),
	}}
	client := NewRetryingClient(inner, 3, nil)
	_, err := client.ExecuteQuery(context.Background(), "SELECT nonsense", nil)
	if !apierrors.IsCode(err, apierrors.CodeWarehouseFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("fatal errors must not be retried, got %d attempts", inner.calls)
	}
}

func TestRetryingClientHonorsContextCancellation(t *testing.T) {
	inner := &fakeClient{errs: []error{
		apierrors.Transient(errors.New("backendError"), "warehouse backend error"),
	}}
	client := NewRetryingClient(inner, 5, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.ExecuteQuery(ctx, "SELECT 1", nil)
	if !apierrors.IsCode(err, apierrors.CodeWarehouseTransient) {
		t.Fatalf("expected transient cancellation error, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected no further attempts after cancellation, got %d", inner.calls)
	}
}
