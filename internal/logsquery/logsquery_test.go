package logsquery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"

	"matomo-requests-tool/internal/window"
)

// fakeClient answers StartQuery with a fixed id and walks statuses on each
// GetQueryResults call, repeating the last one forever.
type fakeClient struct {
	statuses []types.QueryStatus
	rows     [][]types.ResultField
	startErr error

	starts []*cloudwatchlogs.StartQueryInput
	polls  int
}

func (f *fakeClient) StartQuery(_ context.Context, in *cloudwatchlogs.StartQueryInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.StartQueryOutput, error) {
	f.starts = append(f.starts, in)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &cloudwatchlogs.StartQueryOutput{QueryId: aws.String("q-1")}, nil
}

func (f *fakeClient) GetQueryResults(ctx context.Context, _ *cloudwatchlogs.GetQueryResultsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetQueryResultsOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i := f.polls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.polls++
	out := &cloudwatchlogs.GetQueryResultsOutput{Status: f.statuses[i]}
	if out.Status == types.QueryStatusComplete {
		out.Results = f.rows
		out.Statistics = &types.QueryStatistics{RecordsMatched: float64(len(f.rows))}
	}
	return out, nil
}

func field(name, value string) types.ResultField {
	return types.ResultField{Field: aws.String(name), Value: aws.String(value)}
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testWindow() window.Window {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	return window.Window{Start: start, End: start.Add(window.DefaultSize)}
}

func TestStartSendsInclusiveSeconds(t *testing.T) {
	fc := &fakeClient{statuses: []types.QueryStatus{types.QueryStatusComplete}}
	r := NewRunner(fc, DefaultQuery(), WithLogger(quietLogger()))
	w := testWindow()

	id, err := r.Start(context.Background(), w)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id != "q-1" {
		t.Fatalf("id %q", id)
	}
	in := fc.starts[0]
	if got := aws.ToInt64(in.StartTime); got != w.Start.Unix() {
		t.Fatalf("start time %d", got)
	}
	if got := aws.ToInt64(in.EndTime); got != w.Start.Unix()+299 {
		t.Fatalf("end time %d, want %d", got, w.Start.Unix()+299)
	}
	if aws.ToString(in.LogGroupName) != "matomo" || aws.ToInt32(in.Limit) != 10000 {
		t.Fatalf("unexpected input %+v", in)
	}
	if aws.ToString(in.QueryString) != DefaultFilter {
		t.Fatalf("query string not passed through")
	}
}

func TestStartErrors(t *testing.T) {
	boom := errors.New("boom")
	r := NewRunner(&fakeClient{startErr: boom}, DefaultQuery(), WithLogger(quietLogger()))
	if _, err := r.Start(context.Background(), testWindow()); !errors.Is(err, boom) {
		t.Fatalf("want wrapped boom, got %v", err)
	}
}

func TestWaitPollsUntilComplete(t *testing.T) {
	fc := &fakeClient{statuses: []types.QueryStatus{
		types.QueryStatusScheduled,
		types.QueryStatusRunning,
		types.QueryStatusRunning,
		types.QueryStatusComplete,
	}}
	r := NewRunner(fc, DefaultQuery(), WithPollInterval(time.Millisecond), WithLogger(quietLogger()))
	out, err := r.Wait(context.Background(), "q-1")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if out.Status != types.QueryStatusComplete {
		t.Fatalf("status %s", out.Status)
	}
	if fc.polls != 4 {
		t.Fatalf("polls %d, want 4", fc.polls)
	}
}

func TestWaitTerminalFailures(t *testing.T) {
	for _, st := range []types.QueryStatus{
		types.QueryStatusFailed,
		types.QueryStatusCancelled,
		types.QueryStatusTimeout,
		types.QueryStatusUnknown,
	} {
		fc := &fakeClient{statuses: []types.QueryStatus{types.QueryStatusRunning, st}}
		r := NewRunner(fc, DefaultQuery(), WithPollInterval(time.Millisecond), WithLogger(quietLogger()))
		_, err := r.Wait(context.Background(), "q-1")
		var qe *QueryError
		if !errors.As(err, &qe) {
			t.Fatalf("%s: want QueryError, got %v", st, err)
		}
		if qe.Status != st || qe.QueryID != "q-1" {
			t.Fatalf("%s: got %+v", st, qe)
		}
		if fc.polls != 2 {
			t.Fatalf("%s: polled %d times after terminal status", st, fc.polls)
		}
	}
}

func TestWaitTimeout(t *testing.T) {
	fc := &fakeClient{statuses: []types.QueryStatus{types.QueryStatusRunning}}
	r := NewRunner(fc, DefaultQuery(),
		WithPollInterval(5*time.Millisecond),
		WithTimeout(30*time.Millisecond),
		WithLogger(quietLogger()))
	_, err := r.Wait(context.Background(), "q-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func TestWaitCancelled(t *testing.T) {
	fc := &fakeClient{statuses: []types.QueryStatus{types.QueryStatusRunning}}
	r := NewRunner(fc, DefaultQuery(), WithPollInterval(time.Hour), WithLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := r.Wait(ctx, "q-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("want canceled, got %v", err)
	}
}

func TestSearchExtractsMessages(t *testing.T) {
	fc := &fakeClient{
		statuses: []types.QueryStatus{types.QueryStatusComplete},
		rows: [][]types.ResultField{
			{field("@ptr", "x"), field("@message", `{"a":1}`)},
			{field("@message", `{"a":2}`), field("@message", `{"dup":true}`)},
			{field("@timestamp", "2023-01-01 00:00:00.000")},
		},
	}
	r := NewRunner(fc, DefaultQuery(), WithLogger(quietLogger()))
	res, err := r.Search(context.Background(), testWindow())
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	want := []string{`{"a":1}`, `{"a":2}`}
	if len(res.Messages) != len(want) {
		t.Fatalf("messages %v", res.Messages)
	}
	for i := range want {
		if res.Messages[i] != want[i] {
			t.Fatalf("message %d = %q, want %q", i, res.Messages[i], want[i])
		}
	}
	if res.Rows != 3 || res.QueryID != "q-1" || res.RecordsMatched != 3 {
		t.Fatalf("result %+v", res)
	}
	if res.Truncated(10000) {
		t.Fatalf("3 rows is not truncated")
	}
	if !res.Truncated(3) {
		t.Fatalf("3 rows at limit 3 is truncated")
	}
}
