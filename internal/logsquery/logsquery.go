// Package logsquery runs CloudWatch Logs Insights queries: submit a query for
// a time window, poll it until it reaches a terminal status, and pull the
// message field out of each result row.
package logsquery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"

	"matomo-requests-tool/internal/window"
)

const (
	// MaxLimit is the largest result count a single query may return.
	MaxLimit = 10000

	DefaultLogGroup     = "matomo"
	DefaultMessageField = "@message"
	DefaultPollInterval = time.Second
)

// DefaultFilter selects tracked Matomo hits that nginx did not answer with 200/204.
const DefaultFilter = `fields @message
| sort @timestamp asc
| filter @logStream like /matomo-nginx/
| filter status!='200'
| filter status!='204'
| filter user_agent!='ELB-HealthChecker/2.0'
| filter path like /idsite=1/
| filter path like /rec=1/`

// Client is the part of *cloudwatchlogs.Client the runner needs.
type Client interface {
	StartQuery(ctx context.Context, in *cloudwatchlogs.StartQueryInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.StartQueryOutput, error)
	GetQueryResults(ctx context.Context, in *cloudwatchlogs.GetQueryResultsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetQueryResultsOutput, error)
}

// NewClient builds a CloudWatch Logs client from the default AWS config chain.
// Empty region or profile leave the chain's choice in place.
func NewClient(ctx context.Context, region, profile string) (*cloudwatchlogs.Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return cloudwatchlogs.NewFromConfig(cfg), nil
}

// Query is what gets submitted for every window.
type Query struct {
	LogGroup     string
	Filter       string
	Limit        int32
	MessageField string
}

// DefaultQuery returns the stock Matomo query.
func DefaultQuery() Query {
	return Query{
		LogGroup:     DefaultLogGroup,
		Filter:       DefaultFilter,
		Limit:        MaxLimit,
		MessageField: DefaultMessageField,
	}
}

// QueryError reports a query that ended in a terminal status other than Complete.
type QueryError struct {
	QueryID string
	Status  types.QueryStatus
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s ended with status %s", e.QueryID, e.Status)
}

// ErrNoQueryID is returned when StartQuery succeeds without handing back an id.
var ErrNoQueryID = errors.New("start query returned no query id")

// Result is a completed query.
type Result struct {
	QueryID  string
	Messages []string
	// Rows is the number of rows returned, which may exceed len(Messages)
	// when rows lack the message field.
	Rows           int
	RecordsMatched float64
}

// Truncated reports whether the result hit the query limit.
func (r Result) Truncated(limit int32) bool {
	return limit > 0 && r.Rows >= int(limit)
}

// Runner submits and polls queries one at a time.
type Runner struct {
	client       Client
	query        Query
	logger       *slog.Logger
	pollInterval time.Duration
	timeout      time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithPollInterval sets the wait between status checks.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) { r.pollInterval = d }
}

// WithTimeout bounds how long a single query may take to complete. Zero
// means wait forever.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner returns a Runner issuing q through client.
func NewRunner(client Client, q Query, opts ...Option) *Runner {
	r := &Runner{
		client:       client,
		query:        q,
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Query returns the query the runner submits.
func (r *Runner) Query() Query { return r.query }

// Start submits the query for w and returns its id. The service takes epoch
// seconds with an inclusive end, so the window is sent as [Start, Last].
func (r *Runner) Start(ctx context.Context, w window.Window) (string, error) {
	out, err := r.client.StartQuery(ctx, &cloudwatchlogs.StartQueryInput{
		LogGroupName: aws.String(r.query.LogGroup),
		StartTime:    aws.Int64(w.Start.Unix()),
		EndTime:      aws.Int64(w.Last().Unix()),
		QueryString:  aws.String(r.query.Filter),
		Limit:        aws.Int32(r.query.Limit),
	})
	if err != nil {
		return "", fmt.Errorf("start query [%s]: %w", w, err)
	}
	id := aws.ToString(out.QueryId)
	if id == "" {
		return "", ErrNoQueryID
	}
	return id, nil
}

// Wait polls id until it reaches a terminal status. Complete returns the
// results; any other terminal status is a *QueryError.
func (r *Runner) Wait(ctx context.Context, id string) (*cloudwatchlogs.GetQueryResultsOutput, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	for polls := 1; ; polls++ {
		out, err := r.client.GetQueryResults(ctx, &cloudwatchlogs.GetQueryResultsInput{QueryId: aws.String(id)})
		if err != nil {
			return nil, fmt.Errorf("get query results %s: %w", id, err)
		}
		r.logger.Debug("Query status", "query_id", id, "status", out.Status, "polls", polls)

		switch out.Status {
		case types.QueryStatusComplete:
			return out, nil
		case types.QueryStatusFailed, types.QueryStatusCancelled, types.QueryStatusTimeout, types.QueryStatusUnknown:
			return nil, &QueryError{QueryID: id, Status: out.Status}
		}

		timer := time.NewTimer(r.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("wait for query %s: %w", id, ctx.Err())
		case <-timer.C:
		}
	}
}

// Search runs the query for w to completion and extracts its messages.
func (r *Runner) Search(ctx context.Context, w window.Window) (Result, error) {
	id, err := r.Start(ctx, w)
	if err != nil {
		return Result{}, err
	}
	r.logger.Debug("Started query", "query_id", id, "window", w.String())

	out, err := r.Wait(ctx, id)
	if err != nil {
		return Result{QueryID: id}, err
	}
	res := Result{
		QueryID:  id,
		Messages: Messages(out.Results, r.query.MessageField),
		Rows:     len(out.Results),
	}
	if out.Statistics != nil {
		res.RecordsMatched = out.Statistics.RecordsMatched
	}
	return res, nil
}

// Messages returns, for each row, the value of the first field named field.
// Rows without that field are skipped.
func Messages(rows [][]types.ResultField, field string) []string {
	msgs := make([]string, 0, len(rows))
	for _, row := range rows {
		for _, f := range row {
			if aws.ToString(f.Field) == field {
				msgs = append(msgs, aws.ToString(f.Value))
				break
			}
		}
	}
	return msgs
}
