package googlecal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tyemirov/caltrack/internal/calendarapi"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// DefaultRetryBackoff is the wait before the single rate-limit retry.
const DefaultRetryBackoff = time.Second

var (
	// ErrNotLoaded indicates a call before Load succeeded.
	ErrNotLoaded = errors.New("googlecal.not_loaded")
	// ErrMissingToken indicates a request was attempted without an access token.
	ErrMissingToken = errors.New("googlecal.missing_token")
)

// Config configures the Google Calendar client.
type Config struct {
	// Endpoint overrides the API base URL. Empty selects the public endpoint.
	Endpoint string
	// BaseTransport carries the authorized requests. Nil selects http.DefaultTransport.
	BaseTransport http.RoundTripper
	RetryBackoff  time.Duration
	Logger        *zap.Logger
}

// Client implements calendarapi.Client over the Calendar v3 API.
type Client struct {
	config  Config
	logger  *zap.Logger
	tokens  *tokenHolder
	mutex   sync.Mutex
	service *calendar.Service
	sleep   func(ctx context.Context, duration time.Duration) error
}

var _ calendarapi.Client = (*Client)(nil)

// NewClient constructs an unloaded client.
func NewClient(config Config) *Client {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultRetryBackoff
	}
	return &Client{config: config, logger: logger, tokens: &tokenHolder{}, sleep: sleepContext}
}

// Load builds the Calendar service. Requests use whatever token SetToken last stored.
func (client *Client) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	base := client.config.BaseTransport
	if base == nil {
		base = http.DefaultTransport
	}
	httpClient := &http.Client{Transport: &oauth2.Transport{Source: client.tokens, Base: base}}
	options := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if client.config.Endpoint != "" {
		options = append(options, option.WithEndpoint(client.config.Endpoint))
	}
	service, err := calendar.NewService(ctx, options...)
	if err != nil {
		return fmt.Errorf("googlecal.load: %w", err)
	}
	client.mutex.Lock()
	client.service = service
	client.mutex.Unlock()
	return nil
}

// SetToken replaces the access token used for subsequent requests.
func (client *Client) SetToken(accessToken string) {
	client.tokens.set(accessToken)
}

// ListCalendars returns every calendar on the user's list.
func (client *Client) ListCalendars(ctx context.Context) ([]calendarapi.CalendarEntry, error) {
	service, err := client.loadedService()
	if err != nil {
		return nil, err
	}
	var entries []calendarapi.CalendarEntry
	err = client.withRateLimitRetry(ctx, "calendar_list", func() error {
		entries = entries[:0]
		return service.CalendarList.List().Context(ctx).Pages(ctx, func(page *calendar.CalendarList) error {
			for _, item := range page.Items {
				entries = append(entries, calendarapi.CalendarEntry{ID: item.Id, Summary: item.Summary})
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("googlecal.list_calendars: %w", err)
	}
	return entries, nil
}

// ListEvents returns every event of calendarID with recurring events expanded.
func (client *Client) ListEvents(ctx context.Context, calendarID string) ([]calendarapi.EventItem, error) {
	service, err := client.loadedService()
	if err != nil {
		return nil, err
	}
	var items []calendarapi.EventItem
	err = client.withRateLimitRetry(ctx, "events", func() error {
		items = items[:0]
		return service.Events.List(calendarID).SingleEvents(true).Context(ctx).Pages(ctx, func(page *calendar.Events) error {
			for _, event := range page.Items {
				items = append(items, convertEvent(event))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("googlecal.list_events: %w", err)
	}
	return items, nil
}

func (client *Client) loadedService() (*calendar.Service, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	if client.service == nil {
		return nil, ErrNotLoaded
	}
	return client.service, nil
}

// withRateLimitRetry runs call and repeats it exactly once after a rate-limit rejection.
func (client *Client) withRateLimitRetry(ctx context.Context, operation string, call func() error) error {
	err := call()
	if err == nil || !isRateLimited(err) {
		return err
	}
	client.logger.Warn("calendar API rate limited, retrying once",
		zap.String("code", "googlecal.rate_limited"),
		zap.String("operation", operation),
		zap.Duration("backoff", client.config.RetryBackoff))
	if sleepErr := client.sleep(ctx, client.config.RetryBackoff); sleepErr != nil {
		return sleepErr
	}
	return call()
}

func isRateLimited(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Code == http.StatusTooManyRequests {
		return true
	}
	if apiErr.Code != http.StatusForbidden {
		return false
	}
	for _, item := range apiErr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}

func convertEvent(event *calendar.Event) calendarapi.EventItem {
	item := calendarapi.EventItem{Summary: event.Summary}
	if event.Start != nil {
		item.Start = calendarapi.EventTime{DateTime: event.Start.DateTime, Date: event.Start.Date}
	}
	if event.End != nil {
		item.End = calendarapi.EventTime{DateTime: event.End.DateTime, Date: event.End.Date}
	}
	return item
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type tokenHolder struct {
	mutex       sync.RWMutex
	accessToken string
}

func (holder *tokenHolder) set(accessToken string) {
	holder.mutex.Lock()
	defer holder.mutex.Unlock()
	holder.accessToken = accessToken
}

// Token implements oauth2.TokenSource.
func (holder *tokenHolder) Token() (*oauth2.Token, error) {
	holder.mutex.RLock()
	defer holder.mutex.RUnlock()
	if holder.accessToken == "" {
		return nil, ErrMissingToken
	}
	return &oauth2.Token{AccessToken: holder.accessToken, TokenType: "Bearer"}, nil
}
