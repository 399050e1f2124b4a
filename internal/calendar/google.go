// Package calendar imports upcoming events from a user's primary Google
// Calendar.
package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/familysync/familysync/internal/familysync"
)

var (
	ErrNotConfigured        = errors.New("google calendar not configured")
	ErrAuthorizationExpired = errors.New("google authorization expired or invalid")
	ErrNoRefreshToken       = errors.New("google did not return a refresh token")
)

const (
	defaultAPIBaseURL = "https://www.googleapis.com/calendar/v3"
	defaultWindow     = 30 * 24 * time.Hour
	maxResults        = 50
)

var scopes = []string{
	"https://www.googleapis.com/auth/calendar.readonly",
	"https://www.googleapis.com/auth/calendar.events.readonly",
}

type Options struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Endpoint     oauth2.Endpoint
	APIBaseURL   string
	HTTPClient   *http.Client
	Window       time.Duration
	Now          func() time.Time
}

type GoogleImporter struct {
	oauth      *oauth2.Config
	apiBaseURL string
	httpClient *http.Client
	window     time.Duration
	now        func() time.Time
}

func NewGoogleImporter(opts Options) (*GoogleImporter, error) {
	if strings.TrimSpace(opts.ClientID) == "" || strings.TrimSpace(opts.ClientSecret) == "" {
		return nil, ErrNotConfigured
	}
	endpoint := opts.Endpoint
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		endpoint = endpoints.Google
	}
	apiBase := strings.TrimRight(strings.TrimSpace(opts.APIBaseURL), "/")
	if apiBase == "" {
		apiBase = defaultAPIBaseURL
	}
	window := opts.Window
	if window <= 0 {
		window = defaultWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &GoogleImporter{
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		apiBaseURL: apiBase,
		httpClient: opts.HTTPClient,
		window:     window,
		now:        now,
	}, nil
}

// AuthURL returns the consent page URL. state comes back on the callback.
func (g *GoogleImporter) AuthURL(state string) string {
	return g.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

// Exchange trades the callback code for a long-lived refresh token.
func (g *GoogleImporter) Exchange(ctx context.Context, code string) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("%w: missing authorization code", familysync.ErrInvalidInput)
	}
	token, err := g.oauth.Exchange(g.clientContext(ctx), code)
	if err != nil {
		return "", classifyOAuthError(err)
	}
	if token.RefreshToken == "" {
		return "", ErrNoRefreshToken
	}
	return token.RefreshToken, nil
}

type googleEventTime struct {
	DateTime string `json:"dateTime"`
	Date     string `json:"date"`
}

type googleEvent struct {
	ID          string          `json:"id"`
	Summary     string          `json:"summary"`
	Description string          `json:"description"`
	Location    string          `json:"location"`
	Start       googleEventTime `json:"start"`
	End         googleEventTime `json:"end"`
}

type googleEventList struct {
	Items []googleEvent `json:"items"`
}

// FetchEvents lists the single events of the primary calendar from now to
// the end of the import window.
func (g *GoogleImporter) FetchEvents(ctx context.Context, refreshToken string) ([]familysync.CalendarEvent, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, ErrAuthorizationExpired
	}
	ctx = g.clientContext(ctx)
	client := g.oauth.Client(ctx, &oauth2.Token{RefreshToken: refreshToken})

	from := g.now().UTC()
	q := url.Values{}
	q.Set("timeMin", from.Format(time.RFC3339))
	q.Set("timeMax", from.Add(g.window).Format(time.RFC3339))
	q.Set("maxResults", fmt.Sprint(maxResults))
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiBaseURL+"/calendars/primary/events?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyOAuthError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrAuthorizationExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("google calendar answered %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var list googleEventList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode google events: %w", err)
	}

	events := make([]familysync.CalendarEvent, 0, len(list.Items))
	for _, item := range list.Items {
		start, err := parseEventTime(item.Start)
		if err != nil {
			continue
		}
		end, err := parseEventTime(item.End)
		if err != nil {
			end = start
		}
		summary := item.Summary
		if strings.TrimSpace(summary) == "" {
			summary = "Untitled"
		}
		events = append(events, familysync.CalendarEvent{
			GoogleEventID: item.ID,
			Summary:       summary,
			Description:   item.Description,
			StartTime:     start,
			EndTime:       end,
			Location:      item.Location,
			CalendarID:    "primary",
		})
	}
	return events, nil
}

func (g *GoogleImporter) clientContext(ctx context.Context) context.Context {
	if g.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
}

// parseEventTime accepts timed events (dateTime) and all-day events (date).
func parseEventTime(t googleEventTime) (time.Time, error) {
	if t.DateTime != "" {
		return time.Parse(time.RFC3339, t.DateTime)
	}
	if t.Date != "" {
		return time.Parse(time.DateOnly, t.Date)
	}
	return time.Time{}, errors.New("event has no start")
}

func classifyOAuthError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil {
			switch retrieveErr.Response.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
				return fmt.Errorf("%w: %v", ErrAuthorizationExpired, err)
			}
		}
	}
	return err
}
