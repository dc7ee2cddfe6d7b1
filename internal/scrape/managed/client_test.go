package managed

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
	"github.com/JakeFAU/techevents-crawler/internal/scrape"
)

const lumaItems = `[
  {"event":{"api_id":"evt-1","name":"Seattle Go Night","description":"Talks about generics.",
    "start_at":"2030-03-01T02:00:00Z","url":"seattle-go","location_type":"offline",
    "geo_address_info":{"city":"Seattle","country":"US","full_address":"1 Pike St","place_name":"Pike Hall"}},
   "hosts":[{"name":"Seattle Gophers"},{"name":" "}],
   "ticket_info":{"is_free":false,"price":{"cents":1500,"currency":"usd"}}},
  {"event":{"name":"missing id"}},
  {"event":{"api_id":"evt-2","name":"Rust Meetup","start_at":"2030-03-02T02:00:00Z","url":"https://lu.ma/rust"},
   "ticket_info":{"is_free":true}}
]`

const eventbriteItems = `[
  {"id":"eb-1","name":{"text":"Data Summit","html":"<b>Data Summit</b>"},
   "description":{"text":"A full day of data talks.","html":"<p>A full day of data talks.</p>"},
   "start":{"utc":"2030-04-01T16:00:00Z"},"end":{"utc":"2030-04-02T00:00:00Z"},
   "url":"https://www.eventbrite.com/e/eb-1","logo":{"url":"https://img/1.png"},
   "venue":{"name":"Convention Center","address":{"localized_address_display":"705 Pike St","city":"Seattle","country":"US"}},
   "organizer":{"name":"DataOrg","url":"https://dataorg.example"},
   "ticket_availability":{"minimum_ticket_price":{"major_value":"25.00","currency":"USD"},
                          "maximum_ticket_price":{"major_value":"99.50","currency":"USD"}}},
  {"id":"eb-2","name":"Plain Name","summary":"short","description":"plain string description",
   "start":{"utc":"2030-04-03T16:00:00Z"},"url":"https://www.eventbrite.com/e/eb-2","is_free":true}
]`

func newTestServer(t *testing.T, body string, status int) (*httptest.Server, *actorInput) {
	t.Helper()
	var got actorInput
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func newBackend(t *testing.T, baseURL, platform string) *Backend {
	t.Helper()
	return newLoggedBackend(t, baseURL, platform, nil)
}

func newLoggedBackend(t *testing.T, baseURL, platform string, logger *zap.Logger) *Backend {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL: baseURL,
		Token:   "secret",
		Actors:  map[string]string{"luma": "acme~luma-events", "eventbrite": "acme~eventbrite-events"},
	}, nil, logger)
	require.NoError(t, err)
	b, err := NewBackend(client, platform)
	require.NoError(t, err)
	return b
}

func TestNewClientRequiresToken(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{}, nil, nil)
	require.Error(t, err)
}

func TestNewBackendRequiresActor(t *testing.T) {
	t.Parallel()

	client, err := NewClient(Config{Token: "x"}, nil, nil)
	require.NoError(t, err)
	_, err = NewBackend(client, "luma")
	require.Error(t, err)
}

func TestLumaFetchDecodesNestedItems(t *testing.T) {
	t.Parallel()

	srv, input := newTestServer(t, lumaItems, http.StatusOK)
	b := newBackend(t, srv.URL, "luma")

	records, err := b.Fetch(context.Background(), scrape.Request{Query: "go", City: "Seattle", MaxItems: 5})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "go", input.Query)
	require.Equal(t, "Seattle", input.Location)

	first, ok := records[0].(discovery.LumaRecord)
	require.True(t, ok)
	require.Equal(t, "evt-1", first.APIID)
	require.Equal(t, "https://lu.ma/seattle-go", first.URL)
	require.Equal(t, []string{"Seattle Gophers"}, first.Hosts)
	require.Equal(t, "Pike Hall", first.VenueName)
	require.NotNil(t, first.PriceCents)
	require.Equal(t, 1500, *first.PriceCents)

	second := records[1].(discovery.LumaRecord)
	require.True(t, second.IsFree)
	require.Nil(t, second.PriceCents)
}

func TestStreamLogsUndecodableItems(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	srv, _ := newTestServer(t, lumaItems, http.StatusOK)
	b := newLoggedBackend(t, srv.URL, "luma", zap.New(core))

	records, err := b.Fetch(context.Background(), scrape.Request{Query: "go"})
	require.NoError(t, err)
	require.Len(t, records, 2)

	skipped := logs.FilterMessage("skipping undecodable dataset item").All()
	require.Len(t, skipped, 1)
	require.EqualValues(t, 1, skipped[0].ContextMap()["index"])
	require.Equal(t, "luma", skipped[0].ContextMap()["platform"])
}

func TestEventbriteStreamDecodesStructuredDescription(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, eventbriteItems, http.StatusOK)
	b := newBackend(t, srv.URL, "eventbrite")

	var got []discovery.EventbriteRecord
	n, err := b.Stream(context.Background(), scrape.Request{Query: "data"}, func(rec discovery.RawRecord) bool {
		got = append(got, rec.(discovery.EventbriteRecord))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.Equal(t, "Data Summit", got[0].Name)
	require.Equal(t, "A full day of data talks.", got[0].Description)
	require.Equal(t, "Seattle", got[0].City)
	require.InDelta(t, 25.0, *got[0].MinPrice, 1e-9)
	require.InDelta(t, 99.5, *got[0].MaxPrice, 1e-9)
	require.NotNil(t, got[0].EndUTC)

	require.Equal(t, "Plain Name", got[1].Name)
	require.Equal(t, "plain string description", got[1].Description)
	require.True(t, got[1].IsFree)
}

func TestStreamStopsWhenYieldDeclines(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, eventbriteItems, http.StatusOK)
	b := newBackend(t, srv.URL, "eventbrite")

	n, err := b.Stream(context.Background(), scrape.Request{Query: "data"}, func(discovery.RawRecord) bool {
		return false
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestFetchSurfacesHTTPErrors(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, `{"error":"actor crashed"}`, http.StatusBadGateway)
	b := newBackend(t, srv.URL, "luma")

	_, err := b.Fetch(context.Background(), scrape.Request{Query: "go"})
	require.ErrorContains(t, err, "actor crashed")
}

func TestFetchRejectsNonArray(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, `{"items":[]}`, http.StatusOK)
	b := newBackend(t, srv.URL, "luma")

	_, err := b.Fetch(context.Background(), scrape.Request{Query: "go"})
	require.ErrorContains(t, err, "expected array")
}
