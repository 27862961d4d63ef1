package integration_test

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"ssh-port-lease/internal/client"
	"ssh-port-lease/internal/store"
)

var cutoffRE = regexp.MustCompile(cutoffPattern)

func TestRequestPortForOneMinute(t *testing.T) {
	srv := startLeaseServer(t, serverOptions{})
	macID := generateMacID()

	grant, err := srv.Client.RequestPort(context.Background(), macID, 1)
	if err != nil {
		t.Fatalf("request port: %v", err)
	}
	if grant.MacID != macID || grant.Minutes != 1 {
		t.Fatalf("unexpected grant %+v", grant)
	}
	if len(strconv.Itoa(grant.Port)) != 5 {
		t.Fatalf("expected a five digit port, got %d", grant.Port)
	}
	if !cutoffRE.MatchString(grant.CutoffTime) {
		t.Fatalf("cutoff_time %q does not match %s", grant.CutoffTime, cutoffPattern)
	}
	cutoff, err := grant.Cutoff()
	if err != nil {
		t.Fatalf("parse cutoff: %v", err)
	}
	if want := srv.Clock.Now().Add(time.Minute); !cutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, cutoff)
	}
}

func TestRequestPortDefaultsToThirtyMinutes(t *testing.T) {
	srv := startLeaseServer(t, serverOptions{})

	grant, err := srv.Client.RequestPort(context.Background(), generateMacID(), 0)
	if err != nil {
		t.Fatalf("request port: %v", err)
	}
	if grant.Minutes != 30 {
		t.Fatalf("expected default of 30 minutes, got %d", grant.Minutes)
	}
}

func TestRequestPortAcceptsFullDay(t *testing.T) {
	srv := startLeaseServer(t, serverOptions{})

	grant, err := srv.Client.RequestPort(context.Background(), generateMacID(), 1440)
	if err != nil {
		t.Fatalf("request port: %v", err)
	}
	if grant.Minutes != 1440 {
		t.Fatalf("expected 1440 minutes, got %d", grant.Minutes)
	}
}

func TestRequestPortRejectsMalformedMinutes(t *testing.T) {
	srv := startLeaseServer(t, serverOptions{})

	for _, raw := range []string{"3a", "1441", "0", "-1"} {
		resp := getRaw(t, srv.BaseURL, "/request-port?macid="+generateMacID()+"&minutes="+raw)
		if resp.Status != http.StatusBadRequest {
			t.Fatalf("minutes=%s: expected 400, got %d", raw, resp.Status)
		}
		if resp.Body != "The 'minutes' parameter is invalid OR exceeds 24 hours" {
			t.Fatalf("minutes=%s: unexpected body %q", raw, resp.Body)
		}
	}
	if stats := srv.Manager.Stats(); stats.Leases != 0 {
		t.Fatalf("rejected requests must not create leases, got %+v", stats)
	}
}

func TestAddPortTimeKeepsPort(t *testing.T) {
	srv := startLeaseServer(t, serverOptions{})
	ctx := context.Background()
	macID := generateMacID()

	grant, err := srv.Client.RequestPort(ctx, macID, 1)
	if err != nil {
		t.Fatalf("request port: %v", err)
	}
	srv.Clock.Advance(30 * time.Second)

	ext, err := srv.Client.AddPortTime(ctx, macID, 1)
	if err != nil {
		t.Fatalf("add port time: %v", err)
	}
	if ext.MacID != macID || ext.Port != grant.Port {
		t.Fatalf("expected same port %d, got %+v", grant.Port, ext)
	}
	if !cutoffRE.MatchString(ext.CutoffTime) {
		t.Fatalf("cutoff_time %q does not match %s", ext.CutoffTime, cutoffPattern)
	}
	cutoff, err := ext.Cutoff()
	if err != nil {
		t.Fatalf("parse cutoff: %v", err)
	}
	if want := srv.Clock.Now().Add(time.Minute); !cutoff.Equal(want) {
		t.Fatalf("expected cutoff counted from now %s, got %s", want, cutoff)
	}

	srv.Clock.Advance(45 * time.Second)
	port, err := srv.Client.LookupPort(ctx, macID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if port != grant.Port {
		t.Fatalf("extended lease should still be active, lookup returned %d", port)
	}
}

func TestAddPortTimeRejectsBadMinutes(t *testing.T) {
	srv := startLeaseServer(t, serverOptions{})
	macID := generateMacID()
	if _, err := srv.Client.RequestPort(context.Background(), macID, 1); err != nil {
		t.Fatalf("request port: %v", err)
	}

	for _, raw := range []string{"0", "3a"} {
		resp := getRaw(t, srv.BaseURL, "/add-port-time?macid="+macID+"&minutes="+raw)
		if resp.Status != http.StatusBadRequest || resp.Body != "Invalid parameter 'minutes'" {
			t.Fatalf("minutes=%s: unexpected response %+v", raw, resp)
		}
	}
}

func TestAddPortTimeAfterExpiry(t *testing.T) {
	srv := startLeaseServer(t, serverOptions{})
	ctx := context.Background()
	macID := generateMacID()
	if _, err := srv.Client.RequestPort(ctx, macID, 1); err != nil {
		t.Fatalf("request port: %v", err)
	}
	srv.Clock.Advance(time.Minute)

	_, err := srv.Client.AddPortTime(ctx, macID, 5)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected API error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "No active port for macId." {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestLookupPortMatchesGrant(t *testing.T) {
	srv := startLeaseServer(t, serverOptions{})
	ctx := context.Background()
	macID := generateMacID()

	grant, err := srv.Client.RequestPort(ctx, macID, 1)
	if err != nil {
		t.Fatalf("request port: %v", err)
	}
	resp := getRaw(t, srv.BaseURL, "/lookup-port?macid="+macID)
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if strings.TrimSpace(resp.Body) != strconv.Itoa(grant.Port) {
		t.Fatalf("expected bare integer %d, got %q", grant.Port, resp.Body)
	}
}

// TestLookupPortZeroAfterExpiry mirrors a device whose one minute lease ran
// out ninety seconds ago: lookup must report 0, and the next request must
// be served from a different port because the released one goes to the
// back of the free queue.
func TestLookupPortZeroAfterExpiry(t *testing.T) {
	srv := startLeaseServer(t, serverOptions{})
	ctx := context.Background()
	macID := generateMacID()

	grant, err := srv.Client.RequestPort(ctx, macID, 1)
	if err != nil {
		t.Fatalf("request port: %v", err)
	}
	srv.Clock.Advance(90 * time.Second)

	port, err := srv.Client.LookupPort(ctx, macID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if port != 0 {
		t.Fatalf("expected 0 after expiry, got %d", port)
	}

	again, err := srv.Client.RequestPort(ctx, macID, 1)
	if err != nil {
		t.Fatalf("request again: %v", err)
	}
	if again.Port == grant.Port {
		t.Fatalf("expected a different port after expiry, got %d again", again.Port)
	}
}

func TestLookupPortMissingMacID(t *testing.T) {
	srv := startLeaseServer(t, serverOptions{})

	resp := getRaw(t, srv.BaseURL, "/lookup-port?macid=")
	if resp.Status != http.StatusBadRequest || resp.Body != "Invalid macId." {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestLookupPortUnknownMacID(t *testing.T) {
	srv := startLeaseServer(t, serverOptions{})

	port, err := srv.Client.LookupPort(context.Background(), "3a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if port != 0 {
		t.Fatalf("expected 0 for unknown macid, got %d", port)
	}
}

func TestConcurrentRequestsGetDistinctPorts(t *testing.T) {
	const clients = 100
	srv := startLeaseServer(t, serverOptions{portMin: 10000, portMax: 10000 + clients - 1})
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ports = make(map[int]string, clients)
		errs  []error
	)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			macID := "device-" + strconv.Itoa(i)
			grant, err := srv.Client.RequestPort(ctx, macID, 5)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if owner, dup := ports[grant.Port]; dup {
				errs = append(errs, errors.New("port "+strconv.Itoa(grant.Port)+" granted to "+owner+" and "+macID))
				return
			}
			ports[grant.Port] = macID
		}(i)
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("concurrent requests failed: %v", errs[0])
	}
	if len(ports) != clients {
		t.Fatalf("expected %d distinct ports, got %d", clients, len(ports))
	}

	resp := getRaw(t, srv.BaseURL, "/request-port?macid=one-too-many")
	if resp.Status != http.StatusServiceUnavailable || resp.Body != "No ports available." {
		t.Fatalf("expected exhausted pool, got %+v", resp)
	}
}

func TestExhaustedPoolRecoversAfterExpiry(t *testing.T) {
	srv := startLeaseServer(t, serverOptions{portMin: 10000, portMax: 10001})
	ctx := context.Background()

	for _, macID := range []string{"a", "b"} {
		if _, err := srv.Client.RequestPort(ctx, macID, 1); err != nil {
			t.Fatalf("request %s: %v", macID, err)
		}
	}
	if _, err := srv.Client.RequestPort(ctx, "c", 1); err == nil {
		t.Fatalf("expected exhaustion with both ports leased")
	}

	srv.Clock.Advance(time.Minute)
	grant, err := srv.Client.RequestPort(ctx, "c", 1)
	if err != nil {
		t.Fatalf("request after expiry: %v", err)
	}
	if grant.Port != 10000 && grant.Port != 10001 {
		t.Fatalf("unexpected port %d", grant.Port)
	}
}

func TestRepeatRequestRefreshesLease(t *testing.T) {
	srv := startLeaseServer(t, serverOptions{})
	ctx := context.Background()
	macID := generateMacID()

	first, err := srv.Client.RequestPort(ctx, macID, 1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	srv.Clock.Advance(30 * time.Second)
	second, err := srv.Client.RequestPort(ctx, macID, 10)
	if err != nil {
		t.Fatalf("repeat request: %v", err)
	}
	if second.Port != first.Port || second.Minutes != 10 {
		t.Fatalf("expected same port with refreshed minutes, got %+v after %+v", second, first)
	}
	if second.CutoffTime == first.CutoffTime {
		t.Fatalf("expected a fresh cutoff")
	}
}

func TestLeasesSurviveRestartWithStore(t *testing.T) {
	shared := store.NewMemory()
	ctx := context.Background()

	first := startLeaseServer(t, serverOptions{store: shared})
	grant, err := first.Client.RequestPort(ctx, "persisted", 60)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	second := startLeaseServer(t, serverOptions{store: shared})
	if _, err := second.Manager.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	port, err := second.Client.LookupPort(ctx, "persisted")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if port != grant.Port {
		t.Fatalf("expected restored port %d, got %d", grant.Port, port)
	}
}
