package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soulchat/internal/api"
	"soulchat/internal/app"
	"soulchat/internal/config"
	"soulchat/pkg/types"
)

const waitTimeout = 5 * time.Second

func startServer(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.Database.Path = filepath.Join(t.TempDir(), "soulchat.db")
	if mutate != nil {
		mutate(cfg)
	}

	application, err := app.NewApplication(cfg, zerolog.Nop())
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, application.StartOn(context.Background(), ln))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return "http://" + application.Addr()
}

func connectMany(t *testing.T, serverURL string, n int) []*TestClient {
	t.Helper()
	clients := make([]*TestClient, n)
	for i := range clients {
		c, err := Connect(context.Background(), serverURL)
		require.NoError(t, err, "client %d", i)
		t.Cleanup(c.Close)
		clients[i] = c
	}
	return clients
}

func fetchGroups(t *testing.T, serverURL string) []api.GroupSummary {
	t.Helper()
	resp, err := http.Get(serverURL + "/api/groups")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body api.ListGroupsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Groups
}

func TestScenario_FiftyParticipantsFillGroupsOfSeven(t *testing.T) {
	serverURL := startServer(t, nil)
	clients := connectMany(t, serverURL, 50)

	groups := fetchGroups(t, serverURL)
	require.Len(t, groups, 8)
	total := 0
	for i, g := range groups {
		assert.LessOrEqual(t, g.Size, types.DefaultGroupCapacity)
		if i < 7 {
			assert.Equal(t, types.DefaultGroupCapacity, g.Size)
		}
		total += g.Size
	}
	assert.Equal(t, 50, total)

	// Members of the same group hear each other; other groups do not.
	sender, peer, outsider := clients[0], clients[1], clients[7]
	require.Equal(t, sender.GroupID, peer.GroupID)
	require.NotEqual(t, sender.GroupID, outsider.GroupID)
	outsider.Drain()

	require.NoError(t, sender.Send("sending some sunshine"))
	msg, err := peer.WaitFor(types.EventMessage, waitTimeout)
	require.NoError(t, err)
	var payload types.MessagePayload
	require.NoError(t, msg.Decode(&payload))
	assert.Equal(t, types.CategoryUplifting, payload.Category)
	assert.Equal(t, sender.DisplayCode, payload.DisplayCode)

	_, err = outsider.WaitFor(types.EventMessage, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestScenario_GlobalCrisisReachesEveryone(t *testing.T) {
	serverURL := startServer(t, nil)
	clients := connectMany(t, serverURL, 20)

	require.NoError(t, clients[3].Send("i cant go on like this"))

	var wg sync.WaitGroup
	errs := make(chan error, len(clients))
	for _, c := range clients {
		wg.Add(1)
		go func(c *TestClient) {
			defer wg.Done()
			if _, err := c.WaitFor(types.EventCrisisActivated, waitTimeout); err != nil {
				errs <- fmt.Errorf("%s: %w", c.SessionID, err)
			}
		}(c)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	// The sender is frozen and told so.
	_, err := clients[3].WaitFor(types.EventFreezeArmed, waitTimeout)
	require.NoError(t, err)
	require.NoError(t, clients[3].Send("hello again"))
	errEvent, err := clients[3].WaitFor(types.EventError, waitTimeout)
	require.NoError(t, err)
	var payload types.ErrorPayload
	require.NoError(t, errEvent.Decode(&payload))
	assert.Equal(t, "cooldown", payload.Code)
}

func TestScenario_GroupPolicyConfinesCrisis(t *testing.T) {
	serverURL := startServer(t, func(cfg *config.Config) {
		cfg.Crisis.Policy = "group"
	})
	clients := connectMany(t, serverURL, 9)
	first, second := clients[0], clients[8]
	require.NotEqual(t, first.GroupID, second.GroupID)
	second.Drain()

	require.NoError(t, first.Send("feeling hopeless"))
	activated, err := clients[1].WaitFor(types.EventCrisisActivated, waitTimeout)
	require.NoError(t, err)
	assert.Equal(t, types.GroupScope(first.GroupID).String(), activated.Scope)

	_, err = second.WaitFor(types.EventCrisisActivated, 300*time.Millisecond)
	assert.Error(t, err, "other groups stay calm")
}

func TestScenario_CrisisExpiresOnSchedule(t *testing.T) {
	serverURL := startServer(t, func(cfg *config.Config) {
		cfg.Crisis.Duration = 600 * time.Millisecond
		cfg.Crisis.FreezeDuration = 100 * time.Millisecond
		cfg.Crisis.SweepInterval = 50 * time.Millisecond
	})
	clients := connectMany(t, serverURL, 2)

	require.NoError(t, clients[0].Send("i want to die"))
	_, err := clients[1].WaitFor(types.EventCrisisActivated, waitTimeout)
	require.NoError(t, err)

	expired, err := clients[1].WaitFor(types.EventCrisisExpired, waitTimeout)
	require.NoError(t, err)
	var payload types.CrisisExpiredPayload
	require.NoError(t, expired.Decode(&payload))
	assert.Equal(t, "global", payload.Scope)
	assert.Equal(t, "expired", payload.Reason)
}

func TestScenario_ChurnReclaimsGroups(t *testing.T) {
	serverURL := startServer(t, nil)
	clients := connectMany(t, serverURL, 14)
	require.Len(t, fetchGroups(t, serverURL), 2)

	for _, c := range clients[7:] {
		c.Close()
	}
	require.Eventually(t, func() bool {
		return len(fetchGroups(t, serverURL)) == 1
	}, waitTimeout, 20*time.Millisecond)

	// Vacated slots in the first group are reused before a new group opens.
	clients[0].Close()
	require.Eventually(t, func() bool {
		groups := fetchGroups(t, serverURL)
		return len(groups) == 1 && groups[0].Size == 6
	}, waitTimeout, 20*time.Millisecond)

	late, err := Connect(context.Background(), serverURL)
	require.NoError(t, err)
	t.Cleanup(late.Close)
	assert.Equal(t, clients[1].GroupID, late.GroupID)
}
