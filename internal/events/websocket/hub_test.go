package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"capital-pools/pool-engine/internal/events"
)

func TestHub_ForwardsEvents(t *testing.T) {
	hub := NewHub(zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.HandleConnection(w, r, "operator")
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	poolID := uuid.New()
	require.NoError(t, hub.Forward(context.Background(), events.Event{Type: events.PoolReady, PoolID: poolID}))

	var got events.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.PoolReady, got.Type)
	assert.Equal(t, poolID, got.PoolID)
}
