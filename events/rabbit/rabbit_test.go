package rabbit

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/travel-allowance/events"
)

func TestRoutingKey(t *testing.T) {
	tests := []struct {
		kind events.Kind
		want string
	}{
		{events.KindAddressChanged, "change.address"},
		{events.KindRateChanged, "change.rate"},
		{events.KindSiteChanged, "change.site"},
	}
	for _, tt := range tests {
		got, err := routingKey(tt.kind)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := routingKey("unknown")
	assert.ErrorIs(t, err, events.ErrInvalidChange)
}

func TestDecode(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		ev := events.RateChanged("sub-1", "proj-1")
		body, err := json.Marshal(ev)
		require.NoError(t, err)

		got, err := decode(body)

		require.NoError(t, err)
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, events.KindRateChanged, got.Kind)
		assert.Equal(t, "sub-1", got.SubprojectID)
		assert.Equal(t, "proj-1", got.ProjectID)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := decode([]byte("{"))
		assert.ErrorIs(t, err, events.ErrInvalidChange)
	})

	t.Run("missing id for kind", func(t *testing.T) {
		_, err := decode([]byte(`{"kind":"address_changed"}`))
		assert.ErrorIs(t, err, events.ErrInvalidChange)
	})
}

// Requires a broker; set TRAVEL_TEST_RABBITMQ_URL to run.
func TestClient_RoundTrip(t *testing.T) {
	url := os.Getenv("TRAVEL_TEST_RABBITMQ_URL")
	if url == "" {
		t.Skip("TRAVEL_TEST_RABBITMQ_URL not set")
	}

	client, err := Dial(url, "travel-allowance.test", nil)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	changes, err := client.Consume(ctx)
	require.NoError(t, err)

	sent := events.AddressChanged("emp-1")
	require.NoError(t, client.Publish(ctx, sent))

	select {
	case got := <-changes:
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, "emp-1", got.EmployeeID)
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}
