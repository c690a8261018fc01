package bus

import (
	"mmbot/internal/models"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribe_SingleSubscriberPerTopic(t *testing.T) {
	b := New()
	require.NoError(t, b.Subscribe(TopicTrade, func(Event) {}))
	assert.ErrorIs(t, b.Subscribe(TopicTrade, func(Event) {}), ErrTopicTaken)

	b.Unsubscribe(TopicTrade)
	assert.NoError(t, b.Subscribe(TopicTrade, func(Event) {}))
}

func TestPublish_DeliversTypedPayload(t *testing.T) {
	b := New()
	var got []Event
	require.NoError(t, b.Subscribe(TopicOrder, func(ev Event) { got = append(got, ev) }))

	b.PublishOrder(models.Order{LocalID: "a", Status: models.OrderStatusWorking})
	b.PublishTrade(models.Trade{TradeID: "ignored"})

	require.Len(t, got, 1)
	require.NotNil(t, got[0].Order)
	assert.Equal(t, "a", got[0].Order.LocalID)
	assert.Nil(t, got[0].Trade)
}

func TestPublish_PayloadIsCopy(t *testing.T) {
	b := New()
	var got *models.Position
	require.NoError(t, b.Subscribe(TopicPosition, func(ev Event) { got = ev.Position }))

	pos := models.Position{Value: 1}
	b.PublishPosition(pos)
	pos.Value = 2

	require.NotNil(t, got)
	assert.Equal(t, 1.0, got.Value)
}
