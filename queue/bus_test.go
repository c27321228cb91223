package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBus_Publish_DeclaresQueueOnDefaultExchange(t *testing.T) {
	mockChan := &MockAMQPChannel{}
	mockConn := &MockAMQPConnection{MockChannel: mockChan}
	dialer := &MockAMQPDialer{MockConnection: mockConn}

	bus, err := NewBusWithDialer(BusConfig{AMQPURL: "amqp://test"}, dialer, nil)
	require.NoError(t, err)

	require.NoError(t, bus.Publish("wake.events", []byte("payload")))
	require.True(t, mockChan.QueueDeclareCalled)
	require.Equal(t, "wake.events", mockChan.LastQueueName)
	require.True(t, mockChan.PublishCalled)
	require.Equal(t, "wake.events", mockChan.LastKey)
	require.Equal(t, []byte("payload"), mockChan.PublishedMessages[0].Body)
}

func TestBus_PublishJSON(t *testing.T) {
	mockChan := &MockAMQPChannel{}
	mockConn := &MockAMQPConnection{MockChannel: mockChan}
	dialer := &MockAMQPDialer{MockConnection: mockConn}

	bus, err := NewBusWithDialer(BusConfig{AMQPURL: "amqp://test"}, dialer, nil)
	require.NoError(t, err)

	require.NoError(t, bus.PublishJSON("events", map[string]string{"a": "b"}))
	require.JSONEq(t, `{"a":"b"}`, string(mockChan.PublishedMessages[0].Body))
}

func TestBus_Publish_NonDefaultExchangeSkipsDeclare(t *testing.T) {
	mockChan := &MockAMQPChannel{}
	mockConn := &MockAMQPConnection{MockChannel: mockChan}
	dialer := &MockAMQPDialer{MockConnection: mockConn}

	bus, err := NewBusWithDialer(BusConfig{AMQPURL: "amqp://test", Exchange: "workflow.events"}, dialer, nil)
	require.NoError(t, err)

	require.NoError(t, bus.Publish("wake", []byte("x")))
	require.False(t, mockChan.QueueDeclareCalled)
}
