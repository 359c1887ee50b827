package ingestion_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/ingestion"
	ingestionmock "gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/ingestion/mock"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
)

func TestConsumers_StartStop(t *testing.T) {
	logger.Log = zaptest.NewLogger(t)
	realtime, historical := new(ingestionmock.ConsumerMock), new(ingestionmock.ConsumerMock)
	for _, c := range []*ingestionmock.ConsumerMock{realtime, historical} {
		c.On("Setup").Return(nil).Once()
		c.On("Start").Return(nil).Once()
		c.On("Stop").Return().Once()
	}

	group := ingestion.NewConsumers(realtime, historical)
	require.NoError(t, group.Start())
	group.Stop()
	group.Stop()

	realtime.AssertExpectations(t)
	historical.AssertExpectations(t)
}

func TestConsumers_StartFailureStopsStarted(t *testing.T) {
	logger.Log = zaptest.NewLogger(t)
	realtime, historical := new(ingestionmock.ConsumerMock), new(ingestionmock.ConsumerMock)
	realtime.On("Setup").Return(nil).Once()
	realtime.On("Start").Return(nil).Once()
	realtime.On("Stop").Return().Once()
	historical.On("Setup").Return(errors.New("stream exists with different config")).Once()

	err := ingestion.NewConsumers(realtime, historical).Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consumer 1 setup")

	realtime.AssertExpectations(t)
	historical.AssertNotCalled(t, "Start")
	historical.AssertNotCalled(t, "Stop")
}
