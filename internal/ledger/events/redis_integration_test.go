//go:build integration

package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"impactledger/internal/ledger/events"
	"impactledger/internal/ledger/models"
	id "impactledger/pkg/domain"
	"impactledger/pkg/testutil/containers"
)

type RedisPublisherSuite struct {
	suite.Suite
	redis     *containers.RedisContainer
	publisher *events.RedisPublisher
}

func TestRedisPublisherSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisPublisherSuite))
}

func (s *RedisPublisherSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.redis = mgr.GetRedis(s.T())
	var err error
	s.publisher, err = events.NewRedisPublisher(s.redis.Client, "ledger-events-test")
	s.Require().NoError(err)
}

func (s *RedisPublisherSuite) TestPublishReachesSubscriber() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub := s.redis.Subscribe(ctx, s.T(), "ledger-events-test")

	org := id.MustParseIdentity("0x2000000000000000000000000000000000000001")
	event := models.NewEvent(models.WithdrawalRecorded{OrgID: org, Amount: decimal.NewFromInt(40)}, time.Now().UTC(), "req-9")
	s.Require().NoError(s.publisher.Publish(ctx, event))

	msg, err := sub.ReceiveMessage(ctx)
	s.Require().NoError(err)

	env, err := events.Decode([]byte(msg.Payload))
	s.Require().NoError(err)
	s.Equal(event.ID, env.ID)
	s.Equal(models.EventWithdrawalRecorded, env.Type)
	s.Equal("req-9", env.RequestID)
}
