package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/warp/finance-engine/notify"
	"github.com/warp/finance-engine/notify/mocks"
)

func TestSQSPublisher_Publish(t *testing.T) {
	// 1. Setup
	client := mocks.NewSQSSender(t)
	publisher := notify.NewSQSPublisher(client, "https://sqs.example/queue")
	owner := uuid.New()
	msg := notify.NewMessage(notify.MessageTypeRecurringPosted, owner, notify.RecurringPostedPayload{
		RuleID: 4, EntryID: 17, Delta: decimal.RequireFromString("-1200"), Description: "rent",
	})

	// 2. Mock expectations
	var sent *sqs.SendMessageInput
	client.On("SendMessage", mock.Anything, mock.AnythingOfType("*sqs.SendMessageInput")).
		Run(func(args mock.Arguments) { sent = args.Get(1).(*sqs.SendMessageInput) }).
		Return(&sqs.SendMessageOutput{}, nil)

	// 3. Execute
	require.NoError(t, publisher.Publish(context.Background(), msg))

	// 4. Assert
	require.NotNil(t, sent)
	assert.Equal(t, "https://sqs.example/queue", *sent.QueueUrl)
	assert.Equal(t, "recurringPosted", *sent.MessageAttributes["type"].StringValue)

	var body struct {
		ID      uuid.UUID `json:"id"`
		OwnerID uuid.UUID `json:"owner_id"`
		Payload struct {
			RuleID int64  `json:"rule_id"`
			Delta  string `json:"delta"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(*sent.MessageBody), &body))
	assert.Equal(t, msg.ID, body.ID)
	assert.Equal(t, owner, body.OwnerID)
	assert.Equal(t, int64(4), body.Payload.RuleID)
	assert.Equal(t, "-1200", body.Payload.Delta)
}

func TestSQSPublisher_SendFailure(t *testing.T) {
	client := mocks.NewSQSSender(t)
	publisher := notify.NewSQSPublisher(client, "q")
	boom := errors.New("throttled")
	client.On("SendMessage", mock.Anything, mock.Anything).Return(nil, boom)

	err := publisher.Publish(context.Background(), notify.NewMessage(notify.MessageTypeRecurringPosted, uuid.New(), nil))
	assert.ErrorIs(t, err, boom)
}

func TestRateLimited_WrapsMock(t *testing.T) {
	next := mocks.NewPublisher(t)
	next.On("Publish", mock.Anything, mock.Anything).Return(nil).Once()

	r := notify.NewRateLimited(next, 0.001, 1)
	msg := notify.NewMessage(notify.MessageTypeRecurringPosted, uuid.New(), nil)

	require.NoError(t, r.Publish(context.Background(), msg))
	assert.ErrorIs(t, r.Publish(context.Background(), msg), notify.ErrRateLimited)
}
