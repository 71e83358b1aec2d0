package sqsqueue

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// BroadcastJob is the unit of work on the dispatch queue: the broadcast id
// only, everything else is read back from the store by the dispatcher.
type BroadcastJob struct {
	BroadcastID string `json:"broadcastId"`
}

type Producer struct {
	SQS      *sqs.Client
	QueueURL string
}

// EnqueueBroadcast puts one dispatch job on the FIFO queue. A single message
// group keeps broadcasts in submission order; the broadcast id doubles as the
// deduplication id so a double submit cannot enqueue twice.
func (p *Producer) EnqueueBroadcast(ctx context.Context, broadcastID string) error {
	body, err := json.Marshal(BroadcastJob{BroadcastID: broadcastID})
	if err != nil {
		return err
	}

	groupID := "dispatch"
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               &p.QueueURL,
		MessageBody:            str(string(body)),
		MessageGroupId:         str(groupID),
		MessageDeduplicationId: str(broadcastID),
	})
	return err
}

func str(s string) *string { return &s }
