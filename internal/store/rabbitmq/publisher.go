package rabbitmq

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// CompletionMessage is the wire payload for one queued completion job. The
// worker re-reads the job row for the full request; session_id rides along for
// log correlation on malformed or dead-lettered deliveries.
type CompletionMessage struct {
	JobID     string `json:"job_id"`
	SessionID string `json:"session_id"`
}

// QueueSet is the broker topology for completion jobs: the main queue
// dead-letters rejected deliveries to the DLQ, the retry queue dead-letters
// expired messages back to main.
type QueueSet struct {
	Main  string
	Retry string
	DLQ   string
}

func CompletionQueues(base string) QueueSet {
	return QueueSet{Main: base, Retry: base + ".retry", DLQ: base + ".dlq"}
}

// DeclareAll declares the three queues with their dead-letter wiring. Both the
// publisher and the worker declare through here; mismatched redeclare
// arguments would otherwise be rejected by the broker.
func (q QueueSet) DeclareAll(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(q.DLQ, true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(q.Retry, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.Main,
	}); err != nil {
		return err
	}
	_, err := ch.QueueDeclare(q.Main, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.DLQ,
	})
	return err
}

// Publisher enqueues completion jobs for the worker.
type Publisher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queues QueueSet
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	queues := CompletionQueues(queue)
	if err := queues.DeclareAll(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Publisher{conn: conn, ch: ch, queues: queues}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// PublishCompletion enqueues one completion job. The job id doubles as the
// broker message id so duplicate deliveries are traceable to one job row.
func (p *Publisher) PublishCompletion(ctx context.Context, jobID, sessionID string) error {
	body, err := json.Marshal(CompletionMessage{JobID: jobID, SessionID: sessionID})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",            // default exchange
		p.queues.Main, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    jobID,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}
